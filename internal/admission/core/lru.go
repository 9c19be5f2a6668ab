// Package core implements federation admission control.
package core

import "container/list"

// lruOrigins tracks origin names in least recently used order.
type lruOrigins struct {
	max   int
	items map[string]*list.Element
	order *list.List
}

func newLRUOrigins(max int) *lruOrigins {
	if max < 0 {
		max = 0
	}
	return &lruOrigins{
		max:   max,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Touch marks an origin as most recently used, inserting it if absent.
func (lru *lruOrigins) Touch(origin string) {
	if lru == nil {
		return
	}
	if element, ok := lru.items[origin]; ok {
		lru.order.MoveToFront(element)
		return
	}
	element := lru.order.PushFront(origin)
	lru.items[origin] = element
}

// Remove deletes an origin.
func (lru *lruOrigins) Remove(origin string) {
	if lru == nil {
		return
	}
	element, ok := lru.items[origin]
	if !ok {
		return
	}
	lru.order.Remove(element)
	delete(lru.items, origin)
}

// Len reports the number of tracked origins.
func (lru *lruOrigins) Len() int {
	if lru == nil {
		return 0
	}
	return len(lru.items)
}

// EvictIfNeeded removes least recently used origins until size <= max,
// skipping any origin the idle predicate rejects. Busy origins stay even
// if the registry transiently exceeds max.
func (lru *lruOrigins) EvictIfNeeded(idle func(string) bool) []string {
	if lru == nil || len(lru.items) <= lru.max {
		return nil
	}

	excess := len(lru.items) - lru.max
	evicted := make([]string, 0, excess)
	element := lru.order.Back()
	for element != nil && len(evicted) < excess {
		previous := element.Prev()
		origin := element.Value.(string)
		if idle == nil || idle(origin) {
			lru.order.Remove(element)
			delete(lru.items, origin)
			evicted = append(evicted, origin)
		}
		element = previous
	}
	return evicted
}
