// Package core implements federation admission control.
package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Eyecu/synapse/internal/admission/observability"
)

// RateLimitSettings configures per-origin admission of federation requests.
// One instance is shared read-only by every origin bucket; it never changes
// after startup.
type RateLimitSettings struct {
	// WindowSize is the sliding window over which requests are counted.
	WindowSize time.Duration
	// SleepLimit is the window count above which requests are delayed.
	SleepLimit int
	// SleepDelay is the single delay applied to throttled requests.
	SleepDelay time.Duration
	// RejectLimit is the window count above which requests are refused.
	RejectLimit int
	// ConcurrentRequests caps in-flight requests per origin.
	ConcurrentRequests int
	// MaxOrigins bounds the origin bucket registry.
	MaxOrigins int
}

func (s RateLimitSettings) withDefaults() RateLimitSettings {
	if s.WindowSize <= 0 {
		s.WindowSize = time.Second
	}
	if s.SleepLimit <= 0 {
		s.SleepLimit = 10
	}
	if s.SleepDelay <= 0 {
		s.SleepDelay = 500 * time.Millisecond
	}
	if s.RejectLimit <= 0 {
		s.RejectLimit = 50
	}
	if s.ConcurrentRequests <= 0 {
		s.ConcurrentRequests = 3
	}
	if s.MaxOrigins <= 0 {
		s.MaxOrigins = 10000
	}
	return s
}

// FederationLimiter admits inbound federation requests per origin server.
// Each origin gets an isolated bucket combining a sliding request window
// with a concurrency semaphore; buckets are created lazily and evicted in
// LRU order once the registry exceeds MaxOrigins.
type FederationLimiter struct {
	settings RateLimitSettings
	clock    Clock
	tracer   observability.Tracer
	sampler  observability.Sampler

	mu      sync.Mutex
	buckets map[string]*originBucket
	lru     *lruOrigins
}

type originBucket struct {
	mu     sync.Mutex
	window []int64
	slots  chan struct{}
	// refs counts acquires in progress plus unreleased tokens. A bucket is
	// only evictable at zero, so eviction can never discard a held slot.
	refs atomic.Int64
}

// Admission is the token returned by a successful Acquire. Release must be
// called on every exit path; it is safe to call more than once.
type Admission struct {
	origin string
	bucket *originBucket
	// Slept reports that the request was delayed before admission.
	Slept bool
	// Waited reports that the request queued for a concurrency slot.
	Waited bool
	once   sync.Once
}

// Origin returns the origin the token was issued for.
func (a *Admission) Origin() string {
	if a == nil {
		return ""
	}
	return a.origin
}

// Release returns the concurrency slot. Only the first call has effect.
func (a *Admission) Release() {
	if a == nil || a.bucket == nil {
		return
	}
	a.once.Do(func() {
		<-a.bucket.slots
		a.bucket.refs.Add(-1)
	})
}

// NewFederationLimiter constructs a limiter with defaults applied.
func NewFederationLimiter(settings RateLimitSettings, clock Clock) *FederationLimiter {
	settings = settings.withDefaults()
	if clock == nil {
		clock = SystemClock{}
	}
	return &FederationLimiter{
		settings: settings,
		clock:    clock,
		buckets:  make(map[string]*originBucket),
		lru:      newLRUOrigins(settings.MaxOrigins),
	}
}

// Settings returns the immutable limiter settings.
func (l *FederationLimiter) Settings() RateLimitSettings {
	if l == nil {
		return RateLimitSettings{}
	}
	return l.settings
}

// SetTracing attaches an optional tracer. Acquires are sampled by origin.
func (l *FederationLimiter) SetTracing(tracer observability.Tracer, sampler observability.Sampler) {
	if l == nil {
		return
	}
	l.tracer = tracer
	l.sampler = sampler
}

func (l *FederationLimiter) startSpan(ctx context.Context, name, origin string) (context.Context, observability.Span) {
	if l.tracer == nil || l.sampler == nil || !l.sampler.Sampled(origin) {
		return ctx, nil
	}
	ctx, span := l.tracer.StartSpan(ctx, name)
	span.SetAttribute("origin", origin)
	return ctx, span
}

// Origins reports the number of registered origin buckets.
func (l *FederationLimiter) Origins() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Acquire admits one request from origin, blocking while the origin has
// ConcurrentRequests in flight and delaying once by SleepDelay while the
// window count exceeds SleepLimit. It fails with RESOURCE_LIMIT_EXCEEDED
// when the window count exceeds RejectLimit, and unwinds without leaking
// capacity when ctx is cancelled during any suspension.
func (l *FederationLimiter) Acquire(ctx context.Context, origin string) (adm *Admission, err error) {
	if l == nil {
		return nil, Wrap(CodeInternal, "limiter is not configured", nil)
	}
	if origin == "" {
		return nil, Wrap(CodeInvalidInput, "origin is required", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := l.startSpan(ctx, "Acquire", origin)
	defer func() { finishSpan(span, err) }()

	bucket := l.checkout(origin)
	bucket.prune(l.clock.Now(), l.settings.WindowSize)

	waited := false
	select {
	case bucket.slots <- struct{}{}:
	default:
		waited = true
		select {
		case bucket.slots <- struct{}{}:
		case <-ctx.Done():
			bucket.refs.Add(-1)
			return nil, ctx.Err()
		}
	}

	recent := bucket.prune(l.clock.Now(), l.settings.WindowSize)
	if recent > l.settings.RejectLimit {
		<-bucket.slots
		bucket.refs.Add(-1)
		return nil, Wrap(CodeResourceLimitExceeded, "too many requests from "+origin, nil)
	}

	slept := false
	if recent > l.settings.SleepLimit {
		slept = true
		if err := l.clock.Sleep(ctx, l.settings.SleepDelay); err != nil {
			<-bucket.slots
			bucket.refs.Add(-1)
			return nil, err
		}
	}

	bucket.record(l.clock.Now())
	return &Admission{origin: origin, bucket: bucket, Slept: slept, Waited: waited}, nil
}

// checkout returns the bucket for origin, creating it if needed, with its
// reference count already incremented.
func (l *FederationLimiter) checkout(origin string) *originBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[origin]
	if !ok {
		bucket = &originBucket{slots: make(chan struct{}, l.settings.ConcurrentRequests)}
		l.buckets[origin] = bucket
	}
	l.lru.Touch(origin)
	bucket.refs.Add(1)

	for _, evict := range l.lru.EvictIfNeeded(l.idleLocked) {
		delete(l.buckets, evict)
	}
	return bucket
}

func (l *FederationLimiter) idleLocked(origin string) bool {
	bucket := l.buckets[origin]
	return bucket == nil || bucket.refs.Load() == 0
}

// prune drops window entries that aged past windowSize and returns the
// count of remaining entries.
func (b *originBucket) prune(now time.Time, windowSize time.Duration) int {
	cutoff := now.Add(-windowSize).UnixNano()
	b.mu.Lock()
	defer b.mu.Unlock()
	aged := 0
	for aged < len(b.window) && b.window[aged] <= cutoff {
		aged++
	}
	if aged > 0 {
		b.window = append(b.window[:0], b.window[aged:]...)
	}
	return len(b.window)
}

func (b *originBucket) record(now time.Time) {
	b.mu.Lock()
	b.window = append(b.window, now.UnixNano())
	b.mu.Unlock()
}
