package inmemory_test

import (
	"context"
	"sync"
	"testing"

	"github.com/Eyecu/synapse/internal/admission/core"
	"github.com/Eyecu/synapse/internal/admission/store/inmemory"
)

func TestStore_RecordAndCount(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	roomID := "!room:example.org"

	total, err := store.RecordStateEvents(context.Background(), roomID, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected total 2, got %d", total)
	}

	total, err = store.RecordStateEvents(context.Background(), roomID, 500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 502 {
		t.Fatalf("expected total 502, got %d", total)
	}

	count, err := store.StateEventCount(context.Background(), roomID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 502 {
		t.Fatalf("expected count 502, got %d", count)
	}
}

func TestStore_UnknownRoom(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	_, err := store.StateEventCount(context.Background(), "!missing:example.org")
	if got := core.CodeOf(err); got != core.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %q (%v)", got, err)
	}
}

func TestStore_RejectsNegativeDelta(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	_, err := store.RecordStateEvents(context.Background(), "!room:example.org", -1)
	if got := core.CodeOf(err); got != core.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %q (%v)", got, err)
	}
}

func TestStore_ConcurrentRecords(t *testing.T) {
	t.Parallel()

	store := inmemory.New()
	roomID := "!room:example.org"

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.RecordStateEvents(context.Background(), roomID, 1); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	count, err := store.StateEventCount(context.Background(), roomID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 50 {
		t.Fatalf("expected 50 state events, got %d", count)
	}
}
