package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestEnqueue_StartsWhenSlotFree(t *testing.T) {
	q := New(1)

	res := q.Enqueue("S1", "architecture-overview", time.Now())
	if res.Disposition != DispositionStarted {
		t.Fatalf("expected started, got %s", res.Disposition)
	}
	if res.Slot != 1 {
		t.Errorf("expected slot 1, got %d", res.Slot)
	}
}

func TestEnqueue_NewestReplacesPending(t *testing.T) {
	q := New(1)
	section := "architecture-overview"

	if res := q.Enqueue("S1", section, time.Now()); res.Disposition != DispositionStarted {
		t.Fatalf("S1 should start, got %s", res.Disposition)
	}

	res := q.Enqueue("S2", section, time.Now())
	if res.Disposition != DispositionPending {
		t.Fatalf("S2 should be pending, got %s", res.Disposition)
	}
	if res.ReplacedSessionID != "" {
		t.Errorf("S2 replaced nothing, got %q", res.ReplacedSessionID)
	}

	res = q.Enqueue("S3", section, time.Now())
	if res.Disposition != DispositionPending {
		t.Fatalf("S3 should be pending, got %s", res.Disposition)
	}
	if res.ReplacedSessionID != "S2" {
		t.Errorf("S3 should replace S2, got %q", res.ReplacedSessionID)
	}

	snap := q.Snapshot()
	if got := snap.Active[section]; len(got) != 1 || got[0] != "S1" {
		t.Errorf("S1 should remain active, got %v", got)
	}
	if snap.Pending[section] != "S3" {
		t.Errorf("S3 should be pending, got %q", snap.Pending[section])
	}
}

func TestCancel_ActivePromotesPending(t *testing.T) {
	q := New(1)
	section := "sec"

	q.Enqueue("A", section, time.Now())
	q.Enqueue("B", section, time.Now())

	res := q.Cancel("A")
	if !res.Released {
		t.Fatal("canceling active session should release the slot")
	}
	if res.Slot != 1 {
		t.Errorf("expected freed slot 1, got %d", res.Slot)
	}
	if res.Promoted == nil || res.Promoted.SessionID != "B" {
		t.Fatalf("B should be promoted, got %+v", res.Promoted)
	}
	if res.Promoted.Slot != 1 {
		t.Errorf("promoted slot should be 1, got %d", res.Promoted.Slot)
	}

	snap := q.Snapshot()
	if got := snap.Active[section]; len(got) != 1 || got[0] != "B" {
		t.Errorf("B should be active, got %v", got)
	}
	if _, ok := snap.Pending[section]; ok {
		t.Error("pending entry should be gone after promotion")
	}
}

func TestCancel_PendingReleasesNothing(t *testing.T) {
	q := New(1)
	q.Enqueue("A", "sec", time.Now())
	q.Enqueue("B", "sec", time.Now())

	res := q.Cancel("B")
	if res.Released {
		t.Error("canceling a pending entry should not release a slot")
	}
	if res.Promoted != nil {
		t.Error("canceling a pending entry should not promote")
	}

	snap := q.Snapshot()
	if got := snap.Active["sec"]; len(got) != 1 || got[0] != "A" {
		t.Errorf("A should remain active, got %v", got)
	}
}

func TestCancel_UnknownSessionIsNoop(t *testing.T) {
	q := New(1)
	res := q.Cancel("ghost")
	if res.Released || res.Promoted != nil {
		t.Errorf("unexpected result for unknown session: %+v", res)
	}
}

func TestComplete_Promotes(t *testing.T) {
	q := New(1)
	q.Enqueue("A", "sec", time.Now())
	q.Enqueue("B", "sec", time.Now())

	res := q.Complete("A")
	if res.Promoted == nil || res.Promoted.SessionID != "B" {
		t.Fatalf("B should be promoted on completion, got %+v", res.Promoted)
	}
}

func TestMultipleSlots(t *testing.T) {
	q := New(2)
	section := "sec"

	first := q.Enqueue("A", section, time.Now())
	second := q.Enqueue("B", section, time.Now())
	if first.Disposition != DispositionStarted || second.Disposition != DispositionStarted {
		t.Fatal("both sessions should start with two slots")
	}
	if first.Slot == second.Slot {
		t.Errorf("slots should differ, both got %d", first.Slot)
	}

	third := q.Enqueue("C", section, time.Now())
	if third.Disposition != DispositionPending {
		t.Fatalf("C should be pending, got %s", third.Disposition)
	}

	// Freeing slot 1 promotes C into it; B keeps slot 2.
	res := q.Cancel("A")
	if res.Promoted == nil || res.Promoted.SessionID != "C" || res.Promoted.Slot != first.Slot {
		t.Fatalf("C should take slot %d, got %+v", first.Slot, res.Promoted)
	}
}

func TestInvariant_BoundedEntriesUnderConcurrency(t *testing.T) {
	q := New(1)
	sections := []string{"s1", "s2", "s3"}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session := fmt.Sprintf("sess-%d", i)
			section := sections[i%len(sections)]
			res := q.Enqueue(session, section, time.Now())
			if res.Disposition == DispositionStarted {
				q.Complete(session)
			}
		}(i)
	}
	wg.Wait()

	snap := q.Snapshot()
	for section, active := range snap.Active {
		if len(active) > 1 {
			t.Errorf("section %s has %d active entries", section, len(active))
		}
	}
	for section, pend := range snap.Pending {
		if pend == "" {
			t.Errorf("section %s has empty pending entry", section)
		}
	}
}
