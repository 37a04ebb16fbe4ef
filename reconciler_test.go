package bookingsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconcilerScenarios(t *testing.T) {
	t.Run("offline confirm replays on reconnect", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		r.server.put("bk-1", StatusPending, 1)
		seed(t, r.cache, "bk-1", StatusPending, 1, r.clock.Now())

		r.monitor.Set(false)
		r.enqueue(t, "bk-1", StatusConfirmed, RoleProvider)
		if report := r.drain(t); !report.Skipped {
			t.Fatal("drain must not run offline")
		}

		r.monitor.Set(true)
		report := r.drain(t)
		if report.Confirmed != 1 {
			t.Fatalf("expected 1 confirmed, got %+v", report)
		}
		if r.queue.Size() != 0 {
			t.Fatal("expected empty queue")
		}
		b := r.cache.Get("bk-1")
		if b.Status != StatusConfirmed || b.Version != 2 || b.PendingStatus != "" {
			t.Fatalf("unexpected cache: %+v", b)
		}
		if r.reconciler.LastSyncedAt().IsZero() {
			t.Fatal("expected LastSyncedAt after a clean pass")
		}
	})

	t.Run("customer cancel lands after provider moved on", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		r.server.put("bk-1", StatusConfirmed, 1)
		seed(t, r.cache, "bk-1", StatusConfirmed, 1, r.clock.Now())

		r.monitor.Set(false)
		r.enqueue(t, "bk-1", StatusCancelled, RoleCustomer)
		r.server.force("bk-1", StatusOnTheWay)

		r.monitor.Set(true)
		report := r.drain(t)
		if report.Confirmed != 1 || report.Conflicts != 0 {
			t.Fatalf("unexpected report: %+v", report)
		}
		if got := r.server.get("bk-1"); got.Status != StatusCancelled || got.Version != 3 {
			t.Fatalf("unexpected server state: %+v", got)
		}
		last := r.server.updates[len(r.server.updates)-1]
		if last.ExpectedStatus != StatusOnTheWay || last.ExpectedVersion != 2 {
			t.Fatalf("replay must start from the server's state: %+v", last)
		}
		if r.cache.Get("bk-1").Status != StatusCancelled {
			t.Fatal("expected cancelled in cache")
		}
	})

	t.Run("provider action discarded when customer cancelled", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		r.server.put("bk-1", StatusConfirmed, 1)
		seed(t, r.cache, "bk-1", StatusConfirmed, 1, r.clock.Now())

		var merges []MergeResult
		r.reconciler.events.On(EventActionRejected, func(_ string, p any) {
			merges = append(merges, p.(MergeResult))
		})

		r.monitor.Set(false)
		r.enqueue(t, "bk-1", StatusOnTheWay, RoleProvider)
		r.server.force("bk-1", StatusCancelled)

		r.monitor.Set(true)
		report := r.drain(t)
		if report.Rejected != 1 || r.server.updateCount() != 0 {
			t.Fatalf("expected local denial without a PATCH: %+v", report)
		}
		if len(merges) != 1 || merges[0].Kind != KindTerminalState {
			t.Fatalf("expected terminal-state merge, got %+v", merges)
		}
		if msg := merges[0].Message(); msg != "booking was cancelled" {
			t.Fatalf("unexpected message %q", msg)
		}
		b := r.cache.Get("bk-1")
		if b.Status != StatusCancelled || b.PendingStatus != "" {
			t.Fatalf("expected server state adopted: %+v", b)
		}
		if r.queue.Get("bk-1") != nil {
			t.Fatal("expected action discarded")
		}
	})
}

func TestReconcilerConflict(t *testing.T) {
	for _, omit := range []bool{false, true} {
		name := "conflict body carries state"
		if omit {
			name = "conflict body without state refetches"
		}
		t.Run(name, func(t *testing.T) {
			r := newTestRig(t, RetryPolicy{})
			r.server.put("bk-1", StatusConfirmed, 1)
			r.server.omitState = omit
			seed(t, r.cache, "bk-1", StatusConfirmed, 1, r.clock.Now())
			r.enqueue(t, "bk-1", StatusOnTheWay, RoleProvider)

			// Another actor wins the race between fetch and submit.
			raced := false
			r.server.beforeUpdate = func(StatusUpdate) {
				if !raced {
					raced = true
					r.server.force("bk-1", StatusCancelled)
				}
			}

			var conflicts []MergeResult
			r.reconciler.events.On(EventActionConflict, func(_ string, p any) {
				conflicts = append(conflicts, p.(MergeResult))
			})

			report := r.drain(t)
			if report.Conflicts != 1 || r.server.updateCount() != 1 {
				t.Fatalf("expected one conflict and no blind retry: %+v", report)
			}
			if len(conflicts) != 1 || conflicts[0].ServerStatus != StatusCancelled {
				t.Fatalf("expected conflict surfaced, got %+v", conflicts)
			}
			b := r.cache.Get("bk-1")
			if b.Status != StatusCancelled || b.Version != 2 || b.PendingStatus != "" {
				t.Fatalf("server must win: %+v", b)
			}
			if r.queue.Get("bk-1") != nil {
				t.Fatal("conflicting action must be discarded")
			}
		})
	}
}

func TestReconcilerTransientFailures(t *testing.T) {
	t.Run("backs off and blocks later bookings", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5})
		r.server.put("bk-1", StatusPending, 1)
		r.server.put("bk-2", StatusPending, 1)
		seed(t, r.cache, "bk-1", StatusPending, 1, r.clock.Now())
		seed(t, r.cache, "bk-2", StatusPending, 1, r.clock.Now())
		first := r.enqueue(t, "bk-1", StatusConfirmed, RoleProvider)
		r.clock.Advance(time.Millisecond)
		r.enqueue(t, "bk-2", StatusConfirmed, RoleProvider)

		r.server.failNext = 1
		report := r.drain(t)
		if report.Retrying != 1 || report.Confirmed != 0 {
			t.Fatalf("expected the pass to stop on bk-1: %+v", report)
		}
		if report.Blocked == nil || report.Blocked.ID != first.ID {
			t.Fatalf("expected bk-1 blocking, got %+v", report.Blocked)
		}
		if r.server.updateCount() != 1 {
			t.Fatal("bk-2 must wait behind bk-1")
		}

		// Not yet due: nothing is sent.
		report = r.drain(t)
		if r.server.updateCount() != 1 || report.Blocked == nil {
			t.Fatalf("retried before backoff elapsed: %+v", report)
		}
		if !r.reconciler.LastSyncedAt().IsZero() {
			t.Fatal("LastSyncedAt must not advance while actions wait")
		}

		r.clock.Advance(time.Second)
		report = r.drain(t)
		if report.Confirmed != 2 || r.queue.Size() != 0 {
			t.Fatalf("expected both confirmed after backoff: %+v", report)
		}
		keys := map[string]bool{}
		for _, u := range r.server.updates {
			if u.BookingID == "bk-1" {
				keys[u.IdempotencyKey] = true
			}
		}
		if len(keys) != 1 || !keys[first.ID] {
			t.Fatalf("retries must reuse the idempotency key, got %v", keys)
		}
	})

	t.Run("exhausts after max attempts and unblocks the queue", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 3})
		r.server.put("bk-1", StatusPending, 1)
		r.server.put("bk-2", StatusPending, 1)
		seed(t, r.cache, "bk-1", StatusPending, 1, r.clock.Now())
		seed(t, r.cache, "bk-2", StatusPending, 1, r.clock.Now())
		r.enqueue(t, "bk-1", StatusConfirmed, RoleProvider)
		r.clock.Advance(time.Millisecond)
		r.enqueue(t, "bk-2", StatusCancelled, RoleCustomer)

		var exhausted []*QueuedAction
		r.reconciler.events.On(EventActionExhausted, func(_ string, p any) {
			exhausted = append(exhausted, p.(*QueuedAction))
		})

		r.server.fetchFail = 3
		var report *DrainReport
		for i := 0; i < 3; i++ {
			report = r.drain(t)
			r.clock.Advance(time.Second)
		}
		if report.Exhausted != 1 || report.Confirmed != 1 {
			t.Fatalf("expected bk-1 exhausted and bk-2 confirmed: %+v", report)
		}
		if len(exhausted) != 1 || exhausted[0].State != ActionFailed || exhausted[0].Attempts != 3 {
			t.Fatalf("expected exhausted action surfaced: %+v", exhausted)
		}
		if r.cache.Get("bk-1").PendingStatus != "" {
			t.Fatal("exhausted intent must not stay marked")
		}
		if len(r.queue.Failed()) != 1 {
			t.Fatal("failed action must remain for re-initiation")
		}

		// A further pass leaves the failed action alone.
		fetches := r.server.fetches
		r.drain(t)
		if r.server.fetches != fetches {
			t.Fatal("failed action was retried without re-initiation")
		}
	})
}

func TestReconcilerReentrancy(t *testing.T) {
	r := newTestRig(t, RetryPolicy{})
	r.server.put("bk-1", StatusPending, 1)
	seed(t, r.cache, "bk-1", StatusPending, 1, r.clock.Now())
	r.enqueue(t, "bk-1", StatusConfirmed, RoleProvider)

	var nested *DrainReport
	r.server.beforeUpdate = func(StatusUpdate) {
		if !r.reconciler.IsSyncing() {
			t.Error("expected syncing during a pass")
		}
		nested, _ = r.reconciler.Drain(context.Background())
	}

	report := r.drain(t)
	if nested == nil || !nested.Skipped {
		t.Fatalf("second drain must be skipped, got %+v", nested)
	}
	if report.Confirmed != 1 || r.server.updateCount() != 1 {
		t.Fatalf("expected a single submission: %+v", report)
	}
	if r.reconciler.IsSyncing() {
		t.Fatal("syncing flag must clear after the pass")
	}
}

func TestReconcilerDeterminism(t *testing.T) {
	// A replay against unchanged server state sends what a live attempt would.
	r := newTestRig(t, RetryPolicy{})
	r.server.put("bk-1", StatusConfirmed, 4)
	seed(t, r.cache, "bk-1", StatusConfirmed, 4, r.clock.Now())
	a := r.enqueue(t, "bk-1", StatusOnTheWay, RoleProvider)

	live, err := Transition(StatusConfirmed, StatusOnTheWay, RoleProvider)
	if err != nil {
		t.Fatal(err)
	}
	r.drain(t)

	got := r.server.updates[0]
	want := StatusUpdate{
		BookingID:       "bk-1",
		IdempotencyKey:  a.ID,
		Status:          live,
		ExpectedStatus:  StatusConfirmed,
		ExpectedVersion: 4,
		ActorRole:       RoleProvider,
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if r.server.get("bk-1").Status != live {
		t.Fatal("replay outcome differs from live decision")
	}
}

func TestReconcilerSyncState(t *testing.T) {
	r := newTestRig(t, RetryPolicy{})
	r.server.put("bk-1", StatusPending, 1)
	seed(t, r.cache, "bk-1", StatusPending, 1, r.clock.Now())
	r.enqueue(t, "bk-1", StatusConfirmed, RoleProvider)

	if s := r.reconciler.SyncState(); s.PendingCount != 1 || s.IsSyncing {
		t.Fatalf("unexpected state before drain: %+v", s)
	}
	r.drain(t)
	s := r.reconciler.SyncState()
	if s.PendingCount != 0 || !s.LastSyncedAt.Equal(r.clock.Now()) {
		t.Fatalf("unexpected state after drain: %+v", s)
	}
}

func TestReconcilerTargetReachedByOtherActor(t *testing.T) {
	r := newTestRig(t, RetryPolicy{})
	r.server.put("bk-1", StatusConfirmed, 1)
	seed(t, r.cache, "bk-1", StatusConfirmed, 1, r.clock.Now())
	r.enqueue(t, "bk-1", StatusCancelled, RoleCustomer)
	// The provider cancels first; this action was never sent.
	r.server.force("bk-1", StatusCancelled)

	report := r.drain(t)
	if report.Confirmed != 0 || report.Rejected != 1 || r.server.updateCount() != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Merges[0].Kind != KindTerminalState {
		t.Fatalf("unexpected merge %+v", report.Merges[0])
	}
	if b := r.cache.Get("bk-1"); b.Status != StatusCancelled || b.Version != 2 || b.PendingStatus != "" {
		t.Fatalf("unexpected cache %+v", b)
	}
}

func TestReconcilerLostResponse(t *testing.T) {
	ctx := context.Background()

	t.Run("own change is confirmed by its key", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		r.server.put("bk-1", StatusPending, 1)
		seed(t, r.cache, "bk-1", StatusPending, 1, r.clock.Now())
		a := r.enqueue(t, "bk-1", StatusConfirmed, RoleProvider)

		// The earlier attempt was applied but its response never arrived.
		if _, err := r.server.UpdateStatus(ctx, StatusUpdate{
			BookingID: "bk-1", IdempotencyKey: a.ID, Status: StatusConfirmed,
			ExpectedStatus: StatusPending, ExpectedVersion: 1, ActorRole: RoleProvider,
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.queue.MarkAttempt(a.ID, errors.New("timeout")); err != nil {
			t.Fatal(err)
		}
		r.clock.Advance(r.queue.Policy().Delay(1))

		report := r.drain(t)
		if report.Confirmed != 1 || report.Rejected != 0 {
			t.Fatalf("unexpected report %+v", report)
		}
		if got := r.server.get("bk-1"); got.Version != 2 {
			t.Fatalf("change applied twice: %+v", got)
		}
		r.server.mu.Lock()
		updates := append([]StatusUpdate(nil), r.server.updates...)
		r.server.mu.Unlock()
		if len(updates) != 2 || updates[1].IdempotencyKey != a.ID {
			t.Fatalf("expected a resubmit under the original key, got %+v", updates)
		}
		if b := r.cache.Get("bk-1"); b.Status != StatusConfirmed || b.Version != 2 || b.PendingStatus != "" {
			t.Fatalf("unexpected cache %+v", b)
		}
	})

	t.Run("other actor's change is rejected", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		r.server.put("bk-1", StatusConfirmed, 1)
		seed(t, r.cache, "bk-1", StatusConfirmed, 1, r.clock.Now())
		a := r.enqueue(t, "bk-1", StatusCancelled, RoleCustomer)

		// Our attempt never arrived; the provider cancelled meanwhile.
		if _, err := r.queue.MarkAttempt(a.ID, errors.New("timeout")); err != nil {
			t.Fatal(err)
		}
		r.server.force("bk-1", StatusCancelled)
		r.clock.Advance(r.queue.Policy().Delay(1))

		report := r.drain(t)
		if report.Confirmed != 0 || report.Rejected != 1 {
			t.Fatalf("unexpected report %+v", report)
		}
		if report.Merges[0].Kind != KindTerminalState || report.Merges[0].ServerVersion != 2 {
			t.Fatalf("unexpected merge %+v", report.Merges[0])
		}
		if r.queue.Size() != 0 {
			t.Fatal("rejected action must leave the queue")
		}
	})
}

// failDeleteStorage cannot delete queued actions.
type failDeleteStorage struct {
	*MemoryStorage
}

func (s failDeleteStorage) DeleteAction(id string) error {
	return errors.New("disk full")
}

func TestReconcilerStopsWhenRemoveFails(t *testing.T) {
	storage := failDeleteStorage{NewMemoryStorage()}
	clock := newManualClock()
	server := newFakeServer()
	monitor := NewNetworkMonitor(true, nil)
	queue := NewActionQueue(storage, RetryPolicy{}, clock)
	cache := NewBookingCache(storage)
	r := NewReconciler(queue, cache, server, monitor, clock, nil)

	for _, target := range []BookingStatus{StatusConfirmed, StatusCancelled} {
		t.Run(string(target), func(t *testing.T) {
			server.put("bk-1", StatusPending, 1)
			seed(t, cache, "bk-1", StatusPending, 1, clock.Now())
			if target == StatusCancelled {
				// Already terminal on the server, so the action is discarded.
				server.force("bk-1", StatusCancelled)
			}
			if _, _, err := queue.Enqueue(NewAction("bk-1", target, RoleProvider)); err != nil {
				t.Fatal(err)
			}
			server.mu.Lock()
			server.fetches = 0
			server.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			report, err := r.Drain(ctx)
			if err != nil {
				t.Fatalf("drain must stop on its own, got %v", err)
			}
			if report.Confirmed != 0 || report.Rejected != 0 {
				t.Fatalf("unsettled action counted: %+v", report)
			}
			server.mu.Lock()
			fetches := server.fetches
			server.mu.Unlock()
			if fetches != 1 {
				t.Fatalf("expected one fetch, got %d", fetches)
			}
			if queue.Size() != 1 {
				t.Fatal("action must stay queued")
			}
		})
	}
}
