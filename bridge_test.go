package bookingsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingChannel struct {
	subscribed   []string
	unsubscribed []string
	fail         bool
}

func (c *recordingChannel) Subscribe(ctx context.Context, bookingID string) error {
	if c.fail {
		return errors.New("not connected")
	}
	c.subscribed = append(c.subscribed, bookingID)
	return nil
}

func (c *recordingChannel) Unsubscribe(ctx context.Context, bookingID string) error {
	c.unsubscribed = append(c.unsubscribed, bookingID)
	return nil
}

func TestRealtimeBridgeWatch(t *testing.T) {
	ctx := context.Background()
	ch := &recordingChannel{}
	b := NewRealtimeBridge(NewBookingCache(NewMemoryStorage()), NewActionQueue(NewMemoryStorage(), RetryPolicy{}, nil), ch, nil)

	b.Watch(ctx, "bk-2")
	b.Watch(ctx, "bk-1")
	b.Watch(ctx, "bk-1")
	if len(ch.subscribed) != 2 {
		t.Fatalf("expected one subscription per booking, got %v", ch.subscribed)
	}
	if got := b.Watched(); len(got) != 2 || got[0] != "bk-1" {
		t.Fatalf("unexpected watched list %v", got)
	}

	ch.subscribed = nil
	if err := b.Resubscribe(ctx); err != nil {
		t.Fatal(err)
	}
	if len(ch.subscribed) != 2 {
		t.Fatalf("expected resubscribe to cover both bookings, got %v", ch.subscribed)
	}

	b.Unwatch(ctx, "bk-2")
	b.Unwatch(ctx, "bk-2")
	if len(ch.unsubscribed) != 1 || len(b.Watched()) != 1 {
		t.Fatalf("unexpected unwatch result: %v %v", ch.unsubscribed, b.Watched())
	}

	t.Run("failed subscribe stays registered", func(t *testing.T) {
		ch.fail = true
		if err := b.Watch(ctx, "bk-3"); err == nil {
			t.Fatal("expected subscribe error")
		}
		ch.fail = false
		ch.subscribed = nil
		b.Resubscribe(ctx)
		found := false
		for _, id := range ch.subscribed {
			if id == "bk-3" {
				found = true
			}
		}
		if !found {
			t.Fatal("bk-3 was not resubscribed")
		}
	})
}

func TestRealtimeBridgeHandleEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("applies and dedupes", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		seed(t, r.cache, "bk-1", StatusConfirmed, 1, r.clock.Now())
		r.bridge.Watch(ctx, "bk-1")

		notified := 0
		r.cache.Subscribe(func(Booking) { notified++ })

		ev := PushEvent{BookingID: "bk-1", NewStatus: StatusOnTheWay, Version: 2, Timestamp: r.clock.Now()}
		for i := 0; i < 2; i++ {
			if _, err := r.bridge.HandleEvent(ev); err != nil {
				t.Fatal(err)
			}
		}
		if notified != 1 {
			t.Fatalf("duplicate delivery changed the cache %d times", notified)
		}

		// Out of order: an older event arrives late.
		changed, _ := r.bridge.HandleEvent(PushEvent{BookingID: "bk-1", NewStatus: StatusConfirmed, Version: 1})
		if changed || r.cache.Get("bk-1").Status != StatusOnTheWay {
			t.Fatal("older event applied")
		}
	})

	t.Run("ignores unwatched bookings", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		changed, err := r.bridge.HandleEvent(PushEvent{BookingID: "bk-9", NewStatus: StatusConfirmed, Version: 2})
		if err != nil || changed || r.cache.Get("bk-9") != nil {
			t.Fatal("unwatched booking was cached")
		}
	})

	t.Run("rejects malformed events", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		if _, err := r.bridge.HandleEvent(PushEvent{NewStatus: StatusConfirmed}); err == nil {
			t.Fatal("expected error for missing booking id")
		}
		if _, err := r.bridge.HandleEvent(PushEvent{BookingID: "bk-1", NewStatus: "teleported"}); err == nil {
			t.Fatal("expected error for unknown status")
		}
	})

	t.Run("defers behind a pending action until the reconciler runs", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		r.server.put("bk-1", StatusConfirmed, 1)
		seed(t, r.cache, "bk-1", StatusConfirmed, 1, r.clock.Now())
		r.bridge.Watch(ctx, "bk-1")
		r.enqueue(t, "bk-1", StatusOnTheWay, RoleProvider)

		var deferredFor string
		r.bridge.onDeferred = func(id string) { deferredFor = id }

		// The customer cancels; the push arrives while our action is queued.
		rec := r.server.force("bk-1", StatusCancelled)
		changed, err := r.bridge.HandleEvent(PushEvent{BookingID: "bk-1", NewStatus: rec.Status, Version: rec.Version})
		if err != nil || changed {
			t.Fatalf("push must be deferred, got changed=%v err=%v", changed, err)
		}
		if deferredFor != "bk-1" {
			t.Fatal("expected deferral callback")
		}
		b := r.cache.Get("bk-1")
		if b.Status != StatusConfirmed || b.PendingStatus != StatusOnTheWay {
			t.Fatalf("cache changed while deferred: %+v", b)
		}
		if ev, ok := r.bridge.Deferred("bk-1"); !ok || ev.Version != 2 {
			t.Fatalf("expected deferred event, got %+v %v", ev, ok)
		}

		r.drain(t)
		b = r.cache.Get("bk-1")
		if b.Status != StatusCancelled || b.Version != 2 || b.PendingStatus != "" {
			t.Fatalf("expected server outcome after drain: %+v", b)
		}
		if _, ok := r.bridge.Deferred("bk-1"); ok {
			t.Fatal("deferred event must be consumed")
		}
	})

	t.Run("keeps the newest deferred event", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		seed(t, r.cache, "bk-1", StatusPending, 1, r.clock.Now())
		r.bridge.Watch(ctx, "bk-1")
		r.enqueue(t, "bk-1", StatusCancelled, RoleCustomer)

		r.bridge.HandleEvent(PushEvent{BookingID: "bk-1", NewStatus: StatusOnTheWay, Version: 3})
		r.bridge.HandleEvent(PushEvent{BookingID: "bk-1", NewStatus: StatusConfirmed, Version: 2})
		if ev, _ := r.bridge.Deferred("bk-1"); ev.Version != 3 {
			t.Fatalf("expected version 3 kept, got %d", ev.Version)
		}
	})

	t.Run("failed actions do not defer", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{MaxAttempts: 1, BaseDelay: time.Second})
		seed(t, r.cache, "bk-1", StatusConfirmed, 1, r.clock.Now())
		r.bridge.Watch(ctx, "bk-1")
		a := r.enqueue(t, "bk-1", StatusOnTheWay, RoleProvider)
		r.queue.MarkAttempt(a.ID, errors.New("503"))

		changed, _ := r.bridge.HandleEvent(PushEvent{BookingID: "bk-1", NewStatus: StatusCancelled, Version: 2})
		if !changed {
			t.Fatal("push behind a failed action must apply")
		}
	})

	t.Run("action settled while the event is being deferred", func(t *testing.T) {
		r := newTestRig(t, RetryPolicy{})
		r.server.put("bk-1", StatusConfirmed, 1)
		seed(t, r.cache, "bk-1", StatusConfirmed, 1, r.clock.Now())
		r.bridge.Watch(ctx, "bk-1")
		a := r.enqueue(t, "bk-1", StatusOnTheWay, RoleProvider)

		// The reconciler confirms the action right after the bridge saw it
		// pending, and finds nothing deferred yet.
		r.bridge.queue = &settlingQueue{queue: r.queue, settle: func() {
			if err := r.queue.Remove(a.ID); err != nil {
				t.Fatal(err)
			}
			r.reconciler.adopt(StatusRecord{BookingID: "bk-1", Status: StatusOnTheWay, Version: 2}, SourceServer)
			r.reconciler.foldDeferred("bk-1")
		}}

		changed, err := r.bridge.HandleEvent(PushEvent{BookingID: "bk-1", NewStatus: StatusCancelled, Version: 3})
		if err != nil || !changed {
			t.Fatalf("push must apply once the action settled, got changed=%v err=%v", changed, err)
		}
		if b := r.cache.Get("bk-1"); b.Status != StatusCancelled || b.Version != 3 {
			t.Fatalf("unexpected cache %+v", b)
		}
		if _, ok := r.bridge.Deferred("bk-1"); ok {
			t.Fatal("no event may be left behind a settled action")
		}
	})
}

// settlingQueue reports the queue state, then runs settle once.
type settlingQueue struct {
	queue  *ActionQueue
	settle func()
	done   bool
}

func (q *settlingQueue) HasPending(bookingID string) bool {
	pending := q.queue.HasPending(bookingID)
	if !q.done {
		q.done = true
		q.settle()
	}
	return pending
}

func TestPushPatch(t *testing.T) {
	at := newManualClock().Now()
	p := pushPatch(PushEvent{BookingID: "bk-1", NewStatus: StatusArrived, Version: 7, Timestamp: at})
	if p.Source != SourcePush || p.Version != 7 || p.Status != StatusArrived || !p.At.Equal(at) || p.ClearPending {
		t.Fatalf("unexpected patch %+v", p)
	}
}
