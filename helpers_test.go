package bookingsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeServer is an in-memory server of record with optimistic concurrency
// and idempotency keys.
type fakeServer struct {
	mu        sync.Mutex
	records   map[string]*StatusRecord
	applied   map[string]StatusRecord // idempotency key -> result
	updates   []StatusUpdate
	fetches   int
	failNext  int // transient failures to inject on UpdateStatus
	fetchFail int // transient failures to inject on FetchStatus
	omitState bool
	// beforeUpdate runs before an update is applied, outside the lock.
	beforeUpdate func(StatusUpdate)
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		records: make(map[string]*StatusRecord),
		applied: make(map[string]StatusRecord),
	}
}

func (s *fakeServer) put(id string, status BookingStatus, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = &StatusRecord{BookingID: id, Status: status, Version: version}
}

// force changes a booking as another actor would.
func (s *fakeServer) force(id string, status BookingStatus) StatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[id]
	rec.Status = status
	rec.Version++
	return *rec
}

func (s *fakeServer) get(id string) StatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.records[id]
}

func (s *fakeServer) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *fakeServer) FetchStatus(ctx context.Context, bookingID string) (*StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchFail > 0 {
		s.fetchFail--
		return nil, transientError(bookingID, errors.New("connection reset"))
	}
	rec, ok := s.records[bookingID]
	if !ok {
		return nil, newSyncError(KindRejected, bookingID, "not found")
	}
	out := *rec
	return &out, nil
}

func (s *fakeServer) UpdateStatus(ctx context.Context, u StatusUpdate) (*StatusRecord, error) {
	if s.beforeUpdate != nil {
		s.beforeUpdate(u)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	if s.failNext > 0 {
		s.failNext--
		return nil, transientError(u.BookingID, errors.New("503 service unavailable"))
	}
	if prev, ok := s.applied[u.IdempotencyKey]; ok {
		return &prev, nil
	}
	rec, ok := s.records[u.BookingID]
	if !ok {
		return nil, newSyncError(KindRejected, u.BookingID, "not found")
	}
	if rec.Status != u.ExpectedStatus || rec.Version != u.ExpectedVersion {
		err := newSyncError(KindConflict, u.BookingID, "status changed")
		if !s.omitState {
			cur := *rec
			err.Current = &cur
		}
		return nil, err
	}
	if _, err := Transition(rec.Status, u.Status, u.ActorRole); err != nil {
		return nil, newSyncError(KindRejected, u.BookingID, "%v", err)
	}
	rec.Status = u.Status
	rec.Version++
	s.applied[u.IdempotencyKey] = *rec
	out := *rec
	return &out, nil
}

// seed caches a server-confirmed snapshot.
func seed(t *testing.T, cache *BookingCache, id string, status BookingStatus, version int64, at time.Time) {
	t.Helper()
	if _, err := cache.Apply(CachePatch{BookingID: id, Status: status, Version: version, Source: SourceServer, At: at}); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

// testRig is a reconciler with its collaborators over memory storage.
type testRig struct {
	clock      *manualClock
	storage    *MemoryStorage
	server     *fakeServer
	monitor    *NetworkMonitor
	queue      *ActionQueue
	cache      *BookingCache
	reconciler *Reconciler
	bridge     *RealtimeBridge
}

func newTestRig(t *testing.T, policy RetryPolicy) *testRig {
	t.Helper()
	r := &testRig{
		clock:   newManualClock(),
		storage: NewMemoryStorage(),
		server:  newFakeServer(),
		monitor: NewNetworkMonitor(true, nil),
	}
	r.queue = NewActionQueue(r.storage, policy, r.clock)
	r.cache = NewBookingCache(r.storage)
	r.reconciler = NewReconciler(r.queue, r.cache, r.server, r.monitor, r.clock, nil)
	r.bridge = NewRealtimeBridge(r.cache, r.queue, nil, nil)
	r.bridge.events = r.reconciler.events
	r.reconciler.deferred = r.bridge
	return r
}

// enqueue queues target for id and marks the intent, as the engine does.
func (r *testRig) enqueue(t *testing.T, id string, target BookingStatus, role Role) *QueuedAction {
	t.Helper()
	a, _, err := r.queue.Enqueue(NewAction(id, target, role))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := r.cache.Apply(CachePatch{BookingID: id, Status: target, Source: SourceIntent}); err != nil {
		t.Fatalf("intent: %v", err)
	}
	return a
}

func (r *testRig) drain(t *testing.T) *DrainReport {
	t.Helper()
	report, err := r.reconciler.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	return report
}
