package bookingsync

import (
	"fmt"
	"time"
)

// DefaultStaleAfter is how old server-confirmed data may be, while offline,
// before it is marked as cached.
const DefaultStaleAfter = 2 * time.Minute

// StatusSignals are the user-facing sync indicators.
type StatusSignals struct {
	Offline       bool      `json:"offline"`
	Syncing       bool      `json:"syncing"`
	CachedContent bool      `json:"cachedContent"`
	PendingCount  int       `json:"pendingCount"`
	FailedCount   int       `json:"failedCount"`
	LastSyncedAt  time.Time `json:"lastSyncedAt,omitempty"`
}

// StatusReporter derives sync indicators from the monitor, queue, cache and
// reconciler. It only reads.
type StatusReporter struct {
	monitor    *NetworkMonitor
	queue      *ActionQueue
	cache      *BookingCache
	reconciler *Reconciler
	clock      Clock
	staleAfter time.Duration
}

// NewStatusReporter creates a reporter. staleAfter <= 0 selects
// DefaultStaleAfter.
func NewStatusReporter(monitor *NetworkMonitor, queue *ActionQueue, cache *BookingCache, reconciler *Reconciler, clock Clock, staleAfter time.Duration) *StatusReporter {
	if clock == nil {
		clock = SystemClock
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &StatusReporter{
		monitor:    monitor,
		queue:      queue,
		cache:      cache,
		reconciler: reconciler,
		clock:      clock,
		staleAfter: staleAfter,
	}
}

// Signals computes the current indicators.
func (r *StatusReporter) Signals() StatusSignals {
	connected := r.monitor.IsConnected()
	pending := r.queue.Size()
	return StatusSignals{
		Offline:       !connected,
		Syncing:       pending > 0 && connected,
		CachedContent: !connected && r.olderThanThreshold(r.lastConfirmed()),
		PendingCount:  pending,
		FailedCount:   len(r.queue.Failed()),
		LastSyncedAt:  r.reconciler.LastSyncedAt(),
	}
}

// SyncState returns the reconciler-derived SyncState.
func (r *StatusReporter) SyncState() SyncState {
	return r.reconciler.SyncState()
}

// IsStale reports whether the cached snapshot of bookingID should carry the
// cached-content marker.
func (r *StatusReporter) IsStale(bookingID string) bool {
	if r.monitor.IsConnected() {
		return false
	}
	b := r.cache.Get(bookingID)
	if b == nil {
		return false
	}
	return r.olderThanThreshold(b.SyncedAt)
}

// Message returns a one-line banner text, or "" when nothing needs showing.
func (r *StatusReporter) Message() string {
	s := r.Signals()
	switch {
	case s.Offline && s.PendingCount > 0:
		return fmt.Sprintf("You're offline. %d change(s) will sync when you reconnect.", s.PendingCount)
	case s.Offline && s.CachedContent:
		return "You're offline. Showing saved bookings."
	case s.Offline:
		return "You're offline."
	case s.Syncing:
		return fmt.Sprintf("Syncing %d change(s)...", s.PendingCount)
	case s.FailedCount > 0:
		return fmt.Sprintf("%d change(s) could not be saved. Tap to retry.", s.FailedCount)
	}
	return ""
}

// lastConfirmed is the oldest server confirmation of anything on screen,
// falling back to the last clean drain when nothing is cached.
func (r *StatusReporter) lastConfirmed() time.Time {
	if oldest := r.cache.OldestSync(); !oldest.IsZero() {
		return oldest
	}
	return r.reconciler.LastSyncedAt()
}

func (r *StatusReporter) olderThanThreshold(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	return r.clock.Now().Sub(t) > r.staleAfter
}
