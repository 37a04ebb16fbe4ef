package bookingsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DrainReport summarizes one drain pass.
type DrainReport struct {
	// Skipped is set when the pass did not run: a drain was already in
	// progress or the monitor reports no connectivity.
	Skipped   bool          `json:"skipped"`
	Confirmed int           `json:"confirmed"`
	Conflicts int           `json:"conflicts"`
	Rejected  int           `json:"rejected"`
	Retrying  int           `json:"retrying"`
	Exhausted int           `json:"exhausted"`
	Merges    []MergeResult `json:"merges,omitempty"`
	// Blocked is the action that ended the pass early: it is waiting for its
	// next retry, and later actions wait behind it.
	Blocked *QueuedAction `json:"blocked,omitempty"`
}

// deferredSource hands over push events held back while an action was queued.
type deferredSource interface {
	takeDeferred(bookingID string) (PushEvent, bool)
}

// Reconciler replays queued actions against the server of record. It handles
// one booking at a time, oldest first, and never runs two passes at once.
type Reconciler struct {
	queue    *ActionQueue
	cache    *BookingCache
	server   ServerOfRecord
	monitor  *NetworkMonitor
	clock    Clock
	logger   *zap.Logger
	events   *emitter
	deferred deferredSource

	mu           sync.Mutex
	syncing      bool
	lastSyncedAt time.Time
}

// NewReconciler wires a reconciler. events may be nil.
func NewReconciler(queue *ActionQueue, cache *BookingCache, server ServerOfRecord, monitor *NetworkMonitor, clock Clock, logger *zap.Logger) *Reconciler {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		queue:   queue,
		cache:   cache,
		server:  server,
		monitor: monitor,
		clock:   clock,
		logger:  logger,
		events:  newEmitter(),
	}
}

// IsSyncing reports whether a drain pass is running.
func (r *Reconciler) IsSyncing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncing
}

// LastSyncedAt is the end of the last pass that emptied the queue.
func (r *Reconciler) LastSyncedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSyncedAt
}

// SyncState derives the current SyncState.
func (r *Reconciler) SyncState() SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SyncState{
		PendingCount: r.queue.Size(),
		IsSyncing:    r.syncing,
		LastSyncedAt: r.lastSyncedAt,
	}
}

// Drain runs one pass over the queue. A call made while a pass is running,
// or while offline, returns a report with Skipped set.
func (r *Reconciler) Drain(ctx context.Context) (*DrainReport, error) {
	r.mu.Lock()
	if r.syncing || !r.monitor.IsConnected() {
		r.mu.Unlock()
		return &DrainReport{Skipped: true}, nil
	}
	r.syncing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.syncing = false
		r.mu.Unlock()
	}()

	r.events.emit(EventSyncStart, nil)
	report := &DrainReport{}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		a := r.queue.PeekNext()
		if a == nil {
			break
		}
		if !r.queue.Due(a) {
			report.Blocked = a
			break
		}
		if stop := r.replay(ctx, a, report); stop {
			break
		}
	}

	if report.Blocked == nil && r.queue.Size() == 0 {
		r.mu.Lock()
		r.lastSyncedAt = r.clock.Now()
		r.mu.Unlock()
	}
	r.logger.Info("drain finished",
		zap.Int("confirmed", report.Confirmed),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("rejected", report.Rejected),
		zap.Int("retrying", report.Retrying),
		zap.Int("exhausted", report.Exhausted),
	)
	r.events.emit(EventSyncComplete, report)
	return report, nil
}

// replay settles a single action and reports whether the pass must stop.
func (r *Reconciler) replay(ctx context.Context, a *QueuedAction, report *DrainReport) bool {
	log := r.logger.With(zap.String("bookingId", a.BookingID), zap.String("actionId", a.ID))

	current, err := r.server.FetchStatus(ctx, a.BookingID)
	if err != nil {
		if IsTransient(err) {
			return r.retryLater(a, err, report, log)
		}
		log.Warn("status fetch rejected, discarding action", zap.Error(err))
		return r.discard(a, nil, KindOf(err), report)
	}

	// After a failed attempt the server may already hold our change with the
	// response lost. Resubmitting under the same key lets the server's
	// idempotency check answer; a change made by someone else is rejected.
	landed := a.Attempts > 0 && current.Status == a.TargetStatus

	// Validate from the server's status, not the stale local one.
	if !landed {
		if _, err := transitionFor(a.BookingID, current.Status, a.TargetStatus, a.ActorRole); err != nil {
			log.Info("queued action no longer valid",
				zap.String("serverStatus", string(current.Status)),
				zap.Error(err))
			return r.discard(a, current, KindOf(err), report)
		}
	}

	updated, err := r.server.UpdateStatus(ctx, StatusUpdate{
		BookingID:       a.BookingID,
		IdempotencyKey:  a.ID,
		Status:          a.TargetStatus,
		ExpectedStatus:  current.Status,
		ExpectedVersion: current.Version,
		ActorRole:       a.ActorRole,
	})
	switch {
	case err == nil:
		return r.confirm(a, *updated, report, log)

	case errors.Is(err, ErrConflict):
		var se *SyncError
		errors.As(err, &se)
		serverState := se.Current
		if serverState == nil {
			// The conflict body carried no state; ask again.
			if rec, ferr := r.server.FetchStatus(ctx, a.BookingID); ferr == nil {
				serverState = rec
			}
		}
		log.Info("conflict, adopting server state", zap.Error(err))
		return r.discard(a, serverState, KindConflict, report)

	case IsTransient(err):
		return r.retryLater(a, err, report, log)

	default:
		log.Warn("action rejected by server", zap.Error(err))
		kind := KindOf(err)
		if landed {
			// Report why the status could not be reached, e.g. terminal-state.
			if _, derr := transitionFor(a.BookingID, current.Status, a.TargetStatus, a.ActorRole); derr != nil {
				kind = KindOf(derr)
			}
		}
		return r.discard(a, current, kind, report)
	}
}

// confirm settles a after the server accepted it. It reports whether the pass
// must stop: an action that cannot be removed would come straight back.
func (r *Reconciler) confirm(a *QueuedAction, rec StatusRecord, report *DrainReport, log *zap.Logger) bool {
	removeErr := r.queue.Remove(a.ID)
	if removeErr != nil {
		log.Error("remove confirmed action", zap.Error(removeErr))
	}
	r.adopt(rec, SourceServer)
	if removeErr != nil {
		return true
	}
	r.foldDeferred(a.BookingID)
	report.Confirmed++
	log.Info("action confirmed", zap.Int64("version", rec.Version))
	r.events.emit(EventActionConfirmed, a)
	return false
}

// discard drops a, adopts serverState when known, and surfaces the outcome.
// Like confirm, it reports whether the pass must stop.
func (r *Reconciler) discard(a *QueuedAction, serverState *StatusRecord, kind ErrorKind, report *DrainReport) bool {
	if err := r.queue.Remove(a.ID); err != nil {
		r.logger.Error("remove discarded action", zap.String("actionId", a.ID), zap.Error(err))
		if serverState != nil {
			r.adopt(*serverState, SourceServer)
		}
		return true
	}

	merge := MergeResult{
		BookingID: a.BookingID,
		ActionID:  a.ID,
		Requested: a.TargetStatus,
		Kind:      kind,
	}
	if serverState != nil {
		source := SourceServer
		if kind == KindConflict {
			source = SourceConflict
		}
		r.adopt(*serverState, source)
		merge.ServerStatus = serverState.Status
		merge.ServerVersion = serverState.Version
	} else {
		r.clearIntent(a.BookingID)
	}
	r.foldDeferred(a.BookingID)

	report.Merges = append(report.Merges, merge)
	if kind == KindConflict {
		report.Conflicts++
		r.events.emit(EventActionConflict, merge)
		return false
	}
	report.Rejected++
	r.events.emit(EventActionRejected, merge)
	return false
}

func (r *Reconciler) retryLater(a *QueuedAction, cause error, report *DrainReport, log *zap.Logger) bool {
	updated, err := r.queue.MarkAttempt(a.ID, cause)
	if err != nil {
		log.Error("record attempt", zap.Error(err))
		return true
	}
	if updated.State == ActionFailed {
		report.Exhausted++
		log.Warn("action exhausted", zap.Int("attempts", updated.Attempts), zap.Error(cause))
		r.clearIntent(a.BookingID)
		r.foldDeferred(a.BookingID)
		r.events.emit(EventActionExhausted, updated)
		// The failed action no longer blocks the bookings queued behind it.
		return false
	}
	report.Retrying++
	report.Blocked = updated
	log.Debug("transient failure, backing off",
		zap.Int("attempts", updated.Attempts),
		zap.Time("nextRetryAt", updated.NextRetryAt),
		zap.Error(cause))
	return true
}

// adopt writes server truth into the cache and drops the local intent.
func (r *Reconciler) adopt(rec StatusRecord, source PatchSource) {
	_, err := r.cache.Apply(CachePatch{
		BookingID:    rec.BookingID,
		Status:       rec.Status,
		Version:      rec.Version,
		Source:       source,
		At:           r.clock.Now(),
		ClearPending: true,
	})
	if err != nil {
		r.logger.Error("apply server state", zap.String("bookingId", rec.BookingID), zap.Error(err))
	}
}

func (r *Reconciler) clearIntent(bookingID string) {
	if r.cache.Get(bookingID) == nil {
		return
	}
	if _, err := r.cache.Apply(CachePatch{BookingID: bookingID, Source: SourceIntent}); err != nil {
		r.logger.Error("clear intent", zap.String("bookingId", bookingID), zap.Error(err))
	}
}

// foldDeferred applies a push event held back while the booking had a queued
// action. The cache drops it if the server state adopted since is newer.
func (r *Reconciler) foldDeferred(bookingID string) {
	if r.deferred == nil {
		return
	}
	ev, ok := r.deferred.takeDeferred(bookingID)
	if !ok {
		return
	}
	if _, err := r.cache.Apply(pushPatch(ev)); err != nil {
		r.logger.Error("fold deferred push", zap.String("bookingId", bookingID), zap.Error(err))
	}
}
