package bookingsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RealtimeTransport is a push channel that reports deliveries and
// connection changes; both RealtimeWSClient and RealtimeSSEClient satisfy it.
type RealtimeTransport interface {
	PushChannel
	Connect(ctx context.Context) error
	Disconnect() error
	OnStatusChanged(h func(PushEvent))
	OnConnected(h func())
}

// bookingFetcher is implemented by servers that can return full bookings.
type bookingFetcher interface {
	FetchBooking(ctx context.Context, bookingID string) (*Booking, error)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Role is the party this client acts as.
	Role Role
	// Retry controls backoff for queued actions.
	Retry RetryPolicy
	// StaleAfter is the cached-content threshold.
	StaleAfter time.Duration
	// StartOffline starts the monitor disconnected.
	StartOffline bool
	// Realtime, when set, feeds pushes into the bridge.
	Realtime RealtimeTransport
	Clock    Clock
	Logger   *zap.Logger
}

// TransitionResult describes what RequestTransition did.
type TransitionResult struct {
	BookingID string        `json:"bookingId"`
	Status    BookingStatus `json:"status"`
	Version   int64         `json:"version"`
	// Queued is set when the change awaits the reconciler.
	Queued     bool          `json:"queued"`
	Superseded bool          `json:"superseded,omitempty"`
	Action     *QueuedAction `json:"action,omitempty"`
}

// Engine wires the monitor, queue, cache, reconciler, bridge and reporter
// around one storage and one server of record.
type Engine struct {
	*emitter
	storage    Storage
	server     ServerOfRecord
	role       Role
	clock      Clock
	logger     *zap.Logger
	monitor    *NetworkMonitor
	queue      *ActionQueue
	cache      *BookingCache
	reconciler *Reconciler
	bridge     *RealtimeBridge
	reporter   *StatusReporter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewEngine restores the queue and cache from storage and wires the
// components. opts may be nil only for tests that never call
// RequestTransition; Role is required otherwise.
func NewEngine(storage Storage, server ServerOfRecord, opts *EngineOptions) (*Engine, error) {
	if opts == nil {
		opts = &EngineOptions{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		emitter: newEmitter(),
		storage: storage,
		server:  server,
		role:    opts.Role,
		clock:   clock,
		logger:  logger,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.monitor = NewNetworkMonitor(!opts.StartOffline, logger.Named("network"))
	e.queue = NewActionQueue(storage, opts.Retry, clock)
	e.cache = NewBookingCache(storage)
	if err := e.queue.Load(); err != nil {
		return nil, err
	}
	if err := e.cache.Load(); err != nil {
		return nil, err
	}

	var channel PushChannel
	if opts.Realtime != nil {
		channel = opts.Realtime
	}
	e.reconciler = NewReconciler(e.queue, e.cache, server, e.monitor, clock, logger.Named("reconciler"))
	e.bridge = NewRealtimeBridge(e.cache, e.queue, channel, logger.Named("realtime"))
	e.reporter = NewStatusReporter(e.monitor, e.queue, e.cache, e.reconciler, clock, opts.StaleAfter)

	e.reconciler.events = e.emitter
	e.reconciler.deferred = e.bridge
	e.bridge.events = e.emitter
	e.bridge.onDeferred = func(string) { e.triggerDrain() }

	e.monitor.OnChange(func(connected bool) {
		if connected {
			e.emit(EventNetworkOnline, nil)
			e.triggerDrain()
			return
		}
		e.emit(EventNetworkOffline, nil)
	})
	e.cache.Subscribe(func(b Booking) {
		e.emit(EventBookingUpdated, b)
	})

	if opts.Realtime != nil {
		opts.Realtime.OnStatusChanged(func(ev PushEvent) {
			if _, err := e.bridge.HandleEvent(ev); err != nil {
				e.logger.Warn("push rejected", zap.Error(err))
			}
		})
		opts.Realtime.OnConnected(func() {
			e.monitor.Set(true)
			e.async(func(ctx context.Context) {
				if err := e.bridge.Resubscribe(ctx); err != nil {
					e.logger.Warn("resubscribe", zap.Error(err))
				}
				// Pushes may have been missed while disconnected.
				for _, id := range e.bridge.Watched() {
					if err := e.Refresh(ctx, id); err != nil {
						e.logger.Debug("refresh after reconnect", zap.String("bookingId", id), zap.Error(err))
					}
				}
			})
		})
	}

	if n := e.queue.Size(); n > 0 {
		logger.Info("restored pending actions", zap.Int("pending", n))
	}
	return e, nil
}

func (e *Engine) Monitor() *NetworkMonitor { return e.monitor }
func (e *Engine) Queue() *ActionQueue { return e.queue }
func (e *Engine) Cache() *BookingCache { return e.cache }
func (e *Engine) Reconciler() *Reconciler { return e.reconciler }
func (e *Engine) Bridge() *RealtimeBridge { return e.bridge }
func (e *Engine) Reporter() *StatusReporter { return e.reporter }
func (e *Engine) Role() Role { return e.role }

// SetOnline feeds a connectivity observation into the monitor.
func (e *Engine) SetOnline(online bool) {
	e.monitor.Set(online)
}

// RequestTransition is the UI entry point. The change is validated against
// the last server-confirmed status; local denials are returned immediately
// and never queued. Online, with nothing queued for the booking, the change
// is sent directly. Otherwise, or if the direct attempt fails transiently, it
// is queued for the reconciler.
func (e *Engine) RequestTransition(ctx context.Context, bookingID string, target BookingStatus) (*TransitionResult, error) {
	if !e.role.Valid() {
		return nil, fmt.Errorf("engine role %q is not set", e.role)
	}

	b := e.cache.Get(bookingID)
	if b == nil {
		if !e.monitor.IsConnected() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBooking, bookingID)
		}
		if err := e.Refresh(ctx, bookingID); err != nil {
			return nil, err
		}
		b = e.cache.Get(bookingID)
	}

	if _, err := transitionFor(bookingID, b.Status, target, e.role); err != nil {
		return nil, err
	}

	action := NewAction(bookingID, target, e.role)

	var directErr error
	if e.monitor.IsConnected() && e.queue.Get(bookingID) == nil {
		rec, err := e.server.UpdateStatus(ctx, StatusUpdate{
			BookingID:       bookingID,
			IdempotencyKey:  action.ID,
			Status:          target,
			ExpectedStatus:  b.Status,
			ExpectedVersion: b.Version,
			ActorRole:       e.role,
		})
		switch {
		case err == nil:
			e.reconciler.adopt(*rec, SourceServer)
			e.emit(EventActionConfirmed, action)
			return &TransitionResult{BookingID: bookingID, Status: rec.Status, Version: rec.Version}, nil

		case errors.Is(err, ErrConflict):
			var se *SyncError
			errors.As(err, &se)
			current := se.Current
			if current == nil {
				current, _ = e.server.FetchStatus(ctx, bookingID)
			}
			merge := MergeResult{BookingID: bookingID, ActionID: action.ID, Requested: target, Kind: KindConflict}
			if current != nil {
				e.reconciler.adopt(*current, SourceConflict)
				merge.ServerStatus = current.Status
				merge.ServerVersion = current.Version
				se.Current = current
			}
			e.emit(EventActionConflict, merge)
			return nil, err

		case !IsTransient(err):
			return nil, err
		}
		e.logger.Info("direct update failed, queueing",
			zap.String("bookingId", bookingID), zap.Error(err))
		directErr = err
	}

	stored, superseded, err := e.queue.Enqueue(action)
	if err != nil {
		return nil, err
	}
	if directErr != nil {
		// The attempt may have reached the server; the reconciler must know.
		if marked, err := e.queue.MarkAttempt(stored.ID, directErr); err == nil {
			stored = marked
		} else {
			e.logger.Error("record direct attempt", zap.String("bookingId", bookingID), zap.Error(err))
		}
	}
	if _, err := e.cache.Apply(CachePatch{BookingID: bookingID, Status: target, Source: SourceIntent}); err != nil {
		e.logger.Error("mark intent", zap.String("bookingId", bookingID), zap.Error(err))
	}
	e.emit(EventActionQueued, stored)
	if e.monitor.IsConnected() {
		e.triggerDrain()
	}

	return &TransitionResult{
		BookingID:  bookingID,
		Status:     b.Status,
		Version:    b.Version,
		Queued:     true,
		Superseded: superseded,
		Action:     stored,
	}, nil
}

// Refresh fetches server state for bookingID and adopts it. A queued intent
// stays marked.
func (e *Engine) Refresh(ctx context.Context, bookingID string) error {
	rec, err := e.server.FetchStatus(ctx, bookingID)
	if err != nil {
		return err
	}
	patch := CachePatch{
		BookingID: bookingID,
		Status:    rec.Status,
		Version:   rec.Version,
		Source:    SourceServer,
		At:        e.clock.Now(),
	}
	if f, ok := e.server.(bookingFetcher); ok {
		if details, err := f.FetchBooking(ctx, bookingID); err == nil {
			patch.Details = details
		}
	}
	_, err = e.cache.Apply(patch)
	return err
}

// Watch subscribes to live updates for bookingID and, when online, seeds the
// cache from the server.
func (e *Engine) Watch(ctx context.Context, bookingID string) error {
	if err := e.bridge.Watch(ctx, bookingID); err != nil {
		return err
	}
	if e.monitor.IsConnected() {
		return e.Refresh(ctx, bookingID)
	}
	return nil
}

// Unwatch drops the live subscription for bookingID.
func (e *Engine) Unwatch(ctx context.Context, bookingID string) error {
	return e.bridge.Unwatch(ctx, bookingID)
}

// HandlePush feeds a delivery from any push transport into the bridge.
func (e *Engine) HandlePush(ev PushEvent) (bool, error) {
	return e.bridge.HandleEvent(ev)
}

// Drain runs a reconciler pass on the caller's goroutine.
func (e *Engine) Drain(ctx context.Context) (*DrainReport, error) {
	return e.reconciler.Drain(ctx)
}

// Tick runs a drain pass when the next queued action is due. Drive it from a
// ticker; it is the only place backoff deadlines are checked.
func (e *Engine) Tick(ctx context.Context) (*DrainReport, error) {
	next := e.queue.PeekNext()
	if next == nil || !e.queue.Due(next) {
		return &DrainReport{Skipped: true}, nil
	}
	return e.reconciler.Drain(ctx)
}

// Run calls Tick every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Tick(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("tick", zap.Error(err))
			}
		}
	}
}

// Retry re-initiates a failed action.
func (e *Engine) Retry(actionID string) (*QueuedAction, error) {
	a, err := e.queue.Retry(actionID)
	if err != nil {
		return nil, err
	}
	if _, err := e.cache.Apply(CachePatch{BookingID: a.BookingID, Status: a.TargetStatus, Source: SourceIntent}); err != nil {
		e.logger.Error("mark intent", zap.String("bookingId", a.BookingID), zap.Error(err))
	}
	e.triggerDrain()
	return a, nil
}

// Dismiss drops a queued or failed action without sending it.
func (e *Engine) Dismiss(actionID string) error {
	var bookingID string
	for _, a := range e.queue.List() {
		if a.ID == actionID {
			bookingID = a.BookingID
		}
	}
	if bookingID == "" {
		return fmt.Errorf("dismiss: unknown action %s", actionID)
	}
	if err := e.queue.Remove(actionID); err != nil {
		return err
	}
	e.reconciler.clearIntent(bookingID)
	e.reconciler.foldDeferred(bookingID)
	return nil
}

// Wait blocks until background drains started so far have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops background work and drops event listeners. It does not close
// the storage.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.removeAll()
}

func (e *Engine) triggerDrain() {
	e.async(func(ctx context.Context) {
		if _, err := e.reconciler.Drain(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("drain", zap.Error(err))
		}
	})
}

func (e *Engine) async(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}
