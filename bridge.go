package bookingsync

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// PushChannel is a transport that can deliver status changes for individual
// bookings.
type PushChannel interface {
	Subscribe(ctx context.Context, bookingID string) error
	Unsubscribe(ctx context.Context, bookingID string) error
}

// pendingChecker reports whether a booking has a pending queued action.
type pendingChecker interface {
	HasPending(bookingID string) bool
}

// RealtimeBridge turns inbound push events into cache patches. It keeps one
// subscription per watched booking, drops redelivered events, and holds back
// events for bookings that have a queued local action until the reconciler
// has settled that action.
type RealtimeBridge struct {
	cache   *BookingCache
	queue   pendingChecker
	channel PushChannel
	logger  *zap.Logger
	events  *emitter

	// onDeferred runs after an event is held back, so the reconciler can fold
	// in authoritative state before the next replay.
	onDeferred func(bookingID string)

	mu       sync.Mutex
	watched  map[string]struct{}
	deferred map[string]PushEvent
}

// NewRealtimeBridge creates a bridge. channel may be nil when events arrive
// only through HandleEvent (e.g. a webhook receiver).
func NewRealtimeBridge(cache *BookingCache, queue *ActionQueue, channel PushChannel, logger *zap.Logger) *RealtimeBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeBridge{
		cache:    cache,
		queue:    queue,
		channel:  channel,
		logger:   logger,
		events:   newEmitter(),
		watched:  make(map[string]struct{}),
		deferred: make(map[string]PushEvent),
	}
}

// Watch subscribes to bookingID. Watching an already watched booking is a
// no-op.
func (b *RealtimeBridge) Watch(ctx context.Context, bookingID string) error {
	b.mu.Lock()
	if _, ok := b.watched[bookingID]; ok {
		b.mu.Unlock()
		return nil
	}
	b.watched[bookingID] = struct{}{}
	b.mu.Unlock()

	if b.channel == nil {
		return nil
	}
	if err := b.channel.Subscribe(ctx, bookingID); err != nil {
		// Stay registered: Resubscribe retries after the next reconnect.
		return fmt.Errorf("subscribe %s: %w", bookingID, err)
	}
	return nil
}

// Unwatch drops the subscription for bookingID.
func (b *RealtimeBridge) Unwatch(ctx context.Context, bookingID string) error {
	b.mu.Lock()
	_, ok := b.watched[bookingID]
	delete(b.watched, bookingID)
	delete(b.deferred, bookingID)
	b.mu.Unlock()

	if !ok || b.channel == nil {
		return nil
	}
	return b.channel.Unsubscribe(ctx, bookingID)
}

// Watched returns the watched booking ids, sorted.
func (b *RealtimeBridge) Watched() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.watched))
	for id := range b.watched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resubscribe re-issues every subscription; call it after the transport
// reconnects. It returns the first error but attempts every booking.
func (b *RealtimeBridge) Resubscribe(ctx context.Context) error {
	if b.channel == nil {
		return nil
	}
	var first error
	for _, id := range b.Watched() {
		if err := b.channel.Subscribe(ctx, id); err != nil {
			b.logger.Warn("resubscribe failed", zap.String("bookingId", id), zap.Error(err))
			if first == nil {
				first = fmt.Errorf("resubscribe %s: %w", id, err)
			}
		}
	}
	return first
}

// pushPatch converts a push event into the cache patch that applies it.
func pushPatch(ev PushEvent) CachePatch {
	return CachePatch{
		BookingID: ev.BookingID,
		Status:    ev.NewStatus,
		Version:   ev.Version,
		Source:    SourcePush,
		At:        ev.Timestamp,
	}
}

// HandleEvent processes one delivery and reports whether the cache changed.
// Events at or below the cached version are duplicates. Events for a booking
// with a pending queued action are deferred.
func (b *RealtimeBridge) HandleEvent(ev PushEvent) (bool, error) {
	if ev.BookingID == "" || !ev.NewStatus.Valid() {
		return false, fmt.Errorf("malformed push event for %q: status %q", ev.BookingID, ev.NewStatus)
	}

	b.mu.Lock()
	_, watching := b.watched[ev.BookingID]
	b.mu.Unlock()
	if !watching {
		return false, nil
	}

	if cached := b.cache.Get(ev.BookingID); cached != nil && cached.Version >= ev.Version {
		return false, nil
	}

	if b.queue.HasPending(ev.BookingID) {
		b.mu.Lock()
		if prev, ok := b.deferred[ev.BookingID]; !ok || ev.Version > prev.Version {
			b.deferred[ev.BookingID] = ev
		}
		b.mu.Unlock()

		// The action may have settled between the check and the store, after
		// the reconciler looked for deferred events. Take the event back.
		if !b.queue.HasPending(ev.BookingID) {
			held, ok := b.takeDeferred(ev.BookingID)
			if !ok {
				return false, nil
			}
			return b.cache.Apply(pushPatch(held))
		}

		b.logger.Debug("push deferred behind queued action",
			zap.String("bookingId", ev.BookingID),
			zap.Int64("version", ev.Version))
		b.events.emit(EventRealtimeDeferred, ev)
		if b.onDeferred != nil {
			b.onDeferred(ev.BookingID)
		}
		return false, nil
	}

	changed, err := b.cache.Apply(pushPatch(ev))
	if err != nil {
		return false, err
	}
	if changed {
		b.logger.Debug("push applied",
			zap.String("bookingId", ev.BookingID),
			zap.String("status", string(ev.NewStatus)),
			zap.Int64("version", ev.Version))
	}
	return changed, nil
}

// Deferred returns the held-back event for bookingID, if any.
func (b *RealtimeBridge) Deferred(bookingID string) (PushEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.deferred[bookingID]
	return ev, ok
}

func (b *RealtimeBridge) takeDeferred(bookingID string) (PushEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.deferred[bookingID]
	delete(b.deferred, bookingID)
	return ev, ok
}
