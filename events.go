package bookingsync

import (
	"fmt"
	"sync"
)

// Events emitted through Engine.On.
const (
	EventNetworkOnline    = "network.online"
	EventNetworkOffline   = "network.offline"
	EventActionQueued     = "action.queued"
	EventActionConfirmed  = "action.confirmed"
	EventActionConflict   = "action.conflict"
	EventActionRejected   = "action.rejected"
	EventActionExhausted  = "action.exhausted"
	EventSyncStart        = "sync.start"
	EventSyncComplete     = "sync.complete"
	EventBookingUpdated   = "booking.updated"
	EventRealtimeDeferred = "realtime.deferred"
)

// MergeResult tells the user how a local intent was settled against server
// state it had not seen.
type MergeResult struct {
	BookingID     string        `json:"bookingId"`
	ActionID      string        `json:"actionId"`
	Requested     BookingStatus `json:"requested"`
	ServerStatus  BookingStatus `json:"serverStatus"`
	ServerVersion int64         `json:"serverVersion"`
	Kind          ErrorKind     `json:"kind"`
}

// Message is a short user-facing summary.
func (m MergeResult) Message() string {
	switch {
	case m.ServerStatus == StatusCancelled:
		return "booking was cancelled"
	case m.ServerStatus == StatusCompleted:
		return "booking was already completed"
	case m.Kind == KindConflict:
		return fmt.Sprintf("booking was already marked %s", m.ServerStatus)
	default:
		return fmt.Sprintf("could not move booking to %s: it is %s", m.Requested, m.ServerStatus)
	}
}

// EventHandler handles an emitted event. payload's concrete type depends on
// the event: *QueuedAction, MergeResult, *DrainReport, Booking or nil.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[string][]EventHandler)}
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
