package bookingsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the server of record.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic server response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Booking
// ============================================================================

// BookingStatus is a step in the booking lifecycle.
type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusConfirmed  BookingStatus = "confirmed"
	StatusOnTheWay   BookingStatus = "on_the_way"
	StatusArrived    BookingStatus = "arrived"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
)

// AllStatuses lists every lifecycle status in lifecycle order.
var AllStatuses = []BookingStatus{
	StatusPending,
	StatusConfirmed,
	StatusOnTheWay,
	StatusArrived,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
}

// Valid reports whether s is a known status.
func (s BookingStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Role identifies which party of a booking is acting.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleProvider
}

// Booking is a locally cached booking snapshot.
type Booking struct {
	ID            string        `json:"id"`
	Status        BookingStatus `json:"status"`
	Version       int64         `json:"version"`
	ScheduledDate string        `json:"scheduledDate,omitempty"`
	ScheduledTime string        `json:"scheduledTime,omitempty"`
	Duration      int           `json:"duration,omitempty"` // minutes
	Location      string        `json:"location,omitempty"`
	TotalAmount   float64       `json:"totalAmount,omitempty"`
	CustomerRef   string        `json:"customerRef,omitempty"`
	ProviderRef   string        `json:"providerRef,omitempty"`

	// Local-only. SyncedAt is the last time the server confirmed this snapshot;
	// PendingStatus is the intent of a queued action and is never authoritative.
	SyncedAt      time.Time     `json:"syncedAt,omitempty"`
	PendingStatus BookingStatus `json:"pendingStatus,omitempty"`
}

// StatusRecord is the server's authoritative status for a booking.
type StatusRecord struct {
	BookingID string        `json:"bookingId"`
	Status    BookingStatus `json:"status"`
	Version   int64         `json:"version"`
	UpdatedAt string        `json:"updatedAt,omitempty"`
}

// StatusUpdate is a status mutation submitted to the server of record.
type StatusUpdate struct {
	BookingID       string        `json:"-"`
	IdempotencyKey  string        `json:"-"`
	Status          BookingStatus `json:"status"`
	ExpectedStatus  BookingStatus `json:"expectedStatus"`
	ExpectedVersion int64         `json:"expectedVersion"`
	ActorRole       Role          `json:"actorRole"`
}

// ============================================================================
// Queue
// ============================================================================

// ActionState is the queue-level state of a QueuedAction.
type ActionState string

const (
	ActionPending ActionState = "pending"
	ActionFailed  ActionState = "failed"
)

// QueuedAction is a status mutation not yet confirmed by the server.
type QueuedAction struct {
	ID           string        `json:"id"` // idempotency key
	BookingID    string        `json:"bookingId"`
	TargetStatus BookingStatus `json:"targetStatus"`
	ActorRole    Role          `json:"actorRole"`
	State        ActionState   `json:"state"`
	CreatedAt    time.Time     `json:"createdAt"`
	Attempts     int           `json:"attempts"`
	LastError    string        `json:"lastError,omitempty"`
	NextRetryAt  time.Time     `json:"nextRetryAt,omitempty"`
}

func (a *QueuedAction) clone() *QueuedAction {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// SyncState is a derived snapshot of synchronization progress.
type SyncState struct {
	PendingCount int       `json:"pendingCount"`
	IsSyncing    bool      `json:"isSyncing"`
	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
}

// ============================================================================
// Push
// ============================================================================

// PushEvent is a status change delivered by the push channel.
type PushEvent struct {
	BookingID string        `json:"bookingId"`
	NewStatus BookingStatus `json:"newStatus"`
	Version   int64         `json:"version"`
	Timestamp time.Time     `json:"timestamp"`
}

// ============================================================================
// Clock
// ============================================================================

// Clock supplies the current time. Tests use a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
