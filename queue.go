package bookingsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Retry policy
// ============================================================================

// RetryPolicy controls backoff for queued actions.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy is used for zero fields of a RetryPolicy.
var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:   2 * time.Second,
	MaxDelay:    5 * time.Minute,
	MaxAttempts: 6,
}

func (p *RetryPolicy) defaults() {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
}

// Delay returns the wait after the given number of failed attempts:
// BaseDelay doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ============================================================================
// ActionQueue
// ============================================================================

// ActionQueue is the durable, ordered store of pending status mutations. It
// holds at most one action per booking; every change is written through to
// Storage before the call returns.
type ActionQueue struct {
	mu      sync.Mutex
	storage Storage
	policy  RetryPolicy
	clock   Clock
	actions []*QueuedAction // oldest first
}

// NewActionQueue creates an empty queue. Call Load to restore persisted
// actions.
func NewActionQueue(storage Storage, policy RetryPolicy, clock Clock) *ActionQueue {
	policy.defaults()
	if clock == nil {
		clock = SystemClock
	}
	return &ActionQueue{storage: storage, policy: policy, clock: clock}
}

// Policy returns the effective retry policy.
func (q *ActionQueue) Policy() RetryPolicy {
	return q.policy
}

// Load replaces the in-memory queue with the persisted one. If storage holds
// more than one action for a booking (a crash between delete and put of an
// older build), the newest wins and the rest are dropped.
func (q *ActionQueue) Load() error {
	stored, err := q.storage.LoadActions()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	byBooking := make(map[string]int)
	var actions []*QueuedAction
	for _, a := range stored {
		if i, ok := byBooking[a.BookingID]; ok {
			if err := q.storage.DeleteAction(actions[i].ID); err != nil {
				return fmt.Errorf("load queue: %w", err)
			}
			actions[i] = a
			continue
		}
		byBooking[a.BookingID] = len(actions)
		actions = append(actions, a)
	}

	q.mu.Lock()
	q.actions = actions
	q.mu.Unlock()
	return nil
}

// NewAction builds a pending action with a fresh idempotency key.
func NewAction(bookingID string, target BookingStatus, role Role) *QueuedAction {
	return &QueuedAction{
		ID:           uuid.NewString(),
		BookingID:    bookingID,
		TargetStatus: target,
		ActorRole:    role,
		State:        ActionPending,
	}
}

// Enqueue adds a, or supersedes the action already queued for the same
// booking. A superseded entry keeps its queue position and idempotency key;
// its target, role and retry bookkeeping are replaced. The returned action is
// a copy of what was stored.
func (q *ActionQueue) Enqueue(a *QueuedAction) (stored *QueuedAction, superseded bool, err error) {
	if a.BookingID == "" {
		return nil, false, fmt.Errorf("enqueue: missing booking id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, existing := range q.actions {
		if existing.BookingID != a.BookingID {
			continue
		}
		next := existing.clone()
		next.TargetStatus = a.TargetStatus
		next.ActorRole = a.ActorRole
		next.State = ActionPending
		next.Attempts = 0
		next.LastError = ""
		next.NextRetryAt = time.Time{}

		// Same key, so the write replaces the stored entry in one step.
		if err := q.storage.PutAction(next); err != nil {
			return nil, false, fmt.Errorf("supersede %s: %w", next.ID, err)
		}
		q.actions[i] = next
		return next.clone(), true, nil
	}

	next := a.clone()
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = q.clock.Now()
	}
	next.State = ActionPending
	if err := q.storage.PutAction(next); err != nil {
		return nil, false, fmt.Errorf("persist %s: %w", next.ID, err)
	}
	q.actions = append(q.actions, next)
	return next.clone(), false, nil
}

// PeekNext returns the oldest pending action, due or not, or nil. Failed
// actions are skipped.
func (q *ActionQueue) PeekNext() *QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.State == ActionPending {
			return a.clone()
		}
	}
	return nil
}

// Due reports whether a may be attempted now.
func (q *ActionQueue) Due(a *QueuedAction) bool {
	return a != nil && !q.clock.Now().Before(a.NextRetryAt)
}

// MarkAttempt records a failed attempt for id and schedules the next one.
// Once MaxAttempts is reached the action becomes failed and is no longer
// returned by PeekNext.
func (q *ActionQueue) MarkAttempt(id string, cause error) (*QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := q.find(id)
	if a == nil {
		return nil, fmt.Errorf("mark attempt: unknown action %s", id)
	}
	a.Attempts++
	if cause != nil {
		a.LastError = cause.Error()
	}
	if a.Attempts >= q.policy.MaxAttempts {
		a.State = ActionFailed
		a.NextRetryAt = time.Time{}
	} else {
		a.NextRetryAt = q.clock.Now().Add(q.policy.Delay(a.Attempts))
	}
	if err := q.storage.PutAction(a); err != nil {
		return a.clone(), fmt.Errorf("persist %s: %w", id, err)
	}
	return a.clone(), nil
}

// Remove deletes the action with the given id. Removing an unknown id is a
// no-op.
func (q *ActionQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.actions {
		if a.ID == id {
			if err := q.storage.DeleteAction(id); err != nil {
				return fmt.Errorf("remove %s: %w", id, err)
			}
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return nil
		}
	}
	return nil
}

// Retry re-initiates a failed action with a clean attempt count.
func (q *ActionQueue) Retry(id string) (*QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a := q.find(id)
	if a == nil {
		return nil, fmt.Errorf("retry: unknown action %s", id)
	}
	if a.State != ActionFailed {
		return a.clone(), nil
	}
	a.State = ActionPending
	a.Attempts = 0
	a.LastError = ""
	a.NextRetryAt = time.Time{}
	if err := q.storage.PutAction(a); err != nil {
		return a.clone(), fmt.Errorf("persist %s: %w", id, err)
	}
	return a.clone(), nil
}

// Get returns the action queued for bookingID, or nil.
func (q *ActionQueue) Get(bookingID string) *QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.BookingID == bookingID {
			return a.clone()
		}
	}
	return nil
}

// HasPending reports whether a pending action exists for bookingID.
func (q *ActionQueue) HasPending(bookingID string) bool {
	a := q.Get(bookingID)
	return a != nil && a.State == ActionPending
}

// Size returns the number of pending actions.
func (q *ActionQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, a := range q.actions {
		if a.State == ActionPending {
			n++
		}
	}
	return n
}

// Failed returns the exhausted actions awaiting explicit re-initiation.
func (q *ActionQueue) Failed() []*QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*QueuedAction
	for _, a := range q.actions {
		if a.State == ActionFailed {
			out = append(out, a.clone())
		}
	}
	return out
}

// List returns a copy of every queued action, oldest first.
func (q *ActionQueue) List() []*QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*QueuedAction, len(q.actions))
	for i, a := range q.actions {
		out[i] = a.clone()
	}
	return out
}

func (q *ActionQueue) find(id string) *QueuedAction {
	for _, a := range q.actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}
