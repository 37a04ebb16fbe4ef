package bookingsync

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PatchSource records where a cache patch came from.
type PatchSource string

const (
	// SourceServer is a response from the server of record.
	SourceServer PatchSource = "server"
	// SourcePush is a realtime delivery.
	SourcePush PatchSource = "push"
	// SourceConflict is server state adopted after a rejected local action.
	SourceConflict PatchSource = "conflict"
	// SourceIntent marks the locally intended status of a queued action.
	SourceIntent PatchSource = "intent"
)

// CachePatch is the only value that mutates the booking cache.
type CachePatch struct {
	BookingID string
	Status    BookingStatus
	Version   int64
	Source    PatchSource
	At        time.Time

	// ClearPending drops the queued-intent marker along with an
	// authoritative update.
	ClearPending bool
	// Details, when set, carries booking attributes from a full fetch.
	Details *Booking
}

func (p CachePatch) authoritative() bool {
	return p.Source == SourceServer || p.Source == SourceConflict || p.Source == SourcePush
}

// BookingCache holds the last-known booking snapshots and notifies
// subscribers of every change.
type BookingCache struct {
	mu          sync.RWMutex
	storage     Storage
	bookings    map[string]*Booking
	subscribers map[int]func(Booking)
	nextSubID   int
}

// NewBookingCache creates an empty cache backed by storage.
func NewBookingCache(storage Storage) *BookingCache {
	return &BookingCache{
		storage:     storage,
		bookings:    make(map[string]*Booking),
		subscribers: make(map[int]func(Booking)),
	}
}

// Load restores snapshots from storage.
func (c *BookingCache) Load() error {
	stored, err := c.storage.LoadBookings()
	if err != nil {
		return fmt.Errorf("load bookings: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range stored {
		c.bookings[b.ID] = b
	}
	return nil
}

// Apply folds p into the cache and reports whether anything changed.
//
// Authoritative patches never move a booking back to an older version. A push
// at or below the cached version is a duplicate and is dropped; a server or
// conflict patch at the cached version only refreshes SyncedAt.
func (c *BookingCache) Apply(p CachePatch) (bool, error) {
	if p.BookingID == "" {
		return false, fmt.Errorf("apply: missing booking id")
	}

	c.mu.Lock()
	cur, known := c.bookings[p.BookingID]
	next := &Booking{ID: p.BookingID}
	if known {
		*next = *cur
	}

	changed := false
	switch {
	case p.Source == SourceIntent:
		if next.PendingStatus != p.Status {
			next.PendingStatus = p.Status
			changed = true
		}

	case p.authoritative():
		if known && p.Version < cur.Version {
			c.mu.Unlock()
			return false, nil
		}
		if known && p.Version == cur.Version && p.Source == SourcePush {
			c.mu.Unlock()
			return false, nil
		}
		if !known || next.Status != p.Status || next.Version != p.Version {
			changed = true
		}
		next.Status = p.Status
		next.Version = p.Version
		if p.Source != SourcePush {
			next.SyncedAt = p.At
		}
		if p.ClearPending && next.PendingStatus != "" {
			next.PendingStatus = ""
			changed = true
		}
		if p.Details != nil {
			copyDetails(next, p.Details)
			changed = true
		}

	default:
		c.mu.Unlock()
		return false, fmt.Errorf("apply: unknown patch source %q", p.Source)
	}

	if !changed && known && next.SyncedAt.Equal(cur.SyncedAt) {
		c.mu.Unlock()
		return false, nil
	}
	if err := c.storage.PutBooking(next); err != nil {
		c.mu.Unlock()
		return false, fmt.Errorf("persist booking %s: %w", p.BookingID, err)
	}
	c.bookings[p.BookingID] = next
	snapshot := *next
	subs := make([]func(Booking), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	if changed {
		for _, fn := range subs {
			fn(snapshot)
		}
	}
	return changed, nil
}

func copyDetails(dst, src *Booking) {
	dst.ScheduledDate = src.ScheduledDate
	dst.ScheduledTime = src.ScheduledTime
	dst.Duration = src.Duration
	dst.Location = src.Location
	dst.TotalAmount = src.TotalAmount
	dst.CustomerRef = src.CustomerRef
	dst.ProviderRef = src.ProviderRef
}

// Get returns a copy of the cached booking, or nil.
func (c *BookingCache) Get(id string) *Booking {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bookings[id]
	if !ok {
		return nil
	}
	cp := *b
	return &cp
}

// Version returns the cached version of a booking, or 0.
func (c *BookingCache) Version(id string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if b, ok := c.bookings[id]; ok {
		return b.Version
	}
	return 0
}

// List returns copies of all cached bookings ordered by id.
func (c *BookingCache) List() []*Booking {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Booking, 0, len(c.bookings))
	for _, b := range c.bookings {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OldestSync returns the earliest SyncedAt across cached bookings, ignoring
// snapshots the server has never confirmed.
func (c *BookingCache) OldestSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var oldest time.Time
	for _, b := range c.bookings {
		if b.SyncedAt.IsZero() {
			continue
		}
		if oldest.IsZero() || b.SyncedAt.Before(oldest) {
			oldest = b.SyncedAt
		}
	}
	return oldest
}

// Subscribe registers fn for every change and returns a function that removes
// it. fn runs on the goroutine that applied the patch.
func (c *BookingCache) Subscribe(fn func(Booking)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}
