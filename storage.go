package bookingsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Storage persists queued actions and booking snapshots across restarts.
type Storage interface {
	PutAction(a *QueuedAction) error
	DeleteAction(id string) error
	LoadActions() ([]*QueuedAction, error)

	PutBooking(b *Booking) error
	GetBooking(id string) (*Booking, error)
	LoadBookings() ([]*Booking, error)

	Close() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory storage backend. Nothing
// survives a restart; use it for tests or ephemeral sessions.
type MemoryStorage struct {
	mu       sync.RWMutex
	actions  map[string]*QueuedAction
	bookings map[string]*Booking
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		actions:  make(map[string]*QueuedAction),
		bookings: make(map[string]*Booking),
	}
}

func (s *MemoryStorage) PutAction(a *QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[a.ID] = a.clone()
	return nil
}

func (s *MemoryStorage) DeleteAction(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actions, id)
	return nil
}

func (s *MemoryStorage) LoadActions() ([]*QueuedAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*QueuedAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, a.clone())
	}
	sortActions(out)
	return out, nil
}

func (s *MemoryStorage) PutBooking(b *Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *b
	s.bookings[b.ID] = &c
	return nil
}

func (s *MemoryStorage) GetBooking(id string) (*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, nil
	}
	c := *b
	return &c, nil
}

func (s *MemoryStorage) LoadBookings() ([]*Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Booking, 0, len(s.bookings))
	for _, b := range s.bookings {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStorage) Close() error { return nil }

// ============================================================================
// BoltStorage
// ============================================================================

var (
	actionsBucket  = []byte("actions")
	bookingsBucket = []byte("bookings")
)

// BoltStorage keeps the queue and booking snapshots in a bbolt file so pending
// intents survive an app relaunch while offline.
type BoltStorage struct {
	db *bolt.DB
}

// OpenBoltStorage opens (or creates) the database at path.
func OpenBoltStorage(path string) (*BoltStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{actionsBucket, bookingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *BoltStorage) PutAction(a *QueuedAction) error {
	return s.put(actionsBucket, a.ID, a)
}

func (s *BoltStorage) DeleteAction(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(actionsBucket).Delete([]byte(id))
	})
}

func (s *BoltStorage) LoadActions() ([]*QueuedAction, error) {
	var out []*QueuedAction
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(actionsBucket).ForEach(func(k, v []byte) error {
			var a QueuedAction
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode action %s: %w", k, err)
			}
			out = append(out, &a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortActions(out)
	return out, nil
}

func (s *BoltStorage) PutBooking(b *Booking) error {
	return s.put(bookingsBucket, b.ID, b)
}

func (s *BoltStorage) GetBooking(id string) (*Booking, error) {
	var b *Booking
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bookingsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		b = &Booking{}
		return json.Unmarshal(v, b)
	})
	if err != nil {
		return nil, fmt.Errorf("decode booking %s: %w", id, err)
	}
	return b, nil
}

func (s *BoltStorage) LoadBookings() ([]*Booking, error) {
	var out []*Booking
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bookingsBucket).ForEach(func(k, v []byte) error {
			var b Booking
			if err := json.Unmarshal(v, &b); err != nil {
				return fmt.Errorf("decode booking %s: %w", k, err)
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, err
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// sortActions orders actions oldest first, ties broken by id.
func sortActions(actions []*QueuedAction) {
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].CreatedAt.Equal(actions[j].CreatedAt) {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].CreatedAt.Before(actions[j].CreatedAt)
	})
}
