package store

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"
	bolt "go.etcd.io/bbolt"
)

var bucketZones = []byte("zones")

// DebounceWindow coalesces snapshot writes so a burst of committed
// mutations becomes one disk transaction.
const DebounceWindow = 30 * time.Second

const (
	writeAttempts = 3
	retryBackoff  = 2 * time.Second
)

// Store is the bbolt-backed snapshot store shared by all zones.
type Store struct {
	db  *bolt.DB
	log *slog.Logger

	mu        sync.Mutex
	pending   map[string]Snapshot
	debouncer func(func())
}

// Open opens (or creates) the database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open: %w", err)
	}
	return &Store{
		db:        db,
		log:       log.With(slog.String("component", "store")),
		pending:   map[string]Snapshot{},
		debouncer: debounce.New(DebounceWindow),
	}, nil
}

// Close flushes pending snapshots and closes the database.
func (s *Store) Close() error {
	s.Flush()
	return s.db.Close()
}

// Save queues a snapshot for the zone. The write happens after the debounce
// window on a background goroutine; the caller never blocks on disk.
func (s *Store) Save(snap Snapshot) {
	s.mu.Lock()
	s.pending[snap.ZoneID] = snap
	s.mu.Unlock()
	s.debouncer(func() { go s.Flush() })
}

// Flush writes all pending snapshots now. Failures are logged and retried
// with backoff; they are never fatal to control.
func (s *Store) Flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = map[string]Snapshot{}
	s.mu.Unlock()

	for zoneID, snap := range batch {
		if err := s.writeWithRetry(snap); err != nil {
			s.log.Error("snapshot write failed, re-queueing", slog.String("zone", zoneID), slog.Any("err", err))
			s.mu.Lock()
			// Keep the newest snapshot if another arrived meanwhile.
			if _, ok := s.pending[zoneID]; !ok {
				s.pending[zoneID] = snap
			}
			s.mu.Unlock()
		}
	}
}

func (s *Store) writeWithRetry(snap Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	var last error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		last = s.db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(bucketZones)
			if err != nil {
				return err
			}
			return b.Put([]byte(snap.ZoneID), data)
		})
		if last == nil {
			return nil
		}
		time.Sleep(retryBackoff * time.Duration(attempt))
	}
	return last
}

// Load returns the persisted snapshot for a zone. The bool is false for a
// fresh zone with no stored state.
func (s *Store) Load(zoneID string) (Snapshot, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketZones)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(zoneID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("bbolt read: %w", err)
	}
	if data == nil {
		return Snapshot{}, false, nil
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Zones lists the zone IDs with persisted state.
func (s *Store) Zones() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketZones)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}
