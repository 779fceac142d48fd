package gains

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"nrgchamp/zonetune/internal/cycle"
)

// RecentLimit is the size of the bounded history window exposed externally.
// The full history is retained internally for audit and restore.
const RecentLimit = 10

// ErrNoGains is returned before any gains have ever been committed.
var ErrNoGains = errors.New("no gains committed yet")

// Subscriber receives every committed change record. Called synchronously
// under the store lock, so subscribers must be cheap and non-blocking
// (hand off to a channel or queue).
type Subscriber func(ChangeRecord)

// Store serializes all gain mutations for one zone. A commit lands fully
// (value + history entry) or not at all.
type Store struct {
	mu          sync.Mutex
	current     Gains
	baseline    Gains // physics-derived gains, drift-cap anchor
	hasGains    bool
	hasBaseline bool
	history     []ChangeRecord
	subs        []Subscriber
}

// NewStore builds an empty store; PhysicsInitializer or a restore seeds it.
func NewStore() *Store { return &Store{} }

// Subscribe registers a change listener for persistence and audit fan-out.
func (s *Store) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Commit validates and installs new gains, appending a history record.
func (s *Store) Commit(g Gains, reason ChangeReason, actor Actor, metrics *cycle.Metrics) (ChangeRecord, error) {
	return s.commitAt(time.Now().UTC(), g, reason, actor, metrics)
}

// CommitAt is Commit with an explicit timestamp, for restores and tests.
func (s *Store) CommitAt(ts time.Time, g Gains, reason ChangeReason, actor Actor, metrics *cycle.Metrics) (ChangeRecord, error) {
	return s.commitAt(ts, g, reason, actor, metrics)
}

func (s *Store) commitAt(ts time.Time, g Gains, reason ChangeReason, actor Actor, metrics *cycle.Metrics) (ChangeRecord, error) {
	if err := g.Validate(); err != nil {
		return ChangeRecord{}, err
	}

	s.mu.Lock()
	rec := ChangeRecord{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Gains:     g,
		Reason:    reason,
		Actor:     actor,
		Metrics:   metrics,
	}
	s.current = g
	s.hasGains = true
	if reason == ReasonPhysicsInit || reason == ReasonPhysicsReset {
		s.baseline = g
		s.hasBaseline = true
	}
	s.history = append(s.history, rec)
	subs := s.subs
	s.mu.Unlock()

	for _, fn := range subs {
		fn(rec)
	}
	return rec, nil
}

// Snapshot returns the current gains. The bool is false before the first
// commit.
func (s *Store) Snapshot() (Gains, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.hasGains
}

// Baseline returns the physics-derived gains anchoring the drift cap.
func (s *Store) Baseline() (Gains, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseline, s.hasBaseline
}

// History returns the full append-only change log, oldest first.
func (s *Store) History() []ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChangeRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Recent returns the bounded window exposed externally (last RecentLimit
// entries, oldest first).
func (s *Store) Recent() []ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history)
	if n > RecentLimit {
		n = RecentLimit
	}
	out := make([]ChangeRecord, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// Restore seeds the store from a persisted snapshot without re-validating
// history entries (they were validated when first committed). The restored
// gains still go through Validate.
func (s *Store) Restore(current, baseline Gains, history []ChangeRecord) error {
	if err := current.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.current = current
	s.hasGains = true
	s.baseline = baseline
	s.hasBaseline = baseline != (Gains{})
	s.history = append(s.history[:0], history...)
	s.mu.Unlock()
	return nil
}
