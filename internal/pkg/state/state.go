// Package state holds the single authoritative replicated log and its derived value.
//
// All mutations go through TryApply, an optimistic concurrency check under one mutex:
// an op is appended iff the caller's expected version is the current version at that instant.
// Committed entries are never modified, so slices of the committed prefix can be shared
// with readers after the lock is released.
package state

import (
	"sync"

	"github.com/pkg/errors"
)

// Entry is one committed operation.
type Entry struct {
	Version uint64
	Op      []byte
	Value   int64
}

// Publisher receives every committed entry, in version order, while the state lock is held.
// Implementations must not block and must not call back into the State.
type Publisher interface {
	Publish(Entry)
}

// State is the shared replicated state. The zero value is not usable, use New.
type State struct {
	mu      sync.Mutex
	entries []Entry
	value   int64
}

// Cfg configures a State.
type Cfg func(*State) error

// WithCapacity preallocates room for n entries.
func WithCapacity(n int) Cfg {
	return func(s *State) error {
		if n < 0 {
			return errors.Errorf("negative capacity %d", n)
		}
		s.entries = make([]Entry, 0, n)
		return nil
	}
}

// New creates an empty State at version 0 with value 0.
func New(cfgs ...Cfg) (*State, error) {
	s := &State{}
	for _, cfg := range cfgs {
		if err := cfg(s); err != nil {
			return nil, errors.Wrap(err, "apply State cfg failed")
		}
	}
	return s, nil
}

// Current returns a consistent (version, value) snapshot.
func (s *State) Current() (uint64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.entries)), s.value
}

// TryApply appends op if expected equals the current version.
// On success the new entry is handed to pub (if non-nil) before the lock is released,
// so publishers observe entries in exactly the committed order.
// On mismatch it returns a *ConflictError carrying the true current version.
func (s *State) TryApply(raw []byte, expected int64, pub Publisher) (Entry, error) {
	op, err := ParseOp(raw)
	if err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := uint64(len(s.entries))
	if expected < 0 || uint64(expected) != current {
		return Entry{}, &ConflictError{Expected: expected, Current: current}
	}
	e := Entry{
		Version: current + 1,
		Op:      append([]byte(nil), raw...),
		Value:   op.Apply(s.value),
	}
	s.entries = append(s.entries, e)
	s.value = e.Value
	if pub != nil {
		pub.Publish(e)
	}
	return e, nil
}

// View runs fn with the committed log while holding the state lock, so no entry can be
// committed (or published) while fn runs. fn must not retain or modify the slice elements'
// Op bytes beyond reading them, and must not call back into the State.
func (s *State) View(fn func(entries []Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.entries[:len(s.entries):len(s.entries)])
}

// Entries returns the committed log.
func (s *State) Entries() []Entry {
	return s.Since(0)
}

// Since returns the committed entries with a version greater than v.
func (s *State) Since(v uint64) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v >= uint64(len(s.entries)) {
		return nil
	}
	out := make([]Entry, len(s.entries)-int(v))
	copy(out, s.entries[v:])
	return out
}

// Replay folds entries from the empty state, checking versions are 1..n without gaps and
// that every recorded value matches the fold. It returns the final value.
func Replay(entries []Entry) (int64, error) {
	var value int64
	for i, e := range entries {
		if e.Version != uint64(i)+1 {
			return 0, errors.Wrapf(ErrReplayGap, "entry %d has version %d", i, e.Version)
		}
		op, err := ParseOp(e.Op)
		if err != nil {
			return 0, errors.Wrapf(err, "parse op of version %d failed", e.Version)
		}
		value = op.Apply(value)
		if value != e.Value {
			return 0, errors.Wrapf(ErrReplayMismatch, "version %d: recorded %d, replayed %d", e.Version, e.Value, value)
		}
	}
	return value, nil
}
