package client

import (
	"bytes"
	"context"
	"sync"

	"replnet/internal/pkg/checksum"
	"replnet/internal/pkg/state"
	"replnet/internal/pkg/wire"

	"github.com/pkg/errors"
)

// Mirror is a client's local copy of the replicated log, advanced only by Updates.
type Mirror struct {
	mu      sync.Mutex
	entries []state.Entry
	value   int64
	changed chan struct{}
}

// NewMirror creates an empty mirror at version 0.
func NewMirror() *Mirror {
	return &Mirror{changed: make(chan struct{})}
}

// Apply folds u into the mirror. It reports whether u advanced the mirror: an Update for
// a version the mirror already holds is a re-delivery and is ignored if it matches.
func (m *Mirror) Apply(u wire.Update) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := uint64(len(m.entries))
	if u.Version == 0 {
		return false, errors.Wrap(ErrVersionGap, "update for version 0")
	}
	if u.Version <= current {
		have := m.entries[u.Version-1]
		if !bytes.Equal(have.Op, u.Op) || have.Value != u.Value {
			return false, errors.Wrapf(ErrDivergence, "re-delivered version %d differs", u.Version)
		}
		return false, nil
	}
	if u.Version != current+1 {
		return false, errors.Wrapf(ErrVersionGap, "at version %d, got %d", current, u.Version)
	}
	op, err := state.ParseOp(u.Op)
	if err != nil {
		return false, errors.Wrapf(err, "parse op of version %d failed", u.Version)
	}
	if value := op.Apply(m.value); value != u.Value {
		return false, errors.Wrapf(ErrDivergence, "version %d: server value %d, local value %d", u.Version, u.Value, value)
	}
	m.entries = append(m.entries, state.Entry{Version: u.Version, Op: append([]byte(nil), u.Op...), Value: u.Value})
	m.value = u.Value
	close(m.changed)
	m.changed = make(chan struct{})
	return true, nil
}

// Current returns the mirror's (version, value).
func (m *Mirror) Current() (uint64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.entries)), m.value
}

func (m *Mirror) Version() uint64 {
	v, _ := m.Current()
	return v
}

func (m *Mirror) Value() int64 {
	_, v := m.Current()
	return v
}

// Entry returns the entry at version v.
func (m *Mirror) Entry(v uint64) (state.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v == 0 || v > uint64(len(m.entries)) {
		return state.Entry{}, false
	}
	return m.entries[v-1], true
}

// Entries returns a copy of the mirrored log.
func (m *Mirror) Entries() []state.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]state.Entry(nil), m.entries...)
}

// WaitFor blocks until the mirror reaches version v or ctx is done.
func (m *Mirror) WaitFor(ctx context.Context, v uint64) error {
	for {
		m.mu.Lock()
		reached := uint64(len(m.entries)) >= v
		changed := m.changed
		m.mu.Unlock()
		if reached {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "wait for version %d failed", v)
		}
	}
}

// Digest is the checksum of the mirrored log, comparable across clients and the server.
func (m *Mirror) Digest() (uint64, error) {
	return checksum.Sum(m.Entries()...)
}
