package state

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(e Entry) {
	m.Called(e)
}

func TestParseOp(t *testing.T) {
	tests := []struct {
		raw  string
		want Op
		ok   bool
	}{
		{"set 1", Op{VerbSet, 1}, true},
		{"add -5", Op{VerbAdd, -5}, true},
		{"set 9223372036854775807", Op{VerbSet, 9223372036854775807}, true},
		{"", Op{}, false},
		{"set", Op{}, false},
		{"set  1", Op{}, false},
		{"set +1", Op{}, false},
		{"mul 2", Op{}, false},
		{"set 1 ", Op{}, false},
		{"set 99999999999999999999", Op{}, false},
		{"set 0x10", Op{}, false},
	}
	for _, tt := range tests {
		got, err := ParseOp([]byte(tt.raw))
		if !tt.ok {
			require.ErrorIs(t, err, ErrInvalidOp, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		require.Equal(t, tt.want, got)
	}
}

func TestTryApply(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	pub := &mockPublisher{}
	pub.On("Publish", Entry{Version: 1, Op: []byte("set 1"), Value: 1}).Once()
	pub.On("Publish", Entry{Version: 2, Op: []byte("add 4"), Value: 5}).Once()

	e, err := s.TryApply([]byte("set 1"), 0, pub)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Version)
	require.Equal(t, int64(1), e.Value)

	e, err = s.TryApply([]byte("add 4"), 1, pub)
	require.NoError(t, err)
	require.Equal(t, uint64(2), e.Version)
	require.Equal(t, int64(5), e.Value)

	version, value := s.Current()
	require.Equal(t, uint64(2), version)
	require.Equal(t, int64(5), value)
	pub.AssertExpectations(t)
}

func TestTryApplyConflict(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	_, err = s.TryApply([]byte("set 1"), 0, nil)
	require.NoError(t, err)

	for _, expected := range []int64{0, -1, 2, 1 << 40} {
		pub := &mockPublisher{}
		_, err = s.TryApply([]byte("set 7"), expected, pub)
		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict))
		require.Equal(t, uint64(1), conflict.Current)
		require.Equal(t, expected, conflict.Expected)
		pub.AssertNotCalled(t, "Publish", mock.Anything)
	}
	version, value := s.Current()
	require.Equal(t, uint64(1), version)
	require.Equal(t, int64(1), value)
}

func TestTryApplyInvalidOpLeavesStateUntouched(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	_, err = s.TryApply([]byte("drop table"), 0, nil)
	require.ErrorIs(t, err, ErrInvalidOp)
	version, _ := s.Current()
	require.Zero(t, version)
}

type recorder struct {
	entries []Entry
}

func (r *recorder) Publish(e Entry) {
	r.entries = append(r.entries, e)
}

func TestConcurrentProposalsAreTotallyOrdered(t *testing.T) {
	s, err := New(WithCapacity(64))
	require.NoError(t, err)
	rec := &recorder{}

	const workers = 16
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for accepted := 0; accepted < perWorker; {
				version, _ := s.Current()
				_, err := s.TryApply([]byte(fmt.Sprintf("add %d", w+1)), int64(version), rec)
				if err == nil {
					accepted++
					continue
				}
				var conflict *ConflictError
				if !assert.True(t, errors.As(err, &conflict)) {
					return
				}
			}
		}(w)
	}
	wg.Wait()

	entries := s.Entries()
	require.Len(t, entries, workers*perWorker)
	for i, e := range entries {
		require.Equal(t, uint64(i+1), e.Version)
	}
	require.Equal(t, entries, rec.entries)

	value, err := Replay(entries)
	require.NoError(t, err)
	_, current := s.Current()
	require.Equal(t, current, value)
	// sum over w of (w+1)*perWorker
	require.Equal(t, int64(perWorker*workers*(workers+1)/2), value)
}

func TestSinceAndView(t *testing.T) {
	s, err := New()
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.TryApply([]byte(fmt.Sprintf("set %d", i)), int64(i), nil)
		require.NoError(t, err)
	}
	tail := s.Since(3)
	require.Len(t, tail, 2)
	require.Equal(t, uint64(4), tail[0].Version)
	require.Nil(t, s.Since(5))
	require.Nil(t, s.Since(100))

	var seen int
	s.View(func(entries []Entry) { seen = len(entries) })
	require.Equal(t, 5, seen)
}

func TestReplay(t *testing.T) {
	value, err := Replay(nil)
	require.NoError(t, err)
	require.Zero(t, value)

	good := []Entry{
		{Version: 1, Op: []byte("set 10"), Value: 10},
		{Version: 2, Op: []byte("add -3"), Value: 7},
	}
	value, err = Replay(good)
	require.NoError(t, err)
	require.Equal(t, int64(7), value)

	_, err = Replay([]Entry{good[1]})
	require.ErrorIs(t, err, ErrReplayGap)

	bad := []Entry{good[0], {Version: 2, Op: []byte("add -3"), Value: 8}}
	_, err = Replay(bad)
	require.ErrorIs(t, err, ErrReplayMismatch)
}
