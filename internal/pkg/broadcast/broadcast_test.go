package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"replnet/internal/pkg/state"
	"replnet/internal/pkg/wire"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, st *state.State, d *Dispatcher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		v, _ := st.Current()
		_, err := st.TryApply([]byte("add 1"), int64(v), d)
		require.NoError(t, err)
	}
}

func drainAll(t *testing.T, o *Outbox) []wire.Message {
	t.Helper()
	var got []wire.Message
	o.Close()
	err := o.Drain(context.Background(), func(m wire.Message) error {
		got = append(got, m)
		return nil
	})
	require.NoError(t, err)
	return got
}

func versions(msgs []wire.Message) []uint64 {
	var out []uint64
	for _, m := range msgs {
		if u, ok := m.(wire.Update); ok {
			out = append(out, u.Version)
		}
	}
	return out
}

func TestLateJoinerCatchesUp(t *testing.T) {
	st, err := state.New()
	require.NoError(t, err)
	d := NewDispatcher()
	apply(t, st, d, 3)

	o := NewOutbox(uuid.New(), 16)
	require.NoError(t, d.Join(o, st))
	require.Equal(t, uint64(3), o.Queued())
	apply(t, st, d, 2)
	require.Equal(t, uint64(5), o.Queued())
	require.Zero(t, o.Delivered())

	got := drainAll(t, o)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, versions(got))
	require.Equal(t, uint64(5), o.Delivered())
	last := got[len(got)-1].(wire.Update)
	require.Equal(t, int64(5), last.Value)
	require.Equal(t, []byte("add 1"), last.Op)
}

func TestJoinTwice(t *testing.T) {
	st, err := state.New()
	require.NoError(t, err)
	d := NewDispatcher()
	o := NewOutbox(uuid.New(), 4)
	require.NoError(t, d.Join(o, st))
	require.ErrorIs(t, d.Join(o, st), ErrAlreadyJoined)
	require.Equal(t, 1, d.Len())
	d.Leave(o.ID())
	require.Equal(t, 0, d.Len())
}

func TestSlowConsumerIsDropped(t *testing.T) {
	st, err := state.New()
	require.NoError(t, err)
	d := NewDispatcher()
	slow := NewOutbox(uuid.New(), 1)
	fast := NewOutbox(uuid.New(), 16)
	require.NoError(t, d.Join(slow, st))
	require.NoError(t, d.Join(fast, st))

	apply(t, st, d, 3)

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow outbox was not failed")
	}
	require.ErrorIs(t, slow.Err(), ErrSlowConsumer)
	require.Equal(t, 1, d.Len())
	require.Equal(t, []uint64{1, 2, 3}, versions(drainAll(t, fast)))

	err = slow.Drain(context.Background(), func(wire.Message) error { return nil })
	require.ErrorIs(t, err, ErrSlowConsumer)
	require.ErrorIs(t, slow.Reply(context.Background(), wire.Pong{}), ErrOutboxClosed)
}

func TestRepliesInterleaveWithUpdates(t *testing.T) {
	st, err := state.New()
	require.NoError(t, err)
	d := NewDispatcher()
	o := NewOutbox(uuid.New(), 16)
	require.NoError(t, o.Reply(context.Background(), wire.Pong{Nonce: 7}))
	require.NoError(t, d.Join(o, st))
	apply(t, st, d, 1)
	require.NoError(t, o.Reply(context.Background(), wire.Ack{Version: 1}))

	got := drainAll(t, o)
	require.Equal(t, []wire.Message{
		wire.Pong{Nonce: 7},
		wire.Update{Version: 1, Op: []byte("add 1"), Value: 1},
		wire.Ack{Version: 1},
	}, got)
	require.ErrorIs(t, o.Reply(context.Background(), wire.Pong{}), ErrOutboxClosed)
}

func TestReplyRespectsContext(t *testing.T) {
	o := NewOutbox(uuid.New(), 1)
	require.NoError(t, o.Reply(context.Background(), wire.Pong{}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, o.Reply(ctx, wire.Pong{}), context.Canceled)
}

func TestDrainWriteErrorFailsOutbox(t *testing.T) {
	o := NewOutbox(uuid.New(), 4)
	require.NoError(t, o.Reply(context.Background(), wire.Pong{}))
	boom := errors.New("broken pipe")
	err := o.Drain(context.Background(), func(wire.Message) error { return boom })
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, o.Err(), boom)
}

func TestConcurrentJoinersSeeTotalOrder(t *testing.T) {
	const (
		workers = 4
		perWork = 50
		joiners = 6
	)
	st, err := state.New()
	require.NoError(t, err)
	d := NewDispatcher()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for applied := 0; applied < perWork; {
				v, _ := st.Current()
				_, err := st.TryApply([]byte(fmt.Sprintf("set %d", w)), int64(v), d)
				var conflict *state.ConflictError
				if errors.As(err, &conflict) {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				applied++
			}
		}(w)
	}

	outboxes := make([]*Outbox, joiners)
	results := make([][]wire.Message, joiners)
	var drains sync.WaitGroup
	for i := range outboxes {
		o := NewOutbox(uuid.New(), workers*perWork+1)
		require.NoError(t, d.Join(o, st))
		outboxes[i] = o
		drains.Add(1)
		go func(i int) {
			defer drains.Done()
			err := o.Drain(context.Background(), func(m wire.Message) error {
				results[i] = append(results[i], m)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()
	for _, o := range outboxes {
		o.Close()
	}
	drains.Wait()

	want := make([]uint64, workers*perWork)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	entries := st.Entries()
	for i, msgs := range results {
		require.Equal(t, want, versions(msgs), "outbox %d", i)
		for j, m := range msgs {
			require.Equal(t, entries[j].Value, m.(wire.Update).Value)
		}
	}
}
