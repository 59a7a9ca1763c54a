package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	"replnet/internal/pkg/state"
	"replnet/internal/pkg/wire"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultQueueSize bounds each session's outbound queue.
const DefaultQueueSize = 256

// ErrSlowConsumer indicates a session's outbound queue was full when an update was published.
var ErrSlowConsumer = errors.New("outbound queue full")

// ErrOutboxClosed indicates the outbox no longer accepts messages.
var ErrOutboxClosed = errors.New("outbox closed")

// item is one unit of outbound work: a single message, or the catch-up backlog of a joiner.
type item struct {
	msg     wire.Message
	backlog []state.Entry
}

// Outbox is a session's bounded outbound queue. Producers never block on a stalled
// peer: the dispatcher fails the outbox instead. A single writer drains it.
type Outbox struct {
	id        uuid.UUID
	queue     chan item
	done      chan struct{}
	closing   chan struct{}
	failOnce  sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	queued    atomic.Uint64
	delivered atomic.Uint64
}

// NewOutbox creates an outbox holding at most size pending items.
func NewOutbox(id uuid.UUID, size int) *Outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Outbox{
		id:      id,
		queue:   make(chan item, size),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

func (o *Outbox) ID() uuid.UUID { return o.id }

// Delivered is the highest Update version written to the peer.
func (o *Outbox) Delivered() uint64 { return o.delivered.Load() }

// Queued is the highest Update version handed to the writer. It never trails what the peer
// can have read, so it bounds the versions a peer may acknowledge.
func (o *Outbox) Queued() uint64 { return o.queued.Load() }

// Done is closed once the outbox has failed.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Err returns the failure cause, if any.
func (o *Outbox) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Fail stops the outbox immediately, dropping pending items. Only the first cause is kept.
func (o *Outbox) Fail(err error) {
	o.failOnce.Do(func() {
		o.mu.Lock()
		o.err = err
		o.mu.Unlock()
		close(o.done)
	})
}

// Close stops accepting new replies and lets the writer flush what is already queued.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		close(o.closing)
	})
}

// offer is called with the state lock held, so offers to one outbox are serialized.
func (o *Outbox) offer(it item) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	// Set before the send so the writer never delivers a version above it.
	if v := it.lastVersion(); v > o.queued.Load() {
		o.queued.Store(v)
	}
	select {
	case o.queue <- it:
		return true
	default:
		return false
	}
}

func (it item) lastVersion() uint64 {
	if u, ok := it.msg.(wire.Update); ok {
		return u.Version
	}
	if n := len(it.backlog); n > 0 {
		return it.backlog[n-1].Version
	}
	return 0
}

// Reply queues a direct reply, waiting for room if the queue is full.
func (o *Outbox) Reply(ctx context.Context, msg wire.Message) error {
	select {
	case <-o.closing:
		return ErrOutboxClosed
	case <-o.done:
		return errors.Wrap(ErrOutboxClosed, o.Err().Error())
	default:
	}
	select {
	case o.queue <- item{msg: msg}:
		return nil
	case <-o.done:
		return errors.Wrap(ErrOutboxClosed, o.Err().Error())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain is the outbox's single writer. It returns nil once a closed outbox is flushed,
// the failure cause if the outbox failed, or the write error (after failing the outbox).
func (o *Outbox) Drain(ctx context.Context, write func(wire.Message) error) error {
	for {
		select {
		case <-o.done:
			return o.Err()
		default:
		}
		select {
		case it := <-o.queue:
			if err := o.write(it, write); err != nil {
				return err
			}
		case <-o.closing:
			for {
				select {
				case it := <-o.queue:
					if err := o.write(it, write); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case <-o.done:
			return o.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Outbox) write(it item, write func(wire.Message) error) error {
	if it.msg != nil {
		if err := write(it.msg); err != nil {
			o.Fail(err)
			return err
		}
		if u, ok := it.msg.(wire.Update); ok {
			o.delivered.Store(u.Version)
		}
		return nil
	}
	for _, e := range it.backlog {
		select {
		case <-o.done:
			return o.Err()
		default:
		}
		if err := write(UpdateFor(e)); err != nil {
			o.Fail(err)
			return err
		}
		o.delivered.Store(e.Version)
	}
	return nil
}

// UpdateFor converts a committed entry into its broadcast message.
func UpdateFor(e state.Entry) wire.Update {
	return wire.Update{Version: e.Version, Op: e.Op, Value: e.Value}
}
