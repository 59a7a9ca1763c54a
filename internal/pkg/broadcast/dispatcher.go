// Package broadcast fans committed entries out to every active session.
//
// Publish runs inside the state's critical section, so every outbox receives updates in
// global version order. It never blocks: an outbox whose queue is full is failed and
// dropped, and its connection is torn down by its owner. Join registers an outbox under
// the same critical section together with the committed backlog, so a late joiner sees
// every version exactly once.
package broadcast

import (
	"sync"

	"replnet/internal/pkg/log"
	"replnet/internal/pkg/state"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// ErrAlreadyJoined indicates an outbox with the same id is already registered.
var ErrAlreadyJoined = errors.New("outbox already joined")

// Dispatcher tracks the outboxes of Active sessions.
type Dispatcher struct {
	mu       sync.RWMutex
	outboxes map[uuid.UUID]*Outbox
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		outboxes: make(map[uuid.UUID]*Outbox),
	}
}

// Join atomically queues the committed log on o and registers it for future updates.
func (d *Dispatcher) Join(o *Outbox, st *state.State) error {
	var err error
	st.View(func(entries []state.Entry) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.outboxes[o.id]; ok {
			err = errors.Wrap(ErrAlreadyJoined, o.id.String())
			return
		}
		if len(entries) > 0 && !o.offer(item{backlog: entries}) {
			err = errors.Wrap(ErrSlowConsumer, "queue catch-up backlog failed")
			o.Fail(err)
			return
		}
		d.outboxes[o.id] = o
	})
	return err
}

// Leave unregisters the outbox with the given id.
func (d *Dispatcher) Leave(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.outboxes, id)
}

// Len returns the number of registered outboxes.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.outboxes)
}

// Publish implements state.Publisher.
func (d *Dispatcher) Publish(e state.Entry) {
	msg := UpdateFor(e)
	var dropped []*Outbox
	d.mu.RLock()
	for _, o := range d.outboxes {
		if !o.offer(item{msg: msg}) {
			dropped = append(dropped, o)
		}
	}
	d.mu.RUnlock()
	if len(dropped) == 0 {
		return
	}
	d.mu.Lock()
	for _, o := range dropped {
		delete(d.outboxes, o.id)
	}
	d.mu.Unlock()
	for _, o := range dropped {
		o.Fail(ErrSlowConsumer)
		logger.WithFields(log.EntryToFields(e)).WithField("conn_id", o.id.String()).Warn("dropped slow session")
	}
}
