// Package handler is the admission and validation layer between a connection's decoded
// messages and the shared state.
//
// For every inbound message the handler:
//  1. Runs the session's phase table. Phase violations before the handshake are fatal.
//  2. On Hello, validates the client id, then joins the dispatcher, which queues the committed
//     log as catch-up and registers the session for future updates in one atomic step.
//  3. On Propose, pre-checks the op, screens out a repeat of the session's last accepted
//     proposal, then calls State.TryApply with the dispatcher as publisher. The origin gets an
//     Ack and every active session (origin included) gets the Update.
//  4. On Ack, accepts only versions that were actually delivered to this session.
//  5. On Ping, echoes the nonce in a Pong.
//
// Non-fatal violations are answered with a Reject and counted against the session's tolerance.
// Fatal violations queue a final Reject, stop the outbox and are returned to the caller, which
// must tear the connection down.
package handler

import (
	"context"

	"replnet/internal/pkg/broadcast"
	"replnet/internal/pkg/log"
	"replnet/internal/pkg/session"
	"replnet/internal/pkg/state"
	"replnet/internal/pkg/wire"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Handler validates and applies the messages of one connection.
// It is driven by that connection's reader flow and is not safe for concurrent use.
type Handler struct {
	sess       *session.Session
	state      *state.State
	dispatcher *broadcast.Dispatcher
	outbox     *broadcast.Outbox
	store      session.Store
	logger     logrus.FieldLogger
}

// Cfg configures a Handler.
type Cfg func(*Handler) error

// WithSession sets the connection's session.
func WithSession(sess *session.Session) Cfg {
	return func(h *Handler) error {
		h.sess = sess
		return nil
	}
}

// WithState sets the shared state.
func WithState(st *state.State) Cfg {
	return func(h *Handler) error {
		h.state = st
		return nil
	}
}

// WithDispatcher sets the broadcast dispatcher.
func WithDispatcher(d *broadcast.Dispatcher) Cfg {
	return func(h *Handler) error {
		h.dispatcher = d
		return nil
	}
}

// WithOutbox sets the connection's outbound queue.
func WithOutbox(o *broadcast.Outbox) Cfg {
	return func(h *Handler) error {
		h.outbox = o
		return nil
	}
}

// WithSessionStore sets the store that session snapshots are published to.
func WithSessionStore(store session.Store) Cfg {
	return func(h *Handler) error {
		h.store = store
		return nil
	}
}

// NewHandler creates a new handler.
func NewHandler(cfgs ...Cfg) (*Handler, error) {
	h := &Handler{}
	for _, cfg := range cfgs {
		if err := cfg(h); err != nil {
			return nil, errors.Wrap(err, "apply handler cfg failed")
		}
	}
	switch {
	case h.sess == nil:
		return nil, errors.Wrap(ErrMissingDependency, "session")
	case h.state == nil:
		return nil, errors.Wrap(ErrMissingDependency, "state")
	case h.dispatcher == nil:
		return nil, errors.Wrap(ErrMissingDependency, "dispatcher")
	case h.outbox == nil:
		return nil, errors.Wrap(ErrMissingDependency, "outbox")
	}
	h.logger = logger.WithField("conn_id", h.sess.ConnID().String())
	return h, nil
}

// Session returns the connection's session.
func (h *Handler) Session() *session.Session {
	return h.sess
}

// Handle processes one decoded message. It returns a *session.Violation if the connection
// must be closed, or another error if the reply could not be queued.
func (h *Handler) Handle(ctx context.Context, msg wire.Message) error {
	h.logger.WithFields(log.MessageToFields(msg)).Debug("received message")
	if v := h.sess.Receive(msg.Type()); v != nil {
		return h.violation(ctx, v)
	}
	var err error
	switch m := msg.(type) {
	case wire.Hello:
		err = h.hello(ctx, m)
	case wire.Propose:
		err = h.propose(ctx, m)
	case wire.Ack:
		err = h.ack(ctx, m)
	case wire.Ping:
		err = h.reply(ctx, wire.Pong{Nonce: m.Nonce})
	default:
		// Receive only lets the types above through.
		err = errors.Wrapf(wire.ErrUnknownMessage, "%T", msg)
	}
	h.sync()
	return err
}

// HandleDecodeError accounts for a frame that could not be decoded. Errors other than
// *wire.DecodeError are transport failures and are returned unchanged.
func (h *Handler) HandleDecodeError(ctx context.Context, err error) error {
	var de *wire.DecodeError
	if !errors.As(err, &de) {
		return err
	}
	h.logger.WithError(err).Debug("received malformed frame")
	if !de.Resync() {
		h.sess.Close()
		return h.violation(ctx, &session.Violation{Fatal: true, Reason: wire.ReasonProtocolViolation, Err: err})
	}
	defer h.sync()
	return h.violation(ctx, h.sess.Penalize(wire.ReasonMalformedFrame, err))
}

// Close ends the session and releases its broadcast registration.
func (h *Handler) Close() {
	h.sess.Close()
	h.dispatcher.Leave(h.sess.ConnID())
	h.outbox.Close()
	if h.store != nil {
		if err := h.store.Clear(h.sess.ConnID()); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			h.logger.WithError(err).Warn("clear session failed")
		}
	}
}

func (h *Handler) hello(ctx context.Context, m wire.Hello) error {
	if v := h.sess.Handshake(m.ClientID); v != nil {
		return h.violation(ctx, v)
	}
	if err := h.dispatcher.Join(h.outbox, h.state); err != nil {
		h.sess.Close()
		return errors.Wrap(err, "join dispatcher failed")
	}
	if err := h.sess.Activate(); err != nil {
		return errors.Wrap(err, "activate session failed")
	}
	h.logger.WithField("client_id", m.ClientID).Info("session active")
	return nil
}

func (h *Handler) propose(ctx context.Context, m wire.Propose) error {
	if _, err := state.ParseOp(m.Op); err != nil {
		return h.violation(ctx, h.sess.Penalize(wire.ReasonInvalidOp, err))
	}
	if h.sess.IsDuplicate(m.ExpectedVersion, m.Op) {
		return h.violation(ctx, h.sess.Penalize(wire.ReasonDuplicate, errors.Wrapf(ErrDuplicateProposal, "expected version %d", m.ExpectedVersion)))
	}
	entry, err := h.state.TryApply(m.Op, m.ExpectedVersion, h.dispatcher)
	var conflict *state.ConflictError
	switch {
	case errors.As(err, &conflict):
		h.logger.WithFields(log.MessageToFields(m)).WithField("current_version", conflict.Current).Debug("rejected stale proposal")
		return h.reply(ctx, wire.Reject{
			Reason:         wire.ReasonVersionConflict,
			CurrentVersion: conflict.Current,
			Detail:         detail(conflict),
		})
	case err != nil:
		return h.violation(ctx, h.sess.Penalize(wire.ReasonInvalidOp, err))
	}
	h.sess.RecordAccepted(m.ExpectedVersion, m.Op)
	h.logger.WithFields(log.EntryToFields(entry)).Info("applied proposal")
	return h.reply(ctx, wire.Ack{Version: entry.Version})
}

func (h *Handler) ack(ctx context.Context, m wire.Ack) error {
	if queued := h.outbox.Queued(); m.Version > queued {
		return h.violation(ctx, h.sess.Penalize(wire.ReasonInvalidAck, errors.Wrapf(ErrUndeliveredVersion, "ack %d, sent %d", m.Version, queued)))
	}
	h.sess.Ack(m.Version)
	return nil
}

// violation answers v with a Reject. Fatal violations additionally stop the outbox once the
// Reject is flushed and are returned.
func (h *Handler) violation(ctx context.Context, v *session.Violation) error {
	if v == nil {
		return nil
	}
	current, _ := h.state.Current()
	entry := h.logger.WithError(v.Err).WithFields(logrus.Fields{
		"reason": v.Reason.String(),
		"fatal":  v.Fatal,
	})
	reject := wire.Reject{Reason: v.Reason, CurrentVersion: current, Detail: detail(v.Err)}
	if !v.Fatal {
		entry.Info("rejected message")
		return h.reply(ctx, reject)
	}
	entry.Warn("closing session on fatal violation")
	h.dispatcher.Leave(h.sess.ConnID())
	if err := h.outbox.Reply(ctx, reject); err != nil {
		h.logger.WithError(err).Debug("queue final reject failed")
	}
	h.outbox.Close()
	return v
}

func (h *Handler) reply(ctx context.Context, msg wire.Message) error {
	if err := h.outbox.Reply(ctx, msg); err != nil {
		return errors.Wrapf(err, "queue %s failed", msg.Type())
	}
	return nil
}

// sync publishes the session snapshot for observers.
func (h *Handler) sync() {
	if h.store == nil {
		return
	}
	info := h.sess.Info()
	info.Delivered = h.outbox.Delivered()
	if err := h.store.Set(info); err != nil {
		h.logger.WithError(err).Debug("set session failed")
	}
}

func detail(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > wire.MaxDetailSize {
		s = s[:wire.MaxDetailSize]
	}
	return s
}
