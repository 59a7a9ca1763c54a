package session

import (
	"bytes"
	"fmt"
	"time"

	"replnet/internal/pkg/validate"
	"replnet/internal/pkg/wire"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Default violation tolerance: DefaultTolerance violations per DefaultToleranceWindow.
const (
	DefaultTolerance       = 8
	DefaultToleranceWindow = 10 * time.Second
)

// Session is the server-side record of one connection.
// It is owned by that connection's reader flow and is not safe for concurrent use.
type Session struct {
	connID      uuid.UUID
	clientID    string
	phase       Phase
	acked       uint64
	connectedAt time.Time

	accepted   bool
	acceptedAt int64
	acceptedOp []byte
	violations int
	tolerance  int
	window     time.Duration
	limiter    *rate.Limiter
}

// Cfg configures a Session.
type Cfg func(*Session) error

// WithTolerance allows n violations per window before escalating to a fatal one.
// A tolerance of 0 makes every violation fatal.
func WithTolerance(n int, window time.Duration) Cfg {
	return func(s *Session) error {
		if n < 0 {
			return errors.Errorf("negative tolerance %d", n)
		}
		if window <= 0 {
			return errors.Errorf("non-positive tolerance window %s", window)
		}
		s.tolerance = n
		s.window = window
		return nil
	}
}

// New creates a session in the Connected phase.
func New(connID uuid.UUID, cfgs ...Cfg) (*Session, error) {
	s := &Session{
		connID:      connID,
		phase:       Connected,
		connectedAt: time.Now(),
		tolerance:   DefaultTolerance,
		window:      DefaultToleranceWindow,
	}
	for _, cfg := range cfgs {
		if err := cfg(s); err != nil {
			return nil, errors.Wrap(err, "apply Session cfg failed")
		}
	}
	var refill rate.Limit
	if s.tolerance > 0 {
		refill = rate.Every(s.window / time.Duration(s.tolerance))
	}
	s.limiter = rate.NewLimiter(refill, s.tolerance)
	return s, nil
}

func (s *Session) ConnID() uuid.UUID { return s.connID }
func (s *Session) ClientID() string  { return s.clientID }
func (s *Session) Phase() Phase      { return s.phase }
func (s *Session) Acked() uint64     { return s.acked }
func (s *Session) Violations() int   { return s.violations }

// Receive runs the phase table for an inbound message of type t.
// Fatal violations move the session to Closed.
func (s *Session) Receive(t wire.Type) *Violation {
	next, v := Transition(s.phase, t)
	if v != nil && !v.Fatal {
		return s.Penalize(v.Reason, v.Err)
	}
	s.phase = next
	return v
}

// Handshake records the client identifier. It is valid only right after a Hello
// moved the session to Handshaken.
func (s *Session) Handshake(clientID string) *Violation {
	if s.phase != Handshaken {
		v := fatal(errors.Wrapf(ErrBadTransition, "handshake in phase %s", s.phase))
		s.phase = Closed
		return v
	}
	if err := validate.Validate().Var(clientID, "required,max=64,printascii"); err != nil {
		s.phase = Closed
		return fatal(errors.Wrapf(ErrInvalidClientID, "%q: %v", clientID, err))
	}
	s.clientID = clientID
	return nil
}

// Activate moves a Handshaken session to Active.
func (s *Session) Activate() error {
	if s.phase != Handshaken {
		return errors.Wrapf(ErrBadTransition, "activate in phase %s", s.phase)
	}
	s.phase = Active
	return nil
}

// Close moves the session to its terminal phase.
func (s *Session) Close() {
	s.phase = Closed
}

// Penalize counts a violation. While the tolerance lasts the returned violation is
// non-fatal; after that it escalates to a fatal one and the session is Closed.
func (s *Session) Penalize(reason wire.Reason, err error) *Violation {
	s.violations++
	if s.limiter.Allow() {
		return &Violation{Reason: reason, Err: err}
	}
	s.phase = Closed
	return &Violation{
		Fatal:  true,
		Reason: wire.ReasonTooManyViolations,
		Err:    fmt.Errorf("%w (%d within %s): %v", ErrTooManyViolations, s.tolerance, s.window, err),
	}
}

// RecordAccepted remembers the last proposal this session got accepted.
func (s *Session) RecordAccepted(expected int64, op []byte) {
	s.accepted = true
	s.acceptedAt = expected
	s.acceptedOp = append(s.acceptedOp[:0], op...)
}

// IsDuplicate reports whether (expected, op) repeats the last accepted proposal.
func (s *Session) IsDuplicate(expected int64, op []byte) bool {
	return s.accepted && s.acceptedAt == expected && bytes.Equal(s.acceptedOp, op)
}

// Ack records that the client acknowledged version v.
func (s *Session) Ack(v uint64) {
	if v > s.acked {
		s.acked = v
	}
}

// Info snapshots the session for observers.
func (s *Session) Info() Info {
	return Info{
		ConnID:      s.connID,
		ClientID:    s.clientID,
		Phase:       s.phase,
		Acked:       s.acked,
		Violations:  s.violations,
		ConnectedAt: s.connectedAt,
	}
}
