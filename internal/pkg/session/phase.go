package session

import (
	"fmt"

	"replnet/internal/pkg/wire"
)

// Phase is a session's handshake phase.
type Phase int32

const (
	Connected Phase = iota
	Handshaken
	Active
	Closed
)

func (p Phase) String() string {
	switch p {
	case Connected:
		return "CONNECTED"
	case Handshaken:
		return "HANDSHAKEN"
	case Active:
		return "ACTIVE"
	case Closed:
		return "CLOSED"
	default:
		return fmt.Sprintf("PHASE(%d)", int32(p))
	}
}

// MarshalText renders the phase name in JSON documents.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Violation is a protocol breach. Fatal violations end the session.
type Violation struct {
	Fatal  bool
	Reason wire.Reason
	Err    error
}

func (v *Violation) Error() string {
	kind := "non-fatal"
	if v.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s violation (%s): %v", kind, v.Reason, v.Err)
}

func (v *Violation) Unwrap() error {
	return v.Err
}

func fatal(err error) *Violation {
	return &Violation{Fatal: true, Reason: wire.ReasonProtocolViolation, Err: err}
}

// Transition is the phase table for inbound messages. It returns the phase the session
// moves to, or the violation the message represents. A non-fatal violation leaves the
// phase unchanged.
func Transition(p Phase, t wire.Type) (Phase, *Violation) {
	switch p {
	case Connected:
		switch t {
		case wire.TypeHello:
			return Handshaken, nil
		case wire.TypePing:
			return Connected, nil
		default:
			return Closed, fatal(fmt.Errorf("%w: %s", ErrNotHandshaken, t))
		}
	case Handshaken, Active:
		switch t {
		case wire.TypeHello:
			return Closed, fatal(ErrDuplicateHello)
		case wire.TypePropose, wire.TypeAck, wire.TypePing:
			return p, nil
		default:
			return p, &Violation{Reason: wire.ReasonOutOfPhase, Err: fmt.Errorf("%w: %s from client", ErrOutOfPhase, t)}
		}
	default:
		return Closed, fatal(ErrSessionClosed)
	}
}
