package wire

import "fmt"

// Type tags a Message variant on the wire.
type Type uint8

// Message type tags.
const (
	TypeHello Type = iota + 1
	TypePropose
	TypeAck
	TypeUpdate
	TypeReject
	TypePing
	TypePong
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypePropose:
		return "PROPOSE"
	case TypeAck:
		return "ACK"
	case TypeUpdate:
		return "UPDATE"
	case TypeReject:
		return "REJECT"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Reason explains why a message was rejected.
type Reason uint8

// Reject reason codes.
const (
	ReasonUnknown Reason = iota
	ReasonInvalidOp
	ReasonVersionConflict
	ReasonDuplicate
	ReasonMalformedFrame
	ReasonOutOfPhase
	ReasonInvalidAck
	ReasonProtocolViolation
	ReasonTooManyViolations
	ReasonServerBusy
)

func (r Reason) String() string {
	switch r {
	case ReasonInvalidOp:
		return "INVALID_OP"
	case ReasonVersionConflict:
		return "VERSION_CONFLICT"
	case ReasonDuplicate:
		return "DUPLICATE"
	case ReasonMalformedFrame:
		return "MALFORMED_FRAME"
	case ReasonOutOfPhase:
		return "OUT_OF_PHASE"
	case ReasonInvalidAck:
		return "INVALID_ACK"
	case ReasonProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case ReasonTooManyViolations:
		return "TOO_MANY_VIOLATIONS"
	case ReasonServerBusy:
		return "SERVER_BUSY"
	default:
		return fmt.Sprintf("REASON(%d)", uint8(r))
	}
}

// Fatal reports whether the server closes the connection after sending this reason.
func (r Reason) Fatal() bool {
	return r == ReasonProtocolViolation || r == ReasonTooManyViolations || r == ReasonServerBusy
}

// AnswersProposal reports whether a Reject with this reason can be the server's answer to a
// Propose. Other reasons answer Acks, Pings or unreadable frames.
func (r Reason) AnswersProposal() bool {
	switch r {
	case ReasonInvalidOp, ReasonVersionConflict, ReasonDuplicate:
		return true
	}
	return r.Fatal()
}

// Message is one protocol action.
type Message interface {
	Type() Type
}

// Hello opens a session.
type Hello struct {
	ClientID string
}

// Propose asks the server to apply Op on top of ExpectedVersion.
// ExpectedVersion is signed so that hostile values survive decoding and get rejected by policy.
type Propose struct {
	Op              []byte
	ExpectedVersion int64
}

// Ack confirms a version. Sent by the server to the proposer of an accepted
// operation, and by clients to acknowledge delivered updates.
type Ack struct {
	Version uint64
}

// Update carries one committed log entry.
type Update struct {
	Version uint64
	Op      []byte
	Value   int64
}

// Reject refuses a message. CurrentVersion is the server's version when the reject was issued.
type Reject struct {
	Reason         Reason
	CurrentVersion uint64
	Detail         string
}

// Ping probes liveness.
type Ping struct {
	Nonce uint64
}

// Pong answers a Ping with the same nonce.
type Pong struct {
	Nonce uint64
}

func (Hello) Type() Type   { return TypeHello }
func (Propose) Type() Type { return TypePropose }
func (Ack) Type() Type     { return TypeAck }
func (Update) Type() Type  { return TypeUpdate }
func (Reject) Type() Type  { return TypeReject }
func (Ping) Type() Type    { return TypePing }
func (Pong) Type() Type    { return TypePong }
