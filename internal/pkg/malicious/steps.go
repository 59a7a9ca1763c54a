package malicious

import (
	"replnet/internal/pkg/wire"
)

// Step names one scripted protocol violation.
type Step string

// Steps.
const (
	ProposeBeforeHello Step = "propose-before-hello"
	DuplicateHello     Step = "duplicate-hello"
	StalePropose       Step = "stale-propose"
	NegativeVersion    Step = "negative-version"
	FarFutureVersion   Step = "far-future-version"
	TruncatedFrame     Step = "truncated-frame"
	TruncatedStream    Step = "truncated-stream"
	OversizedFrame     Step = "oversized-frame"
	UnknownType        Step = "unknown-type"
	ServerOnlyMessage  Step = "server-only-message"
	GarbageBurst       Step = "garbage-burst"
	InvalidOp          Step = "invalid-op"
)

// AllSteps is the full script, in the order Run executes it by default.
var AllSteps = []Step{
	ProposeBeforeHello,
	DuplicateHello,
	StalePropose,
	NegativeVersion,
	FarFutureVersion,
	TruncatedFrame,
	TruncatedStream,
	OversizedFrame,
	UnknownType,
	ServerOnlyMessage,
	GarbageBurst,
	InvalidOp,
}

// expectation is how a conforming server answers a step: the reason of the last Reject
// (zero for none) and whether it drops the connection.
type expectation struct {
	reason     wire.Reason
	disconnect bool
}

var expectations = map[Step]expectation{
	ProposeBeforeHello: {wire.ReasonProtocolViolation, true},
	DuplicateHello:     {wire.ReasonProtocolViolation, true},
	StalePropose:       {wire.ReasonVersionConflict, false},
	NegativeVersion:    {wire.ReasonVersionConflict, false},
	FarFutureVersion:   {wire.ReasonVersionConflict, false},
	TruncatedFrame:     {wire.ReasonMalformedFrame, false},
	TruncatedStream:    {0, true},
	OversizedFrame:     {wire.ReasonProtocolViolation, true},
	UnknownType:        {wire.ReasonMalformedFrame, false},
	ServerOnlyMessage:  {wire.ReasonOutOfPhase, false},
	GarbageBurst:       {wire.ReasonTooManyViolations, true},
	InvalidOp:          {wire.ReasonInvalidOp, false},
}

// ParseStep resolves a step by name.
func ParseStep(name string) (Step, bool) {
	s := Step(name)
	_, ok := expectations[s]
	return s, ok
}

// Outcome is what the server did in response to one step.
type Outcome struct {
	Step         Step
	Rejects      []wire.Reject
	Disconnected bool
	Err          error
}

// LastReason is the reason of the last Reject received, or zero.
func (o Outcome) LastReason() wire.Reason {
	if len(o.Rejects) == 0 {
		return 0
	}
	return o.Rejects[len(o.Rejects)-1].Reason
}

// AsExpected reports whether the server answered the step the way a conforming server must.
func (o Outcome) AsExpected() bool {
	want, ok := expectations[o.Step]
	return ok && o.Err == nil && o.LastReason() == want.reason && o.Disconnected == want.disconnect
}
