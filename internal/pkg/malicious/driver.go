// Package malicious drives deliberately non-conforming connections against a server.
//
// Each Step runs on a fresh connection, sends the offending frames, then observes whether
// the server answers with a Reject, drops the connection, or both. Steps that expect the
// connection to survive finish with a Ping: the server answers messages in order, so the
// matching Pong proves every earlier frame was handled without closing the session.
package malicious

import (
	"context"
	"io"
	"net"
	"time"

	"replnet/internal/pkg/session"
	"replnet/internal/pkg/wire"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Defaults.
const (
	DefaultObserve = 2 * time.Second
	DefaultBurst   = session.DefaultTolerance + 1
	probeNonce     = 0x6d616c
)

// Driver runs violation steps against one server address.
type Driver struct {
	addr     string
	clientID string
	observe  time.Duration
	burst    int
}

// Cfg configures a Driver.
type Cfg func(*Driver) error

// WithAddr sets the server address.
func WithAddr(addr string) Cfg {
	return func(d *Driver) error {
		d.addr = addr
		return nil
	}
}

// WithObserve bounds how long a step waits for the server's reaction.
func WithObserve(t time.Duration) Cfg {
	return func(d *Driver) error {
		if t <= 0 {
			return errors.Errorf("non-positive observe timeout %s", t)
		}
		d.observe = t
		return nil
	}
}

// WithBurst sets how many garbage frames GarbageBurst sends. It should exceed the server's
// violation tolerance.
func WithBurst(n int) Cfg {
	return func(d *Driver) error {
		if n <= 0 {
			return errors.Errorf("non-positive burst %d", n)
		}
		d.burst = n
		return nil
	}
}

// NewDriver creates a new Driver.
func NewDriver(cfgs ...Cfg) (*Driver, error) {
	d := &Driver{
		addr:     wire.DefaultAddr,
		clientID: "malicious",
		observe:  DefaultObserve,
		burst:    DefaultBurst,
	}
	for _, cfg := range cfgs {
		if err := cfg(d); err != nil {
			return nil, errors.Wrap(err, "apply Driver cfg failed")
		}
	}
	return d, nil
}

// Run executes steps (AllSteps if none are given) one after the other.
func (d *Driver) Run(ctx context.Context, steps ...Step) []Outcome {
	if len(steps) == 0 {
		steps = AllSteps
	}
	outcomes := make([]Outcome, 0, len(steps))
	for _, step := range steps {
		if ctx.Err() != nil {
			outcomes = append(outcomes, Outcome{Step: step, Err: ctx.Err()})
			continue
		}
		o := d.RunStep(ctx, step)
		fields := logrus.Fields{
			"step":         string(o.Step),
			"rejects":      len(o.Rejects),
			"last_reason":  o.LastReason().String(),
			"disconnected": o.Disconnected,
			"as_expected":  o.AsExpected(),
		}
		if o.Err != nil {
			logger.WithFields(fields).WithError(o.Err).Error("step failed")
		} else {
			logger.WithFields(fields).Info("step done")
		}
		outcomes = append(outcomes, o)
	}
	return outcomes
}

// RunStep executes one step on a fresh connection.
func (d *Driver) RunStep(ctx context.Context, step Step) Outcome {
	out := Outcome{Step: step}
	if _, ok := expectations[step]; !ok {
		out.Err = errors.Wrapf(ErrUnknownStep, "%q", step)
		return out
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		out.Err = errors.Wrapf(err, "connect to %s failed", d.addr)
		return out
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	p := &probe{conn: conn, r: wire.NewReader(conn, 0), out: &out, observe: d.observe}
	if err := d.script(p, step); err != nil {
		out.Err = err
		return out
	}
	if err := p.observeReaction(!expectations[step].disconnect); err != nil {
		out.Err = err
	}
	return out
}

// script sends the offending frames of step.
func (d *Driver) script(p *probe, step Step) error {
	switch step {
	case ProposeBeforeHello:
		return p.send(wire.Propose{Op: []byte("set 666"), ExpectedVersion: 0})
	case DuplicateHello:
		if err := p.send(wire.Hello{ClientID: d.clientID}); err != nil {
			return err
		}
		return p.send(wire.Hello{ClientID: d.clientID})
	case TruncatedStream:
		if err := p.handshake(d.clientID); err != nil {
			return err
		}
		if err := p.write(wire.RawFrame(nil, 100, []byte{0x08, 0x02})); err != nil {
			return err
		}
		if hc, ok := p.conn.(interface{ CloseWrite() error }); ok {
			return errors.Wrap(hc.CloseWrite(), "close write failed")
		}
		return nil
	case OversizedFrame:
		return p.write(wire.RawFrame(nil, wire.MaxFrameSize+1, nil))
	}

	current, err := p.handshakeVersion(d.clientID)
	if err != nil {
		return err
	}
	switch step {
	case StalePropose:
		// A no-op that wins, then a proposal against the version it replaced.
		if err := p.send(wire.Propose{Op: []byte("add 0"), ExpectedVersion: int64(current)}); err != nil {
			return err
		}
		return p.send(wire.Propose{Op: []byte("set 666"), ExpectedVersion: int64(current)})
	case NegativeVersion:
		return p.send(wire.Propose{Op: []byte("set 666"), ExpectedVersion: -1})
	case FarFutureVersion:
		return p.send(wire.Propose{Op: []byte("set 666"), ExpectedVersion: int64(current) + 1<<40})
	case TruncatedFrame:
		// A type tag whose varint is cut off.
		return p.write(wire.AppendFrame(nil, []byte{0x08}))
	case UnknownType:
		return p.write(wire.AppendFrame(nil, []byte{0x08, 0x7f}))
	case ServerOnlyMessage:
		return p.send(wire.Update{Version: current + 1, Op: []byte("set 666"), Value: 666})
	case GarbageBurst:
		for i := 0; i < d.burst; i++ {
			if err := p.write(wire.AppendFrame(nil, []byte{0xff, 0xff, 0xff})); err != nil {
				return err
			}
		}
		return nil
	case InvalidOp:
		return p.send(wire.Propose{Op: []byte("mul 666"), ExpectedVersion: int64(current)})
	}
	return errors.Wrapf(ErrUnknownStep, "%q", step)
}

// probe is one step's connection.
type probe struct {
	conn    net.Conn
	r       *wire.Reader
	out     *Outcome
	observe time.Duration
}

func (p *probe) send(m wire.Message) error {
	return wire.WriteMessage(p.conn, m)
}

func (p *probe) write(frame []byte) error {
	_, err := p.conn.Write(frame)
	return errors.Wrap(err, "write frame failed")
}

func (p *probe) handshake(clientID string) error {
	_, err := p.handshakeVersion(clientID)
	return err
}

// handshakeVersion activates the session and returns the version it was caught up to.
func (p *probe) handshakeVersion(clientID string) (uint64, error) {
	if err := p.send(wire.Hello{ClientID: clientID}); err != nil {
		return 0, err
	}
	if err := p.send(wire.Ping{Nonce: probeNonce}); err != nil {
		return 0, err
	}
	var current uint64
	if err := p.conn.SetReadDeadline(time.Now().Add(p.observe)); err != nil {
		return 0, errors.Wrap(err, "set read deadline failed")
	}
	for {
		msg, err := p.r.ReadMessage()
		if err != nil {
			return 0, errors.Wrap(err, "read handshake failed")
		}
		switch m := msg.(type) {
		case wire.Update:
			current = m.Version
		case wire.Pong:
			if m.Nonce == probeNonce {
				return current, nil
			}
		case wire.Reject:
			return 0, errors.Wrapf(ErrHandshakeRejected, "%s", m.Reason)
		}
	}
}

// observeReaction collects Rejects until the server hangs up or, if expectAlive is set,
// until it answers a trailing Ping.
func (p *probe) observeReaction(expectAlive bool) error {
	if expectAlive {
		if err := p.send(wire.Ping{Nonce: probeNonce + 1}); err != nil {
			// The server may already have closed the connection.
			logger.WithError(err).Debug("send probe failed")
		}
	}
	if err := p.conn.SetReadDeadline(time.Now().Add(p.observe)); err != nil {
		return errors.Wrap(err, "set read deadline failed")
	}
	for {
		msg, err := p.r.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), isReset(err):
				p.out.Disconnected = true
				return nil
			case errors.As(err, &ne) && ne.Timeout():
				return errors.Wrap(ErrNoReaction, p.observe.String())
			}
			return errors.Wrap(err, "read reaction failed")
		}
		switch m := msg.(type) {
		case wire.Reject:
			p.out.Rejects = append(p.out.Rejects, m)
		case wire.Pong:
			if expectAlive && m.Nonce == probeNonce+1 {
				return nil
			}
		}
	}
}
