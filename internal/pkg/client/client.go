package client

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"replnet/internal/pkg/log"
	"replnet/internal/pkg/state"
	"replnet/internal/pkg/validate"
	"replnet/internal/pkg/wire"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Defaults.
const (
	DefaultKeepalive  = 10 * time.Second
	DefaultMaxRetries = 8
	DefaultDialTries  = 5
	writeTimeout      = 5 * time.Second
)

// result is the server's answer to the outstanding proposal.
type result struct {
	ack    *wire.Ack
	reject *wire.Reject
}

// Client implements the honest client behaviour: it mirrors the replicated log from the
// server's Updates and proposes ops against the version it has seen.
type Client struct {
	addr       string
	clientID   string
	keepalive  time.Duration
	maxRetries int
	dialTries  int
	mirror     *Mirror

	conn    net.Conn
	reader  *wire.Reader
	writeMu sync.Mutex
	nonce   atomic.Uint64
	closed  atomic.Bool

	mu         sync.Mutex
	ready      chan struct{}
	readyNonce uint64
	done       chan struct{}
	err        error
	pending    chan result

	proposeMu sync.Mutex
}

// Cfg configures a Client.
type Cfg func(*Client) error

// WithAddr sets the server address to connect to.
func WithAddr(addr string) Cfg {
	return func(c *Client) error {
		c.addr = addr
		return nil
	}
}

// WithClientID sets the identifier sent in the Hello.
func WithClientID(id string) Cfg {
	return func(c *Client) error {
		if err := validate.Validate().Var(id, "required,max=64,printascii"); err != nil {
			return errors.Wrapf(err, "invalid client id %q", id)
		}
		c.clientID = id
		return nil
	}
}

// WithKeepalive sets the Ping interval. Zero disables keepalive.
func WithKeepalive(d time.Duration) Cfg {
	return func(c *Client) error {
		if d < 0 {
			return errors.Errorf("negative keepalive %s", d)
		}
		c.keepalive = d
		return nil
	}
}

// WithMaxRetries bounds how many times a conflicting proposal is re-proposed.
func WithMaxRetries(n int) Cfg {
	return func(c *Client) error {
		if n < 0 {
			return errors.Errorf("negative max retries %d", n)
		}
		c.maxRetries = n
		return nil
	}
}

// WithDialTries bounds the dial attempts made by Connect.
func WithDialTries(n int) Cfg {
	return func(c *Client) error {
		if n <= 0 {
			return errors.Errorf("non-positive dial tries %d", n)
		}
		c.dialTries = n
		return nil
	}
}

// NewClient creates a new Client with the given configuration.
func NewClient(cfgs ...Cfg) (*Client, error) {
	client := &Client{
		addr:       wire.DefaultAddr,
		keepalive:  DefaultKeepalive,
		maxRetries: DefaultMaxRetries,
		dialTries:  DefaultDialTries,
		mirror:     NewMirror(),
	}
	for _, cfg := range cfgs {
		if err := cfg(client); err != nil {
			return nil, errors.Wrap(err, "apply Client cfg failed")
		}
	}
	if client.clientID == "" {
		client.clientID = "client-" + uuid.NewString()[:8]
	}
	return client, nil
}

func (c *Client) ID() string { return c.clientID }

// Mirror returns the client's local copy of the log.
func (c *Client) Mirror() *Mirror { return c.mirror }

// Ready is closed once the server has activated the session and sent the catch-up log.
func (c *Client) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Connect dials the server, retrying with exponential backoff, and sends the handshake.
// The mirror survives reconnects: the catch-up log of a new session re-delivers known
// versions, which the mirror ignores.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.Close(); err != nil {
		return err
	}
	var conn net.Conn
	dial := func() error {
		var d net.Dialer
		var err error
		conn, err = d.DialContext(ctx, "tcp", c.addr)
		return err
	}
	retry := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.dialTries-1)), ctx)
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).WithFields(logrus.Fields{"addr": c.addr, "retry_in": wait}).Warn("dial failed")
	}
	if err := backoff.RetryNotify(dial, retry, notify); err != nil {
		return errors.Wrapf(err, "connect to %s failed", c.addr)
	}

	c.writeMu.Lock()
	c.mu.Lock()
	c.conn = conn
	c.reader = wire.NewReader(conn, 0)
	c.ready = make(chan struct{})
	c.done = make(chan struct{})
	c.err = nil
	c.readyNonce = c.nonce.Add(1)
	c.mu.Unlock()
	c.writeMu.Unlock()
	c.closed.Store(false)

	if err := c.send(wire.Hello{ClientID: c.clientID}); err != nil {
		return errors.Wrap(err, "send hello failed")
	}
	// The Pong is queued after the catch-up log, so it marks the mirror as caught up.
	if err := c.send(wire.Ping{Nonce: c.readyNonce}); err != nil {
		return errors.Wrap(err, "send handshake ping failed")
	}
	logger.WithFields(logrus.Fields{"addr": c.addr, "client_id": c.clientID}).Info("connected")
	return nil
}

func (c *Client) send(m wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline failed")
	}
	if err := wire.WriteMessage(c.conn, m); err != nil {
		return err
	}
	logger.WithFields(log.MessageToFields(m)).Debug("sent message")
	return nil
}

// Run reads from the server until ctx is done, Close is called or the server hangs up.
// It returns ErrClientDisconnected (or the fatal Reject that preceded it) when the server
// closed the connection.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn, reader, done := c.conn, c.reader, c.done
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return c.read(gctx, reader)
	})
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	if c.keepalive > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(c.keepalive)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					// A broken connection is reported by the reader.
					if err := c.send(wire.Ping{Nonce: c.nonce.Add(1)}); err != nil {
						logger.WithError(err).Debug("send keepalive failed")
						return nil
					}
				}
			}
		})
	}
	err := g.Wait()
	c.mu.Lock()
	c.err = err
	if c.err == nil {
		c.err = ErrNotConnected
	}
	c.mu.Unlock()
	close(done)
	return err
}

// read is the client's reader loop. It exits with a nil error only on a local close.
func (c *Client) read(ctx context.Context, reader *wire.Reader) error {
	var fatal *wire.Reject
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			if c.closed.Load() || ctx.Err() != nil {
				return nil
			}
			if fatal != nil {
				return &RejectError{Reject: *fatal}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return ErrClientDisconnected
			}
			return errors.Wrap(err, "read message failed")
		}
		logger.WithFields(log.MessageToFields(msg)).Debug("received message")
		switch m := msg.(type) {
		case wire.Update:
			applied, err := c.mirror.Apply(m)
			if err != nil {
				return errors.Wrap(err, "apply update failed")
			}
			if applied {
				if err := c.send(wire.Ack{Version: m.Version}); err != nil {
					return errors.Wrap(err, "send ack failed")
				}
			}
		case wire.Ack:
			c.deliver(result{ack: &m})
		case wire.Reject:
			if m.Reason.Fatal() {
				fatal = &m
			}
			if !m.Reason.AnswersProposal() || !c.deliver(result{reject: &m}) {
				logger.WithFields(log.MessageToFields(m)).Warn("unsolicited reject")
			}
		case wire.Pong:
			c.mu.Lock()
			if m.Nonce == c.readyNonce {
				select {
				case <-c.ready:
				default:
					close(c.ready)
				}
			}
			c.mu.Unlock()
		default:
			logger.WithFields(log.MessageToFields(msg)).Warn("unexpected message")
		}
	}
}

func (c *Client) deliver(r result) bool {
	c.mu.Lock()
	ch := c.pending
	c.pending = nil
	c.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- r
	return true
}

// Propose submits op against the mirror's version and returns the committed entry.
// On a version conflict it waits until the mirror has caught up with the version the
// server reported, then proposes again, at most MaxRetries times.
func (c *Client) Propose(ctx context.Context, op string) (state.Entry, error) {
	c.proposeMu.Lock()
	defer c.proposeMu.Unlock()
	c.mu.Lock()
	ready, done := c.ready, c.done
	c.mu.Unlock()
	if ready == nil {
		return state.Entry{}, ErrNotConnected
	}
	select {
	case <-ready:
	case <-done:
		return state.Entry{}, c.runErr()
	case <-ctx.Done():
		return state.Entry{}, ctx.Err()
	}

	for attempt := 0; ; attempt++ {
		expected := c.mirror.Version()
		ch := make(chan result, 1)
		c.mu.Lock()
		c.pending = ch
		c.mu.Unlock()
		if err := c.send(wire.Propose{Op: []byte(op), ExpectedVersion: int64(expected)}); err != nil {
			return state.Entry{}, errors.Wrap(err, "send propose failed")
		}
		var res result
		select {
		case res = <-ch:
		case <-done:
			return state.Entry{}, c.runErr()
		case <-ctx.Done():
			return state.Entry{}, ctx.Err()
		}

		if res.ack != nil {
			if err := c.mirror.WaitFor(ctx, res.ack.Version); err != nil {
				return state.Entry{}, err
			}
			entry, _ := c.mirror.Entry(res.ack.Version)
			logger.WithFields(log.EntryToFields(entry)).WithField("client_id", c.clientID).Info("proposal accepted")
			return entry, nil
		}
		if res.reject.Reason != wire.ReasonVersionConflict {
			return state.Entry{}, &RejectError{Reject: *res.reject}
		}
		if attempt >= c.maxRetries {
			return state.Entry{}, errors.Wrapf(ErrTooManyConflicts, "%q after %d attempts", op, attempt+1)
		}
		logger.WithFields(logrus.Fields{
			"op":              op,
			"expected":        expected,
			"current_version": res.reject.CurrentVersion,
		}).Debug("proposal conflicted, waiting for mirror")
		if err := c.mirror.WaitFor(ctx, res.reject.CurrentVersion); err != nil {
			return state.Entry{}, err
		}
	}
}

func (c *Client) runErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClientDisconnected
	}
	return c.err
}

// Close closes the connection. Run returns nil afterwards.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "close client connection failed")
	}
	return nil
}

// Finish closes the connection, checks the mirrored log replays to the mirrored value
// and logs the result.
func (c *Client) Finish() error {
	if err := c.Close(); err != nil {
		return err
	}
	entries := c.mirror.Entries()
	value, err := state.Replay(entries)
	if err != nil {
		return errors.Wrap(err, "replay mirror failed")
	}
	version, mirrored := c.mirror.Current()
	if value != mirrored {
		return errors.Wrapf(ErrChecksumMismatch, "replayed %d, mirrored %d", value, mirrored)
	}
	sum, err := c.mirror.Digest()
	if err != nil {
		return errors.Wrap(err, "checksum failed")
	}
	logger.WithFields(logrus.Fields{
		"client_id": c.clientID,
		"version":   version,
		"value":     mirrored,
		"checksum":  sum,
	}).Info("client completed successfully")
	return nil
}
