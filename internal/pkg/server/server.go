package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"replnet/internal/pkg/broadcast"
	"replnet/internal/pkg/handler"
	"replnet/internal/pkg/session"
	"replnet/internal/pkg/state"
	"replnet/internal/pkg/wire"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// Defaults.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultIdleTimeout      = 30 * time.Second
	DefaultMaxConns         = 128
	refuseTimeout           = time.Second
	lingerTimeout           = time.Second
)

// Server accepts TCP connections and runs one session per connection against a single
// shared state.
type Server struct {
	addr             string
	state            *state.State
	dispatcher       *broadcast.Dispatcher
	store            session.Store
	tolerance        int
	window           time.Duration
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	queueSize        int
	maxFrame         uint32
	maxConns         int64
	sem              *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
}

// Cfg configures a Server.
type Cfg func(*Server) error

// WithAddr sets the listen address.
func WithAddr(addr string) Cfg {
	return func(s *Server) error {
		s.addr = addr
		return nil
	}
}

// WithState sets the shared state the server mutates.
func WithState(st *state.State) Cfg {
	return func(s *Server) error {
		s.state = st
		return nil
	}
}

// WithDispatcher sets the broadcast dispatcher.
func WithDispatcher(d *broadcast.Dispatcher) Cfg {
	return func(s *Server) error {
		s.dispatcher = d
		return nil
	}
}

// WithSessionStore sets the session store for the server.
func WithSessionStore(store session.Store) Cfg {
	return func(s *Server) error {
		s.store = store
		return nil
	}
}

// WithTolerance sets the per-session violation tolerance.
func WithTolerance(n int, window time.Duration) Cfg {
	return func(s *Server) error {
		if n < 0 || window <= 0 {
			return errors.Errorf("invalid tolerance %d per %s", n, window)
		}
		s.tolerance = n
		s.window = window
		return nil
	}
}

// WithHandshakeTimeout bounds how long a connection may stay silent before its Hello.
func WithHandshakeTimeout(d time.Duration) Cfg {
	return func(s *Server) error {
		if d <= 0 {
			return errors.Errorf("non-positive handshake timeout %s", d)
		}
		s.handshakeTimeout = d
		return nil
	}
}

// WithIdleTimeout bounds how long a handshaken connection may stay silent.
func WithIdleTimeout(d time.Duration) Cfg {
	return func(s *Server) error {
		if d <= 0 {
			return errors.Errorf("non-positive idle timeout %s", d)
		}
		s.idleTimeout = d
		return nil
	}
}

// WithQueueSize sets the outbound queue capacity of each session.
func WithQueueSize(n int) Cfg {
	return func(s *Server) error {
		if n <= 0 {
			return errors.Errorf("non-positive queue size %d", n)
		}
		s.queueSize = n
		return nil
	}
}

// WithMaxFrame lowers the largest accepted inbound frame.
func WithMaxFrame(n uint32) Cfg {
	return func(s *Server) error {
		if n == 0 || n > wire.MaxFrameSize {
			return errors.Errorf("max frame %d outside 1..%d", n, wire.MaxFrameSize)
		}
		s.maxFrame = n
		return nil
	}
}

// WithMaxConns caps the number of concurrently served connections.
func WithMaxConns(n int) Cfg {
	return func(s *Server) error {
		if n <= 0 {
			return errors.Errorf("non-positive max conns %d", n)
		}
		s.maxConns = int64(n)
		return nil
	}
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfgs ...Cfg) (*Server, error) {
	server := &Server{
		addr:             wire.DefaultAddr,
		tolerance:        session.DefaultTolerance,
		window:           session.DefaultToleranceWindow,
		handshakeTimeout: DefaultHandshakeTimeout,
		idleTimeout:      DefaultIdleTimeout,
		queueSize:        broadcast.DefaultQueueSize,
		maxFrame:         wire.MaxFrameSize,
		maxConns:         DefaultMaxConns,
	}
	for _, cfg := range cfgs {
		if err := cfg(server); err != nil {
			return nil, errors.Wrap(err, "apply Server cfg failed")
		}
	}
	if server.state == nil {
		st, err := state.New()
		if err != nil {
			return nil, errors.Wrap(err, "new state failed")
		}
		server.state = st
	}
	if server.dispatcher == nil {
		server.dispatcher = broadcast.NewDispatcher()
	}
	if server.store == nil {
		server.store = session.NewMemoryStore()
	}
	server.sem = semaphore.NewWeighted(server.maxConns)
	return server, nil
}

// State returns the shared state.
func (s *Server) State() *state.State { return s.state }

// Store returns the session store.
func (s *Server) Store() session.Store { return s.store }

// Addr returns the listener address once serving, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on the configured TCP address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s failed", s.addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or the listener fails, then waits for
// every connection to finish. It returns nil on cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var conns sync.WaitGroup
	defer conns.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	logger.WithField("addr", ln.Addr().String()).Info("server listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.MaxElapsedTime = 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "accept failed")
			}
			wait := retry.NextBackOff()
			logger.WithError(err).WithField("retry_in", wait).Warn("accept failed")
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		retry.Reset()
		conns.Add(1)
		if !s.sem.TryAcquire(1) {
			go func() {
				defer conns.Done()
				s.refuse(conn)
			}()
			continue
		}
		go func() {
			defer conns.Done()
			defer s.sem.Release(1)
			s.serveConn(ctx, conn)
		}()
	}
}

// refuse tells a connection over the cap why it is being dropped.
func (s *Server) refuse(conn net.Conn) {
	defer conn.Close()
	current, _ := s.state.Current()
	logger.WithField("remote_addr", conn.RemoteAddr().String()).Warn("refusing connection: server busy")
	if err := conn.SetWriteDeadline(time.Now().Add(refuseTimeout)); err != nil {
		return
	}
	if err := wire.WriteMessage(conn, wire.Reject{Reason: wire.ReasonServerBusy, CurrentVersion: current}); err != nil {
		logger.WithError(err).Debug("write busy reject failed")
		return
	}
	linger(conn)
}

// linger half-closes conn and discards whatever the peer still sends until it hangs up,
// so unread input does not turn the close into a reset that destroys the last Reject.
func linger(conn net.Conn) {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
	if err := conn.SetReadDeadline(time.Now().Add(lingerTimeout)); err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, conn)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	connID := uuid.New()
	l := logger.WithFields(logrus.Fields{
		"conn_id":     connID.String(),
		"remote_addr": conn.RemoteAddr().String(),
	})
	l.Info("new connection established")

	sess, err := session.New(connID, session.WithTolerance(s.tolerance, s.window))
	if err != nil {
		l.WithError(err).Error("new session failed")
		return
	}
	info := sess.Info()
	info.RemoteAddr = conn.RemoteAddr().String()
	if err := s.store.New(info); err != nil {
		l.WithError(err).Error("store session failed")
		return
	}
	outbox := broadcast.NewOutbox(connID, s.queueSize)
	h, err := handler.NewHandler(
		handler.WithSession(sess),
		handler.WithState(s.state),
		handler.WithDispatcher(s.dispatcher),
		handler.WithOutbox(outbox),
		handler.WithSessionStore(s.store),
	)
	if err != nil {
		l.WithError(err).Error("new handler failed")
		_ = s.store.Clear(connID)
		return
	}
	defer h.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The writer outlives a failed reader so a final Reject is still flushed.
		err := outbox.Drain(ctx, func(m wire.Message) error {
			if err := conn.SetWriteDeadline(time.Now().Add(s.idleTimeout)); err != nil {
				return errors.Wrap(err, "set write deadline failed")
			}
			return wire.WriteMessage(conn, m)
		})
		if err != nil {
			// Unblocks the reader.
			conn.Close()
		}
		return err
	})
	g.Go(func() error {
		defer outbox.Close()
		return s.read(gctx, conn, h)
	})
	err = g.Wait()
	linger(conn)

	var v *session.Violation
	switch {
	case err == nil:
		l.Info("connection closed")
	case errors.Is(err, context.Canceled):
		l.Info("connection closed on shutdown")
	case errors.As(err, &v):
		l.WithError(err).Warn("connection closed on violation")
	case errors.Is(err, ErrHandshakeTimeout), errors.Is(err, ErrIdleTimeout):
		l.WithError(err).Info("connection timed out")
	case errors.Is(err, broadcast.ErrSlowConsumer):
		l.WithError(err).Warn("connection dropped as slow consumer")
	default:
		l.WithError(err).Info("connection failed")
	}
}

// read is the connection's reader flow. It returns nil when the peer hangs up.
func (s *Server) read(ctx context.Context, conn net.Conn, h *handler.Handler) error {
	r := wire.NewReader(conn, s.maxFrame)
	// Frames before the Hello do not extend the handshake deadline.
	handshakeDeadline := time.Now().Add(s.handshakeTimeout)
	for {
		deadline, timeout, timeoutErr := time.Now().Add(s.idleTimeout), s.idleTimeout, ErrIdleTimeout
		if h.Session().Phase() == session.Connected {
			deadline, timeout, timeoutErr = handshakeDeadline, s.handshakeTimeout, ErrHandshakeTimeout
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return errors.Wrap(err, "set read deadline failed")
		}
		msg, err := r.ReadMessage()
		if err != nil {
			if err = h.HandleDecodeError(ctx, err); err == nil {
				continue
			}
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return nil
			case errors.As(err, &ne) && ne.Timeout():
				return errors.Wrapf(timeoutErr, "silent for %s", timeout)
			}
			return err
		}
		if err := h.Handle(ctx, msg); err != nil {
			return err
		}
	}
}
