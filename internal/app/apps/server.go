package apps

import (
	"context"
	"fmt"
	"time"

	"replnet/internal/pkg/broadcast"
	"replnet/internal/pkg/server"
	"replnet/internal/pkg/session"
	"replnet/internal/pkg/state"
	"replnet/internal/pkg/status"
	"replnet/internal/pkg/validate"
	"replnet/internal/pkg/wire"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ServerAppCfg configures a ServerApp.
type ServerAppCfg interface {
	ApplyServerApp(*ServerApp) error
}

// ServerApp runs the replication server and, if HealthPort is set, its status API.
type ServerApp struct {
	Addr             string        `validate:"required"`
	HealthPort       int           `validate:"min=0,max=65535"`
	MaxConns         int           `validate:"min=1"`
	Tolerance        int           `validate:"min=0"`
	ToleranceWindow  time.Duration `validate:"gt=0"`
	HandshakeTimeout time.Duration `validate:"gt=0"`
	IdleTimeout      time.Duration `validate:"gt=0"`
	QueueSize        int           `validate:"min=1"`

	// Listening, if set, is called with the server once it accepts connections.
	Listening func(*server.Server)
}

// NewServerApp creates a new ServerApp.
func NewServerApp(cfgs ...ServerAppCfg) (*ServerApp, error) {
	app := &ServerApp{
		Addr:             wire.DefaultAddr,
		MaxConns:         server.DefaultMaxConns,
		Tolerance:        session.DefaultTolerance,
		ToleranceWindow:  session.DefaultToleranceWindow,
		HandshakeTimeout: server.DefaultHandshakeTimeout,
		IdleTimeout:      server.DefaultIdleTimeout,
		QueueSize:        broadcast.DefaultQueueSize,
	}
	for _, cfg := range cfgs {
		if err := cfg.ApplyServerApp(app); err != nil {
			return nil, errors.Wrap(err, "apply ServerApp cfg failed")
		}
	}
	if err := validate.Validate().Struct(app); err != nil {
		return nil, errors.Wrap(err, "validate ServerApp failed")
	}
	return app, nil
}

// Run serves until ctx is cancelled.
func (app *ServerApp) Run(ctx context.Context, _ []string) error {
	st, err := state.New()
	if err != nil {
		return errors.Wrap(err, "create state failed")
	}
	d := broadcast.NewDispatcher()
	store := session.NewMemoryStore()
	srv, err := server.NewServer(
		server.WithAddr(app.Addr),
		server.WithState(st),
		server.WithDispatcher(d),
		server.WithSessionStore(store),
		server.WithMaxConns(app.MaxConns),
		server.WithTolerance(app.Tolerance, app.ToleranceWindow),
		server.WithHandshakeTimeout(app.HandshakeTimeout),
		server.WithIdleTimeout(app.IdleTimeout),
		server.WithQueueSize(app.QueueSize),
	)
	if err != nil {
		return errors.Wrap(err, "create server failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if app.HealthPort > 0 {
		api := status.NewAPI(st, store, d)
		g.Go(func() error {
			return status.Serve(gctx, fmt.Sprintf(":%d", app.HealthPort), api.Router())
		})
	}
	if app.Listening != nil {
		g.Go(func() error {
			t := time.NewTicker(5 * time.Millisecond)
			defer t.Stop()
			for srv.Addr() == nil {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
				}
			}
			app.Listening(srv)
			return nil
		})
	}
	return errors.Wrap(g.Wait(), "run server failed")
}
