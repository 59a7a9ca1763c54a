package apps

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"replnet/internal/pkg/client"
	"replnet/internal/pkg/validate"
	"replnet/internal/pkg/wire"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

// ClientAppCfg configures a ClientApp.
type ClientAppCfg interface {
	ApplyClientApp(*ClientApp) error
}

// ClientApp connects an honest client, proposes a list of ops in order and verifies its
// mirror before exiting.
type ClientApp struct {
	Addr       string        `validate:"required,hostname_port"`
	ClientID   string        `validate:"omitempty,max=64,printascii"`
	Keepalive  time.Duration `validate:"min=0"`
	MaxRetries int           `validate:"min=0"`

	// Input supplies ops, one per line, when Run is given no arguments.
	Input io.Reader
}

// NewClientApp creates a new ClientApp.
func NewClientApp(cfgs ...ClientAppCfg) (*ClientApp, error) {
	app := &ClientApp{
		Addr:       wire.DefaultAddr,
		Keepalive:  client.DefaultKeepalive,
		MaxRetries: client.DefaultMaxRetries,
		Input:      os.Stdin,
	}
	for _, cfg := range cfgs {
		if err := cfg.ApplyClientApp(app); err != nil {
			return nil, errors.Wrap(err, "apply ClientApp cfg failed")
		}
	}
	if err := validate.Validate().Struct(app); err != nil {
		return nil, errors.Wrap(err, "validate ClientApp failed")
	}
	return app, nil
}

// Run proposes each op in args, or each line of Input if args is empty.
func (app *ClientApp) Run(ctx context.Context, args []string) error {
	cfgs := []client.Cfg{
		client.WithAddr(app.Addr),
		client.WithKeepalive(app.Keepalive),
		client.WithMaxRetries(app.MaxRetries),
	}
	if app.ClientID != "" {
		cfgs = append(cfgs, client.WithClientID(app.ClientID))
	}
	c, err := client.NewClient(cfgs...)
	if err != nil {
		return errors.Wrap(err, "create client failed")
	}
	if err := c.Connect(ctx); err != nil {
		return errors.Wrap(err, "connect client failed")
	}
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()
	select {
	case <-c.Ready():
	case err := <-done:
		if err == nil {
			err = client.ErrClientDisconnected
		}
		return errors.Wrap(err, "run client failed")
	case <-ctx.Done():
		_ = c.Close()
		<-done
		return nil
	}

	if err := app.propose(ctx, c, args); err != nil {
		_ = c.Close()
		<-done
		return err
	}
	if err := c.Finish(); err != nil {
		<-done
		return errors.Wrap(err, "finish client failed")
	}
	return errors.Wrap(<-done, "run client failed")
}

func (app *ClientApp) propose(ctx context.Context, c *client.Client, args []string) error {
	next := opSource(args, app.Input)
	for {
		op, ok, err := next()
		if err != nil {
			return errors.Wrap(err, "read op failed")
		}
		if !ok || ctx.Err() != nil {
			return nil
		}
		e, err := c.Propose(ctx, op)
		var reject *client.RejectError
		switch {
		case errors.As(err, &reject) && !reject.Reject.Reason.Fatal():
			// The op itself was refused; carry on with the next one.
			logger.WithError(err).WithField("op", op).Warn("op rejected")
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			return errors.Wrapf(err, "propose %q failed", op)
		default:
			logger.WithFields(logrus.Fields{
				"op":      op,
				"version": e.Version,
				"value":   e.Value,
			}).Info("op committed")
		}
	}
}

// opSource iterates args, or the non-empty lines of r if args is empty.
func opSource(args []string, r io.Reader) func() (string, bool, error) {
	if len(args) > 0 {
		i := 0
		return func() (string, bool, error) {
			if i == len(args) {
				return "", false, nil
			}
			i++
			return args[i-1], true, nil
		}
	}
	if r == nil {
		return func() (string, bool, error) { return "", false, nil }
	}
	sc := bufio.NewScanner(r)
	return func() (string, bool, error) {
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				return line, true, nil
			}
		}
		return "", false, sc.Err()
	}
}
