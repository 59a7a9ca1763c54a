package apps

import (
	"context"
	"strings"
	"time"

	"replnet/internal/pkg/malicious"
	"replnet/internal/pkg/validate"
	"replnet/internal/pkg/wire"

	"github.com/pkg/errors"
)

// MaliciousAppCfg configures a MaliciousApp.
type MaliciousAppCfg interface {
	ApplyMaliciousApp(*MaliciousApp) error
}

// MaliciousApp runs violation steps against a server and fails unless the server answered
// every one of them correctly.
type MaliciousApp struct {
	Addr    string        `validate:"required,hostname_port"`
	Observe time.Duration `validate:"gt=0"`
	Burst   int           `validate:"min=1"`
}

// ErrUnexpectedReaction is returned when the server mishandled at least one step.
var ErrUnexpectedReaction = errors.New("server reacted unexpectedly")

// NewMaliciousApp creates a new MaliciousApp.
func NewMaliciousApp(cfgs ...MaliciousAppCfg) (*MaliciousApp, error) {
	app := &MaliciousApp{
		Addr:    wire.DefaultAddr,
		Observe: malicious.DefaultObserve,
		Burst:   malicious.DefaultBurst,
	}
	for _, cfg := range cfgs {
		if err := cfg.ApplyMaliciousApp(app); err != nil {
			return nil, errors.Wrap(err, "apply MaliciousApp cfg failed")
		}
	}
	if err := validate.Validate().Struct(app); err != nil {
		return nil, errors.Wrap(err, "validate MaliciousApp failed")
	}
	return app, nil
}

// Run executes the steps named in args, or every step if args is empty.
func (app *MaliciousApp) Run(ctx context.Context, args []string) error {
	steps := make([]malicious.Step, 0, len(args))
	for _, arg := range args {
		step, ok := malicious.ParseStep(arg)
		if !ok {
			return errors.Wrapf(malicious.ErrUnknownStep, "%q", arg)
		}
		steps = append(steps, step)
	}
	d, err := malicious.NewDriver(
		malicious.WithAddr(app.Addr),
		malicious.WithObserve(app.Observe),
		malicious.WithBurst(app.Burst),
	)
	if err != nil {
		return errors.Wrap(err, "create driver failed")
	}
	var failed []string
	for _, o := range d.Run(ctx, steps...) {
		if !o.AsExpected() {
			failed = append(failed, string(o.Step))
		}
	}
	if len(failed) > 0 {
		return errors.Wrap(ErrUnexpectedReaction, strings.Join(failed, ", "))
	}
	return nil
}
