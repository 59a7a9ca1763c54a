// Package main is the replnet application entrypoint.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"replnet/internal"
	"replnet/internal/app/apps"
	"replnet/internal/app/cfg"
	"replnet/internal/pkg/log"
	"replnet/internal/pkg/malicious"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CLI command definitions.
var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	rootCmd = &cobra.Command{
		Use:          "replnet",
		Short:        "Replicated shared-state service.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	serverCmd = &cobra.Command{
		Use:   "server",
		Short: "Starts a replnet server.",
		Args:  cobra.NoArgs,
		RunE:  runCmd,
	}

	clientCmd = &cobra.Command{
		Use:   "client [op...]",
		Short: "Starts an honest client that proposes each op, or each line of stdin.",
		RunE:  runCmd,
	}

	maliciousCmd = &cobra.Command{
		Use:   "malicious [step...]",
		Short: "Runs protocol violation steps against a server.",
		Args: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				if _, ok := malicious.ParseStep(arg); !ok {
					return errors.Wrapf(malicious.ErrUnknownStep, "%q", arg)
				}
			}
			return nil
		},
		RunE: runCmd,
	}
)

func newApp(_ context.Context, cmd *cobra.Command) (apps.App, error) {
	switch cmd.Name() {
	case "server":
		app, err := apps.NewServerApp(cfg.AddrFromEnv(), cfg.ServerFromEnv())
		return app, errors.Wrap(err, "new server app failed")
	case "client":
		app, err := apps.NewClientApp(cfg.AddrFromEnv(), cfg.ClientFromEnv())
		return app, errors.Wrap(err, "new client app failed")
	case "malicious":
		app, err := apps.NewMaliciousApp(cfg.AddrFromEnv(), cfg.MaliciousFromEnv())
		return app, errors.Wrap(err, "new malicious app failed")
	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Name())
	}
}

func runCmd(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := chainedCheck(
		ctx,
		envCheck,
	); err != nil {
		return errors.Wrap(err, "chained check failed")
	}
	app, err := newApp(ctx, cmd)
	if err != nil {
		return errors.Wrapf(err, "new %s app failed", cmd.Name())
	}
	return errors.Wrap(app.Run(ctx, args), "run app failed")
}

func envCheck(context.Context) error {
	err := internal.ValidateEnv()
	if err != nil {
		return errors.Wrap(err, "validate env failed")
	}
	log.SetLogger(internal.LogLevel)
	return nil
}

func chainedCheck(ctx context.Context, checks ...func(context.Context) error) error {
	for _, check := range checks {
		err := check(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

func init() {
	err := internal.RegisterCommandFlags(rootCmd, []*internal.Flag{
		&internal.EnvFlag,
		&internal.LogLevelFlag,
		&internal.AddrFlag,
	})
	if err != nil {
		logger.Fatalln(err)
	}

	err = internal.RegisterCommandFlags(serverCmd, []*internal.Flag{
		&internal.HealthPortFlag,
		&internal.MaxConnsFlag,
		&internal.ToleranceFlag,
		&internal.ToleranceWindowMSFlag,
		&internal.HandshakeTimeoutMSFlag,
		&internal.IdleTimeoutMSFlag,
		&internal.QueueSizeFlag,
	})
	if err != nil {
		logger.Fatalln(err)
	}

	err = internal.RegisterCommandFlags(clientCmd, []*internal.Flag{
		&internal.ClientIDFlag,
		&internal.KeepaliveMSFlag,
		&internal.MaxRetriesFlag,
	})
	if err != nil {
		logger.Fatalln(err)
	}

	err = internal.RegisterCommandFlags(maliciousCmd, []*internal.Flag{
		&internal.ObserveMSFlag,
		&internal.BurstFlag,
	})
	if err != nil {
		logger.Fatalln(err)
	}

	rootCmd.AddCommand(
		serverCmd,
		clientCmd,
		maliciousCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}
