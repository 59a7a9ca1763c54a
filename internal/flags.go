// Package internal holds the process-wide configuration shared by the commands.
//
// Every setting is a command-line flag whose default is read from a REPLNET_* environment
// variable, so the same binary can be configured either way.
package internal

import (
	"os"
	"strconv"

	"replnet/internal/pkg/validate"
	"replnet/internal/pkg/wire"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Configuration values, bound to flags by RegisterCommandFlags.
var (
	Env      string
	LogLevel string
	Addr     string

	HealthPort int
	MaxConns   int

	Tolerance          int
	ToleranceWindowMS  int
	HandshakeTimeoutMS int
	IdleTimeoutMS      int
	QueueSize          int

	ClientID    string
	KeepaliveMS int
	MaxRetries  int

	ObserveMS int
	Burst     int
)

// Flag describes one setting.
type Flag struct {
	Name   string
	EnvVar string
	Usage  string
	// Value points at the variable the flag is bound to: *string or *int.
	Value   any
	Default string
}

// Flags.
var (
	EnvFlag = Flag{
		Name: "env", EnvVar: "REPLNET_ENV", Value: &Env, Default: "dev",
		Usage: "deployment environment (dev, test, prod)",
	}
	LogLevelFlag = Flag{
		Name: "log-level", EnvVar: "REPLNET_LOG_LEVEL", Value: &LogLevel, Default: "info",
		Usage: "log level (trace, debug, info, warn, error)",
	}
	AddrFlag = Flag{
		Name: "addr", EnvVar: "REPLNET_ADDR", Value: &Addr, Default: wire.DefaultAddr,
		Usage: "server address to listen on or connect to",
	}
	HealthPortFlag = Flag{
		Name: "health-port", EnvVar: "REPLNET_HEALTH_PORT", Value: &HealthPort, Default: "0",
		Usage: "port of the status API, 0 disables it",
	}
	MaxConnsFlag = Flag{
		Name: "max-conns", EnvVar: "REPLNET_MAX_CONNS", Value: &MaxConns, Default: "128",
		Usage: "maximum concurrent connections",
	}
	ToleranceFlag = Flag{
		Name: "tolerance", EnvVar: "REPLNET_TOLERANCE", Value: &Tolerance, Default: "8",
		Usage: "non-fatal violations allowed per tolerance window, 0 makes every violation fatal",
	}
	ToleranceWindowMSFlag = Flag{
		Name: "tolerance-window-ms", EnvVar: "REPLNET_TOLERANCE_WINDOW_MS", Value: &ToleranceWindowMS, Default: "10000",
		Usage: "violation tolerance window in milliseconds",
	}
	HandshakeTimeoutMSFlag = Flag{
		Name: "handshake-timeout-ms", EnvVar: "REPLNET_HANDSHAKE_TIMEOUT_MS", Value: &HandshakeTimeoutMS, Default: "5000",
		Usage: "time a new connection has to send its Hello",
	}
	IdleTimeoutMSFlag = Flag{
		Name: "idle-timeout-ms", EnvVar: "REPLNET_IDLE_TIMEOUT_MS", Value: &IdleTimeoutMS, Default: "30000",
		Usage: "time a session may stay silent",
	}
	QueueSizeFlag = Flag{
		Name: "queue-size", EnvVar: "REPLNET_QUEUE_SIZE", Value: &QueueSize, Default: "256",
		Usage: "outbound messages queued per session before it is dropped as a slow consumer",
	}
	ClientIDFlag = Flag{
		Name: "client-id", EnvVar: "REPLNET_CLIENT_ID", Value: &ClientID, Default: "",
		Usage: "client identifier sent in the Hello, random if empty",
	}
	KeepaliveMSFlag = Flag{
		Name: "keepalive-ms", EnvVar: "REPLNET_KEEPALIVE_MS", Value: &KeepaliveMS, Default: "10000",
		Usage: "client keepalive ping interval, 0 disables it",
	}
	MaxRetriesFlag = Flag{
		Name: "max-retries", EnvVar: "REPLNET_MAX_RETRIES", Value: &MaxRetries, Default: "8",
		Usage: "times a conflicting proposal is re-proposed",
	}
	ObserveMSFlag = Flag{
		Name: "observe-ms", EnvVar: "REPLNET_OBSERVE_MS", Value: &ObserveMS, Default: "2000",
		Usage: "time the malicious driver waits for the server's reaction to each step",
	}
	BurstFlag = Flag{
		Name: "burst", EnvVar: "REPLNET_BURST", Value: &Burst, Default: "9",
		Usage: "garbage frames sent by the garbage-burst step",
	}
)

// RegisterCommandFlags binds flags to cmd as persistent flags. Defaults come from the
// flag's environment variable when it is set.
func RegisterCommandFlags(cmd *cobra.Command, flags []*Flag) error {
	for _, f := range flags {
		def := f.Default
		if v, ok := os.LookupEnv(f.EnvVar); ok {
			def = v
		}
		usage := f.Usage + " [" + f.EnvVar + "]"
		switch p := f.Value.(type) {
		case *string:
			cmd.PersistentFlags().StringVar(p, f.Name, def, usage)
		case *int:
			n, err := strconv.Atoi(def)
			if err != nil {
				return errors.Wrapf(err, "parse %s default %q failed", f.Name, def)
			}
			cmd.PersistentFlags().IntVar(p, f.Name, n, usage)
		default:
			return errors.Errorf("flag %s bound to unsupported %T", f.Name, f.Value)
		}
	}
	return nil
}

type environment struct {
	Env                string `validate:"oneof=dev test prod"`
	LogLevel           string `validate:"oneof=trace debug info warn error"`
	Addr               string `validate:"required,hostname_port"`
	HealthPort         int    `validate:"min=0,max=65535"`
	MaxConns           int    `validate:"min=1"`
	Tolerance          int    `validate:"min=0"`
	ToleranceWindowMS  int    `validate:"min=1"`
	HandshakeTimeoutMS int    `validate:"min=1"`
	IdleTimeoutMS      int    `validate:"min=1"`
	QueueSize          int    `validate:"min=1"`
	ClientID           string `validate:"omitempty,max=64,printascii"`
	KeepaliveMS        int    `validate:"min=0"`
	MaxRetries         int    `validate:"min=0"`
	ObserveMS          int    `validate:"min=1"`
	Burst              int    `validate:"min=1"`
}

// ValidateEnv checks the resolved configuration.
func ValidateEnv() error {
	env := environment{
		Env:                Env,
		LogLevel:           LogLevel,
		Addr:               Addr,
		HealthPort:         HealthPort,
		MaxConns:           MaxConns,
		Tolerance:          Tolerance,
		ToleranceWindowMS:  ToleranceWindowMS,
		HandshakeTimeoutMS: HandshakeTimeoutMS,
		IdleTimeoutMS:      IdleTimeoutMS,
		QueueSize:          QueueSize,
		ClientID:           ClientID,
		KeepaliveMS:        KeepaliveMS,
		MaxRetries:         MaxRetries,
		ObserveMS:          ObserveMS,
		Burst:              Burst,
	}
	return errors.Wrap(validate.Validate().Struct(env), "validate environment failed")
}
