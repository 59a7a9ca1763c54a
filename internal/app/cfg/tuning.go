package cfg

import (
	"time"

	"replnet/internal"
	"replnet/internal/app/apps"
)

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// ServerCfg is the server's connection and violation policy.
type ServerCfg struct {
	HealthPort       int
	MaxConns         int
	Tolerance        int
	ToleranceWindow  time.Duration
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	QueueSize        int
}

// ServerFromEnv creates a new ServerCfg from the current environment.
func ServerFromEnv() *ServerCfg {
	return &ServerCfg{
		HealthPort:       internal.HealthPort,
		MaxConns:         internal.MaxConns,
		Tolerance:        internal.Tolerance,
		ToleranceWindow:  ms(internal.ToleranceWindowMS),
		HandshakeTimeout: ms(internal.HandshakeTimeoutMS),
		IdleTimeout:      ms(internal.IdleTimeoutMS),
		QueueSize:        internal.QueueSize,
	}
}

// ApplyServerApp applies the ServerCfg to a ServerApp.
func (cfg ServerCfg) ApplyServerApp(app *apps.ServerApp) error {
	app.HealthPort = cfg.HealthPort
	app.MaxConns = cfg.MaxConns
	app.Tolerance = cfg.Tolerance
	app.ToleranceWindow = cfg.ToleranceWindow
	app.HandshakeTimeout = cfg.HandshakeTimeout
	app.IdleTimeout = cfg.IdleTimeout
	app.QueueSize = cfg.QueueSize
	return nil
}

// ClientCfg is the honest client's keepalive and retry policy.
type ClientCfg struct {
	ClientID   string
	Keepalive  time.Duration
	MaxRetries int
}

// ClientFromEnv creates a new ClientCfg from the current environment.
func ClientFromEnv() *ClientCfg {
	return &ClientCfg{
		ClientID:   internal.ClientID,
		Keepalive:  ms(internal.KeepaliveMS),
		MaxRetries: internal.MaxRetries,
	}
}

// ApplyClientApp applies the ClientCfg to a ClientApp.
func (cfg ClientCfg) ApplyClientApp(app *apps.ClientApp) error {
	if cfg.ClientID != "" {
		app.ClientID = cfg.ClientID
	}
	app.Keepalive = cfg.Keepalive
	app.MaxRetries = cfg.MaxRetries
	return nil
}

// MaliciousCfg tunes the malicious driver.
type MaliciousCfg struct {
	Observe time.Duration
	Burst   int
}

// MaliciousFromEnv creates a new MaliciousCfg from the current environment.
func MaliciousFromEnv() *MaliciousCfg {
	return &MaliciousCfg{
		Observe: ms(internal.ObserveMS),
		Burst:   internal.Burst,
	}
}

// ApplyMaliciousApp applies the MaliciousCfg to a MaliciousApp.
func (cfg MaliciousCfg) ApplyMaliciousApp(app *apps.MaliciousApp) error {
	app.Observe = cfg.Observe
	app.Burst = cfg.Burst
	return nil
}
