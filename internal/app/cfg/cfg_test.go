package cfg

import (
	"testing"
	"time"

	"replnet/internal"
	"replnet/internal/app/apps"

	"github.com/stretchr/testify/require"
)

func TestServerFromEnv(t *testing.T) {
	internal.Addr = "127.0.0.1:5000"
	internal.MaxConns = 4
	internal.Tolerance = 0
	internal.ToleranceWindowMS = 500
	internal.HandshakeTimeoutMS = 100
	internal.IdleTimeoutMS = 200
	internal.QueueSize = 16

	app, err := apps.NewServerApp(AddrFromEnv(), ServerFromEnv())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5000", app.Addr)
	require.Equal(t, 4, app.MaxConns)
	require.Zero(t, app.Tolerance)
	require.Equal(t, 500*time.Millisecond, app.ToleranceWindow)
	require.Equal(t, 200*time.Millisecond, app.IdleTimeout)
	require.Equal(t, 16, app.QueueSize)

	internal.QueueSize = 0
	_, err = apps.NewServerApp(ServerFromEnv())
	require.Error(t, err)
}

func TestClientAndMaliciousCfg(t *testing.T) {
	c, err := apps.NewClientApp(NewAddrCfg("127.0.0.1:5001"), &ClientCfg{ClientID: "x", MaxRetries: 2})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5001", c.Addr)
	require.Equal(t, "x", c.ClientID)
	require.Equal(t, 2, c.MaxRetries)

	internal.ObserveMS = 50
	internal.Burst = 3
	m, err := apps.NewMaliciousApp(NewAddrCfg("127.0.0.1:5001"), MaliciousFromEnv())
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, m.Observe)
	require.Equal(t, 3, m.Burst)

	_, err = apps.NewClientApp(NewAddrCfg(""))
	require.Error(t, err)
}
