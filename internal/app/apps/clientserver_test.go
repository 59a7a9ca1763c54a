package apps

import (
	"context"
	"strings"
	"testing"
	"time"

	"replnet/internal/pkg/malicious"
	"replnet/internal/pkg/server"

	"github.com/stretchr/testify/require"
)

type addrCfg string

func (a addrCfg) ApplyServerApp(app *ServerApp) error       { app.Addr = string(a); return nil }
func (a addrCfg) ApplyClientApp(app *ClientApp) error       { app.Addr = string(a); return nil }
func (a addrCfg) ApplyMaliciousApp(app *MaliciousApp) error { app.Addr = string(a); return nil }

type listening func(*server.Server)

func (l listening) ApplyServerApp(app *ServerApp) error { app.Listening = l; return nil }

type input string

func (in input) ApplyClientApp(app *ClientApp) error {
	app.Input = strings.NewReader(string(in))
	return nil
}

// runServer starts a ServerApp on an ephemeral port and returns its address.
func runServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	ready := make(chan *server.Server, 1)
	s, err := NewServerApp(addrCfg("127.0.0.1:0"), listening(func(srv *server.Server) { ready <- srv }))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, nil)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	select {
	case srv := <-ready:
		return srv, srv.Addr().String()
	case err := <-done:
		t.Fatalf("server stopped: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server never listened")
	}
	return nil, ""
}

func TestServerApp(t *testing.T) {
	_, err := NewServerApp(addrCfg(""))
	require.Error(t, err)

	srv, _ := runServer(t)
	version, _ := srv.State().Current()
	require.Zero(t, version)
}

func TestClientAppProposesArgs(t *testing.T) {
	srv, addr := runServer(t)
	c, err := NewClientApp(addrCfg(addr))
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background(), []string{"set 5", "mul 2", "add 3"}))

	version, value := srv.State().Current()
	require.Equal(t, uint64(2), version)
	require.Equal(t, int64(8), value)
}

func TestClientAppReadsInput(t *testing.T) {
	srv, addr := runServer(t)
	c, err := NewClientApp(addrCfg(addr), input("set 2\n\nadd 40\n"))
	require.NoError(t, err)
	require.NoError(t, c.Run(context.Background(), nil))

	version, value := srv.State().Current()
	require.Equal(t, uint64(2), version)
	require.Equal(t, int64(42), value)
}

func TestMaliciousApp(t *testing.T) {
	_, addr := runServer(t)
	m, err := NewMaliciousApp(addrCfg(addr))
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), []string{
		string(malicious.InvalidOp),
		string(malicious.DuplicateHello),
	}))
	require.ErrorIs(t, m.Run(context.Background(), []string{"nope"}), malicious.ErrUnknownStep)
}
