package malicious

import (
	"context"
	"net"
	"testing"
	"time"

	"replnet/internal/pkg/server"
	"replnet/internal/pkg/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, cfgs ...server.Cfg) *server.Server {
	t.Helper()
	srv, err := server.NewServer(cfgs...)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, srv.Serve(ctx, ln))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, time.Millisecond)
	return srv
}

func TestAllStepsAsExpected(t *testing.T) {
	srv := startServer(t)
	_, err := srv.State().TryApply([]byte("set 1"), 0, nil)
	require.NoError(t, err)

	d, err := NewDriver(WithAddr(srv.Addr().String()))
	require.NoError(t, err)
	outcomes := d.Run(context.Background())
	require.Len(t, outcomes, len(AllSteps))
	for _, o := range outcomes {
		require.NoError(t, o.Err, o.Step)
		require.True(t, o.AsExpected(), "%s: rejects %v, disconnected %v", o.Step, o.Rejects, o.Disconnected)
	}

	// Only the no-op of the stale step was ever accepted.
	version, value := srv.State().Current()
	require.Equal(t, uint64(2), version)
	require.Equal(t, int64(1), value)
	require.Eventually(t, func() bool { return len(srv.Store().List()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestGarbageBurstWithinTolerance(t *testing.T) {
	srv := startServer(t, server.WithTolerance(20, time.Minute))
	d, err := NewDriver(WithAddr(srv.Addr().String()), WithBurst(5), WithObserve(300*time.Millisecond))
	require.NoError(t, err)
	o := d.RunStep(context.Background(), GarbageBurst)
	require.Error(t, o.Err)
	require.ErrorIs(t, o.Err, ErrNoReaction)
	require.Len(t, o.Rejects, 5)
	require.False(t, o.AsExpected())
}

func TestZeroToleranceDropsFirstMalformedFrame(t *testing.T) {
	srv := startServer(t, server.WithTolerance(0, time.Second))
	d, err := NewDriver(WithAddr(srv.Addr().String()))
	require.NoError(t, err)
	o := d.RunStep(context.Background(), UnknownType)
	require.NoError(t, o.Err)
	require.True(t, o.Disconnected)
	require.Equal(t, wire.ReasonTooManyViolations, o.LastReason())
}

func TestUnknownStep(t *testing.T) {
	d, err := NewDriver()
	require.NoError(t, err)
	o := d.RunStep(context.Background(), Step("nope"))
	require.ErrorIs(t, o.Err, ErrUnknownStep)
	_, ok := ParseStep("garbage-burst")
	require.True(t, ok)
	_, ok = ParseStep("nope")
	require.False(t, ok)
}
