package status

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"replnet/internal/pkg/broadcast"
	"replnet/internal/pkg/checksum"
	"replnet/internal/pkg/session"
	"replnet/internal/pkg/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	state      *state.State
	store      *session.MemoryStore
	dispatcher *broadcast.Dispatcher
	server     *httptest.Server
}

func newFixture(t *testing.T, ops ...string) *fixture {
	t.Helper()
	st, err := state.New()
	require.NoError(t, err)
	f := &fixture{state: st, store: session.NewMemoryStore(), dispatcher: broadcast.NewDispatcher()}
	for _, op := range ops {
		f.apply(t, op)
	}
	f.server = httptest.NewServer(NewAPI(f.state, f.store, f.dispatcher).Router())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) apply(t *testing.T, op string) {
	t.Helper()
	v, _ := f.state.Current()
	_, err := f.state.TryApply([]byte(op), int64(v), f.dispatcher)
	require.NoError(t, err)
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.get(t, "/healthz", nil))
}

func TestState(t *testing.T) {
	f := newFixture(t, "set 4", "add 3")
	var view StateView
	require.Equal(t, http.StatusOK, f.get(t, "/state", &view))
	sum, err := checksum.Sum(f.state.Entries()...)
	require.NoError(t, err)
	require.Equal(t, StateView{Version: 2, Value: 7, Digest: fmt.Sprintf("%016x", sum)}, view)
}

func TestLog(t *testing.T) {
	f := newFixture(t, "set 1", "add 1", "add 1")
	var entries []EntryView
	require.Equal(t, http.StatusOK, f.get(t, "/log?since=1", &entries))
	require.Equal(t, []EntryView{
		{Version: 2, Op: "add 1", Value: 2},
		{Version: 3, Op: "add 1", Value: 3},
	}, entries)

	require.Equal(t, http.StatusOK, f.get(t, "/log?since=9", &entries))
	require.Empty(t, entries)
	require.Equal(t, http.StatusBadRequest, f.get(t, "/log?since=-1", nil))
}

func TestSessions(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	require.NoError(t, f.store.New(session.Info{ConnID: id, ClientID: "a", Phase: session.Active, ConnectedAt: time.Now()}))
	var raw []map[string]any
	require.Equal(t, http.StatusOK, f.get(t, "/sessions", &raw))
	require.Len(t, raw, 1)
	require.Equal(t, id.String(), raw[0]["conn_id"])
	require.Equal(t, "ACTIVE", raw[0]["phase"])
}

func TestStreamFollowsLog(t *testing.T) {
	f := newFixture(t, "set 1", "set 2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/stream?since=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan EntryView, 8)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var e EntryView
			if json.Unmarshal([]byte(data), &e) == nil {
				events <- e
			}
		}
	}()
	next := func() EntryView {
		select {
		case e := <-events:
			return e
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return EntryView{}
		}
	}

	require.Equal(t, EntryView{Version: 2, Op: "set 2", Value: 2}, next())
	require.Eventually(t, func() bool { return f.dispatcher.Len() == 1 }, time.Second, time.Millisecond)
	f.apply(t, "add 5")
	require.Equal(t, EntryView{Version: 3, Op: "add 5", Value: 7}, next())

	cancel()
	require.Eventually(t, func() bool { return f.dispatcher.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}
