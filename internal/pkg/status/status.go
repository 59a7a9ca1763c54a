// Package status serves a read-only HTTP view of the replicated state and live sessions.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"replnet/internal/pkg/broadcast"
	"replnet/internal/pkg/checksum"
	"replnet/internal/pkg/session"
	"replnet/internal/pkg/state"
	"replnet/internal/pkg/wire"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

var logger logrus.FieldLogger = logrus.StandardLogger()

const shutdownTimeout = 5 * time.Second

// StateView is the body of GET /state.
type StateView struct {
	Version uint64 `json:"version"`
	Value   int64  `json:"value"`
	Digest  string `json:"digest"`
}

// EntryView is one element of GET /log and one event of GET /stream.
type EntryView struct {
	Version uint64 `json:"version"`
	Op      string `json:"op"`
	Value   int64  `json:"value"`
}

// API exposes the state, log and sessions of a running server.
type API struct {
	state      *state.State
	store      session.Store
	dispatcher *broadcast.Dispatcher
}

// NewAPI creates an API. A nil dispatcher disables GET /stream.
func NewAPI(st *state.State, store session.Store, d *broadcast.Dispatcher) *API {
	return &API{state: st, store: store, dispatcher: d}
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Get("/healthz", a.handleHealth)
	r.Get("/state", a.handleState)
	r.Get("/log", a.handleLog)
	r.Get("/sessions", a.handleSessions)
	if a.dispatcher != nil {
		r.Get("/stream", a.handleStream)
	}
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	var view StateView
	var err error
	a.state.View(func(entries []state.Entry) {
		view.Version = uint64(len(entries))
		if len(entries) > 0 {
			view.Value = entries[len(entries)-1].Value
		}
		var sum uint64
		sum, err = checksum.Sum(entries...)
		view.Digest = fmt.Sprintf("%016x", sum)
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, view)
}

func (a *API) handleLog(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries := a.state.Since(since)
	out := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView(e.Version, e.Op, e.Value))
	}
	writeJSON(w, out)
}

func (a *API) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.store.List())
}

// handleStream follows the log as server-sent events, starting after ?since=N.
// It joins the dispatcher like a session would, so a watcher that cannot keep up is dropped.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	o := broadcast.NewOutbox(uuid.New(), broadcast.DefaultQueueSize)
	if err := a.dispatcher.Join(o, a.state); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer a.dispatcher.Leave(o.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = o.Drain(r.Context(), func(m wire.Message) error {
		u, ok := m.(wire.Update)
		if !ok || u.Version <= since {
			return nil
		}
		data, err := json.Marshal(entryView(u.Version, u.Op, u.Value))
		if err != nil {
			return errors.Wrap(err, "marshal entry failed")
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", u.Version, data); err != nil {
			return errors.Wrap(err, "write event failed")
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Info("stream ended")
	}
}

func parseSince(r *http.Request) (uint64, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse since %q failed", raw)
	}
	return since, nil
}

func entryView(version uint64, op []byte, value int64) EntryView {
	return EntryView{Version: version, Op: string(op), Value: value}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Serve serves h on addr until ctx is done. Request contexts are cancelled with ctx so
// open streams end on shutdown.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("status api listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "serve status api failed")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown status api failed")
		}
		return nil
	}
}
