// Package statusfeed publishes sync status changes to out-of-process
// subscribers (the UI) over a local WebSocket endpoint.
package statusfeed

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gridnote/gridsync/internal/engine"
)

const (
	// subBufferSize is the per-subscriber channel buffer. A subscriber
	// that falls this far behind starts losing intermediate statuses;
	// the latest one always arrives eventually.
	subBufferSize = 8

	// writeTimeout bounds a single status write to one subscriber.
	writeTimeout = 5 * time.Second
)

// Hub fans status updates out to WebSocket subscribers. It implements
// the engine's subscription callback on the publishing side.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan engine.Status
	nextID int
	last   engine.Status
	seeded bool
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[int]chan engine.Status),
	}
}

// Publish records the latest status and forwards it to every
// subscriber. Slow subscribers lose intermediate values rather than
// blocking the engine.
func (h *Hub) Publish(st engine.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = st
	h.seeded = true

	for id, ch := range h.subs {
		select {
		case ch <- st:
		default:
			h.logger.Debug("status subscriber lagging, dropping update", slog.Int("subscriber", id))
		}
	}
}

func (h *Hub) subscribe() (int, chan engine.Status) {
	ch := make(chan engine.Status, subBufferSize)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	if h.seeded {
		ch <- h.last
	}
	h.mu.Unlock()

	return id, ch
}

func (h *Hub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// NewMux builds the HTTP mux with the status WebSocket and a health
// endpoint. Bound to loopback by configuration; no auth.
func NewMux(hub *Hub, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", handleStatus(hub, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

// handleStatus upgrades to WebSocket and streams status JSON until the
// client disconnects.
func handleStatus(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Warn("status feed accept failed", slog.String("error", err.Error()))
			return
		}

		defer conn.Close(websocket.StatusInternalError, "closed")

		id, ch := hub.subscribe()
		defer hub.unsubscribe(id)

		// Discard inbound frames; the returned context is cancelled
		// when the client goes away.
		ctx := conn.CloseRead(r.Context())

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return

			case st := <-ch:
				if err := writeStatus(ctx, conn, st); err != nil {
					logger.Debug("status feed write failed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}

func writeStatus(ctx context.Context, conn *websocket.Conn, st engine.Status) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(wctx, conn, st)
}

// Serve runs the status feed HTTP server until the context is
// cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, hub *Hub, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(hub, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("status feed listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)

		return ctx.Err()

	case err := <-errCh:
		return err
	}
}
