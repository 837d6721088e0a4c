package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joshband/copy-that/internal/progress"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Subscriber is the subscription side of a progress broadcaster
type Subscriber interface {
	Subscribe() <-chan progress.Event
	Unsubscribe(<-chan progress.Event)
}

// ProgressHandler streams progress events to a websocket client as JSON.
// The optional "batch" query parameter restricts the stream to one batch.
type ProgressHandler struct {
	source   Subscriber
	upgrader websocket.Upgrader
}

// NewProgressHandler creates a handler reading from source
func NewProgressHandler(source Subscriber) *ProgressHandler {
	return &ProgressHandler{
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// the stream is read-only
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *ProgressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.ErrorContext(r.Context(), "WebSocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	batch := r.URL.Query().Get("batch")
	events := h.source.Subscribe()
	defer h.source.Unsubscribe(events)

	slog.InfoContext(r.Context(), "Progress stream opened", "remote_addr", r.RemoteAddr, "batch", batch)
	defer slog.InfoContext(r.Context(), "Progress stream closed", "remote_addr", r.RemoteAddr)

	// reads are only needed to process control frames and notice the client leaving
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// dropped as a slow subscriber, or the broadcaster stopped
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "progress stream ended"))
				return
			}
			if batch != "" && ev.BatchID != batch {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				slog.WarnContext(r.Context(), "Failed to write progress event", slog.Any("error", err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
