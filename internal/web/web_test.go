package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshband/copy-that/internal/config"
	"github.com/joshband/copy-that/internal/graph"
	"github.com/joshband/copy-that/internal/progress"
	"github.com/joshband/copy-that/internal/storage"
	"github.com/joshband/copy-that/internal/types"
)

type fixedHealth struct{}

func (fixedHealth) Health() *types.HealthStatus {
	return &types.HealthStatus{Status: "healthy", BatchesProcessed: 3}
}

func newTestServer(t *testing.T, opts ...ServerOption) (*httptest.Server, *progress.Broadcaster) {
	t.Helper()
	b := progress.NewBroadcaster(32)
	ctx, cancel := context.WithCancel(t.Context())
	go b.Serve(ctx)

	srv := NewServer(config.DefaultConfig().Server, b, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts, b
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/progress" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// publishUntilReceived repeats ev until the subscriber registered by the
// handler sees it; the handler subscribes asynchronously after the upgrade.
func publishUntilReceived(t *testing.T, b *progress.Broadcaster, conn *websocket.Conn, ev progress.Event) progress.Event {
	t.Helper()
	got := make(chan progress.Event, 1)
	go func() {
		var e progress.Event
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e := <-got:
			return e
		case <-tick.C:
			b.Publish(ev)
		case <-deadline:
			t.Fatal("no progress event received")
			return progress.Event{}
		}
	}
}

func TestProgressStreamDeliversEvents(t *testing.T) {
	ts, b := newTestServer(t)
	conn := dial(t, ts, "")

	ev := publishUntilReceived(t, b, conn, progress.Event{
		BatchID:  "batch-1",
		Phase:    progress.PhaseAggregate,
		Status:   progress.StatusTokenCreated,
		Category: types.CategoryColor,
	})
	assert.Equal(t, "batch-1", ev.BatchID)
	assert.Equal(t, progress.PhaseAggregate, ev.Phase)
	assert.Equal(t, types.CategoryColor, ev.Category)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestProgressStreamFiltersByBatch(t *testing.T) {
	ts, b := newTestServer(t)
	conn := dial(t, ts, "?batch=wanted")

	got := make(chan progress.Event, 4)
	go func() {
		for {
			var e progress.Event
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			got <- e
		}
	}()

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e := <-got:
			assert.Equal(t, "wanted", e.BatchID)
			return
		case <-tick.C:
			b.Publish(progress.Event{BatchID: "other", Phase: progress.PhaseBatch, Status: progress.StatusStarted})
			b.Publish(progress.Event{BatchID: "wanted", Phase: progress.PhaseBatch, Status: progress.StatusStarted})
		case <-deadline:
			t.Fatal("no filtered event received")
		}
	}
}

func TestBatchEndpoints(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.SaveSnapshot(t.Context(), &storage.Snapshot{
		BatchID: "b1",
		Images:  []string{"A"},
		Tokens: []graph.TokenRecord{{
			ID:         "color-1",
			Category:   types.CategoryColor,
			Value:      types.ColorValue{Hex: "#ff0000"},
			Confidence: 0.9,
			Provenance: map[string]float64{"A": 0.9},
		}},
	}))
	ts, _ := newTestServer(t, WithSnapshots(store), WithHealth(fixedHealth{}), WithMetricsGatherer(prometheus.NewRegistry()))

	tests := []struct {
		name   string
		path   string
		status int
		check  func(t *testing.T, body APIResponse)
	}{
		{
			name:   "list",
			path:   "/api/v1/batches",
			status: http.StatusOK,
			check: func(t *testing.T, body APIResponse) {
				list, ok := body.Data.([]any)
				require.True(t, ok)
				assert.Len(t, list, 1)
			},
		},
		{
			name:   "get",
			path:   "/api/v1/batches/b1",
			status: http.StatusOK,
			check: func(t *testing.T, body APIResponse) {
				snap := body.Data.(map[string]any)
				assert.Equal(t, "b1", snap["batch_id"])
				assert.Len(t, snap["tokens"], 1)
			},
		},
		{
			name:   "missing",
			path:   "/api/v1/batches/nope",
			status: http.StatusNotFound,
			check: func(t *testing.T, body APIResponse) {
				assert.False(t, body.Success)
				assert.Equal(t, "batch not found", body.Error)
			},
		},
		{
			name:   "health",
			path:   "/api/v1/health",
			status: http.StatusOK,
			check: func(t *testing.T, body APIResponse) {
				h := body.Data.(map[string]any)
				assert.Equal(t, "healthy", h["status"])
				assert.Equal(t, 3.0, h["batches_processed"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)

			var body APIResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			tt.check(t, body)
		})
	}
}

func TestBatchEndpointsWithoutStore(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/v1/batches")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "copythat_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	ts, _ := newTestServer(t, WithMetricsGatherer(reg))
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "copythat_test_total 1")
}
