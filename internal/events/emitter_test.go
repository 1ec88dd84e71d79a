package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/keyfront/keyfront/internal/config"
	"github.com/keyfront/keyfront/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitter_DisabledReturnsNil(t *testing.T) {
	e := NewEmitter(config.EventsConfig{Enabled: false}, testLogger(), testMetrics())
	if e != nil {
		t.Fatal("expected nil emitter when disabled")
	}
}

func TestEmitter_BatchFlushing(t *testing.T) {
	var mu sync.Mutex
	var received []RequestEvent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []RequestEvent `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal error: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, payload.Events...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           srv.URL,
		BatchSize:     5,
		FlushInterval: "100ms",
		BufferSize:    100,
	}, testLogger(), testMetrics())

	for i := range 12 {
		e.Emit(RequestEvent{
			Timestamp:  time.Now().Format(time.RFC3339),
			RequestID:  "req-batch",
			RouteID:    "openai",
			Method:     "POST",
			Path:       "/openai/v1/chat/completions",
			StatusCode: 200,
			Outcome:    observability.OutcomeForwarded,
			DurationMS: int64(i),
		})
	}

	// Wait for flush.
	time.Sleep(500 * time.Millisecond)

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 12 {
		t.Errorf("expected 12 events, got %d", len(received))
	}
	if len(received) > 0 && received[0].RouteID != "openai" {
		t.Errorf("expected route_id openai, got %q", received[0].RouteID)
	}
}

func TestEmitter_BufferOverflow(t *testing.T) {
	// Use a very small buffer to force overflow.
	m := testMetrics()
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           "http://localhost:0/noop",
		BatchSize:     1000, // larger than buffer to prevent flushing
		FlushInterval: "1h",
		BufferSize:    5,
	}, testLogger(), m)

	for range 10 {
		e.Emit(RequestEvent{RouteID: "overflow"})
	}

	e.ringMu.Lock()
	length := e.ringLen
	e.ringMu.Unlock()

	if length != 5 {
		t.Errorf("expected ring length 5 (capped), got %d", length)
	}
	if got := m.Snapshot().EventsDropped; got != 5 {
		t.Errorf("expected 5 dropped events, got %d", got)
	}

	// Don't bother flushing — close and move on.
	close(e.done)
	e.wg.Wait()
}

func TestEmitter_PayloadShape(t *testing.T) {
	var mu sync.Mutex
	var body []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = b
		mu.Unlock()
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %q", ct)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           srv.URL,
		BatchSize:     1,
		FlushInterval: "50ms",
		BufferSize:    10,
	}, testLogger(), testMetrics())

	e.Emit(RequestEvent{
		Timestamp:  "2026-01-02T03:04:05Z",
		RequestID:  "req-1",
		RouteID:    "anthropic",
		Method:     "POST",
		Path:       "/anthropic/v1/messages",
		StatusCode: 200,
		Outcome:    observability.OutcomeForwarded,
		DurationMS: 1234,
		SSE:        true,
		BytesSent:  4096,
		TokenLabel: "sk-***99#0a1b2c3d",
	})
	time.Sleep(300 * time.Millisecond)
	e.Close()

	mu.Lock()
	defer mu.Unlock()

	var payload struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(payload.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(payload.Events))
	}
	ev := payload.Events[0]
	for _, key := range []string{"timestamp", "request_id", "route_id", "method", "path", "status_code", "outcome", "duration_ms", "sse", "bytes_sent", "token_label"} {
		if _, ok := ev[key]; !ok {
			t.Errorf("missing %q in event payload", key)
		}
	}
	if ev["outcome"] != "forwarded" {
		t.Errorf("expected outcome forwarded, got %v", ev["outcome"])
	}
}

func TestEmitter_GracefulShutdownDrain(t *testing.T) {
	var mu sync.Mutex
	var received int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []RequestEvent `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err == nil {
			mu.Lock()
			received += len(payload.Events)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		URL:           srv.URL,
		BatchSize:     100,
		FlushInterval: "1h", // long enough that only Close() will trigger drain
		BufferSize:    100,
	}, testLogger(), testMetrics())

	for range 7 {
		e.Emit(RequestEvent{RouteID: "drain-test"})
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 7 {
		t.Errorf("expected 7 events drained on close, got %d", received)
	}
}
