// Package main is the origin server for keyfront e2e tests. It echoes
// request details as JSON so tests can verify what the gateway forwarded,
// and provides timing-controlled endpoints (SSE streams, stalled headers,
// trickled bodies) that exercise the gateway's streaming timeout regime.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/sse", handleSSE)
	mux.HandleFunc("/stall", handleStall)
	mux.HandleFunc("/trickle", handleTrickle)
	mux.HandleFunc("/", handleEcho)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("testbackend: listening on %s", *addr)
	log.Fatal(srv.ListenAndServe())
}

// echoResponse is the JSON body returned by the catch-all echo handler.
// Headers holds the first value of every request header, canonical keys.
type echoResponse struct {
	Protocol string            `json:"protocol"`
	Method   string            `json:"method"`
	Path     string            `json:"path"`
	Query    string            `json:"query"`
	Host     string            `json:"host"`
	Remote   string            `json:"remote"`
	Headers  map[string]string `json:"headers"`
	Body     string            `json:"body"`
}

func handleEcho(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Backend", "testbackend")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(echoResponse{
		Protocol: r.Proto,
		Method:   r.Method,
		Path:     r.URL.Path,
		Query:    r.URL.RawQuery,
		Host:     r.Host,
		Remote:   r.RemoteAddr,
		Headers:  headers,
		Body:     string(body),
	})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// handleSSE streams ?count= events spaced ?interval_ms= apart. The spacing
// lets tests hold a stream open well past the gateway's request timeout.
func handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	count := queryInt(r, "count", 5)
	interval := time.Duration(queryInt(r, "interval_ms", 100)) * time.Millisecond

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Backend", "testbackend")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for i := 1; i <= count; i++ {
		fmt.Fprintf(w, "id: %d\nevent: tick\ndata: {\"seq\":%d}\n\n", i, i)
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-time.After(interval):
		}
	}
}

// handleStall sleeps ?ms= before writing any response bytes, simulating an
// upstream that accepts the connection but never produces headers.
func handleStall(w http.ResponseWriter, r *http.Request) {
	delay := time.Duration(queryInt(r, "ms", 1000)) * time.Millisecond

	select {
	case <-r.Context().Done():
		return
	case <-time.After(delay):
	}

	w.Header().Set("X-Backend", "testbackend")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// handleTrickle writes and flushes the first half of the body, pauses
// ?pause_ms=, then writes the rest. With a pause longer than the gateway's
// request timeout, the client must observe a truncated body.
func handleTrickle(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	pause := time.Duration(queryInt(r, "pause_ms", 1000)) * time.Millisecond

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Backend", "testbackend")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "part-one")
	flusher.Flush()

	select {
	case <-r.Context().Done():
		return
	case <-time.After(pause):
	}

	fmt.Fprint(w, "part-two")
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
