package server

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyfront/keyfront/internal/config"
)

func TestZZDebugGate(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Println("backend got:", r.URL.Path)
		if r.URL.Path == "/hold" {
			<-release
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer backend.Close()

	one := int64(1)
	cfg := testGatewayConfig(backend.URL)
	cfg.Listen = freeAddr(t)
	cfg.Concurrency = &config.ConcurrencyConfig{DownstreamMaxInflight: &one}

	startGateway(t, cfg, "http://"+cfg.Listen+"/healthz")

	client := &http.Client{Timeout: 10 * time.Second}
	base := "http://" + cfg.Listen

	holdDone := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, base+"/api/hold", nil)
		req.Header.Set("Authorization", "Bearer sk-test-token")
		resp, err := client.Do(req)
		if err != nil {
			fmt.Println("hold error:", err)
			holdDone <- 0
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		fmt.Println("hold status:", resp.StatusCode)
		holdDone <- resp.StatusCode
	}()

	// Once the held request occupies the only slot, probes bounce.
	probeCount := 0
	require.Eventually(t, func() bool {
		probeCount++
		resp, err := client.Do(authedGet(t, base+"/api/probe"))
		if err != nil {
			fmt.Println("probe error:", err)
			return false
		}
		defer resp.Body.Close()
		if probeCount <= 10 || probeCount%20 == 0 {
			fmt.Printf("probe %d: status=%d\n", probeCount, resp.StatusCode)
		}
		return resp.StatusCode == http.StatusServiceUnavailable
	}, 5*time.Second, 25*time.Millisecond, "gate never filled")

	resp, err := client.Do(authedGet(t, base+"/api/probe"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"error":"downstream_concurrency_exceeded"}`, string(body))

	// Releasing the held request frees the slot for new traffic.
	close(release)
	assert.Equal(t, http.StatusOK, <-holdDone)

	require.Eventually(t, func() bool {
		okResp, probeErr := client.Do(authedGet(t, base+"/api/probe"))
		if probeErr != nil {
			return false
		}
		defer okResp.Body.Close()
		return okResp.StatusCode == http.StatusOK
	}, 5*time.Second, 25*time.Millisecond, "gate never drained")
}
