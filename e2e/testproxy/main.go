// Package main is a minimal authenticating HTTP forward proxy for keyfront
// e2e tests. It accepts absolute-form requests, enforces Proxy-Authorization
// when credentials are configured, tags relayed requests with X-Proxied-By
// so tests can prove the traffic went through it, and streams the origin
// response back.
package main

import (
	"encoding/base64"
	"flag"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8081", "listen address")
	username := flag.String("username", "", "required proxy username (empty disables auth)")
	password := flag.String("password", "", "required proxy password")
	flag.Parse()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           &forwardProxy{username: *username, password: *password},
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("testproxy: listening on %s (auth=%v)", *addr, *username != "")
	log.Fatal(srv.ListenAndServe())
}

type forwardProxy struct {
	username string
	password string
}

func (p *forwardProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CONNECT never happens here: the gateway only tunnels for https
	// upstreams and the e2e origins are plain http.
	if !r.URL.IsAbs() {
		http.Error(w, "absolute-form request required", http.StatusBadRequest)
		return
	}

	if p.username != "" && !p.authorized(r) {
		w.Header().Set("Proxy-Authenticate", `Basic realm="testproxy"`)
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Header.Del("Proxy-Authorization")
	out.Header.Del("Proxy-Connection")
	out.Header.Set("X-Proxied-By", "testproxy")

	resp, err := http.DefaultTransport.RoundTrip(out)
	if err != nil {
		log.Printf("testproxy: relay %s: %v", r.URL, err)
		http.Error(w, "relay failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (p *forwardProxy) authorized(r *http.Request) bool {
	const scheme = "Basic "
	v := r.Header.Get("Proxy-Authorization")
	if !strings.HasPrefix(v, scheme) {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, scheme))
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	return ok && user == p.username && pass == p.password
}
