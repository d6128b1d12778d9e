// Package httpd implements the HTTP Serving Layer (spec.md §4.8): the
// landing page, Prometheus exposition, and the before/after snapshot
// pair endpoints. Built on net/http rather than a hand-rolled socket
// reader: spec.md §9 explicitly frees implementers to use "any buffered
// stream abstraction as long as the externally observable HTTP
// semantics (chunked transfer, keep-alive, line folding) are
// preserved," and net/http's server already implements HTTP/1.1 framing,
// line-folding-tolerant header parsing, and Host validation to the same
// effect as the source's custom HTTPConnection.
package httpd

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opcm/opcmd/pkg/pmu"
	"github.com/opcm/opcmd/pkg/pmu/sampler"
)

const (
	serverHeader        = "opcmd"
	keepAliveMax        = 100
	keepAliveTimeout    = 10 * time.Second
	maxPersecondSeconds = 30
	ringPollInterval    = time.Second
)

// Server renders the ring's snapshots over HTTP.
type Server struct {
	ring     *sampler.Ring
	registry *prometheus.Registry
	mux      *http.ServeMux
	hostname string
}

// New builds a Server reading from ring. hostname is reported in the
// dashboard JSON blob.
func New(ring *sampler.Ring, hostname string) *Server {
	s := &Server{
		ring:     ring,
		registry: prometheus.NewRegistry(),
		mux:      http.NewServeMux(),
		hostname: hostname,
	}
	s.registry.MustRegister(newSnapshotCollector(ring))

	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/persecond", s.handlePersecond)
	s.mux.HandleFunc("/persecond/", s.handlePersecondN)
	s.mux.HandleFunc("/dashboard", s.handleDashboard)
	s.mux.HandleFunc("/favicon.ico", s.handleFavicon)
	return s
}

// NewHTTPServer wraps Server in an *http.Server configured for the
// keep-alive limits spec.md §4.8 names (max=100 requests, 10s idle
// timeout) and the unconditional Server/Date headers. ConnContext
// stashes a fresh per-connection request counter so withKeepAliveLimit
// can close the connection once it's served keepAliveMax requests.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     s.withServerHeaders(s.withKeepAliveLimit(s.mux)),
		IdleTimeout: keepAliveTimeout,
		ConnContext: func(ctx context.Context, _ net.Conn) context.Context {
			return context.WithValue(ctx, connRequestCounterKey{}, new(atomic.Int64))
		},
	}
}

// withServerHeaders adds Server and Date unconditionally, matching
// spec.md §4.8 ("Adds Server, Date, and Keep-Alive headers
// unconditionally"); net/http already sets Date itself, this adds
// Server since the stdlib does not.
func (s *Server) withServerHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", serverHeader)
		next.ServeHTTP(w, r)
	})
}

type connRequestCounterKey struct{}

// withKeepAliveLimit closes the connection after keepAliveMax requests,
// mirroring the source's "Keep-Alive connection request limit reached"
// behavior. net/http doesn't expose a per-connection request count
// directly, so this tracks it via a counter stashed in the connection's
// context by NewHTTPServer's ConnContext hook, and falls back to never
// limiting if that context value is absent (e.g. in tests that invoke
// the handler directly without going through Serve).
func (s *Server) withKeepAliveLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if counter, ok := r.Context().Value(connRequestCounterKey{}).(*atomic.Int64); ok {
			n := counter.Add(1)
			w.Header().Set("Keep-Alive", "timeout="+strconv.Itoa(int(keepAliveTimeout.Seconds()))+", max="+strconv.Itoa(keepAliveMax))
			if n >= keepAliveMax {
				w.Header().Set("Connection", "close")
			}
		}
		next.ServeHTTP(w, r)
	})
}

func acceptMime(r *http.Request, htmlFallback bool) string {
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "application/json"):
		return "application/json"
	case strings.Contains(accept, "text/plain"):
		return "text/plain;version=0.0.4"
	case htmlFallback:
		return "text/html"
	default:
		return "application/json"
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// snapshotPair is the (before, after) rendering spec.md §4.8 describes
// for every snapshot-bearing endpoint.
type snapshotPair struct {
	Before *pmu.Snapshot `json:"before,omitempty"`
	After  *pmu.Snapshot `json:"after"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !methodAllowed(w, r) {
		return
	}

	after, ok := s.awaitNth(r.Context(), 0)
	if !ok {
		return
	}

	switch acceptMime(r, true) {
	case "text/html":
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(landingPageHTML)
	default:
		writeJSON(w, snapshotPair{After: &after})
	}
}

func (s *Server) handlePersecond(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r) {
		return
	}
	s.renderPair(w, r, 1)
}

func (s *Server) handlePersecondN(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r) {
		return
	}
	nStr := strings.TrimPrefix(r.URL.Path, "/persecond/")
	n, err := strconv.Atoi(nStr)
	if err != nil || n < 1 || n > maxPersecondSeconds {
		http.Error(w, "400 Bad Request: N must be between 1 and 30", http.StatusBadRequest)
		return
	}
	s.renderPair(w, r, n)
}

func (s *Server) renderPair(w http.ResponseWriter, r *http.Request, n int) {
	after, before, ok := s.awaitPair(r.Context(), n)
	if !ok {
		return
	}

	switch acceptMime(r, true) {
	case "text/html":
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(landingPageHTML)
	default:
		writeJSON(w, snapshotPair{Before: &before, After: &after})
	}
}

// awaitNth blocks in 1-second polls, bounded by ctx, until the ring holds
// a snapshot n ticks behind the newest one (spec.md §4.8: "A request that
// arrives before the ring has enough samples... blocks in 1-second polls
// until it does"; §8: "A request on an empty ring blocks rather than
// returning a partial/zero snapshot").
func (s *Server) awaitNth(ctx context.Context, n int) (pmu.Snapshot, bool) {
	if snap, ok := s.ring.NthFromNewest(n); ok {
		return snap, true
	}
	ticker := time.NewTicker(ringPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return pmu.Snapshot{}, false
		case <-ticker.C:
			if snap, ok := s.ring.NthFromNewest(n); ok {
				return snap, true
			}
		}
	}
}

// awaitPair is awaitNth for a (before, after) pair, polling until both the
// newest snapshot and the one n ticks behind it are available.
func (s *Server) awaitPair(ctx context.Context, n int) (after, before pmu.Snapshot, ok bool) {
	poll := func() (pmu.Snapshot, pmu.Snapshot, bool) {
		after, ok := s.ring.NthFromNewest(0)
		if !ok {
			return pmu.Snapshot{}, pmu.Snapshot{}, false
		}
		before, ok := s.ring.NthFromNewest(n)
		if !ok {
			return pmu.Snapshot{}, pmu.Snapshot{}, false
		}
		return after, before, true
	}
	if after, before, ok := poll(); ok {
		return after, before, true
	}
	ticker := time.NewTicker(ringPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return pmu.Snapshot{}, pmu.Snapshot{}, false
		case <-ticker.C:
			if after, before, ok := poll(); ok {
				return after, before, true
			}
		}
	}
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r) {
		return
	}
	after, _ := s.ring.NthFromNewest(0)
	writeJSON(w, map[string]any{
		"hostname":  s.hostname,
		"snapshots": s.ring.Len(),
		"latest":    after,
	})
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/x-icon")
	_, _ = w.Write(faviconICO)
}

func methodAllowed(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		http.Error(w, "501 Not Implemented", http.StatusNotImplemented)
		return false
	}
}

var landingPageHTML = []byte(`<!doctype html><html><head><title>opcmd</title></head>
<body><h1>opcmd</h1><p>See <a href="/metrics">/metrics</a>, <a href="/persecond">/persecond</a>, <a href="/dashboard">/dashboard</a>.</p></body></html>`)

// faviconICO is a minimal valid 1x1 transparent ICO, just enough to
// satisfy browsers polling for a favicon without a real asset pipeline.
var faviconICO = []byte{
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x18, 0x00, 0x30, 0x00,
	0x00, 0x00, 0x16, 0x00, 0x00, 0x00, 0x28, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x02, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x18, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}
