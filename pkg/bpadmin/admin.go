// Package bpadmin serves the admin/observability HTTP surface: liveness,
// readiness, Prometheus metrics, and optional pprof profiling endpoints.
// Adapted from pkg/admin/admin.go: rewired to scrape a module-local
// prometheus.Registry instead of the global default registry so that
// multiple bodypipeline components in the same process never collide on
// metric names, and to back /ready with caller-supplied health checks
// (the teacher's /ready is an unconditional "ok\n", which has nothing real
// to check in a Kubernetes-controller admin surface backed entirely by
// informer caches reachable elsewhere; this daemon has concrete
// dependencies - the origin transport connection, the override watcher -
// worth actually probing). See SPEC_FULL.md §4.7.
package bpadmin

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const debugPathPrefix = "/debug/pprof/"

// ReadyCheck is one named dependency /ready probes before answering 200.
type ReadyCheck struct {
	Name  string
	Ready func() bool
}

type handler struct {
	promHandler http.Handler
	enablePprof bool
	checks      []ReadyCheck
}

// NewServer returns an initialized *http.Server, configured to listen on
// addr, serve metrics scraped from reg, and answer /ready only once every
// check in checks reports ready.
func NewServer(addr string, reg *prometheus.Registry, enablePprof bool, checks ...ReadyCheck) *http.Server {
	h := &handler{
		promHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		enablePprof: enablePprof,
		checks:      checks,
	}

	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if h.enablePprof && strings.HasPrefix(req.URL.Path, debugPathPrefix) {
		switch req.URL.Path {
		case fmt.Sprintf("%scmdline", debugPathPrefix):
			pprof.Cmdline(w, req)
		case fmt.Sprintf("%sprofile", debugPathPrefix):
			pprof.Profile(w, req)
		case fmt.Sprintf("%strace", debugPathPrefix):
			pprof.Trace(w, req)
		case fmt.Sprintf("%ssymbol", debugPathPrefix):
			pprof.Symbol(w, req)
		default:
			pprof.Index(w, req)
		}
		return
	}
	switch req.URL.Path {
	case "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case "/ping":
		h.servePing(w)
	case "/ready":
		h.serveReady(w)
	default:
		http.NotFound(w, req)
	}
}

func (h *handler) servePing(w http.ResponseWriter) {
	w.Write([]byte("pong\n"))
}

// serveReady runs every registered check in order and reports the first
// one that fails; with no checks registered it behaves like the teacher's
// unconditional readiness response.
func (h *handler) serveReady(w http.ResponseWriter) {
	for _, check := range h.checks {
		if !check.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready: %s\n", check.Name)
			return
		}
	}
	w.Write([]byte("ok\n"))
}
