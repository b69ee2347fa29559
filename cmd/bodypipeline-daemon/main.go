// Command bodypipeline-daemon serves HTTP clients a streamed response body
// fed by an origin-facing gRPC transport, bridged through a
// bodypipeline.Producer per request. Shape follows
// controller/cmd/tap/main.go: flag parsing, logrus level configuration,
// signal-driven graceful shutdown, and separate admin/serving listeners.
// See SPEC_FULL.md §4.10.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"

	bodypipeline "github.com/linkerd/bodypipeline/controller/api/bodypipeline"
	"github.com/linkerd/bodypipeline/internal/httpsubscriber"
	"github.com/linkerd/bodypipeline/internal/reload"
	"github.com/linkerd/bodypipeline/internal/transport"
	"github.com/linkerd/bodypipeline/pkg/bpadmin"
	"github.com/linkerd/bodypipeline/pkg/bpflags"
)

func main() {
	addr := flag.String("addr", ":8080", "address to serve streamed response bodies on")
	adminAddr := flag.String("admin-addr", ":9995", "address to serve /ping, /ready and /metrics on")
	originAddr := flag.String("origin-addr", "", "gRPC address of the origin transport to fetch bodies from")
	overridesDir := flag.String("overrides-dir", "", "directory to watch for demand-window override reloads; disabled if empty")
	enablePprof := flag.Bool("enable-pprof", false, "serve /debug/pprof/* on the admin listener")
	fetchTimeout := flag.Duration("fetch-timeout", 2*time.Minute, "maximum duration of a single origin fetch")
	tearDownGrace := flag.Duration("tear-down-grace", 10*time.Second, "grace period after a channel failure with no subscriber attached before resources are torn down")
	bpflags.ConfigureAndParse()

	if *originAddr == "" {
		logging.Fatal("-origin-addr is required")
	}

	registry := prometheus.NewRegistry()
	metrics := bodypipeline.NewMetrics(registry)

	source, err := transport.Dial(*originAddr)
	if err != nil {
		logging.WithError(err).Fatal("failed to dial origin transport")
	}
	defer source.Close()

	demandWindow := newReloadableWindow(*overridesDir, 4)
	watcherHealthy := func() bool { return true }
	if *overridesDir != "" {
		watcher := reload.New(*overridesDir, demandWindow.reload)
		watcherHealthy = watcher.Healthy
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logging.WithError(err).Warn("override watcher stopped")
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		streamID := req.URL.Query().Get("stream")
		if streamID == "" {
			http.Error(w, "missing stream query parameter", http.StatusBadRequest)
			return
		}
		log := logging.WithField("stream", streamID)

		gate := transport.NewGate()
		var producer *bodypipeline.Producer
		producer = bodypipeline.NewProducer(streamID, bodypipeline.Collaborators{
			AskForMore: gate.Release,
			OnComplete: func() {
				log.Debug("producer completed successfully")
			},
			OnTerminate: func(cause error) {
				log.WithError(cause).Debug("producer terminated")
			},
			OnDelayedTearDown: func() {
				time.AfterFunc(*tearDownGrace, func() {
					producer.TearDownResources(&bodypipeline.ResponseTimeoutError{
						Origin:         *originAddr,
						Reason:         "no subscriber attached before grace period expired",
						ReceivedBytes:  producer.ReceivedBytes(),
						ReceivedChunks: producer.ReceivedChunks(),
						EmittedBytes:   producer.EmittedBytes(),
						EmittedChunks:  producer.EmittedChunks(),
					})
				})
			},
		}, metrics)

		ctx, cancel := context.WithTimeout(req.Context(), *fetchTimeout)
		defer cancel()
		go source.Stream(ctx, streamID, producer, gate)

		sub, err := httpsubscriber.New(w, producer, streamID, demandWindow.load())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := sub.Serve(); err != nil {
			log.WithError(err).Warn("stream ended with error")
		}
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	admin := bpadmin.NewServer(*adminAddr, registry, *enablePprof,
		bpadmin.ReadyCheck{Name: "origin transport", Ready: source.Healthy},
		bpadmin.ReadyCheck{Name: "override watcher", Ready: watcherHealthy},
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logging.Infof("serving streamed bodies on %s", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.WithError(err).Fatal("body server failed")
		}
	}()
	go func() {
		logging.Infof("serving admin endpoints on %s", *adminAddr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.WithError(err).Warn("admin server failed")
		}
	}()

	<-stop
	logging.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.WithError(err).Warn("error during body server shutdown")
	}
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logging.WithError(err).Warn("error during admin server shutdown")
	}
}
