// Package metrics exposes the core's operational telemetry on an
// operator-only listener (spec's DOMAIN STACK metrics entry). This is
// separate from the notifier path: nothing here carries delta payloads.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the core's prometheus collectors.
type Metrics struct {
	Ticks           prometheus.Counter
	DeltasEmitted   *prometheus.CounterVec
	ArchiveRetries  prometheus.Counter
	DiffPassSeconds prometheus.Histogram
}

// New registers and returns the core's collectors against a fresh
// registry.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wizdiff",
			Name:      "ticks_total",
			Help:      "Number of poll-loop ticks executed.",
		}),
		DeltasEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wizdiff",
			Name:      "deltas_emitted_total",
			Help:      "Number of deltas emitted, labeled by variant.",
		}, []string{"variant"}),
		ArchiveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wizdiff",
			Name:      "archive_journal_retries_total",
			Help:      "Number of archive-journal fetches that ended in an error; retry attempts within a fetch are not counted separately.",
		}),
		DiffPassSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wizdiff",
			Name:      "diff_pass_seconds",
			Help:      "Wall-clock duration of a completed diff pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.Ticks, m.DeltasEmitted, m.ArchiveRetries, m.DiffPassSeconds)
	return m, reg
}

// Serve starts a blocking HTTP listener exposing /metrics until ctx is
// canceled. Intended to run in its own goroutine from main.
func Serve(ctx context.Context, logger *logrus.Logger, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("metrics: shutdown error: %v", err)
		}
	}()

	logger.Infof("metrics: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
