// Package bmetrics implements the Prometheus collectors shared by crossfs
// and etcfs, adapted from the teacher's internal/metrics.Collector:
// per-FUSE-op request counters, a config-mutation counter, and the
// override-enforcement and SERVICE-filter-cache counters named in
// SPEC_FULL.md's observability surface.
package bmetrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements both crossfs.MetricsSink and etcfs's equivalent
// narrow interface, plus exposes its registry over HTTP.
type Collector struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	mutations        prometheus.Counter
	serviceCacheHits *prometheus.CounterVec
	overrideApplies  *prometheus.CounterVec

	server *http.Server
}

// New builds a Collector for subsystem ("crossfs" or "etcfs"), with all
// metrics under the "bedrock" namespace.
func New(subsystem string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bedrock",
		Subsystem: subsystem,
		Name:      "requests_total",
		Help:      "Total FUSE requests handled, by operation.",
	}, []string{"op"})

	c.mutations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bedrock",
		Subsystem: subsystem,
		Name:      "config_mutations_total",
		Help:      "Total successful config pseudo-file command applications.",
	})

	c.serviceCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bedrock",
		Subsystem: subsystem,
		Name:      "service_filter_cache_total",
		Help:      "SERVICE filter memo table accesses, by hit/miss.",
	}, []string{"result"})

	c.overrideApplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bedrock",
		Subsystem: subsystem,
		Name:      "override_enforcement_total",
		Help:      "Override enforcement attempts, by outcome.",
	}, []string{"outcome"})

	c.registry.MustRegister(c.requests, c.mutations, c.serviceCacheHits, c.overrideApplies)
	return c
}

// ObserveRequest implements crossfs.MetricsSink and etcfs's equivalent.
func (c *Collector) ObserveRequest(op string) { c.requests.WithLabelValues(op).Inc() }

// ObserveMutation implements crossfs.MetricsSink and etcfs's equivalent.
func (c *Collector) ObserveMutation() { c.mutations.Inc() }

// ObserveServiceCache implements crossfs.MetricsSink.
func (c *Collector) ObserveServiceCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.serviceCacheHits.WithLabelValues(result).Inc()
}

// ObserveOverrideApplied records an etcfs override enforcement outcome:
// etcfs reports "applied" when Enforce returns nil (including debounced
// and already-correct passes) and "error" otherwise.
func (c *Collector) ObserveOverrideApplied(outcome string) {
	c.overrideApplies.WithLabelValues(outcome).Inc()
}

// Serve starts the /metrics HTTP endpoint on port, returning once the
// listener is up; it shuts down when ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, port int) error {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.server.ListenAndServe() }()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}
