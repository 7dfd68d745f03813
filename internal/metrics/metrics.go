// Package metrics exposes the indexer's Prometheus instrumentation:
// blocks processed, distance-to-head and reverts per extractor, gateway
// batch flushes per chain, runner subscriber drops, and per-stream
// staleness on the client side
// (spec.md §4.4 "progress reporting: blocks/min, distance-to-head, ETA").
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a dedicated prometheus.Registry so this module never
// touches the global default registry — multiple extractors in one
// process each get distinctly labelled series.
type Registry struct {
	reg *prometheus.Registry

	blocksProcessed *prometheus.CounterVec
	distanceToHead  *prometheus.GaugeVec
	batchFlushes    *prometheus.CounterVec
	reverts         *prometheus.CounterVec
	streamsStale    *prometheus.GaugeVec
	subscriberDrops *prometheus.CounterVec
}

// New builds and registers every series.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		blocksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tycho_blocks_processed_total",
			Help: "Blocks processed by an extractor, forward or reverted.",
		}, []string{"extractor", "chain"}),
		distanceToHead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tycho_distance_to_head",
			Help: "Blocks between an extractor's last processed block and the chain head.",
		}, []string{"extractor", "chain"}),
		batchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tycho_gateway_batch_flushes_total",
			Help: "Persistence Gateway batch commits.",
		}, []string{"chain"}),
		reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tycho_reverts_total",
			Help: "Undo signals handled by an extractor.",
		}, []string{"extractor", "chain"}),
		streamsStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tycho_synchronizer_stream_stale",
			Help: "1 if a registered stream is currently classified Stale, else 0.",
		}, []string{"extractor"}),
		subscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tycho_runner_subscriber_drops_total",
			Help: "Subscribers removed from a runner after a failed send.",
		}, []string{"extractor"}),
	}
	reg.MustRegister(
		r.blocksProcessed,
		r.distanceToHead,
		r.batchFlushes,
		r.reverts,
		r.streamsStale,
		r.subscriberDrops,
	)
	return r
}

func (r *Registry) BlockProcessed(extractor, chn string) {
	r.blocksProcessed.WithLabelValues(extractor, chn).Inc()
}

func (r *Registry) SetDistanceToHead(extractor, chn string, blocks int64) {
	r.distanceToHead.WithLabelValues(extractor, chn).Set(float64(blocks))
}

func (r *Registry) BatchFlushed(chn string) {
	r.batchFlushes.WithLabelValues(chn).Inc()
}

func (r *Registry) RevertHandled(extractor, chn string) {
	r.reverts.WithLabelValues(extractor, chn).Inc()
}

func (r *Registry) SetStreamStale(extractor string, stale bool) {
	v := 0.0
	if stale {
		v = 1.0
	}
	r.streamsStale.WithLabelValues(extractor).Set(v)
}

func (r *Registry) SubscriberDropped(extractor string) {
	r.subscriberDrops.WithLabelValues(extractor).Inc()
}

// Handler serves the registry's series in the Prometheus text exposition
// format, mounted at /metrics by callers.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve runs a dedicated metrics HTTP server until ctx is cancelled.
func Serve(ctx context.Context, addr string, r *Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
