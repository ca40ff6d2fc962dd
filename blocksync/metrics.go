package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Next height wanted by the import pipeline.
	Height metrics.Gauge
	// Number of peers registered with the pool.
	NumPeers metrics.Gauge
	// The biggest height reported by any peer.
	MaxPeerHeight metrics.Gauge
	// Number of ranges tracked by the ledger.
	PendingRanges metrics.Gauge
	// Number of ranges requested from peers.
	RequestedRanges metrics.Counter
	// Number of blocks received from peers.
	ReceivedBlocks metrics.Counter
	// Number of blocks handed to the import pipeline.
	ImportedBlocks metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library. Optionally, labels can be provided along with their values
// ("foo", "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Next height wanted by the import pipeline.",
		}, labels).With(labelsAndValues...),
		NumPeers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "num_peers",
			Help:      "Number of peers registered with the pool.",
		}, labels).With(labelsAndValues...),
		MaxPeerHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "max_peer_height",
			Help:      "The biggest height reported by any peer.",
		}, labels).With(labelsAndValues...),
		PendingRanges: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_ranges",
			Help:      "Number of ranges tracked by the ledger.",
		}, labels).With(labelsAndValues...),
		RequestedRanges: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requested_ranges",
			Help:      "Number of ranges requested from peers.",
		}, labels).With(labelsAndValues...),
		ReceivedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "received_blocks",
			Help:      "Number of blocks received from peers.",
		}, labels).With(labelsAndValues...),
		ImportedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "imported_blocks",
			Help:      "Number of blocks handed to the import pipeline.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:          discard.NewGauge(),
		NumPeers:        discard.NewGauge(),
		MaxPeerHeight:   discard.NewGauge(),
		PendingRanges:   discard.NewGauge(),
		RequestedRanges: discard.NewCounter(),
		ReceivedBlocks:  discard.NewCounter(),
		ImportedBlocks:  discard.NewCounter(),
	}
}
