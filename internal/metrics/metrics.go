// Package metrics defines the tunnel's Prometheus surface: ambient
// operability metrics for packet counts and peer-map size, exposed for
// scraping independent of the wire protocol itself. A Collector struct of
// pre-built vectors is registered in NewCollector, one Inc*/Set* method
// per event.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "utun"
	subsystem = "engine"
)

const labelReason = "reason"

// Collector holds the tunnel's Prometheus metrics.
type Collector struct {
	// PacketsSent counts packets successfully written to the UDP socket.
	PacketsSent prometheus.Counter

	// PacketsReceived counts packets successfully read off the UDP socket
	// (after AEAD open, before any further processing).
	PacketsReceived prometheus.Counter

	// PacketsDropped counts packets discarded before reaching their
	// destination, labeled by the reason.
	PacketsDropped *prometheus.CounterVec

	// PeerMapSize reports the server's current peer map cardinality.
	PeerMapSize prometheus.Gauge
}

// NewCollector builds and registers a Collector against reg. If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total packets written to the UDP socket.",
		}),
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total packets read off the UDP socket.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped before delivery, labeled by reason.",
		}, []string{labelReason}),
		PeerMapSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_map_size",
			Help:      "Current number of entries in the server peer map.",
		}),
	}

	reg.MustRegister(c.PacketsSent, c.PacketsReceived, c.PacketsDropped, c.PeerMapSize)
	return c
}

// IncSent increments the sent packet counter. A nil Collector is a no-op,
// so callers that don't care about metrics (most tests) can skip it.
func (c *Collector) IncSent() {
	if c == nil {
		return
	}
	c.PacketsSent.Inc()
}

// IncReceived increments the received packet counter.
func (c *Collector) IncReceived() {
	if c == nil {
		return
	}
	c.PacketsReceived.Inc()
}

// IncDropped increments the dropped counter for the given reason.
func (c *Collector) IncDropped(reason string) {
	if c == nil {
		return
	}
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// SetPeerMapSize records the current peer map cardinality.
func (c *Collector) SetPeerMapSize(n int) {
	if c == nil {
		return
	}
	c.PeerMapSize.Set(float64(n))
}
