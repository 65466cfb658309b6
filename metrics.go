package coap

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the runtime metrics surface for an Endpoint, built from plain
// Counters/Gauges since an Endpoint has no per-connection fan-out to
// collect on demand.
type Metrics struct {
	datagramsIn   prometheus.Counter
	datagramsOut  prometheus.Counter
	bytesIn       prometheus.Counter
	bytesOut      prometheus.Counter
	retransExhaust prometheus.Counter
	blockReassembly prometheus.Counter
	notifications prometheus.Counter

	dedupCacheSize      prometheus.Gauge
	activeObservations  prometheus.Gauge
}

// NewMetrics builds and registers the endpoint's metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		datagramsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap", Name: "datagrams_in_total",
			Help: "UDP datagrams received.",
		}),
		datagramsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap", Name: "datagrams_out_total",
			Help: "UDP datagrams sent.",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap", Name: "bytes_in_total",
			Help: "Bytes received.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap", Name: "bytes_out_total",
			Help: "Bytes sent.",
		}),
		retransExhaust: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap", Name: "retransmit_exhausted_total",
			Help: "CON requests that exhausted MAX_RETRANSMIT without an ACK.",
		}),
		blockReassembly: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap", Name: "block_reassembly_total",
			Help: "Block-wise transfers fully reassembled.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coap", Name: "notifications_total",
			Help: "Observe notifications sent to subscribers.",
		}),
		dedupCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coap", Name: "dedup_cache_size",
			Help: "Live entries in the message-layer deduplication cache.",
		}),
		activeObservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coap", Name: "active_observations",
			Help: "Active RFC 7641 subscriptions.",
		}),
	}

	reg.MustRegister(
		m.datagramsIn, m.datagramsOut, m.bytesIn, m.bytesOut,
		m.retransExhaust, m.blockReassembly, m.notifications,
		m.dedupCacheSize, m.activeObservations,
	)
	return m
}

// ObserveDatagramIn records an inbound datagram of n bytes.
func (m *Metrics) ObserveDatagramIn(n int) {
	m.datagramsIn.Inc()
	m.bytesIn.Add(float64(n))
}

// ObserveDatagramOut records an outbound datagram of n bytes.
func (m *Metrics) ObserveDatagramOut(n int) {
	m.datagramsOut.Inc()
	m.bytesOut.Add(float64(n))
}

// IncRetransmitExhausted counts a CON that gave up without an ACK.
func (m *Metrics) IncRetransmitExhausted() { m.retransExhaust.Inc() }

// IncBlockReassembly counts a completed block-wise reassembly.
func (m *Metrics) IncBlockReassembly() { m.blockReassembly.Inc() }

// IncNotification counts one Observe notification delivered.
func (m *Metrics) IncNotification() { m.notifications.Inc() }

// SetDedupCacheSize reports the current dedup-cache occupancy.
func (m *Metrics) SetDedupCacheSize(n int) { m.dedupCacheSize.Set(float64(n)) }

// SetActiveObservations reports the current subscriber count.
func (m *Metrics) SetActiveObservations(n int) { m.activeObservations.Set(float64(n)) }
