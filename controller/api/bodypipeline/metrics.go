package bodypipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the process-wide vectors backing every Producer's
// observability counters (spec.md §4, "Observability counters", 15% of the
// core's implementation budget). Grounded on
// controller/api/destination/endpoint_stream_dispatcher.go's use of a
// prometheus.Counter parameter for overflow accounting, generalized to a
// full vector so each stream gets its own labeled series.
type Metrics struct {
	receivedChunks      *prometheus.CounterVec
	receivedBytes       *prometheus.CounterVec
	emittedChunks       *prometheus.CounterVec
	emittedBytes        *prometheus.CounterVec
	maxQueueDepthChunks *prometheus.GaugeVec
	maxQueueDepthBytes  *prometheus.GaugeVec
}

// NewMetrics constructs and registers the bodypipeline_* vectors against
// reg. Pass the same *prometheus.Registry given to bpadmin.NewServer to
// expose them on its /metrics endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		receivedChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bodypipeline_received_chunks_total",
			Help: "Body fragments received from the transport, per stream.",
		}, []string{"stream"}),
		receivedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bodypipeline_received_bytes_total",
			Help: "Body bytes received from the transport, per stream.",
		}, []string{"stream"}),
		emittedChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bodypipeline_emitted_chunks_total",
			Help: "Body fragments delivered to the subscriber, per stream.",
		}, []string{"stream"}),
		emittedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bodypipeline_emitted_bytes_total",
			Help: "Body bytes delivered to the subscriber, per stream.",
		}, []string{"stream"}),
		maxQueueDepthChunks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bodypipeline_max_queue_depth_chunks",
			Help: "Peak (received - emitted) chunk depth observed, per stream.",
		}, []string{"stream"}),
		maxQueueDepthBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bodypipeline_max_queue_depth_bytes",
			Help: "Peak (received - emitted) byte depth observed, per stream.",
		}, []string{"stream"}),
	}
	reg.MustRegister(
		m.receivedChunks, m.receivedBytes,
		m.emittedChunks, m.emittedBytes,
		m.maxQueueDepthChunks, m.maxQueueDepthBytes,
	)
	return m
}

// streamMetrics are the per-stream labeled instruments a Producer updates
// directly, avoiding a label lookup on every enqueue/emit.
type streamMetrics struct {
	receivedChunks      prometheus.Counter
	receivedBytes       prometheus.Counter
	emittedChunks       prometheus.Counter
	emittedBytes        prometheus.Counter
	maxQueueDepthChunks prometheus.Gauge
	maxQueueDepthBytes  prometheus.Gauge
}

// ForStream returns the labeled instruments for one stream identifier. Safe
// to call once per Producer at construction time.
func (m *Metrics) ForStream(streamID string) *streamMetrics {
	if m == nil {
		return nil
	}
	return &streamMetrics{
		receivedChunks:      m.receivedChunks.WithLabelValues(streamID),
		receivedBytes:       m.receivedBytes.WithLabelValues(streamID),
		emittedChunks:       m.emittedChunks.WithLabelValues(streamID),
		emittedBytes:        m.emittedBytes.WithLabelValues(streamID),
		maxQueueDepthChunks: m.maxQueueDepthChunks.WithLabelValues(streamID),
		maxQueueDepthBytes:  m.maxQueueDepthBytes.WithLabelValues(streamID),
	}
}
