package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ClientCollector bundles the Prometheus metrics of the map client. It
// satisfies the request queue's Recorder.
type ClientCollector struct {
	gatherer prometheus.Gatherer

	RequestsSent     *prometheus.CounterVec
	RequestsFinished *prometheus.CounterVec
	RequestDurations *prometheus.HistogramVec
	QueueDepthGauge  prometheus.Gauge
	Pushes           *prometheus.CounterVec
	AreaEdits        *prometheus.CounterVec
	Handoffs         prometheus.Counter
	Connected        prometheus.Gauge
}

// NewClientCollector registers the client metrics against reg, defaulting to
// the global registry when nil. Registering twice returns the existing collectors.
func NewClientCollector(reg prometheus.Registerer) (*ClientCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	sent, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imm_requests_sent_total",
		Help: "Requests written to the socket, labeled by kind.",
	}, []string{"kind"}), "imm_requests_sent_total")
	if err != nil {
		return nil, err
	}

	finished, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imm_requests_total",
		Help: "Finished requests, labeled by kind and outcome (ack, error, timeout, protocol_violation, send_failed, dropped).",
	}, []string{"kind", "outcome"}), "imm_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imm_request_duration_seconds",
		Help:    "Time from send to reply or timeout, in seconds.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"kind"}), "imm_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	depth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imm_queue_depth",
		Help: "Requests waiting behind the one in flight.",
	}), "imm_queue_depth")
	if err != nil {
		return nil, err
	}

	pushes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imm_pushes_total",
		Help: "Server pushes received, labeled by kind and result (acked, rejected).",
	}, []string{"kind", "result"}), "imm_pushes_total")
	if err != nil {
		return nil, err
	}

	edits, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imm_area_edits_total",
		Help: "Area edits, labeled by kind and result (committed, conflict, invalid).",
	}, []string{"kind", "result"}), "imm_area_edits_total")
	if err != nil {
		return nil, err
	}

	handoffs, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imm_priority_handoffs_total",
		Help: "Times another client took over the area.",
	}), "imm_priority_handoffs_total")
	if err != nil {
		return nil, err
	}

	connected, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imm_connected",
		Help: "1 while the socket is connected.",
	}), "imm_connected")
	if err != nil {
		return nil, err
	}

	return &ClientCollector{
		gatherer:         gatherer,
		RequestsSent:     sent,
		RequestsFinished: finished,
		RequestDurations: durations,
		QueueDepthGauge:  depth,
		Pushes:           pushes,
		AreaEdits:        edits,
		Handoffs:         handoffs,
		Connected:        connected,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ClientCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *ClientCollector) RequestSent(kind string) {
	if c == nil {
		return
	}
	c.RequestsSent.WithLabelValues(kind).Inc()
}

func (c *ClientCollector) RequestFinished(kind, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.RequestsFinished.WithLabelValues(kind, outcome).Inc()
	if elapsed > 0 {
		c.RequestDurations.WithLabelValues(kind).Observe(elapsed.Seconds())
	}
}

func (c *ClientCollector) QueueDepth(depth int) {
	if c == nil {
		return
	}
	c.QueueDepthGauge.Set(float64(depth))
}

func (c *ClientCollector) PushReceived(kind string, acked bool) {
	if c == nil {
		return
	}
	result := "acked"
	if !acked {
		result = "rejected"
	}
	c.Pushes.WithLabelValues(kind, result).Inc()
}

func (c *ClientCollector) AreaEdit(kind, result string) {
	if c == nil {
		return
	}
	c.AreaEdits.WithLabelValues(kind, result).Inc()
}

func (c *ClientCollector) PriorityHandoff() {
	if c == nil {
		return
	}
	c.Handoffs.Inc()
}

func (c *ClientCollector) SetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.Connected.Set(1)
	} else {
		c.Connected.Set(0)
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
