package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported by the connection registry.
const (
	DropOversized = "oversized"
	DropMalformed = "malformed"
	DropEmpty     = "empty"
	DropNonText   = "non_text"
	DropRateLimit = "rate_limited"
)

// Collector receives runtime events worth counting.
//
// Calls happen inline on the message path, so implementations must be cheap.
type Collector interface {
	ConnectionAccepted()
	ConnectionClosed()
	MessageReceived()
	FrameDropped(reason string)
	HandlerFailed(event string)
	QueryFailed(handle string)
	Reconnected(handle string)
}

type noopCollector struct{}

// Noop returns a collector that discards everything.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ConnectionAccepted()  {}
func (noopCollector) ConnectionClosed()    {}
func (noopCollector) MessageReceived()     {}
func (noopCollector) FrameDropped(string)  {}
func (noopCollector) HandlerFailed(string) {}
func (noopCollector) QueryFailed(string)   {}
func (noopCollector) Reconnected(string)   {}

// Prometheus exposes the collector through client_golang.
type Prometheus struct {
	connectionsActive   prometheus.Gauge
	connectionsAccepted prometheus.Counter
	messagesReceived    prometheus.Counter
	framesDropped       *prometheus.CounterVec
	handlerFailures     *prometheus.CounterVec
	queryErrors         *prometheus.CounterVec
	reconnects          *prometheus.CounterVec
}

// NewPrometheus registers all metrics with reg (the default registerer when nil).
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sockethub_connections_active",
			Help: "Number of client connections currently held by the registry.",
		}),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockethub_connections_accepted_total",
			Help: "Number of client connections accepted since start.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sockethub_messages_received_total",
			Help: "Number of decoded client messages broadcast to services.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockethub_frames_dropped_total",
			Help: "Number of inbound frames dropped before dispatch.",
		}, []string{"reason"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockethub_handler_failures_total",
			Help: "Number of event or action handler invocations that failed.",
		}, []string{"event"}),
		queryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockethub_query_errors_total",
			Help: "Number of database queries rejected by the driver.",
		}, []string{"handle"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sockethub_database_reconnects_total",
			Help: "Number of automatic reconnects after a lost database connection.",
		}, []string{"handle"}),
	}

	for _, c := range []prometheus.Collector{
		p.connectionsActive,
		p.connectionsAccepted,
		p.messagesReceived,
		p.framesDropped,
		p.handlerFailures,
		p.queryErrors,
		p.reconnects,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Prometheus) ConnectionAccepted() {
	p.connectionsAccepted.Inc()
	p.connectionsActive.Inc()
}

func (p *Prometheus) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *Prometheus) MessageReceived() {
	p.messagesReceived.Inc()
}

func (p *Prometheus) FrameDropped(reason string) {
	p.framesDropped.WithLabelValues(reason).Inc()
}

func (p *Prometheus) HandlerFailed(event string) {
	p.handlerFailures.WithLabelValues(event).Inc()
}

func (p *Prometheus) QueryFailed(handle string) {
	p.queryErrors.WithLabelValues(handle).Inc()
}

func (p *Prometheus) Reconnected(handle string) {
	p.reconnects.WithLabelValues(handle).Inc()
}
