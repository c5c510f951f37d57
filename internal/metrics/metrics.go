package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 网关 Prometheus 指标
// nil *Metrics 的所有方法都是空操作，方便测试
type Metrics struct {
	framesTotal    *prometheus.CounterVec
	decodeFailures prometheus.Counter
	acksSent       *prometheus.CounterVec
	ackFailures    prometheus.Counter
	devicesOnline  prometheus.Gauge
	eventsDropped  prometheus.Counter
	eventPanics    prometheus.Counter
	sinkDropped    *prometheus.CounterVec
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vita",
			Name:      "frames_total",
			Help:      "Uplink frames decoded, by frame type",
		}, []string{"type"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vita",
			Name:      "decode_failures_total",
			Help:      "Uplink payloads that did not decode into a known frame",
		}),
		acksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vita",
			Name:      "acks_sent_total",
			Help:      "Downlink acknowledgments published, by frame type",
		}, []string{"type"}),
		ackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vita",
			Name:      "ack_failures_total",
			Help:      "Downlink acknowledgments the broker refused",
		}),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vita",
			Name:      "devices_online",
			Help:      "Devices currently connected to this worker",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vita",
			Name:      "event_loop_dropped_total",
			Help:      "Broker events dropped because the event loop was stopped",
		}),
		eventPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vita",
			Name:      "event_panics_total",
			Help:      "Broker events whose handling panicked and was recovered",
		}),
		sinkDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vita",
			Name:      "observer_dropped_total",
			Help:      "Notifications dropped because an observer queue was full",
		}, []string{"sink"}),
	}

	reg.MustRegister(
		m.framesTotal,
		m.decodeFailures,
		m.acksSent,
		m.ackFailures,
		m.devicesOnline,
		m.eventsDropped,
		m.eventPanics,
		m.sinkDropped,
	)
	return m
}

func (m *Metrics) FrameDecoded(frameType string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(frameType).Inc()
}

func (m *Metrics) DecodeFailed() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}

func (m *Metrics) AckSent(frameType string) {
	if m == nil {
		return
	}
	m.acksSent.WithLabelValues(frameType).Inc()
}

func (m *Metrics) AckFailed() {
	if m == nil {
		return
	}
	m.ackFailures.Inc()
}

func (m *Metrics) DeviceOnline() {
	if m == nil {
		return
	}
	m.devicesOnline.Inc()
}

func (m *Metrics) DeviceOffline() {
	if m == nil {
		return
	}
	m.devicesOnline.Dec()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) EventPanicked() {
	if m == nil {
		return
	}
	m.eventPanics.Inc()
}

func (m *Metrics) SinkDropped(sink string) {
	if m == nil {
		return
	}
	m.sinkDropped.WithLabelValues(sink).Inc()
}
