// Copyright 2026 The Webchat Core Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package webchat

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the core's optional instrumentation side channel. The wire
// specification names no metrics surface, so this is never read by any
// core component — only poked. A nil-safe Metrics from NewNoopMetrics is
// the default; callers that want Prometheus-backed counters construct one
// with NewMetrics against their own registry and set it on Config.Metrics
// before calling NewAggregator.
type Metrics struct {
	reconnectAttempts prometheus.Counter
	dedupSuppressed   prometheus.Counter
	activeStreams     prometheus.Gauge
	messagesDelivered prometheus.Counter
}

// NewMetrics builds a Metrics backed by real Prometheus collectors and
// registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webchat_reconnect_attempts_total",
			Help: "Total number of reconnect attempts made by the Connection Engine.",
		}),
		dedupSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webchat_dedup_suppressed_total",
			Help: "Total number of incoming messages suppressed as duplicates.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webchat_active_streams",
			Help: "1 while a streamed message is being assembled, else 0.",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webchat_messages_delivered_total",
			Help: "Total number of processed messages delivered to the Aggregator.",
		}),
	}
	reg.MustRegister(m.reconnectAttempts, m.dedupSuppressed, m.activeStreams, m.messagesDelivered)
	return m
}

// NewNoopMetrics returns a Metrics whose methods are safe to call but
// record nothing; it has no collectors to register.
func NewNoopMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) ReconnectAttempt() {
	if m != nil && m.reconnectAttempts != nil {
		m.reconnectAttempts.Inc()
	}
}

func (m *Metrics) DedupSuppressed() {
	if m != nil && m.dedupSuppressed != nil {
		m.dedupSuppressed.Inc()
	}
}

func (m *Metrics) StreamActive(active bool) {
	if m == nil || m.activeStreams == nil {
		return
	}
	if active {
		m.activeStreams.Set(1)
	} else {
		m.activeStreams.Set(0)
	}
}

func (m *Metrics) MessageDelivered() {
	if m != nil && m.messagesDelivered != nil {
		m.messagesDelivered.Inc()
	}
}
