// =============================================================================
// 文件: internal/metrics/gauges.go
// 描述: 实时埋点指标 - 确认时延直方图与超时重传计数
// =============================================================================
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TransferMetrics 发送端实时埋点，实现 transport.AckObserver
type TransferMetrics struct {
	AckLatency      prometheus.Histogram
	TimeoutBursts   prometheus.Counter
	BurstRetransmit prometheus.Histogram
	WindowSize      prometheus.Gauge
	SeqSpace        prometheus.Gauge

	RTT *RTTEstimator
}

// NewTransferMetrics 创建并注册指标
func NewTransferMetrics(registry *prometheus.Registry, windowSize, seqSpace int) *TransferMetrics {
	m := &TransferMetrics{
		RTT: NewRTTEstimator(),

		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "ack_latency_seconds",
			Help:      "Time from first transmission to acknowledgment (segments sent once only)",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		TimeoutBursts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "timeout_bursts_total",
			Help:      "Window head timeouts that triggered a bulk resend",
		}),

		BurstRetransmit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "timeout_burst_segments",
			Help:      "Segments resent per timeout burst",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),

		WindowSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "window_size",
			Help:      "Configured window size",
		}),

		SeqSpace: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "arq",
			Name:      "seq_space",
			Help:      "Configured sequence number space",
		}),
	}

	m.WindowSize.Set(float64(windowSize))
	m.SeqSpace.Set(float64(seqSpace))

	srtt := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "arq",
		Name:      "srtt_seconds",
		Help:      "Smoothed round-trip time estimated from acknowledgments",
	}, func() float64 {
		return m.RTT.Snapshot().Smoothed.Seconds()
	})

	rttvar := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "arq",
		Name:      "rttvar_seconds",
		Help:      "Round-trip time variance estimate",
	}, func() float64 {
		return m.RTT.Snapshot().Variance.Seconds()
	})

	suggested := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "arq",
		Name:      "suggested_timeout_seconds",
		Help:      "SRTT + 4*RTTVAR, 0 until the first sample",
	}, func() float64 {
		return m.RTT.SuggestedTimeout().Seconds()
	})

	registry.MustRegister(
		srtt,
		rttvar,
		suggested,
		m.AckLatency,
		m.TimeoutBursts,
		m.BurstRetransmit,
		m.WindowSize,
		m.SeqSpace,
	)

	return m
}

// ObserveAck 记录确认时延
func (m *TransferMetrics) ObserveAck(rtt time.Duration) {
	m.AckLatency.Observe(rtt.Seconds())
	m.RTT.Update(rtt)
}

// ObserveTimeout 记录一次超时重传
func (m *TransferMetrics) ObserveTimeout(resent int) {
	m.TimeoutBursts.Inc()
	m.BurstRetransmit.Observe(float64(resent))
}
