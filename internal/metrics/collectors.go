// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - 抓取时读取收发端与中继统计
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/arqfile/internal/relay"
	"github.com/mrcgq/arqfile/internal/transport"
)

const namespace = "arqfile"

// =============================================================================
// 发送端收集器
// =============================================================================

// SenderStats 发送端统计数据接口
type SenderStats interface {
	GetStats() transport.SenderStats
}

// SenderCollector 发送端指标收集器
type SenderCollector struct {
	statsProvider SenderStats

	segmentsDesc     *prometheus.Desc
	windowStartDesc  *prometheus.Desc
	outstandingDesc  *prometheus.Desc
	segmentsSentDesc *prometheus.Desc
	retransmitsDesc  *prometheus.Desc
	timeoutsDesc     *prometheus.Desc
	acksDesc         *prometheus.Desc
	decodeErrorsDesc *prometheus.Desc
	bytesSentDesc    *prometheus.Desc
	doneDesc         *prometheus.Desc
}

// NewSenderCollector 创建发送端收集器
func NewSenderCollector(provider SenderStats) *SenderCollector {
	subsystem := "sender"

	return &SenderCollector{
		statsProvider: provider,

		segmentsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments"),
			"Total number of segments in the transfer",
			nil, nil,
		),
		windowStartDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "window_start"),
			"Index of the lowest unacknowledged segment",
			nil, nil,
		),
		outstandingDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "outstanding_segments"),
			"Segments sent but not yet acknowledged",
			nil, nil,
		),
		segmentsSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments_sent_total"),
			"Total segment transmissions including retransmissions",
			nil, nil,
		),
		retransmitsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "retransmits_total"),
			"Total segment retransmissions",
			nil, nil,
		),
		timeoutsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "timeouts_total"),
			"Total window head timeouts",
			nil, nil,
		),
		acksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acks_total"),
			"Acknowledgments received by outcome",
			[]string{"result"}, nil,
		),
		decodeErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "decode_errors_total"),
			"Datagrams that failed to decode",
			nil, nil,
		),
		bytesSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "payload_bytes_sent_total"),
			"Payload bytes transmitted including retransmissions",
			nil, nil,
		),
		doneDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "done"),
			"Whether every segment has been acknowledged (1 = yes)",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *SenderCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.segmentsDesc
	ch <- c.windowStartDesc
	ch <- c.outstandingDesc
	ch <- c.segmentsSentDesc
	ch <- c.retransmitsDesc
	ch <- c.timeoutsDesc
	ch <- c.acksDesc
	ch <- c.decodeErrorsDesc
	ch <- c.bytesSentDesc
	ch <- c.doneDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *SenderCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.GetStats()

	ch <- prometheus.MustNewConstMetric(c.segmentsDesc, prometheus.GaugeValue, float64(stats.Segments))
	ch <- prometheus.MustNewConstMetric(c.windowStartDesc, prometheus.GaugeValue, float64(stats.WindowStart))
	ch <- prometheus.MustNewConstMetric(c.outstandingDesc, prometheus.GaugeValue, float64(stats.Outstanding))
	ch <- prometheus.MustNewConstMetric(c.segmentsSentDesc, prometheus.CounterValue, float64(stats.SegmentsSent))
	ch <- prometheus.MustNewConstMetric(c.retransmitsDesc, prometheus.CounterValue, float64(stats.Retransmits))
	ch <- prometheus.MustNewConstMetric(c.timeoutsDesc, prometheus.CounterValue, float64(stats.Timeouts))

	ch <- prometheus.MustNewConstMetric(c.acksDesc, prometheus.CounterValue, float64(stats.AcksSlide), "slide")
	ch <- prometheus.MustNewConstMetric(c.acksDesc, prometheus.CounterValue, float64(stats.AcksSelected), "selective")
	ch <- prometheus.MustNewConstMetric(c.acksDesc, prometheus.CounterValue, float64(stats.AcksStale), "stale")

	ch <- prometheus.MustNewConstMetric(c.decodeErrorsDesc, prometheus.CounterValue, float64(stats.DecodeErrors))
	ch <- prometheus.MustNewConstMetric(c.bytesSentDesc, prometheus.CounterValue, float64(stats.BytesSent))
	ch <- prometheus.MustNewConstMetric(c.doneDesc, prometheus.GaugeValue, boolToFloat(stats.Done))
}

// =============================================================================
// 接收端收集器
// =============================================================================

// ReceiverStats 接收端统计数据接口
type ReceiverStats interface {
	GetStats() transport.ReceiverStats
}

// ReceiverCollector 接收端指标收集器
type ReceiverCollector struct {
	statsProvider ReceiverStats

	expectedSeqDesc  *prometheus.Desc
	segmentsDesc     *prometheus.Desc
	decodeErrorsDesc *prometheus.Desc
	acksSentDesc     *prometheus.Desc
	bytesDesc        *prometheus.Desc
	doneDesc         *prometheus.Desc
}

// NewReceiverCollector 创建接收端收集器
func NewReceiverCollector(provider ReceiverStats) *ReceiverCollector {
	subsystem := "receiver"

	return &ReceiverCollector{
		statsProvider: provider,

		expectedSeqDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "expected_seq"),
			"Next sequence number the receiver will accept",
			nil, nil,
		),
		segmentsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "segments_total"),
			"Segments processed by outcome",
			[]string{"result"}, nil,
		),
		decodeErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "decode_errors_total"),
			"Datagrams that failed to decode",
			nil, nil,
		),
		acksSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "acks_sent_total"),
			"Acknowledgments emitted",
			nil, nil,
		),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_delivered_total"),
			"Payload bytes appended to the output",
			nil, nil,
		),
		doneDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "done"),
			"Whether the end-of-stream segment was accepted (1 = yes)",
			[]string{"file"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *ReceiverCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.expectedSeqDesc
	ch <- c.segmentsDesc
	ch <- c.decodeErrorsDesc
	ch <- c.acksSentDesc
	ch <- c.bytesDesc
	ch <- c.doneDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *ReceiverCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.GetStats()

	ch <- prometheus.MustNewConstMetric(c.expectedSeqDesc, prometheus.GaugeValue, float64(stats.ExpectedSeq))

	ch <- prometheus.MustNewConstMetric(c.segmentsDesc, prometheus.CounterValue, float64(stats.Accepted), "accepted")
	ch <- prometheus.MustNewConstMetric(c.segmentsDesc, prometheus.CounterValue, float64(stats.Duplicates), "duplicate")
	ch <- prometheus.MustNewConstMetric(c.segmentsDesc, prometheus.CounterValue, float64(stats.Discarded), "discarded")

	ch <- prometheus.MustNewConstMetric(c.decodeErrorsDesc, prometheus.CounterValue, float64(stats.DecodeErrors))
	ch <- prometheus.MustNewConstMetric(c.acksSentDesc, prometheus.CounterValue, float64(stats.AcksSent))
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(stats.BytesDelivered))
	ch <- prometheus.MustNewConstMetric(c.doneDesc, prometheus.GaugeValue, boolToFloat(stats.Done), stats.FileName)
}

// =============================================================================
// 中继收集器
// =============================================================================

// RelayStats 中继统计数据接口
type RelayStats interface {
	GetStats() relay.Stats
}

// RelayCollector 中继指标收集器
type RelayCollector struct {
	statsProvider RelayStats

	packetsDesc *prometheus.Desc
	bytesDesc   *prometheus.Desc
}

// NewRelayCollector 创建中继收集器
func NewRelayCollector(provider RelayStats) *RelayCollector {
	subsystem := "relay"

	return &RelayCollector{
		statsProvider: provider,

		packetsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "packets_total"),
			"Datagrams handled by the relay by outcome",
			[]string{"result"}, nil,
		),
		bytesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_total"),
			"Bytes received and forwarded by the relay",
			[]string{"direction"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *RelayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsDesc
	ch <- c.bytesDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *RelayCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.GetStats()

	for result, v := range map[string]uint64{
		"received":    stats.PacketsRecv,
		"forwarded":   stats.PacketsForwarded,
		"dropped":     stats.PacketsDropped,
		"duplicated":  stats.PacketsDuplicated,
		"delayed":     stats.PacketsDelayed,
		"malformed":   stats.Malformed,
		"send_errors": stats.SendErrors,
	} {
		ch <- prometheus.MustNewConstMetric(c.packetsDesc, prometheus.CounterValue, float64(v), result)
	}

	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(stats.BytesRecv), "in")
	ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(stats.BytesSent), "out")
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
