package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// StreamMetrics 消息管道指标，所有指标以 link 标签区分实例
type StreamMetrics struct {
	BytesReceived    *prometheus.CounterVec // labels: link
	BytesDiscarded   *prometheus.CounterVec // labels: link
	MessagesParsed   *prometheus.CounterVec // labels: link, kind=text|binary
	ReadErrors       *prometheus.CounterVec // labels: link
	BufferBytes      *prometheus.GaugeVec   // labels: link
	CommandsQueued   *prometheus.CounterVec // labels: link
	CommandsWritten  *prometheus.CounterVec // labels: link, result=ok|error|dropped
	QueueDepth       *prometheus.GaugeVec   // labels: link
	BytesSent        *prometheus.CounterVec // labels: link
	SinkPublishTotal *prometheus.CounterVec // labels: result=ok|error|dropped
	ArchiveRowsTotal *prometheus.CounterVec // labels: result=ok|error|dropped
}

// NewStreamMetrics 注册并返回管道指标
func NewStreamMetrics(reg prometheus.Registerer) *StreamMetrics {
	m := &StreamMetrics{
		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daq_stream_bytes_received_total",
			Help: "Total bytes read from the device stream.",
		}, []string{"link"}),
		BytesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daq_stream_bytes_discarded_total",
			Help: "Bytes skipped as corruption during resynchronization.",
		}, []string{"link"}),
		MessagesParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daq_stream_messages_total",
			Help: "Messages reassembled from the device stream.",
		}, []string{"link", "kind"}),
		ReadErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daq_stream_read_errors_total",
			Help: "Read failures on the device stream.",
		}, []string{"link"}),
		BufferBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "daq_stream_buffer_bytes",
			Help: "Unconsumed bytes held in the accumulation buffer.",
		}, []string{"link"}),
		CommandsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daq_producer_commands_queued_total",
			Help: "Commands accepted by the producer.",
		}, []string{"link"}),
		CommandsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daq_producer_commands_written_total",
			Help: "Commands processed by the producer writer.",
		}, []string{"link", "result"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "daq_producer_queue_depth",
			Help: "Commands waiting in the producer queue.",
		}, []string{"link"}),
		BytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daq_producer_bytes_sent_total",
			Help: "Total bytes written to the device stream.",
		}, []string{"link"}),
		SinkPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daq_sink_publish_total",
			Help: "Messages forwarded to the Redis sink.",
		}, []string{"result"}),
		ArchiveRowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "daq_archive_rows_total",
			Help: "Messages handled by the PostgreSQL archiver.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.BytesReceived, m.BytesDiscarded, m.MessagesParsed, m.ReadErrors, m.BufferBytes,
		m.CommandsQueued, m.CommandsWritten, m.QueueDepth, m.BytesSent, m.SinkPublishTotal, m.ArchiveRowsTotal,
	)
	return m
}

// 以下方法允许 nil 接收者，未启用指标时调用方无需判空

func (m *StreamMetrics) AddReceived(link string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesReceived.WithLabelValues(link).Add(float64(n))
}

func (m *StreamMetrics) AddDiscarded(link string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesDiscarded.WithLabelValues(link).Add(float64(n))
}

func (m *StreamMetrics) IncMessage(link, kind string) {
	if m == nil {
		return
	}
	m.MessagesParsed.WithLabelValues(link, kind).Inc()
}

func (m *StreamMetrics) IncReadError(link string) {
	if m == nil {
		return
	}
	m.ReadErrors.WithLabelValues(link).Inc()
}

func (m *StreamMetrics) SetBuffered(link string, n int) {
	if m == nil {
		return
	}
	m.BufferBytes.WithLabelValues(link).Set(float64(n))
}

func (m *StreamMetrics) IncQueued(link string) {
	if m == nil {
		return
	}
	m.CommandsQueued.WithLabelValues(link).Inc()
}

func (m *StreamMetrics) IncWritten(link, result string) {
	if m == nil {
		return
	}
	m.CommandsWritten.WithLabelValues(link, result).Inc()
}

func (m *StreamMetrics) SetQueueDepth(link string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(link).Set(float64(n))
}

func (m *StreamMetrics) AddSent(link string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesSent.WithLabelValues(link).Add(float64(n))
}

func (m *StreamMetrics) IncPublish(result string) {
	if m == nil {
		return
	}
	m.SinkPublishTotal.WithLabelValues(result).Inc()
}

func (m *StreamMetrics) AddArchived(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ArchiveRowsTotal.WithLabelValues(result).Add(float64(n))
}
