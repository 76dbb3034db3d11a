package sync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics 是同步引擎的计数器集合。
type Metrics struct {
	Sessions            metrics.Counter
	SessionsFailed      metrics.Counter
	DeltasSent          metrics.Counter
	DeltasReceived      metrics.Counter
	BytesSent           metrics.Counter
	BytesReceived       metrics.Counter
	FullSyncs           metrics.Counter
	TombstonesCollected metrics.Counter
}

// NewDiscardMetrics 返回丢弃所有观测值的指标。
func NewDiscardMetrics() *Metrics {
	return &Metrics{
		Sessions:            discard.NewCounter(),
		SessionsFailed:      discard.NewCounter(),
		DeltasSent:          discard.NewCounter(),
		DeltasReceived:      discard.NewCounter(),
		BytesSent:           discard.NewCounter(),
		BytesReceived:       discard.NewCounter(),
		FullSyncs:           discard.NewCounter(),
		TombstonesCollected: discard.NewCounter(),
	}
}

// NewPrometheusMetrics 创建注册到默认 Prometheus registry 的指标。
// 同一进程中每个 namespace 只能调用一次。
func NewPrometheusMetrics(namespace string) *Metrics {
	counter := func(name, help string) metrics.Counter {
		return prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      name,
			Help:      help,
		}, nil)
	}
	return &Metrics{
		Sessions:            counter("sessions_total", "Number of sync sessions started"),
		SessionsFailed:      counter("sessions_failed_total", "Number of sync sessions aborted"),
		DeltasSent:          counter("deltas_sent_total", "Number of deltas sent to peers"),
		DeltasReceived:      counter("deltas_received_total", "Number of deltas received from peers"),
		BytesSent:           counter("bytes_sent_total", "Number of frame bytes written"),
		BytesReceived:       counter("bytes_received_total", "Number of frame bytes read"),
		FullSyncs:           counter("full_syncs_total", "Number of full-state fallbacks"),
		TombstonesCollected: counter("tombstones_collected_total", "Number of tombstones removed by GC"),
	}
}
