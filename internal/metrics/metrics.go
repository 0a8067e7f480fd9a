// Package metrics exposes Prometheus collectors for fibfs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fibfs"

// Metrics groups the collectors for one process. Each instance owns its
// own prometheus.Registry so tests and multiple filesystems do not clash.
type Metrics struct {
	reg *prometheus.Registry

	operations *prometheus.CounterVec
	errors     *prometheus.CounterVec
	created    *prometheus.CounterVec
	evicted    *prometheus.CounterVec
	bytesRead  prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Filesystem operations served, by operation.",
		}, []string{"op"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Filesystem operations that returned an error, by operation.",
		}, []string{"op"}),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_created_total",
			Help:      "Nodes built by the node factory, by kind.",
		}, []string{"kind"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_evicted_total",
			Help:      "Nodes evicted after becoming unreachable, by kind.",
		}, []string{"kind"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Payload bytes returned to readers.",
		}),
	}
	m.reg.MustRegister(
		m.operations,
		m.errors,
		m.created,
		m.evicted,
		m.bytesRead,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RegisterLiveRecords exports fn as the live record gauge.
func (m *Metrics) RegisterLiveRecords(fn func() float64) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_records",
		Help:      "Records currently held by the node registry.",
	}, fn))
}

func (m *Metrics) RecordOperation(op string) { m.operations.WithLabelValues(op).Inc() }

func (m *Metrics) RecordError(op string) { m.errors.WithLabelValues(op).Inc() }

func (m *Metrics) RecordCreate(kind string) { m.created.WithLabelValues(kind).Inc() }

func (m *Metrics) RecordEviction(kind string) { m.evicted.WithLabelValues(kind).Inc() }

func (m *Metrics) RecordBytesRead(n int64) {
	if n > 0 {
		m.bytesRead.Add(float64(n))
	}
}
