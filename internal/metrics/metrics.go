// Package metrics exposes the Prometheus counters and histograms
// table writers and the stack register as they operate, so an
// embedding process can scrape operational visibility into reftable
// I/O without reading log lines.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// WriterMetrics tracks what table.Writers produced, added to its
// Prometheus collectors at each Writer's Close.
type WriterMetrics struct {
	refsWritten  prometheus.Counter
	logsWritten  prometheus.Counter
	bytesWritten prometheus.Counter
	tablesClosed prometheus.Counter
}

// NewWriterMetrics registers (if not already registered) and returns a
// WriterMetrics bound to reg. Passing the same *prometheus.Registry to
// multiple WriterMetrics instances shares the same underlying
// collectors, so per-process totals accumulate across tables.
func NewWriterMetrics(reg prometheus.Registerer) *WriterMetrics {
	m := &WriterMetrics{
		refsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reftable",
			Subsystem: "writer",
			Name:      "refs_written_total",
			Help:      "Number of ref records written across all tables.",
		}),
		logsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reftable",
			Subsystem: "writer",
			Name:      "logs_written_total",
			Help:      "Number of log records written across all tables.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reftable",
			Subsystem: "writer",
			Name:      "bytes_written_total",
			Help:      "Bytes written to table files, including padding.",
		}),
		tablesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reftable",
			Subsystem: "writer",
			Name:      "tables_closed_total",
			Help:      "Number of table files successfully closed.",
		}),
	}
	if reg != nil {
		for _, c := range []*prometheus.Counter{&m.refsWritten, &m.logsWritten, &m.bytesWritten, &m.tablesClosed} {
			if err := reg.Register(*c); err != nil {
				are, ok := err.(prometheus.AlreadyRegisteredError)
				if !ok {
					panic(err)
				}
				*c = are.ExistingCollector.(prometheus.Counter)
			}
		}
	}
	return m
}

// Observe records the outcome of one Writer.Close call.
func (m *WriterMetrics) Observe(refCount, logCount int, bytesWritten int64) {
	if m == nil {
		return
	}
	m.refsWritten.Add(float64(refCount))
	m.logsWritten.Add(float64(logCount))
	m.bytesWritten.Add(float64(bytesWritten))
	m.tablesClosed.Inc()
}

// StackMetrics tracks a stack's add/compact/reload activity.
type StackMetrics struct {
	addSuccess     prometheus.Counter
	addFailure     prometheus.Counter
	lockContention prometheus.Counter
	compactions    prometheus.Counter
	bytesCompacted prometheus.Counter
	reloadRetries  prometheus.Histogram
}

// NewStackMetrics registers (if reg is non-nil) and returns a
// StackMetrics bound to reg.
func NewStackMetrics(reg prometheus.Registerer) *StackMetrics {
	m := &StackMetrics{
		addSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reftable",
			Subsystem: "stack",
			Name:      "add_success_total",
			Help:      "Number of successful stack_add calls.",
		}),
		addFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reftable",
			Subsystem: "stack",
			Name:      "add_failure_total",
			Help:      "Number of failed stack_add calls.",
		}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reftable",
			Subsystem: "stack",
			Name:      "lock_contention_total",
			Help:      "Number of times acquiring the stack's main lock had to retry.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reftable",
			Subsystem: "stack",
			Name:      "compactions_total",
			Help:      "Number of compact_range invocations.",
		}),
		bytesCompacted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reftable",
			Subsystem: "stack",
			Name:      "bytes_compacted_total",
			Help:      "Total bytes read from tables that were merged away by compaction.",
		}),
		reloadRetries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reftable",
			Subsystem: "stack",
			Name:      "reload_retries",
			Help:      "Number of retries stack_reload needed before tables.list stabilized.",
			Buckets:   prometheus.LinearBuckets(0, 1, 6),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.addSuccess, m.addFailure, m.lockContention,
			m.compactions, m.bytesCompacted, m.reloadRetries)
	}
	return m
}

func (m *StackMetrics) ObserveAdd(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.addSuccess.Inc()
	} else {
		m.addFailure.Inc()
	}
}

func (m *StackMetrics) ObserveLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

func (m *StackMetrics) ObserveCompaction(bytesRead int64) {
	if m == nil {
		return
	}
	m.compactions.Inc()
	m.bytesCompacted.Add(float64(bytesRead))
}

func (m *StackMetrics) ObserveReload(retries int) {
	if m == nil {
		return
	}
	m.reloadRetries.Observe(float64(retries))
}
