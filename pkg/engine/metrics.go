package engine

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psantana5/airbag/pkg/capture"
	"github.com/psantana5/airbag/pkg/signals"
)

// Metrics are plain counters updated from the capture path with atomic adds
// only. Every counter can be explained from the records the sink received.
type Metrics struct {
	Captures   [signals.Count]atomic.Uint64 // records handed to the sink
	Partial    [signals.Count]atomic.Uint64 // records with FlagPartial
	Reentrant  [signals.Count]atomic.Uint64 // abbreviated records for nested faults
	Absorbed   [signals.Count]atomic.Uint64 // faults a rule absorbed
	Chained    [signals.Count]atomic.Uint64 // faults handed to the previous disposition
	Terminated [signals.Count]atomic.Uint64 // faults that ended in exit(128+signo)

	capturesDesc    *prometheus.Desc
	partialDesc     *prometheus.Desc
	reentrantDesc   *prometheus.Desc
	dispositionDesc *prometheus.Desc
}

// NewMetrics returns zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{
		capturesDesc: prometheus.NewDesc("airbag_captures_total",
			"Crash records handed to the sink.", []string{"signal"}, nil),
		partialDesc: prometheus.NewDesc("airbag_partial_captures_total",
			"Crash records with at least one failed capture step.", []string{"signal"}, nil),
		reentrantDesc: prometheus.NewDesc("airbag_reentrant_faults_total",
			"Faults raised while a capture was already running.", []string{"signal"}, nil),
		dispositionDesc: prometheus.NewDesc("airbag_dispositions_total",
			"What happened to the process after a capture.", []string{"signal", "disposition"}, nil),
	}
}

func (m *Metrics) recordCapture(sig signals.Signal, flags capture.Flags) {
	m.Captures[sig.Index()].Add(1)
	if flags.Has(capture.FlagPartial) {
		m.Partial[sig.Index()].Add(1)
	}
}

func (m *Metrics) recordReentrant(sig signals.Signal)  { m.Reentrant[sig.Index()].Add(1) }
func (m *Metrics) recordAbsorbed(sig signals.Signal)   { m.Absorbed[sig.Index()].Add(1) }
func (m *Metrics) recordChained(sig signals.Signal)    { m.Chained[sig.Index()].Add(1) }
func (m *Metrics) recordTerminated(sig signals.Signal) { m.Terminated[sig.Index()].Add(1) }

// Total returns the number of records delivered for every signal.
func (m *Metrics) Total() uint64 {
	var n uint64
	for i := range m.Captures {
		n += m.Captures[i].Load()
	}
	return n
}

// Snapshot returns current counter values keyed by name and signal.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	for _, sig := range signals.All() {
		i := sig.Index()
		name := sig.Name()
		out["captures_"+name] = m.Captures[i].Load()
		out["partial_"+name] = m.Partial[i].Load()
		out["reentrant_"+name] = m.Reentrant[i].Load()
		out["absorbed_"+name] = m.Absorbed[i].Load()
		out["chained_"+name] = m.Chained[i].Load()
		out["terminated_"+name] = m.Terminated[i].Load()
	}
	return out
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.capturesDesc
	ch <- m.partialDesc
	ch <- m.reentrantDesc
	ch <- m.dispositionDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, sig := range signals.All() {
		i := sig.Index()
		label := sig.String()
		ch <- prometheus.MustNewConstMetric(m.capturesDesc, prometheus.CounterValue,
			float64(m.Captures[i].Load()), label)
		ch <- prometheus.MustNewConstMetric(m.partialDesc, prometheus.CounterValue,
			float64(m.Partial[i].Load()), label)
		ch <- prometheus.MustNewConstMetric(m.reentrantDesc, prometheus.CounterValue,
			float64(m.Reentrant[i].Load()), label)
		ch <- prometheus.MustNewConstMetric(m.dispositionDesc, prometheus.CounterValue,
			float64(m.Absorbed[i].Load()), label, "absorbed")
		ch <- prometheus.MustNewConstMetric(m.dispositionDesc, prometheus.CounterValue,
			float64(m.Chained[i].Load()), label, "chained")
		ch <- prometheus.MustNewConstMetric(m.dispositionDesc, prometheus.CounterValue,
			float64(m.Terminated[i].Load()), label, "terminated")
	}
}
