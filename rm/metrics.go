package rm

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type stmMetrics struct {
	ongoingTxes   prometheus.Gauge
	producers     prometheus.Gauge
	lastStable    prometheus.Gauge
	snapshotSize  prometheus.Gauge
	seqRejects    prometheus.Counter
	fencedRejects prometheus.Counter
	abortedTxes   prometheus.Counter
	expiredTxes   prometheus.Counter
}

func newSTMMetrics(partition uint64) *stmMetrics {
	labels := prometheus.Labels{"partition": fmt.Sprintf("%d", partition)}
	opts := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{
			Namespace:   "tinybroker",
			Subsystem:   "rm_stm",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}
	}
	counterOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace:   "tinybroker",
			Subsystem:   "rm_stm",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}
	}
	return &stmMetrics{
		ongoingTxes:   prometheus.NewGauge(opts("ongoing_transactions", "Open transactions with data written.")),
		producers:     prometheus.NewGauge(opts("producers", "Tracked producer sessions.")),
		lastStable:    prometheus.NewGauge(opts("last_stable_offset", "Last stable offset of the partition.")),
		snapshotSize:  prometheus.NewGauge(opts("snapshot_size_bytes", "Size of the local stm snapshot.")),
		seqRejects:    prometheus.NewCounter(counterOpts("sequence_rejections", "Batches rejected for out of order sequence numbers.")),
		fencedRejects: prometheus.NewCounter(counterOpts("fenced_rejections", "Requests rejected because the producer epoch was fenced.")),
		abortedTxes:   prometheus.NewCounter(counterOpts("aborted_transactions", "Transactions finished with an abort marker.")),
		expiredTxes:   prometheus.NewCounter(counterOpts("expired_transactions", "Transactions auto-aborted by the expiration scheduler.")),
	}
}

func (m *stmMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ongoingTxes,
		m.producers,
		m.lastStable,
		m.snapshotSize,
		m.seqRejects,
		m.fencedRejects,
		m.abortedTxes,
		m.expiredTxes,
	}
}

// register adds the STM's collectors to r. Registration is scoped to the
// STM's lifetime; unregister runs on stop.
func (m *stmMetrics) register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *stmMetrics) unregister(r prometheus.Registerer) {
	for _, c := range m.collectors() {
		r.Unregister(c)
	}
}
