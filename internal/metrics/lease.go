package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// LeaseStats is the source of the lease table statistics.
type LeaseStats interface {
	// Stats returns the number of offered and bound leases and the number of
	// addresses left in the pool.
	Stats() (offered, bound int, remaining uint64)
}

// RegisterLeases registers the gauges reporting the statistics of leases in
// reg.  The statistics are read on every scrape.
func RegisterLeases(namespace string, reg prometheus.Registerer, leases LeaseStats) (err error) {
	const (
		offered   = "offered"
		bound     = "bound"
		remaining = "pool_remaining"
	)

	err = register(reg, map[string]prometheus.Collector{
		offered: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:      offered,
			Subsystem: subsystemLease,
			Namespace: namespace,
			Help:      "The number of offered leases awaiting a request.",
		}, func() (v float64) {
			o, _, _ := leases.Stats()

			return float64(o)
		}),
		bound: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:      bound,
			Subsystem: subsystemLease,
			Namespace: namespace,
			Help:      "The number of acknowledged leases.",
		}, func() (v float64) {
			_, b, _ := leases.Stats()

			return float64(b)
		}),
		remaining: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:      remaining,
			Subsystem: subsystemLease,
			Namespace: namespace,
			Help:      "The number of addresses never handed out.",
		}, func() (v float64) {
			_, _, r := leases.Stats()

			return float64(r)
		}),
	})
	if err != nil {
		return fmt.Errorf("lease metrics: %w", err)
	}

	return nil
}
