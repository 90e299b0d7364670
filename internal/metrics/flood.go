package metrics

import (
	"context"
	"fmt"

	"github.com/netlab/dhcpsim/internal/flood"
	"github.com/prometheus/client_golang/prometheus"
)

// Flood is the Prometheus-based implementation of the [flood.Metrics]
// interface.
type Flood struct {
	sent      prometheus.Counter
	failed    prometheus.Counter
	refreshed prometheus.Counter
}

// type check
var _ flood.Metrics = (*Flood)(nil)

// NewFlood registers the flood engine metrics in reg and returns a properly
// initialized *Flood.
func NewFlood(namespace string, reg prometheus.Registerer) (m *Flood, err error) {
	const (
		sent      = "sent_total"
		failed    = "failed_total"
		refreshed = "refreshed_total"
	)

	m = &Flood{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      sent,
			Subsystem: subsystemFlood,
			Namespace: namespace,
			Help:      "The number of DHCPDISCOVER frames sent.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      failed,
			Subsystem: subsystemFlood,
			Namespace: namespace,
			Help:      "The number of frames the device failed to send.",
		}),
		refreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:      refreshed,
			Subsystem: subsystemFlood,
			Namespace: namespace,
			Help:      "The number of frames rebuilt for a fresh client identity.",
		}),
	}

	err = register(reg, map[string]prometheus.Collector{
		sent:      m.sent,
		failed:    m.failed,
		refreshed: m.refreshed,
	})
	if err != nil {
		return nil, fmt.Errorf("flood metrics: %w", err)
	}

	return m, nil
}

// IncrementSent implements the [flood.Metrics] interface for *Flood.
func (m *Flood) IncrementSent(_ context.Context) {
	m.sent.Inc()
}

// IncrementFailed implements the [flood.Metrics] interface for *Flood.
func (m *Flood) IncrementFailed(_ context.Context) {
	m.failed.Inc()
}

// IncrementRefreshed implements the [flood.Metrics] interface for *Flood.
func (m *Flood) IncrementRefreshed(_ context.Context) {
	m.refreshed.Inc()
}
