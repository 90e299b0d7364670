package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/gopacket/layers"
	"github.com/netlab/dhcpsim/internal/rogue"
	"github.com/prometheus/client_golang/prometheus"
)

// Rogue is the Prometheus-based implementation of the [rogue.Metrics]
// interface.
type Rogue struct {
	received *prometheus.CounterVec
	sent     *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}

// type check
var _ rogue.Metrics = (*Rogue)(nil)

// NewRogue registers the rogue server metrics in reg and returns a properly
// initialized *Rogue.
func NewRogue(namespace string, reg prometheus.Registerer) (m *Rogue, err error) {
	const (
		received = "received_total"
		sent     = "sent_total"
		dropped  = "dropped_total"
	)

	m = &Rogue{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      received,
			Subsystem: subsystemRogue,
			Namespace: namespace,
			Help:      "The number of received client messages by message type.",
		}, []string{labelType}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      sent,
			Subsystem: subsystemRogue,
			Namespace: namespace,
			Help:      "The number of sent replies by message type.",
		}, []string{labelType}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:      dropped,
			Subsystem: subsystemRogue,
			Namespace: namespace,
			Help:      "The number of messages left unanswered by reason.",
		}, []string{labelReason}),
	}

	err = register(reg, map[string]prometheus.Collector{
		received: m.received,
		sent:     m.sent,
		dropped:  m.dropped,
	})
	if err != nil {
		return nil, fmt.Errorf("rogue metrics: %w", err)
	}

	return m, nil
}

// typeLabel returns the label value for typ, e.g. "discover".
func typeLabel(typ layers.DHCPMsgType) (l string) {
	return strings.ToLower(typ.String())
}

// IncrementReceived implements the [rogue.Metrics] interface for *Rogue.
func (m *Rogue) IncrementReceived(_ context.Context, typ layers.DHCPMsgType) {
	m.received.WithLabelValues(typeLabel(typ)).Inc()
}

// IncrementSent implements the [rogue.Metrics] interface for *Rogue.
func (m *Rogue) IncrementSent(_ context.Context, typ layers.DHCPMsgType) {
	m.sent.WithLabelValues(typeLabel(typ)).Inc()
}

// IncrementDropped implements the [rogue.Metrics] interface for *Rogue.
func (m *Rogue) IncrementDropped(_ context.Context, reason rogue.DropReason) {
	m.dropped.WithLabelValues(string(reason)).Inc()
}
