// Package metrics contains the Prometheus collectors of the simulator and the
// HTTP server exposing them.
package metrics

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the common Prometheus namespace of all metrics.
const Namespace = "dhcpsim"

// Subsystems of the metrics.
const (
	subsystemFlood = "flood"
	subsystemLease = "lease"
	subsystemRogue = "rogue"
)

// Label names.
const (
	labelReason = "reason"
	labelType   = "type"
)

// register registers all collectors in reg and returns the joined errors.
func register(reg prometheus.Registerer, collectors map[string]prometheus.Collector) (err error) {
	var errs []error
	for name, c := range collectors {
		err = reg.Register(c)
		if err != nil {
			errs = append(errs, fmt.Errorf("registering %q metric: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
