package rogue

import (
	"fmt"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
)

// Default flood guard parameters.
const (
	DefaultGuardWindow    = 1 * time.Second
	DefaultGuardThreshold = 20
)

// GuardConfig is the configuration of a [FloodGuard].
type GuardConfig struct {
	// Clock is used to timestamp the messages.  If nil,
	// [timeutil.SystemClock] is used.
	Clock timeutil.Clock

	// Window is the duration of the sliding window.  It must be positive.
	Window time.Duration

	// Threshold is the maximum number of DHCPDISCOVER messages within the
	// window that are still answered.  It must be positive.
	Threshold int
}

// type check
var _ validate.Interface = (*GuardConfig)(nil)

// Validate implements the [validate.Interface] interface for *GuardConfig.
func (conf *GuardConfig) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	var errs []error
	if conf.Window <= 0 {
		errs = append(errs, fmt.Errorf("Window: %w, got %s", errors.ErrNotPositive, conf.Window))
	}

	if conf.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("Threshold: %w, got %d", errors.ErrNotPositive, conf.Threshold))
	}

	return errors.Join(errs...)
}

// FloodGuard limits the number of DHCPDISCOVER messages answered within a
// sliding window.  Every message counts, including the dropped ones, so a
// sustained flood keeps being dropped.
//
// It is safe for concurrent use.
type FloodGuard struct {
	clock timeutil.Clock

	// mu protects times and next.
	mu *sync.Mutex

	// times is a ring of the latest Threshold+1 arrival times.
	times []time.Time
	next  int

	window time.Duration
}

// NewFloodGuard returns a new properly initialized *FloodGuard.  conf must be
// valid.
func NewFloodGuard(conf *GuardConfig) (g *FloodGuard, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("flood guard: %w", err)
	}

	clock := conf.Clock
	if clock == nil {
		clock = timeutil.SystemClock{}
	}

	return &FloodGuard{
		clock:  clock,
		mu:     &sync.Mutex{},
		times:  make([]time.Time, conf.Threshold+1),
		window: conf.Window,
	}, nil
}

// Allow registers a DHCPDISCOVER message and reports whether it should be
// answered.  It returns false if more than Threshold messages, including this
// one, arrived within the window.
func (g *FloodGuard) Allow() (ok bool) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	g.times[g.next] = now
	g.next = (g.next + 1) % len(g.times)

	// After the write, the slot at next holds the oldest of the stored times,
	// so all of them are within the window if it is.
	oldest := g.times[g.next]

	return oldest.IsZero() || now.Sub(oldest) > g.window
}
