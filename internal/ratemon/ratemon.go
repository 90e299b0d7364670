// Package ratemon measures the rate of sent packets.
package ratemon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
)

// DefaultInterval is the default sampling interval.
const DefaultInterval = 1 * time.Second

// Counter is a counter of events shared between the senders and a [Monitor].
// A zero Counter is ready for use.
//
// It is safe for concurrent use.
type Counter struct {
	n atomic.Uint64
}

// Inc increments c by one.
func (c *Counter) Inc() {
	c.n.Add(1)
}

// Add increments c by n.
func (c *Counter) Add(n uint64) {
	c.n.Add(n)
}

// Swap resets c and returns its previous value.
func (c *Counter) Swap() (n uint64) {
	return c.n.Swap(0)
}

// Sample is a single measurement of a [Monitor].
type Sample struct {
	// Count is the number of events since the previous sample.
	Count uint64

	// Total is the number of events since the monitor was created.
	Total uint64

	// Elapsed is the time since the monitor was created.
	Elapsed time.Duration

	// Interval is the sampling interval of the monitor.
	Interval time.Duration
}

// InstantRate returns the number of events per second within the last
// interval.
func (s Sample) InstantRate() (r float64) {
	if s.Interval <= 0 {
		return 0
	}

	return float64(s.Count) / s.Interval.Seconds()
}

// AverageRate returns the number of events per second since the monitor was
// created.
func (s Sample) AverageRate() (r float64) {
	if s.Elapsed <= 0 {
		return 0
	}

	return float64(s.Total) / s.Elapsed.Seconds()
}

// SampleHandler is called with every sample taken by a [Monitor].
type SampleHandler func(ctx context.Context, s Sample)

// Config is the configuration of a [Monitor].
type Config struct {
	// Logger is used to log the samples when OnSample is nil.  It must not be
	// nil.
	Logger *slog.Logger

	// Counter is the counter to sample.  It must not be nil.
	Counter *Counter

	// Clock is used to measure the elapsed time.  If nil,
	// [timeutil.SystemClock] is used.
	Clock timeutil.Clock

	// OnSample, if not nil, is called with every sample instead of logging it.
	OnSample SampleHandler

	// Interval is the sampling interval.  If not positive, [DefaultInterval]
	// is used.
	Interval time.Duration
}

// Monitor periodically samples a [Counter].
type Monitor struct {
	logger   *slog.Logger
	counter  *Counter
	clock    timeutil.Clock
	onSample SampleHandler
	start    time.Time

	// total is only accessed from Sample, which is called by a single
	// goroutine at a time.
	total uint64

	interval time.Duration
}

// New returns a new monitor that starts measuring the time immediately.  conf
// must not be nil.
func New(conf *Config) (m *Monitor) {
	clock := conf.Clock
	if clock == nil {
		clock = timeutil.SystemClock{}
	}

	interval := conf.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	m = &Monitor{
		logger:   conf.Logger,
		counter:  conf.Counter,
		clock:    clock,
		onSample: conf.OnSample,
		start:    clock.Now(),
		interval: interval,
	}

	if m.onSample == nil {
		m.onSample = m.logSample
	}

	return m
}

// Sample reads and resets the counter and accumulates the total.  It must not
// be called concurrently.
func (m *Monitor) Sample() (s Sample) {
	n := m.counter.Swap()
	m.total += n

	return Sample{
		Count:    n,
		Total:    m.total,
		Elapsed:  m.clock.Now().Sub(m.start),
		Interval: m.interval,
	}
}

// Run takes a sample every interval and passes it to the sample handler until
// ctx is canceled.  A final sample is taken before returning.
func (m *Monitor) Run(ctx context.Context) {
	defer slogutil.RecoverAndLog(ctx, m.logger)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.onSample(context.WithoutCancel(ctx), m.Sample())

			return
		case <-ticker.C:
			m.onSample(ctx, m.Sample())
		}
	}
}

// logSample is the default [SampleHandler].
func (m *Monitor) logSample(ctx context.Context, s Sample) {
	m.logger.InfoContext(
		ctx,
		"rate",
		"pps", int64(s.InstantRate()),
		"total", s.Total,
		"avg_pps", s.AverageRate(),
	)
}
