// Package flood sends pre-built DHCPDISCOVER frames from many concurrent
// senders.
package flood

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/google/uuid"
	"github.com/netlab/dhcpsim/internal/ratemon"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Sender writes a single link-layer frame.
type Sender interface {
	// WritePacketData writes data to the link.  It must be safe for
	// concurrent use.
	WritePacketData(data []byte) (err error)
}

// EngineConfig is the configuration of an [Engine].
type EngineConfig struct {
	// Logger is used to log the engine's events.  It must not be nil.
	Logger *slog.Logger

	// Clock is used to measure the duration of the run.  It must not be nil.
	Clock timeutil.Clock

	// Pool is the pool of the frames to send.  It must not be nil.
	Pool *PacketPool

	// Sender writes the frames.  It must not be nil.
	Sender Sender

	// Counter is incremented on every successfully sent frame.  It must not
	// be nil.
	Counter *ratemon.Counter

	// Limiter, if not nil, limits the aggregate send rate of all workers.
	// Its burst must be positive.
	Limiter *rate.Limiter

	// Metrics is used to collect the statistics.  It must not be nil, use
	// [EmptyMetrics] to disable it.
	Metrics Metrics

	// Workers is the number of concurrent senders.  It must be positive.
	Workers int

	// Duration bounds the run.  Zero means the run lasts until the context is
	// canceled.  It must not be negative.
	Duration time.Duration

	// Delay is the pause of every worker after each send.  It must not be
	// negative.
	Delay time.Duration

	// RefreshProbability is the probability of replacing the frame of the
	// current slot with a new one before sending it.  It must be within
	// [0, 1].
	RefreshProbability float64
}

// type check
var _ validate.Interface = (*EngineConfig)(nil)

// Validate implements the [validate.Interface] interface for *EngineConfig.
func (conf *EngineConfig) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNil("Logger", conf.Logger),
		validate.NotNilInterface("Clock", conf.Clock),
		validate.NotNil("Pool", conf.Pool),
		validate.NotNilInterface("Sender", conf.Sender),
		validate.NotNil("Counter", conf.Counter),
		validate.NotNilInterface("Metrics", conf.Metrics),
		validate.NotNegative("Duration", conf.Duration),
		validate.NotNegative("Delay", conf.Delay),
	}

	if conf.Workers <= 0 {
		errs = append(errs, fmt.Errorf("Workers: %w, got %d", errors.ErrNotPositive, conf.Workers))
	}

	if p := conf.RefreshProbability; p < 0 || p > 1 {
		errs = append(errs, fmt.Errorf("RefreshProbability: %w, got %g", errors.ErrOutOfRange, p))
	}

	if conf.Limiter != nil && conf.Limiter.Burst() <= 0 {
		errs = append(errs, fmt.Errorf("Limiter burst: %w", errors.ErrNotPositive))
	}

	return errors.Join(errs...)
}

// WorkerStats are the statistics of a single worker.
type WorkerStats struct {
	// ID is the index of the worker.
	ID int

	// Sent is the number of frames sent successfully.
	Sent uint64

	// Failed is the number of frames the sender failed to write and the
	// number of frames that couldn't be refreshed.
	Failed uint64
}

// Report is the result of a run of an [Engine].
type Report struct {
	// RunID identifies the run in logs and reports.
	RunID uuid.UUID

	// Workers are the statistics of every worker, ordered by ID.
	Workers []WorkerStats

	// Elapsed is the duration of the run.
	Elapsed time.Duration

	// Sent is the total number of frames sent successfully.
	Sent uint64

	// Failed is the total number of failed writes and refreshes.
	Failed uint64
}

// worker is the state of a single sender.
type worker struct {
	sent   atomic.Uint64
	failed atomic.Uint64
	id     int
}

// Engine sends the frames of a [PacketPool] from several workers.
type Engine struct {
	logger   *slog.Logger
	clock    timeutil.Clock
	pool     *PacketPool
	sender   Sender
	counter  *ratemon.Counter
	limiter  *rate.Limiter
	metrics  Metrics
	workers  []*worker
	runID    uuid.UUID
	duration time.Duration
	delay    time.Duration
	refresh  float64
}

// NewEngine returns a new properly initialized *Engine.  conf must be valid.
func NewEngine(conf *EngineConfig) (e *Engine, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("flood engine: %w", err)
	}

	e = &Engine{
		logger:   conf.Logger,
		clock:    conf.Clock,
		pool:     conf.Pool,
		sender:   conf.Sender,
		counter:  conf.Counter,
		limiter:  conf.Limiter,
		metrics:  conf.Metrics,
		workers:  make([]*worker, conf.Workers),
		runID:    uuid.New(),
		duration: conf.Duration,
		delay:    conf.Delay,
		refresh:  conf.RefreshProbability,
	}

	for i := range e.workers {
		e.workers[i] = &worker{id: i}
	}

	return e, nil
}

// RunID returns the identifier of the engine's run.
func (e *Engine) RunID() (id uuid.UUID) {
	return e.runID
}

// Run starts the workers and waits for all of them to finish.  The run stops
// when ctx is canceled or the configured duration elapses, whichever comes
// first.  Send and refresh errors don't stop the workers.  rep is never nil.
func (e *Engine) Run(ctx context.Context) (rep *Report, err error) {
	start := e.clock.Now()

	if e.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.duration)
		defer cancel()
	}

	e.logger.InfoContext(
		ctx,
		"starting flood",
		"run_id", e.runID,
		"workers", len(e.workers),
		"slots", e.pool.Len(),
		"duration", e.duration,
		"delay", e.delay,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.workers {
		g.Go(func() (werr error) {
			return e.work(gctx, w)
		})
	}

	err = g.Wait()

	rep = e.report(e.clock.Now().Sub(start))

	e.logger.InfoContext(
		ctx,
		"flood finished",
		"run_id", e.runID,
		"sent", rep.Sent,
		"failed", rep.Failed,
		"elapsed", rep.Elapsed,
	)

	return rep, err
}

// work is the loop of a single worker.  Its cursor starts at the slot with
// the worker's index and advances on every iteration.
func (e *Engine) work(ctx context.Context, w *worker) (err error) {
	defer slogutil.RecoverAndLog(ctx, e.logger)

	size := e.pool.Len()
	for i := w.id % size; ctx.Err() == nil; i = (i + 1) % size {
		if e.refresh > 0 && rand.Float64() < e.refresh {
			e.refreshSlot(ctx, w, i)
		}

		if e.limiter != nil {
			// The wait only fails when ctx is done or its deadline comes
			// before the next token.
			if e.limiter.Wait(ctx) != nil {
				return nil
			}
		}

		e.send(ctx, w, e.pool.Frame(i))

		if !sleep(ctx, e.delay) {
			return nil
		}
	}

	return nil
}

// refreshSlot replaces the frame of the slot i.  On failure, the slot keeps its
// current frame, which is sent anyway, and the failure is counted.
func (e *Engine) refreshSlot(ctx context.Context, w *worker, i int) {
	err := e.pool.Refresh(ctx, i)
	if err != nil {
		w.failed.Add(1)
		e.metrics.IncrementFailed(ctx)
		e.logger.DebugContext(ctx, "refreshing frame", "worker", w.id, slogutil.KeyError, err)

		return
	}

	e.metrics.IncrementRefreshed(ctx)
}

// send writes frame and updates the statistics.
func (e *Engine) send(ctx context.Context, w *worker, frame []byte) {
	err := e.sender.WritePacketData(frame)
	if err != nil {
		w.failed.Add(1)
		e.metrics.IncrementFailed(ctx)
		e.logger.DebugContext(ctx, "sending frame", "worker", w.id, slogutil.KeyError, err)

		return
	}

	w.sent.Add(1)
	e.counter.Inc()
	e.metrics.IncrementSent(ctx)
}

// sleep waits for d or until ctx is done.  ok is false if ctx is done.
func sleep(ctx context.Context, d time.Duration) (ok bool) {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// WorkerStats returns the current statistics of every worker.  It's safe for
// concurrent use with Run.
func (e *Engine) WorkerStats() (stats []WorkerStats) {
	stats = make([]WorkerStats, 0, len(e.workers))
	for _, w := range e.workers {
		stats = append(stats, WorkerStats{
			ID:     w.id,
			Sent:   w.sent.Load(),
			Failed: w.failed.Load(),
		})
	}

	return stats
}

// report returns the report of a run that lasted elapsed.
func (e *Engine) report(elapsed time.Duration) (rep *Report) {
	rep = &Report{
		RunID:   e.runID,
		Workers: e.WorkerStats(),
		Elapsed: elapsed,
	}

	for _, ws := range rep.Workers {
		rep.Sent += ws.Sent
		rep.Failed += ws.Failed
	}

	return rep
}
