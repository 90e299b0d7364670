package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/netlab/dhcpsim/internal/agh"
	"github.com/netlab/dhcpsim/internal/config"
	"github.com/netlab/dhcpsim/internal/lease"
	"github.com/netlab/dhcpsim/internal/metrics"
	"github.com/netlab/dhcpsim/internal/netdev"
	"github.com/netlab/dhcpsim/internal/rogue"
	"github.com/prometheus/client_golang/prometheus"
)

// runRogue serves leases according to the configuration file until
// interrupted.
func runRogue(ctx context.Context, l *slog.Logger, opts *options, env *environment) (err error) {
	conf, err := loadRogueConfig(opts)
	if err != nil {
		// Don't wrap the error, since it's informative enough as is.
		return err
	}

	dev, err := netdev.Open(&netdev.Config{
		Interface:   conf.Interface,
		Promiscuous: true,
		CaptureDHCP: true,
	})
	if err != nil {
		return fmt.Errorf("opening interface: %w", err)
	}

	leases, err := newLeaseTable(l, conf)
	if err != nil {
		return errors.WithDeferred(err, dev.Close())
	}

	reg := prometheus.NewRegistry()
	srv, err := newRogueServer(l, conf, dev, leases, reg)
	if err != nil {
		return errors.WithDeferred(err, dev.Close())
	}

	svcs := []agh.Service{
		srv,
		newMetricsServer(l, reg, opts),
	}

	err = startServices(ctx, svcs)
	if err != nil {
		return errors.WithDeferred(err, dev.Close())
	}

	<-ctx.Done()

	l.InfoContext(context.WithoutCancel(ctx), "shutting down", "cause", context.Cause(ctx))

	err = shutdownServices(ctx, l, svcs)

	writeLeases(env.stdout, leases.Records())

	return err
}

// loadRogueConfig loads the configuration file from opts, applies the
// overrides from opts, and validates the result.
func loadRogueConfig(opts *options) (conf *config.DHCP, err error) {
	f, err := config.Load(opts.confFile)
	if err != nil {
		return nil, err
	}

	if opts.iface != "" && f.DHCP != nil {
		f.DHCP.Interface = opts.iface
	}

	err = f.Validate()
	if err != nil {
		return nil, err
	}

	return f.DHCP, nil
}

// newLeaseTable returns the lease table for conf.  The addresses of the server
// and the gateway are never leased.
func newLeaseTable(l *slog.Logger, conf *config.DHCP) (t *lease.Table, err error) {
	pool, err := lease.NewAddressPool(conf.IPPool, conf.Server(), conf.Gateway)
	if err != nil {
		return nil, fmt.Errorf("creating address pool: %w", err)
	}

	var checker lease.AddressChecker = lease.EmptyAddressChecker{}
	if conf.ICMPTimeout > 0 {
		checker = rogue.NewICMPChecker(
			l.With(slogutil.KeyPrefix, "icmp"),
			conf.ICMPTimeoutDuration(),
		)
	}

	return lease.NewTable(&lease.Config{
		Logger:    l.With(slogutil.KeyPrefix, "leases"),
		Clock:     timeutil.SystemClock{},
		Pool:      pool,
		Checker:   checker,
		LeaseTime: conf.LeaseDuration(),
	})
}

// newRogueServer returns the rogue server for conf with the metrics registered
// in reg.
func newRogueServer(
	l *slog.Logger,
	conf *config.DHCP,
	dev netdev.Device,
	leases *lease.Table,
	reg prometheus.Registerer,
) (srv *rogue.Server, err error) {
	m, err := metrics.NewRogue(metrics.Namespace, reg)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	err = metrics.RegisterLeases(metrics.Namespace, reg, leases)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	var guard *rogue.FloodGuard
	if fg := conf.FloodGuard; fg != nil && fg.Enabled {
		guard, err = rogue.NewFloodGuard(&rogue.GuardConfig{
			Clock:     timeutil.SystemClock{},
			Window:    time.Duration(fg.Window),
			Threshold: int(fg.Threshold),
		})
		if err != nil {
			return nil, fmt.Errorf("creating flood guard: %w", err)
		}
	}

	return rogue.New(&rogue.Config{
		Logger:     l,
		Device:     dev,
		Leases:     leases,
		Guard:      guard,
		Metrics:    m,
		ServerIP:   conf.Server(),
		SubnetMask: conf.SubnetMask,
		Router:     []netip.Addr{conf.Gateway},
		DNS:        conf.DNSServers,
		LeaseTime:  conf.LeaseDuration(),
	})
}

// startServices starts svcs in order.  If one of them fails, the already
// started ones are shut down.
func startServices(ctx context.Context, svcs []agh.Service) (err error) {
	for i, svc := range svcs {
		err = svc.Start(ctx)
		if err == nil {
			continue
		}

		err = fmt.Errorf("starting service at index %d: %w", i, err)
		for _, started := range svcs[:i] {
			err = errors.WithDeferred(err, shutdown(ctx, started))
		}

		return err
	}

	return nil
}

// shutdownServices shuts svcs down in the reverse order.  All services are
// shut down even if some of them fail.
func shutdownServices(ctx context.Context, l *slog.Logger, svcs []agh.Service) (err error) {
	ctx, cancel := ctxWithDefaultTimeout(ctx)
	defer cancel()

	var errs []error
	for i := len(svcs) - 1; i >= 0; i-- {
		serr := svcs[i].Shutdown(ctx)
		if serr != nil {
			l.ErrorContext(ctx, "shutting down service", "idx", i, slogutil.KeyError, serr)
			errs = append(errs, fmt.Errorf("shutting down service at index %d: %w", i, serr))
		}
	}

	return errors.Join(errs...)
}

// writeLeases writes the table of recs to w.
func writeLeases(w io.Writer, recs []lease.Record) {
	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Leases: %d\n", len(recs))
	for _, r := range recs {
		_, _ = fmt.Fprintf(
			b,
			"  %-17s  %-15s  %-7s  %s  %s\n",
			r.MAC,
			r.IP,
			r.State,
			r.Expires.Format(time.DateTime),
			r.Hostname,
		)
	}

	_, _ = io.WriteString(w, b.String())
}
