package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/netlab/dhcpsim/internal/netdev"
	"github.com/netlab/dhcpsim/internal/probe"
)

// runProbe performs a single exchange on the interface from opts and prints
// the result.
func runProbe(ctx context.Context, l *slog.Logger, opts *options, env *environment) (err error) {
	dev, err := netdev.Open(&netdev.Config{
		Interface:   opts.iface,
		CaptureDHCP: true,
	})
	if err != nil {
		return fmt.Errorf("opening interface: %w", err)
	}
	defer func() { err = errors.WithDeferred(err, dev.Close()) }()

	c, err := probe.New(&probe.Config{
		Logger:    l,
		Device:    dev,
		Hostname:  opts.hostname,
		Timeout:   opts.timeout,
		OfferWait: probe.DefaultOfferWait,
	})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	res, err := c.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	} else if err != nil {
		// Don't wrap the error, since it's informative enough as is.
		return err
	}

	writeProbeResult(env.stdout, res)

	return nil
}

// writeProbeResult writes the human-readable form of res to w.
func writeProbeResult(w io.Writer, res *probe.Result) {
	b := &strings.Builder{}
	_, _ = fmt.Fprintf(b, "Transaction 0x%08x: %d offer(s)\n", res.Xid, len(res.Offers))
	for i, o := range res.Offers {
		_, _ = fmt.Fprintf(b, "Offer %d:\n", i+1)
		writeLease(b, o)
	}

	switch {
	case res.Ack != nil:
		b.WriteString("Acknowledged:\n")
		writeLease(b, res.Ack)
	case res.Nak:
		b.WriteString("Declined by the server\n")
	default:
		b.WriteString("No acknowledgment received\n")
	}

	_, _ = io.WriteString(w, b.String())
}

// writeLease writes the fields of l to b.
func writeLease(b *strings.Builder, l *probe.Lease) {
	_, _ = fmt.Fprintf(b, "  server:     %s (%s)\n", l.ServerID, l.ServerMAC)
	_, _ = fmt.Fprintf(b, "  address:    %s\n", l.Addr)
	_, _ = fmt.Fprintf(b, "  mask:       %s\n", l.SubnetMask)
	_, _ = fmt.Fprintf(b, "  router:     %s\n", joinAddrs(l.Router))
	_, _ = fmt.Fprintf(b, "  dns:        %s\n", joinAddrs(l.DNS))
	_, _ = fmt.Fprintf(b, "  lease time: %s\n", l.LeaseTime)
}

// joinAddrs returns the comma-separated addresses or "none".
func joinAddrs(addrs []netip.Addr) (s string) {
	if len(addrs) == 0 {
		return "none"
	}

	strs := make([]string, 0, len(addrs))
	for _, a := range addrs {
		strs = append(strs, a.String())
	}

	return strings.Join(strs, ", ")
}
