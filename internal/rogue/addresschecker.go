package rogue

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/go-ping/ping"
	"github.com/netlab/dhcpsim/internal/lease"
)

// ICMPChecker is a [lease.AddressChecker] that sends an ICMP echo request to
// the address and considers it in use if there is a reply.  It requires the
// privileges to open raw ICMP sockets.
type ICMPChecker struct {
	logger  *slog.Logger
	timeout time.Duration
}

// type check
var _ lease.AddressChecker = (*ICMPChecker)(nil)

// NewICMPChecker returns a new *ICMPChecker waiting for a reply for timeout.
// logger must not be nil, timeout must be positive.
func NewICMPChecker(logger *slog.Logger, timeout time.Duration) (c *ICMPChecker) {
	return &ICMPChecker{
		logger:  logger,
		timeout: timeout,
	}
}

// IsAvailable implements the [lease.AddressChecker] interface for
// *ICMPChecker.
func (c *ICMPChecker) IsAvailable(ctx context.Context, ip netip.Addr) (ok bool, err error) {
	pinger, err := ping.NewPinger(ip.String())
	if err != nil {
		return false, fmt.Errorf("creating pinger: %w", err)
	}

	pinger.SetPrivileged(true)
	pinger.Timeout = c.timeout
	pinger.Count = 1

	replied := &atomic.Bool{}
	pinger.OnRecv = func(_ *ping.Packet) {
		replied.Store(true)
	}

	stop := context.AfterFunc(ctx, pinger.Stop)
	defer stop()

	c.logger.DebugContext(ctx, "sending icmp echo", "ip", ip)

	err = pinger.Run()
	if err != nil {
		return false, fmt.Errorf("pinging %s: %w", ip, err)
	}

	if replied.Load() {
		c.logger.InfoContext(ctx, "ip conflict", "ip", ip)

		return false, nil
	}

	return true, nil
}
