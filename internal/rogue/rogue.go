// Package rogue implements a DHCPv4 server answering the clients on a link
// with the addresses and the network parameters of its own choice.
package rogue

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/netlab/dhcpsim/internal/agh"
	"github.com/netlab/dhcpsim/internal/dhcpwire"
	"github.com/netlab/dhcpsim/internal/lease"
	"github.com/netlab/dhcpsim/internal/netdev"
)

// Config is the configuration of a [Server].
type Config struct {
	// Logger is used to log the server's events.  It must not be nil.
	Logger *slog.Logger

	// Device is the network device to read requests from and write replies
	// to.  It must not be nil.
	Device netdev.Device

	// Leases is the lease table.  It must not be nil.
	Leases *lease.Table

	// Guard, if not nil, limits the number of answered DHCPDISCOVER messages.
	Guard *FloodGuard

	// Metrics is used to collect the statistics.  It must not be nil, use
	// [EmptyMetrics] to disable it.
	Metrics Metrics

	// ServerMAC is the source hardware address of the replies.  If nil, the
	// address of Device is used.
	ServerMAC net.HardwareAddr

	// ServerIP is the source and the server identifier of the replies.  It
	// must be an IPv4 address.
	ServerIP netip.Addr

	// SubnetMask is the subnet mask option of the replies.  It must be an IPv4
	// address.
	SubnetMask netip.Addr

	// Router is the router option of the replies.  The option is omitted if
	// it's empty.
	Router []netip.Addr

	// DNS is the domain name server option of the replies.  The option is
	// omitted if it's empty.
	DNS []netip.Addr

	// LeaseTime is the lease time option of the replies.  It must be
	// positive.
	LeaseTime time.Duration
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (conf *Config) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNil("Logger", conf.Logger),
		validate.NotNilInterface("Device", conf.Device),
		validate.NotNil("Leases", conf.Leases),
		validate.NotNilInterface("Metrics", conf.Metrics),
	}

	if !conf.ServerIP.Is4() {
		errs = append(errs, fmt.Errorf("ServerIP: %s: %w", conf.ServerIP, errNotIPv4))
	}

	if !conf.SubnetMask.Is4() {
		errs = append(errs, fmt.Errorf("SubnetMask: %s: %w", conf.SubnetMask, errNotIPv4))
	}

	errs = appendNotIPv4(errs, "Router", conf.Router)
	errs = appendNotIPv4(errs, "DNS", conf.DNS)

	if conf.LeaseTime <= 0 {
		errs = append(errs, fmt.Errorf("LeaseTime: %w, got %s", errors.ErrNotPositive, conf.LeaseTime))
	}

	return errors.Join(errs...)
}

// errNotIPv4 is returned when an address must be an IPv4 one.
const errNotIPv4 errors.Error = "not an ipv4 address"

// appendNotIPv4 appends an error to orig for every address in ips that isn't
// an IPv4 one.
func appendNotIPv4(orig []error, name string, ips []netip.Addr) (errs []error) {
	errs = orig
	for i, ip := range ips {
		if !ip.Is4() {
			errs = append(errs, fmt.Errorf("%s: at index %d: %s: %w", name, i, ip, errNotIPv4))
		}
	}

	return errs
}

// Server is a rogue DHCPv4 server.  It processes the received frames serially.
type Server struct {
	logger  *slog.Logger
	device  netdev.Device
	leases  *lease.Table
	guard   *FloodGuard
	metrics Metrics

	// done is closed when the serving goroutine exits.
	done chan struct{}

	// exhausted is set once the pool exhaustion is reported, so that it's
	// only logged once.
	exhausted *atomic.Bool

	mac  net.HardwareAddr
	opts []dhcpwire.Option
	ip   netip.Addr
}

// type check
var _ agh.Service = (*Server)(nil)

// New returns a new properly initialized *Server.  conf must be valid.
func New(conf *Config) (srv *Server, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("rogue server: %w", err)
	}

	mac := conf.ServerMAC
	if mac == nil {
		mac = conf.Device.HardwareAddr()
	}

	opts := []dhcpwire.Option{
		dhcpwire.ServerID(conf.ServerIP),
		dhcpwire.SubnetMask(conf.SubnetMask),
	}

	if len(conf.Router) > 0 {
		opts = append(opts, dhcpwire.Router(conf.Router))
	}

	if len(conf.DNS) > 0 {
		opts = append(opts, dhcpwire.NameServer(conf.DNS))
	}

	opts = append(opts, dhcpwire.LeaseTime(conf.LeaseTime))

	return &Server{
		logger:    conf.Logger,
		device:    conf.Device,
		leases:    conf.Leases,
		guard:     conf.Guard,
		metrics:   conf.Metrics,
		done:      make(chan struct{}),
		exhausted: &atomic.Bool{},
		mac:       slices.Clone(mac),
		opts:      opts,
		ip:        conf.ServerIP,
	}, nil
}

// Start implements the [agh.Service] interface for *Server.  It starts
// serving the frames from the device in a separate goroutine.  It must only
// be called once.
func (srv *Server) Start(ctx context.Context) (err error) {
	srv.logger.InfoContext(ctx, "starting", "server_ip", srv.ip, "server_mac", srv.mac)

	go srv.serve(context.WithoutCancel(ctx))

	return nil
}

// Shutdown implements the [agh.Service] interface for *Server.  It closes the
// device and waits for the serving goroutine to exit.
func (srv *Server) Shutdown(ctx context.Context) (err error) {
	err = srv.device.Close()
	if err != nil {
		return fmt.Errorf("closing device: %w", err)
	}

	select {
	case <-srv.done:
		srv.logger.InfoContext(ctx, "stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for server: %w", context.Cause(ctx))
	}
}

// serve handles the incoming frames until the device is closed.
func (srv *Server) serve(ctx context.Context) {
	defer close(srv.done)
	defer slogutil.RecoverAndLog(ctx, srv.logger)

	src := gopacket.NewPacketSource(srv.device, layers.LayerTypeEthernet)
	src.Lazy = true

	for pkt := range src.Packets() {
		resp, err := srv.Handle(ctx, pkt.Data())
		if err != nil {
			srv.logger.ErrorContext(ctx, "handling frame", slogutil.KeyError, err)

			continue
		} else if resp == nil {
			continue
		}

		err = srv.device.WritePacketData(resp)
		if err != nil {
			srv.logger.WarnContext(ctx, "writing reply", slogutil.KeyError, err)
		}
	}
}

// Handle processes a single received frame and returns the encoded reply
// frame, if any.  Frames that can't be decoded and the messages the server
// doesn't answer produce neither a reply nor an error.
func (srv *Server) Handle(ctx context.Context, data []byte) (resp []byte, err error) {
	f, err := dhcpwire.Decode(data)
	if err != nil {
		srv.logger.DebugContext(ctx, "skipping frame", slogutil.KeyError, err)
		srv.metrics.IncrementDropped(ctx, DropDecode)

		return nil, nil
	}

	req := f.Message
	if req.Op != layers.DHCPOpRequest {
		srv.logger.DebugContext(ctx, "skipping non-request message", "op", req.Op)

		return nil, nil
	}

	typ, ok := req.Type()
	if !ok {
		srv.logger.DebugContext(ctx, "skipping message without type", "chaddr", req.CHAddr)
		srv.metrics.IncrementDropped(ctx, DropDecode)

		return nil, nil
	}

	srv.metrics.IncrementReceived(ctx, typ)

	var reply *dhcpwire.Message
	switch typ {
	case layers.DHCPMsgTypeDiscover:
		reply, err = srv.handleDiscover(ctx, req)
	case layers.DHCPMsgTypeRequest:
		reply, err = srv.handleRequest(ctx, req)
	default:
		srv.logger.DebugContext(ctx, "skipping message", "type", typ, "chaddr", req.CHAddr)
	}

	if err != nil || reply == nil {
		return nil, err
	}

	resp, err = dhcpwire.Encode(dhcpwire.NewServerFrame(srv.mac, srv.ip, reply))
	if err != nil {
		return nil, fmt.Errorf("replying to %s: %w", typ, err)
	}

	replyType, _ := reply.Type()
	srv.metrics.IncrementSent(ctx, replyType)

	return resp, nil
}

// handleDiscover returns the DHCPOFFER reply to req, if any.
func (srv *Server) handleDiscover(
	ctx context.Context,
	req *dhcpwire.Message,
) (reply *dhcpwire.Message, err error) {
	if srv.guard != nil && !srv.guard.Allow() {
		srv.logger.DebugContext(ctx, "flood detected, dropping discover", "chaddr", req.CHAddr)
		srv.metrics.IncrementDropped(ctx, DropFloodGuard)

		return nil, nil
	}

	host, _ := req.Hostname()
	rec, err := srv.leases.Offer(ctx, req.CHAddr, host)
	if errors.Is(err, lease.ErrPoolExhausted) {
		if !srv.exhausted.Swap(true) {
			srv.logger.WarnContext(ctx, "address pool exhausted, ignoring discovers")
		}

		srv.metrics.IncrementDropped(ctx, DropPoolExhausted)

		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("offering to %s: %w", req.CHAddr, err)
	}

	srv.logger.InfoContext(ctx, "offering", "chaddr", req.CHAddr, "ip", rec.IP, "hostname", host)

	return dhcpwire.NewReply(req, layers.DHCPMsgTypeOffer, rec.IP, srv.ip, srv.opts...), nil
}

// handleRequest returns the DHCPACK reply to req, if any.  Requests selecting
// another server are ignored.
func (srv *Server) handleRequest(
	ctx context.Context,
	req *dhcpwire.Message,
) (reply *dhcpwire.Message, err error) {
	if sid, ok := req.ServerID(); ok && sid != srv.ip {
		srv.logger.DebugContext(ctx, "request for another server", "chaddr", req.CHAddr, "server", sid)
		srv.metrics.IncrementDropped(ctx, DropOtherServer)

		return nil, nil
	}

	requested, ok := req.RequestedAddr()
	if !ok {
		// Clients renewing their leases put the address into ciaddr.
		requested = req.CIAddr
	}

	rec, err := srv.leases.Bind(req.CHAddr, requested)
	switch {
	case errors.Is(err, lease.ErrNoOffer):
		srv.logger.DebugContext(ctx, "request without offer", "chaddr", req.CHAddr)
		srv.metrics.IncrementDropped(ctx, DropNoOffer)

		return nil, nil
	case errors.Is(err, lease.ErrAddrMismatch):
		srv.logger.InfoContext(ctx, "ignoring request", "chaddr", req.CHAddr, slogutil.KeyError, err)
		srv.metrics.IncrementDropped(ctx, DropAddrMismatch)

		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("binding %s: %w", req.CHAddr, err)
	}

	srv.logger.InfoContext(ctx, "acknowledging", "chaddr", req.CHAddr, "ip", rec.IP)

	return dhcpwire.NewReply(req, layers.DHCPMsgTypeAck, rec.IP, srv.ip, srv.opts...), nil
}
