// Package probe implements a DHCPv4 client performing a single DISCOVER,
// OFFER, REQUEST, ACK exchange to find out which servers answer on a link.
package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/netlab/dhcpsim/internal/netdev"
)

// ErrNoOffer is returned when no server answers the DHCPDISCOVER message.
const ErrNoOffer errors.Error = "no offers received"

// Default timeouts.
const (
	DefaultTimeout   = 5 * time.Second
	DefaultOfferWait = 500 * time.Millisecond
)

// Config is the configuration of a [Client].
type Config struct {
	// Logger is used to log the exchange.  It must not be nil.
	Logger *slog.Logger

	// Device is the network device to send and receive the messages through.
	// It must not be nil.
	Device netdev.Device

	// HardwareAddr is the client hardware address.  If nil, the address of
	// Device is used.
	HardwareAddr net.HardwareAddr

	// Hostname, if not empty, is sent in the host name option.
	Hostname string

	// Timeout is the time to wait for the first DHCPOFFER and for the reply
	// to the DHCPREQUEST.  It must be positive.
	Timeout time.Duration

	// OfferWait is the time to wait for more offers after the first one.  It
	// must not be negative.
	OfferWait time.Duration
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
		validate.NotNegative("OfferWait", conf.OfferWait),
	}

	if conf.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("Timeout: %w, got %s", errors.ErrNotPositive, conf.Timeout))
	}

	return errors.Join(errs...)
}

// Lease is the network configuration offered or acknowledged by a server.
type Lease struct {
	// ServerMAC is the hardware address the reply came from.
	ServerMAC net.HardwareAddr

	// ServerID is the server identifier option of the reply.
	ServerID netip.Addr

	// Addr is the address offered to the client.
	Addr netip.Addr

	// SubnetMask is the subnet mask option of the reply, if any.
	SubnetMask netip.Addr

	// Router is the router option of the reply.
	Router []netip.Addr

	// DNS is the domain name server option of the reply.
	DNS []netip.Addr

	// LeaseTime is the lease time option of the reply, if any.
	LeaseTime time.Duration
}

// Result is the outcome of an exchange.
type Result struct {
	// Ack is the acknowledged lease.  It's nil if the server declined the
	// request or didn't reply to it.
	Ack *Lease

	// Offers are all offers received in the order of arrival.  The request is
	// sent to the first one.
	Offers []*Lease

	// Xid is the transaction ID of the exchange.
	Xid uint32

	// Nak is true if the server declined the request.
	Nak bool
}

// Client is a DHCPv4 probe client.
type Client struct {
	logger    *slog.Logger
	device    netdev.Device
	mac       net.HardwareAddr
	hostname  string
	timeout   time.Duration
	offerWait time.Duration
}

// New returns a new properly initialized *Client.  conf must be valid.
func New(conf *Config) (c *Client, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}

	mac := conf.HardwareAddr
	if mac == nil {
		mac = conf.Device.HardwareAddr()
	}

	return &Client{
		logger:    conf.Logger,
		device:    conf.Device,
		mac:       slices.Clone(mac),
		hostname:  conf.Hostname,
		timeout:   conf.Timeout,
		offerWait: conf.OfferWait,
	}, nil
}

// reply is a received server message along with the sender's hardware
// address.
type reply struct {
	msg *dhcpv4.DHCPv4
	mac net.HardwareAddr
}

// Run performs the exchange.  It returns [ErrNoOffer] if no server answers
// the DHCPDISCOVER in time.  The device must not be read by anything else
// during the run.
func (c *Client) Run(ctx context.Context) (res *Result, err error) {
	defer func() { err = errors.Annotate(err, "probing: %w") }()

	mods := []dhcpv4.Modifier{dhcpv4.WithBroadcast(true)}
	if c.hostname != "" {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptHostName(c.hostname)))
	}

	discover, err := dhcpv4.NewDiscovery(c.mac, mods...)
	if err != nil {
		return nil, fmt.Errorf("creating discover: %w", err)
	}

	xid := discover.TransactionID
	res = &Result{
		Xid: binary.BigEndian.Uint32(xid[:]),
	}

	src := gopacket.NewPacketSource(c.device, layers.LayerTypeEthernet)
	src.Lazy = true
	packets := src.Packets()

	c.logger.DebugContext(ctx, "sending discover", "xid", res.Xid, "mac", c.mac)

	err = c.send(discover)
	if err != nil {
		return nil, fmt.Errorf("sending discover: %w", err)
	}

	offers, err := c.collectOffers(ctx, packets, xid)
	if err != nil {
		return nil, err
	}

	for _, o := range offers {
		res.Offers = append(res.Offers, newLease(o))
	}

	request, err := dhcpv4.NewRequestFromOffer(offers[0].msg, mods...)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	c.logger.DebugContext(ctx, "sending request", "xid", res.Xid, "ip", offers[0].msg.YourIPAddr)

	err = c.send(request)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	ack, err := c.receive(ctx, packets, xid, time.After(c.timeout), dhcpv4.MessageTypeAck, dhcpv4.MessageTypeNak)
	if err != nil {
		return nil, fmt.Errorf("waiting for ack: %w", err)
	} else if ack == nil {
		c.logger.WarnContext(ctx, "no reply to request", "xid", res.Xid)

		return res, nil
	}

	if ack.msg.MessageType() == dhcpv4.MessageTypeNak {
		res.Nak = true
	} else {
		res.Ack = newLease(ack)
	}

	return res, nil
}

// collectOffers waits for the first offer for the timeout and then for the
// offer wait duration.
func (c *Client) collectOffers(
	ctx context.Context,
	packets <-chan gopacket.Packet,
	xid dhcpv4.TransactionID,
) (offers []*reply, err error) {
	first, err := c.receive(ctx, packets, xid, time.After(c.timeout), dhcpv4.MessageTypeOffer)
	if err != nil {
		return nil, fmt.Errorf("waiting for offer: %w", err)
	} else if first == nil {
		return nil, ErrNoOffer
	}

	offers = append(offers, first)

	deadline := time.After(c.offerWait)
	for {
		var o *reply
		o, err = c.receive(ctx, packets, xid, deadline, dhcpv4.MessageTypeOffer)
		if err != nil {
			return nil, fmt.Errorf("waiting for more offers: %w", err)
		} else if o == nil {
			return offers, nil
		}

		offers = append(offers, o)
	}
}

// receive returns the next server message for the transaction xid of one of
// the types.  r is nil if deadline fires first.  err is not nil if ctx is
// canceled or the device is closed.
func (c *Client) receive(
	ctx context.Context,
	packets <-chan gopacket.Packet,
	xid dhcpv4.TransactionID,
	deadline <-chan time.Time,
	types ...dhcpv4.MessageType,
) (r *reply, err error) {
	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-deadline:
			return nil, nil
		case pkt, ok := <-packets:
			if !ok {
				return nil, fmt.Errorf("device: %w", net.ErrClosed)
			}

			r = parseReply(pkt, xid)
			if r != nil && slices.Contains(types, r.msg.MessageType()) {
				c.logger.DebugContext(ctx, "received", "summary", r.msg.Summary())

				return r, nil
			}
		}
	}
}

// parseReply returns the server message for the transaction xid carried by
// pkt, if any.
func parseReply(pkt gopacket.Packet, xid dhcpv4.TransactionID) (r *reply) {
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || udp.DstPort != dhcpv4.ClientPort {
		return nil
	}

	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return nil
	}

	msg, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil || msg.OpCode != dhcpv4.OpcodeBootReply || msg.TransactionID != xid {
		return nil
	}

	return &reply{
		msg: msg,
		mac: slices.Clone(eth.SrcMAC),
	}
}

// send writes msg to the device within a broadcast frame.
func (c *Client) send(msg *dhcpv4.DHCPv4) (err error) {
	eth := &layers.Ethernet{
		SrcMAC:       c.mac,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeIPv4,
	}

	ip := &layers.IPv4{
		Version:  4,
		TTL:      ipv4DefaultTTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4zero.To4(),
		DstIP:    net.IPv4bcast.To4(),
	}

	udp := &layers.UDP{
		SrcPort: dhcpv4.ClientPort,
		DstPort: dhcpv4.ServerPort,
	}

	// Ignore the error since it's only returned for invalid network layer's
	// type.
	_ = udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	err = gopacket.SerializeLayers(
		buf,
		gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: true,
		},
		eth,
		ip,
		udp,
		gopacket.Payload(msg.ToBytes()),
	)
	if err != nil {
		return fmt.Errorf("serializing: %w", err)
	}

	return c.device.WritePacketData(buf.Bytes())
}

// ipv4DefaultTTL is the default Time to Live value in seconds as recommended by
// RFC-1700.
const ipv4DefaultTTL = 64

// newLease converts a server reply into a *Lease.
func newLease(r *reply) (l *Lease) {
	msg := r.msg

	l = &Lease{
		ServerMAC: r.mac,
		ServerID:  addrFromIP(msg.ServerIdentifier()),
		Addr:      addrFromIP(msg.YourIPAddr),
		Router:    addrsFromIPs(msg.Router()),
		DNS:       addrsFromIPs(msg.DNS()),
		LeaseTime: msg.IPAddressLeaseTime(0),
	}

	if mask := msg.SubnetMask(); mask != nil {
		l.SubnetMask = addrFromIP(net.IP(mask))
	}

	return l
}

// addrFromIP converts ip into a netip.Addr, unmapping IPv4-mapped addresses.
// It returns an invalid address if ip is invalid.
func addrFromIP(ip net.IP) (addr netip.Addr) {
	addr, _ = netip.AddrFromSlice(ip)

	return addr.Unmap()
}

// addrsFromIPs converts ips into netip.Addrs.
func addrsFromIPs(ips []net.IP) (addrs []netip.Addr) {
	for _, ip := range ips {
		addrs = append(addrs, addrFromIP(ip))
	}

	return addrs
}
