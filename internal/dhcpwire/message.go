package dhcpwire

import (
	"net"
	"net/netip"
	"slices"

	"github.com/google/gopacket/layers"
)

// FlagBroadcast is the BOOTP broadcast flag, which asks the server to
// broadcast its replies.
const FlagBroadcast uint16 = 0x8000

// Message is a DHCPv4 message.
type Message struct {
	// Options are the DHCP options in their wire order.  The End option is
	// implied.
	Options []Option

	// CHAddr is the client hardware address.  It must not be longer than 16
	// bytes.
	CHAddr net.HardwareAddr

	// CIAddr is the client IP address.
	CIAddr netip.Addr

	// YIAddr is the address offered or assigned to the client.
	YIAddr netip.Addr

	// SIAddr is the address of the next server to use in bootstrap.
	SIAddr netip.Addr

	// GIAddr is the relay agent IP address.
	GIAddr netip.Addr

	// Xid is the transaction ID.
	Xid uint32

	// Secs is the number of seconds elapsed since the client began the
	// exchange.
	Secs uint16

	// Flags are the BOOTP flags, see [FlagBroadcast].
	Flags uint16

	// Op is the BOOTP operation code.
	Op layers.DHCPOp

	// HType is the hardware address type.
	HType layers.LinkType

	// HLen is the hardware address length.  Encoding always writes the length
	// of CHAddr.
	HLen uint8

	// Hops is the number of relay agents the message passed through.
	Hops uint8
}

// NewDiscover returns a new broadcast DHCPDISCOVER message from the client
// with the given hardware address.  opts follow the message type option.
func NewDiscover(mac net.HardwareAddr, xid uint32, opts ...Option) (msg *Message) {
	return newClientMessage(layers.DHCPMsgTypeDiscover, mac, xid, opts)
}

// NewRequest returns a new broadcast DHCPREQUEST message from the client with
// the given hardware address.  opts follow the message type option.
func NewRequest(mac net.HardwareAddr, xid uint32, opts ...Option) (msg *Message) {
	return newClientMessage(layers.DHCPMsgTypeRequest, mac, xid, opts)
}

// newClientMessage returns a new client-originated message of type typ.
func newClientMessage(
	typ layers.DHCPMsgType,
	mac net.HardwareAddr,
	xid uint32,
	opts []Option,
) (msg *Message) {
	return &Message{
		Options: append([]Option{MessageType(typ)}, opts...),
		CHAddr:  slices.Clone(mac),
		CIAddr:  netip.IPv4Unspecified(),
		YIAddr:  netip.IPv4Unspecified(),
		SIAddr:  netip.IPv4Unspecified(),
		GIAddr:  netip.IPv4Unspecified(),
		Xid:     xid,
		Flags:   FlagBroadcast,
		Op:      layers.DHCPOpRequest,
		HType:   layers.LinkTypeEthernet,
		HLen:    uint8(len(mac)),
	}
}

// NewReply returns a server reply of type typ to req, which must not be nil.
// The transaction ID, the flags, the relay address, and the client hardware
// address are copied from req.  opts follow the message type option.
func NewReply(
	req *Message,
	typ layers.DHCPMsgType,
	yiaddr netip.Addr,
	siaddr netip.Addr,
	opts ...Option,
) (msg *Message) {
	return &Message{
		Options: append([]Option{MessageType(typ)}, opts...),
		CHAddr:  slices.Clone(req.CHAddr),
		CIAddr:  netip.IPv4Unspecified(),
		YIAddr:  yiaddr,
		SIAddr:  siaddr,
		GIAddr:  req.GIAddr,
		Xid:     req.Xid,
		Flags:   req.Flags,
		Op:      layers.DHCPOpReply,
		HType:   req.HType,
		HLen:    req.HLen,
	}
}

// Type returns the value of the message type option.  ok is false if there is
// no such option in msg.
func (msg *Message) Type() (typ layers.DHCPMsgType, ok bool) {
	o, ok := msg.Option(layers.DHCPOptMessageType).(MessageType)

	return layers.DHCPMsgType(o), ok
}

// Option returns the first option with code c, or nil if there is none.
func (msg *Message) Option(c layers.DHCPOpt) (o Option) {
	for _, o = range msg.Options {
		if o.Code() == c {
			return o
		}
	}

	return nil
}

// ServerID returns the value of the server identifier option.
func (msg *Message) ServerID() (ip netip.Addr, ok bool) {
	o, ok := msg.Option(layers.DHCPOptServerID).(ServerID)

	return netip.Addr(o), ok
}

// RequestedAddr returns the value of the requested IP address option.
func (msg *Message) RequestedAddr() (ip netip.Addr, ok bool) {
	o, ok := msg.Option(layers.DHCPOptRequestIP).(RequestedAddr)

	return netip.Addr(o), ok
}

// Hostname returns the value of the host name option.
func (msg *Message) Hostname() (host string, ok bool) {
	o, ok := msg.Option(layers.DHCPOptHostname).(Hostname)

	return string(o), ok
}
