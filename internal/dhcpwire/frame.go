package dhcpwire

import (
	"fmt"
	"net"
	"net/netip"
	"slices"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DHCPv4 UDP ports.
const (
	ServerPort uint16 = 67
	ClientPort uint16 = 68
)

// ipv4DefaultTTL is the default Time to Live value in seconds as recommended by
// RFC-1700.
//
// See https://datatracker.ietf.org/doc/html/rfc1700.
const ipv4DefaultTTL = 64

// net4Len is the length of an IPv4 address in bytes.
const net4Len = 4

// maxHardwareLen is the size of the chaddr field of a BOOTP message.
const maxHardwareLen = 16

// Frame is a DHCPv4 message together with the Ethernet, IPv4, and UDP headers
// carrying it.
type Frame struct {
	// Message is the DHCPv4 message.  It must not be nil.
	Message *Message

	// SrcMAC is the source hardware address.
	SrcMAC net.HardwareAddr

	// DstMAC is the destination hardware address.
	DstMAC net.HardwareAddr

	// SrcIP is the source IPv4 address.
	SrcIP netip.Addr

	// DstIP is the destination IPv4 address.
	DstIP netip.Addr

	// SrcPort is the source UDP port.
	SrcPort uint16

	// DstPort is the destination UDP port.
	DstPort uint16
}

// NewClientFrame returns a frame broadcasting msg from the client's hardware
// address in msg to the servers.  msg must not be nil.
func NewClientFrame(msg *Message) (f *Frame) {
	return &Frame{
		Message: msg,
		SrcMAC:  msg.CHAddr,
		DstMAC:  layers.EthernetBroadcast,
		SrcIP:   netip.IPv4Unspecified(),
		DstIP:   ipv4Broadcast,
		SrcPort: ClientPort,
		DstPort: ServerPort,
	}
}

// NewServerFrame returns a frame broadcasting msg from the server with the
// given hardware and IPv4 addresses to the clients.  msg must not be nil.
func NewServerFrame(srcMAC net.HardwareAddr, srcIP netip.Addr, msg *Message) (f *Frame) {
	return &Frame{
		Message: msg,
		SrcMAC:  srcMAC,
		DstMAC:  layers.EthernetBroadcast,
		SrcIP:   srcIP,
		DstIP:   ipv4Broadcast,
		SrcPort: ServerPort,
		DstPort: ClientPort,
	}
}

// ipv4Broadcast is the limited broadcast IPv4 address.
var ipv4Broadcast = netip.AddrFrom4([net4Len]byte{255, 255, 255, 255})

// Encode serializes f into an Ethernet frame.  f must not be nil.
func Encode(f *Frame) (data []byte, err error) {
	defer func() { err = errors.Annotate(err, "encoding: %w") }()

	msg := f.Message
	if msg == nil {
		return nil, fmt.Errorf("message: %w", errors.ErrNoValue)
	}

	dhcp, err := newDHCPLayer(msg)
	if err != nil {
		// Don't wrap the error, since it's informative enough as is.
		return nil, err
	}

	ip := &layers.IPv4{
		Version:  4,
		TTL:      ipv4DefaultTTL,
		Protocol: layers.IPProtocolUDP,
	}

	ip.SrcIP, err = ipv4Slice(f.SrcIP)
	if err != nil {
		return nil, fmt.Errorf("source address: %w", err)
	}

	ip.DstIP, err = ipv4Slice(f.DstIP)
	if err != nil {
		return nil, fmt.Errorf("destination address: %w", err)
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(f.SrcPort),
		DstPort: layers.UDPPort(f.DstPort),
	}

	// Ignore the error since it's only returned for invalid network layer's
	// type.
	_ = udp.SetNetworkLayerForChecksum(ip)

	eth := &layers.Ethernet{
		SrcMAC:       f.SrcMAC,
		DstMAC:       f.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	err = gopacket.SerializeLayers(buf, opts, eth, ip, udp, dhcp)
	if err != nil {
		return nil, fmt.Errorf("serializing layers: %w", err)
	}

	return buf.Bytes(), nil
}

// newDHCPLayer converts msg into its gopacket representation.
func newDHCPLayer(msg *Message) (dhcp *layers.DHCPv4, err error) {
	if l := len(msg.CHAddr); l > maxHardwareLen {
		return nil, fmt.Errorf("chaddr length %d: %w", l, errors.ErrOutOfRange)
	}

	opts, err := encodeOptions(msg.Options)
	if err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}

	dhcp = &layers.DHCPv4{
		Operation:    msg.Op,
		HardwareType: msg.HType,
		HardwareLen:  uint8(len(msg.CHAddr)),
		HardwareOpts: msg.Hops,
		Xid:          msg.Xid,
		Secs:         msg.Secs,
		Flags:        msg.Flags,
		ClientHWAddr: msg.CHAddr,
		Options:      opts,
	}

	addrs := []struct {
		dst  *net.IP
		name string
		addr netip.Addr
	}{{
		dst:  &dhcp.ClientIP,
		name: "ciaddr",
		addr: msg.CIAddr,
	}, {
		dst:  &dhcp.YourClientIP,
		name: "yiaddr",
		addr: msg.YIAddr,
	}, {
		dst:  &dhcp.NextServerIP,
		name: "siaddr",
		addr: msg.SIAddr,
	}, {
		dst:  &dhcp.RelayAgentIP,
		name: "giaddr",
		addr: msg.GIAddr,
	}}

	for _, a := range addrs {
		*a.dst, err = ipv4Slice(a.addr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.name, err)
		}
	}

	return dhcp, nil
}

// ipv4Slice returns the 4-byte form of addr.  The invalid address is converted
// into the unspecified one.
func ipv4Slice(addr netip.Addr) (ip net.IP, err error) {
	if !addr.IsValid() {
		return net.IPv4zero.To4(), nil
	}

	addr = addr.Unmap()
	if !addr.Is4() {
		return nil, fmt.Errorf("%s: %w", addr, errNotIPv4)
	}

	b := addr.As4()

	return b[:], nil
}

// Decode parses an Ethernet frame carrying a DHCPv4 message.  Any returned
// error is a *DecodeError.  data is not retained.
func Decode(data []byte) (f *Frame, err error) {
	var (
		eth  layers.Ethernet
		ip   layers.IPv4
		udp  layers.UDP
		dhcp layers.DHCPv4
	)

	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &eth, &ip, &udp, &dhcp)
	// Stop at the first layer without a decoder, e.g. IPv6 or the payload
	// following the DHCP layer.  The presence of the DHCP layer is checked
	// below.
	parser.IgnoreUnsupported = true

	decoded := make([]gopacket.LayerType, 0, 4)
	err = parser.DecodeLayers(data, &decoded)
	if err != nil {
		kind := ErrMalformed
		if parser.Truncated {
			kind = ErrTruncated
		}

		return nil, &DecodeError{
			Err:  err,
			Kind: kind,
		}
	}

	if parser.Truncated {
		// The options could have been cut at an option boundary.
		return nil, &DecodeError{
			Kind: ErrTruncated,
		}
	}

	if !slices.Contains(decoded, layers.LayerTypeDHCPv4) {
		var last gopacket.LayerType
		if len(decoded) > 0 {
			last = decoded[len(decoded)-1]
		}

		return nil, &DecodeError{
			Err:  fmt.Errorf("last decoded layer: %s", last),
			Kind: ErrNotDHCP,
		}
	}

	msg, err := newMessage(&dhcp)
	if err != nil {
		return nil, &DecodeError{
			Err:  err,
			Kind: ErrMalformed,
		}
	}

	return &Frame{
		Message: msg,
		SrcMAC:  slices.Clone(eth.SrcMAC),
		DstMAC:  slices.Clone(eth.DstMAC),
		SrcIP:   addrFromSlice(ip.SrcIP),
		DstIP:   addrFromSlice(ip.DstIP),
		SrcPort: uint16(udp.SrcPort),
		DstPort: uint16(udp.DstPort),
	}, nil
}

// newMessage converts a decoded gopacket DHCPv4 layer into a message.
func newMessage(dhcp *layers.DHCPv4) (msg *Message, err error) {
	if dhcp.HardwareLen > maxHardwareLen {
		return nil, fmt.Errorf("hlen %d: %w", dhcp.HardwareLen, errors.ErrOutOfRange)
	}

	opts := make([]Option, 0, len(dhcp.Options))
	seen := make(map[layers.DHCPOpt]struct{}, len(dhcp.Options))
	for _, o := range dhcp.Options {
		if o.Type == layers.DHCPOptPad {
			continue
		}

		if _, ok := seen[o.Type]; ok {
			return nil, fmt.Errorf("option %s: %w", o.Type, errors.ErrDuplicated)
		}

		seen[o.Type] = struct{}{}

		var opt Option
		opt, err = decodeOption(o)
		if err != nil {
			return nil, err
		}

		opts = append(opts, opt)
	}

	return &Message{
		Options: opts,
		CHAddr:  slices.Clone(dhcp.ClientHWAddr),
		CIAddr:  addrFromSlice(dhcp.ClientIP),
		YIAddr:  addrFromSlice(dhcp.YourClientIP),
		SIAddr:  addrFromSlice(dhcp.NextServerIP),
		GIAddr:  addrFromSlice(dhcp.RelayAgentIP),
		Xid:     dhcp.Xid,
		Secs:    dhcp.Secs,
		Flags:   dhcp.Flags,
		Op:      dhcp.Operation,
		HType:   dhcp.HardwareType,
		HLen:    dhcp.HardwareLen,
		Hops:    dhcp.HardwareOpts,
	}, nil
}

// addrFromSlice converts a decoded 4-byte address.  It returns the invalid
// address if ip has a wrong length.
func addrFromSlice(ip net.IP) (addr netip.Addr) {
	addr, _ = netip.AddrFromSlice(ip)

	return addr.Unmap()
}
