package dhcpwire

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"slices"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket/layers"
)

// Option is a typed DHCPv4 option.  The set of implementations is closed, the
// options not known to this package are represented by [RawOption].  Pad and
// End options are never represented.
type Option interface {
	// Code returns the option code.
	Code() (c layers.DHCPOpt)

	// payload returns the wire representation of the option's data.  It
	// returns an error if the option's value can't be encoded.
	payload() (data []byte, err error)
}

// type check
var (
	_ Option = MessageType(0)
	_ Option = ClientID{}
	_ Option = Hostname("")
	_ Option = ParamRequestList(nil)
	_ Option = ServerID{}
	_ Option = SubnetMask{}
	_ Option = Router(nil)
	_ Option = NameServer(nil)
	_ Option = LeaseTime(0)
	_ Option = RequestedAddr{}
	_ Option = RawOption{}
)

// MessageType is the DHCP message type option.
type MessageType layers.DHCPMsgType

// Code implements the [Option] interface for MessageType.
func (MessageType) Code() (c layers.DHCPOpt) { return layers.DHCPOptMessageType }

// payload implements the [Option] interface for MessageType.
func (o MessageType) payload() (data []byte, err error) { return []byte{byte(o)}, nil }

// ClientID is the client identifier option.
//
// See https://datatracker.ietf.org/doc/html/rfc2132#section-9.14.
type ClientID struct {
	// ID is the identifier itself, usually the hardware address.
	ID []byte

	// HardwareType is the type of the identifier.
	HardwareType layers.LinkType
}

// Code implements the [Option] interface for ClientID.
func (ClientID) Code() (c layers.DHCPOpt) { return layers.DHCPOptClientID }

// payload implements the [Option] interface for ClientID.
func (o ClientID) payload() (data []byte, err error) {
	if len(o.ID) == 0 {
		return nil, fmt.Errorf("identifier: %w", errors.ErrEmptyValue)
	}

	return append([]byte{byte(o.HardwareType)}, o.ID...), nil
}

// Hostname is the host name option.
type Hostname string

// Code implements the [Option] interface for Hostname.
func (Hostname) Code() (c layers.DHCPOpt) { return layers.DHCPOptHostname }

// payload implements the [Option] interface for Hostname.
func (o Hostname) payload() (data []byte, err error) {
	if o == "" {
		return nil, errors.ErrEmptyValue
	}

	return []byte(o), nil
}

// ParamRequestList is the parameter request list option.  Codes may repeat.
type ParamRequestList []layers.DHCPOpt

// Code implements the [Option] interface for ParamRequestList.
func (ParamRequestList) Code() (c layers.DHCPOpt) { return layers.DHCPOptParamsRequest }

// payload implements the [Option] interface for ParamRequestList.
func (o ParamRequestList) payload() (data []byte, err error) {
	if len(o) == 0 {
		return nil, errors.ErrEmptyValue
	}

	data = make([]byte, 0, len(o))
	for _, c := range o {
		data = append(data, byte(c))
	}

	return data, nil
}

// ServerID is the server identifier option.
type ServerID netip.Addr

// Code implements the [Option] interface for ServerID.
func (ServerID) Code() (c layers.DHCPOpt) { return layers.DHCPOptServerID }

// payload implements the [Option] interface for ServerID.
func (o ServerID) payload() (data []byte, err error) { return appendAddrs(nil, netip.Addr(o)) }

// SubnetMask is the subnet mask option.
type SubnetMask netip.Addr

// Code implements the [Option] interface for SubnetMask.
func (SubnetMask) Code() (c layers.DHCPOpt) { return layers.DHCPOptSubnetMask }

// payload implements the [Option] interface for SubnetMask.
func (o SubnetMask) payload() (data []byte, err error) { return appendAddrs(nil, netip.Addr(o)) }

// RequestedAddr is the requested IP address option.
type RequestedAddr netip.Addr

// Code implements the [Option] interface for RequestedAddr.
func (RequestedAddr) Code() (c layers.DHCPOpt) { return layers.DHCPOptRequestIP }

// payload implements the [Option] interface for RequestedAddr.
func (o RequestedAddr) payload() (data []byte, err error) { return appendAddrs(nil, netip.Addr(o)) }

// Router is the router option.
type Router []netip.Addr

// Code implements the [Option] interface for Router.
func (Router) Code() (c layers.DHCPOpt) { return layers.DHCPOptRouter }

// payload implements the [Option] interface for Router.
func (o Router) payload() (data []byte, err error) { return appendAddrs(nil, o...) }

// NameServer is the domain name server option.
type NameServer []netip.Addr

// Code implements the [Option] interface for NameServer.
func (NameServer) Code() (c layers.DHCPOpt) { return layers.DHCPOptDNS }

// payload implements the [Option] interface for NameServer.
func (o NameServer) payload() (data []byte, err error) { return appendAddrs(nil, o...) }

// LeaseTime is the IP address lease time option.  It's truncated to whole
// seconds on the wire.
type LeaseTime time.Duration

// Code implements the [Option] interface for LeaseTime.
func (LeaseTime) Code() (c layers.DHCPOpt) { return layers.DHCPOptLeaseTime }

// payload implements the [Option] interface for LeaseTime.
func (o LeaseTime) payload() (data []byte, err error) {
	secs := time.Duration(o) / time.Second
	if secs < 0 || secs > math.MaxUint32 {
		return nil, fmt.Errorf("%s: %w", time.Duration(o), errors.ErrOutOfRange)
	}

	return binary.BigEndian.AppendUint32(nil, uint32(secs)), nil
}

// RawOption is an option which has no typed representation in this package.
type RawOption struct {
	// Data is the option payload.
	Data []byte

	// Type is the option code.
	Type layers.DHCPOpt
}

// Code implements the [Option] interface for RawOption.
func (o RawOption) Code() (c layers.DHCPOpt) { return o.Type }

// payload implements the [Option] interface for RawOption.
func (o RawOption) payload() (data []byte, err error) { return o.Data, nil }

// appendAddrs appends the 4-byte forms of addrs to orig.  addrs must not be
// empty and must only contain IPv4 addresses.
func appendAddrs(orig []byte, addrs ...netip.Addr) (res []byte, err error) {
	if len(addrs) == 0 {
		return nil, errors.ErrEmptyValue
	}

	res = orig
	for _, a := range addrs {
		if !a.Is4() {
			return nil, fmt.Errorf("address %s: %w", a, errNotIPv4)
		}

		b := a.As4()
		res = append(res, b[:]...)
	}

	return res, nil
}

// decodeOption converts a decoded gopacket option into a typed one.  It returns
// an error if the length of the option's payload is invalid for its type.
func decodeOption(o layers.DHCPOption) (opt Option, err error) {
	data := o.Data

	switch o.Type {
	case layers.DHCPOptMessageType:
		if len(data) != 1 {
			return nil, newBadLenErr(o)
		}

		return MessageType(data[0]), nil
	case layers.DHCPOptClientID:
		if len(data) < 2 {
			return nil, newBadLenErr(o)
		}

		return ClientID{
			ID:           slices.Clone(data[1:]),
			HardwareType: layers.LinkType(data[0]),
		}, nil
	case layers.DHCPOptHostname:
		if len(data) == 0 {
			return nil, newBadLenErr(o)
		}

		return Hostname(data), nil
	case layers.DHCPOptParamsRequest:
		if len(data) == 0 {
			return nil, newBadLenErr(o)
		}

		prl := make(ParamRequestList, 0, len(data))
		for _, c := range data {
			prl = append(prl, layers.DHCPOpt(c))
		}

		return prl, nil
	case layers.DHCPOptServerID, layers.DHCPOptSubnetMask, layers.DHCPOptRequestIP:
		return decodeAddrOption(o)
	case layers.DHCPOptRouter, layers.DHCPOptDNS:
		return decodeAddrListOption(o)
	case layers.DHCPOptLeaseTime:
		if len(data) != 4 {
			return nil, newBadLenErr(o)
		}

		return LeaseTime(time.Duration(binary.BigEndian.Uint32(data)) * time.Second), nil
	default:
		return RawOption{
			Data: slices.Clone(data),
			Type: o.Type,
		}, nil
	}
}

// decodeAddrOption decodes an option carrying a single IPv4 address.
func decodeAddrOption(o layers.DHCPOption) (opt Option, err error) {
	if len(o.Data) != net4Len {
		return nil, newBadLenErr(o)
	}

	addr := netip.AddrFrom4([net4Len]byte(o.Data))
	switch o.Type {
	case layers.DHCPOptServerID:
		return ServerID(addr), nil
	case layers.DHCPOptSubnetMask:
		return SubnetMask(addr), nil
	default:
		return RequestedAddr(addr), nil
	}
}

// decodeAddrListOption decodes an option carrying a non-empty list of IPv4
// addresses.
func decodeAddrListOption(o layers.DHCPOption) (opt Option, err error) {
	if len(o.Data) == 0 || len(o.Data)%net4Len != 0 {
		return nil, newBadLenErr(o)
	}

	addrs := make([]netip.Addr, 0, len(o.Data)/net4Len)
	for rest := o.Data; len(rest) > 0; rest = rest[net4Len:] {
		addrs = append(addrs, netip.AddrFrom4([net4Len]byte(rest[:net4Len])))
	}

	if o.Type == layers.DHCPOptRouter {
		return Router(addrs), nil
	}

	return NameServer(addrs), nil
}

// newBadLenErr returns an error about the invalid length of o's payload.
func newBadLenErr(o layers.DHCPOption) (err error) {
	return fmt.Errorf("option %s: bad length %d", o.Type, len(o.Data))
}

// encodeOptions converts opts into gopacket options.  It returns an error if
// an option code is repeated, has an invalid value, or has a payload longer
// than an option can carry.
func encodeOptions(opts []Option) (res layers.DHCPOptions, err error) {
	res = make(layers.DHCPOptions, 0, len(opts))
	seen := make(map[layers.DHCPOpt]struct{}, len(opts))
	for i, o := range opts {
		if o == nil {
			return nil, fmt.Errorf("option at index %d: %w", i, errors.ErrNoValue)
		}

		c := o.Code()
		if c == layers.DHCPOptPad || c == layers.DHCPOptEnd {
			return nil, fmt.Errorf("option at index %d: code %s: %w", i, c, errors.ErrBadEnumValue)
		}

		if _, ok := seen[c]; ok {
			return nil, fmt.Errorf("option %s: %w", c, errors.ErrDuplicated)
		}

		seen[c] = struct{}{}

		var data []byte
		data, err = o.payload()
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", c, err)
		} else if len(data) > math.MaxUint8 {
			return nil, fmt.Errorf("option %s: length %d: %w", c, len(data), errors.ErrOutOfRange)
		}

		res = append(res, layers.NewDHCPOption(c, data))
	}

	return res, nil
}
