package lease

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
)

// ipRange is an inclusive range of IPv4 addresses.  A zero range doesn't
// contain any IP addresses.
//
// It is safe for concurrent use.
type ipRange struct {
	start netip.Addr
	end   netip.Addr
}

// newIPRange creates a new IPv4 address range.  start must be less than or
// equal to end.
func newIPRange(start, end netip.Addr) (r ipRange, err error) {
	defer func() { err = errors.Annotate(err, "invalid ip range: %w") }()

	switch false {
	case start.Is4() && end.Is4():
		return ipRange{}, fmt.Errorf("%s and %s must both be ipv4 addresses", start, end)
	case !end.Less(start):
		return ipRange{}, fmt.Errorf("start %s is greater than end %s", start, end)
	}

	return ipRange{
		start: start,
		end:   end,
	}, nil
}

// rangeFromPrefix returns the range of host addresses within an IPv4 prefix.
// The network and broadcast addresses are excluded unless the prefix is /31 or
// /32, see RFC 3021.
func rangeFromPrefix(p netip.Prefix) (r ipRange, err error) {
	if !p.IsValid() || !p.Addr().Is4() {
		return ipRange{}, fmt.Errorf("prefix %s: %w", p, errNotIPv4)
	}

	p = p.Masked()

	start := p.Addr()
	hostBits := 32 - p.Bits()
	end := addrFromUint32(addrToUint32(start) | uint32(uint64(1)<<hostBits-1))
	if hostBits > 1 {
		start, end = start.Next(), end.Prev()
	}

	return newIPRange(start, end)
}

// contains returns true if r contains ip.
func (r ipRange) contains(ip netip.Addr) (ok bool) {
	return r.start.IsValid() && ip.Is4() && !ip.Less(r.start) && !r.end.Less(ip)
}

// len returns the number of addresses in r.
func (r ipRange) len() (n uint64) {
	if !r.start.IsValid() {
		return 0
	}

	return uint64(addrToUint32(r.end)-addrToUint32(r.start)) + 1
}

// offset returns the offset of ip from the beginning of r.  It returns 0 and
// false if ip is not in r.
func (r ipRange) offset(ip netip.Addr) (offset uint64, ok bool) {
	if !r.contains(ip) {
		return 0, false
	}

	return uint64(addrToUint32(ip) - addrToUint32(r.start)), true
}

// String implements the [fmt.Stringer] interface for ipRange.
func (r ipRange) String() (s string) {
	return fmt.Sprintf("%s-%s", r.start, r.end)
}

// addrToUint32 returns the numeric form of an IPv4 address.
func addrToUint32(ip netip.Addr) (n uint32) {
	b := ip.As4()

	return binary.BigEndian.Uint32(b[:])
}

// addrFromUint32 returns the IPv4 address with the given numeric form.
func addrFromUint32(n uint32) (ip netip.Addr) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)

	return netip.AddrFrom4(b)
}
