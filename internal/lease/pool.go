package lease

import (
	"fmt"
	"net/netip"
	"sync"
)

// AddressPool is the ordered sequence of IPv4 addresses available for offers.
// Addresses are handed out from the lowest one and are never returned.
//
// It is safe for concurrent use.
type AddressPool struct {
	// mu protects next.
	mu *sync.Mutex

	// exclude are the addresses within r that are never handed out.  It's
	// not modified after construction.
	exclude map[netip.Addr]struct{}

	// next is the next address to check, it's invalid when the pool is
	// exhausted.
	next netip.Addr

	r ipRange
}

// NewAddressPool returns a pool of the host addresses of prefix, except the
// ones in exclude.  prefix must be an IPv4 prefix.
func NewAddressPool(prefix netip.Prefix, exclude ...netip.Addr) (p *AddressPool, err error) {
	r, err := rangeFromPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("address pool: %w", err)
	}

	p = &AddressPool{
		mu:      &sync.Mutex{},
		exclude: make(map[netip.Addr]struct{}, len(exclude)),
		next:    r.start,
		r:       r,
	}

	for _, ip := range exclude {
		if r.contains(ip) {
			p.exclude[ip] = struct{}{}
		}
	}

	return p, nil
}

// Pop removes and returns the lowest available address.  ok is false if the
// pool is exhausted.
func (p *AddressPool) Pop() (ip netip.Addr, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.next.IsValid() {
		ip = p.next
		if ip == p.r.end {
			p.next = netip.Addr{}
		} else {
			p.next = ip.Next()
		}

		if _, excluded := p.exclude[ip]; !excluded {
			return ip, true
		}
	}

	return netip.Addr{}, false
}

// Remaining returns the number of addresses that can still be popped.
func (p *AddressPool) Remaining() (n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	off, ok := p.r.offset(p.next)
	if !ok {
		return 0
	}

	n = p.r.len() - off
	for ip := range p.exclude {
		if !ip.Less(p.next) {
			n--
		}
	}

	return n
}

// Contains returns true if ip belongs to the range of p, regardless of whether
// it was handed out.
func (p *AddressPool) Contains(ip netip.Addr) (ok bool) {
	return p.r.contains(ip)
}

// String implements the [fmt.Stringer] interface for *AddressPool.
func (p *AddressPool) String() (s string) {
	return p.r.String()
}
