// Package ident generates unique fabricated client identities: MAC addresses,
// hostnames, and transaction IDs.
package ident

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
)

// macLen is the length of an Ethernet hardware address.
const macLen = 6

// maxOUILen is the maximum length of a vendor prefix.
const maxOUILen = 3

// hostnameSpace is the size of the random space for the hostname suffixes,
// which is the same as the one of the MAC addresses.
const hostnameSpace = 1 << 48

// HostnamePrefix is the prefix of every generated hostname.
const HostnamePrefix = "fake-client-"

// ErrExhausted is returned when every MAC address with the configured vendor
// prefix has already been issued or reserved.
const ErrExhausted errors.Error = "mac address space exhausted"

// maxRandomTries is the number of random attempts to find a free MAC address
// before falling back to a sequential search.
const maxRandomTries = 64

// scanCheckInterval is the number of addresses checked during a sequential
// search between the checks of the context.
const scanCheckInterval = 1 << 12

// Identity is a fabricated DHCP client identity.  It must not be modified
// after being issued.
type Identity struct {
	// MAC is the client hardware address.
	MAC net.HardwareAddr

	// Hostname is the client hostname.
	Hostname string

	// Xid is the transaction ID, never zero.
	Xid uint32
}

// Config is the configuration for a [Pool].
type Config struct {
	// OUI is an optional vendor prefix of the generated MAC addresses.  It must
	// not be longer than 3 bytes.  If it's empty, the generated addresses are
	// locally-administered unicast ones.
	OUI net.HardwareAddr
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (conf *Config) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	if l := len(conf.OUI); l > maxOUILen {
		return fmt.Errorf("OUI: length %d: %w", l, errors.ErrOutOfRange)
	}

	if len(conf.OUI) > 0 && conf.OUI[0]&0x01 != 0 {
		return fmt.Errorf("OUI %s: must be unicast", conf.OUI)
	}

	return nil
}

// macKey is the comparable form of a MAC address.
type macKey = [macLen]byte

// Pool issues MAC addresses and hostnames that are never repeated within the
// lifetime of the pool.
//
// It is safe for concurrent use.
type Pool struct {
	// macMu protects macs and issued.
	macMu *sync.Mutex
	macs  map[macKey]struct{}

	// issued is the number of addresses in macs that have the vendor prefix
	// of the pool.
	issued uint64

	// hostMu protects hosts.
	hostMu *sync.Mutex
	hosts  map[string]struct{}

	// uint64 is the source of randomness.  It must be safe for concurrent use.
	uint64 func() (n uint64)

	oui net.HardwareAddr

	// space is the number of the addresses with the vendor prefix.  It's
	// always a power of two.
	space uint64
}

// New returns a new properly initialized *Pool.  conf must be valid.
func New(conf *Config) (p *Pool, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("identity pool: %w", err)
	}

	return &Pool{
		macMu:  &sync.Mutex{},
		macs:   map[macKey]struct{}{},
		hostMu: &sync.Mutex{},
		hosts:  map[string]struct{}{},
		uint64: rand.Uint64,
		oui:    conf.OUI,
		space:  macSpace(len(conf.OUI)),
	}, nil
}

// macSpace returns the number of distinct addresses with a vendor prefix of
// ouiLen bytes.
func macSpace(ouiLen int) (n uint64) {
	if ouiLen == 0 {
		// The multicast and the locally administered bits are fixed.
		return 1 << (8*macLen - 2)
	}

	return 1 << (8 * (macLen - ouiLen))
}

// UniqueMAC returns a unicast MAC address that hasn't been returned by p
// before.  It returns [ErrExhausted] if there are no such addresses left.
func (p *Pool) UniqueMAC(ctx context.Context) (mac net.HardwareAddr, err error) {
	p.macMu.Lock()
	defer p.macMu.Unlock()

	if p.issued >= p.space {
		return nil, ErrExhausted
	}

	mask := p.space - 1
	for range maxRandomTries {
		k := p.macAt(p.uint64() & mask)
		if p.add(k) {
			return net.HardwareAddr(k[:]), nil
		}
	}

	// The space is crowded, so look for a free address sequentially.  There is
	// at least one, since issued is less than space.
	start := p.uint64() & mask
	for i := range p.space {
		if i%scanCheckInterval == 0 && ctx.Err() != nil {
			return nil, fmt.Errorf("looking for free mac: %w", context.Cause(ctx))
		}

		k := p.macAt((start + i) & mask)
		if p.add(k) {
			return net.HardwareAddr(k[:]), nil
		}
	}

	return nil, ErrExhausted
}

// add marks k as issued.  ok is false if k has already been issued or
// reserved.  p.macMu must be locked.
func (p *Pool) add(k macKey) (ok bool) {
	if _, ok = p.macs[k]; ok {
		return false
	}

	p.macs[k] = struct{}{}
	if p.inSpace(k) {
		p.issued++
	}

	return true
}

// macAt returns the address at offset off within the space of p.  off must be
// less than p.space.
func (p *Pool) macAt(off uint64) (k macKey) {
	n := copy(k[:], p.oui)

	v := off
	if n == 0 {
		// Set the locally administered bit and clear the multicast one.
		v = off<<2 | 0x02
	}

	for i := n; i < macLen; i++ {
		k[i] = byte(v)
		v >>= 8
	}

	return k
}

// inSpace returns true if k has the vendor prefix of p.
func (p *Pool) inSpace(k macKey) (ok bool) {
	if len(p.oui) == 0 {
		return k[0]&0x03 == 0x02
	}

	return bytes.Equal(k[:len(p.oui)], p.oui)
}

// UniqueHostname returns a hostname that hasn't been returned by p before.
func (p *Pool) UniqueHostname() (host string) {
	p.hostMu.Lock()
	defer p.hostMu.Unlock()

	for {
		host = fmt.Sprintf("%s%d", HostnamePrefix, p.uint64()%hostnameSpace)
		if _, ok := p.hosts[host]; ok {
			continue
		}

		p.hosts[host] = struct{}{}

		return host
	}
}

// NewIdentity returns an identity with a unique MAC address, a unique hostname,
// and a random non-zero transaction ID.  err is [ErrExhausted] if p can't issue
// any more MAC addresses.
func (p *Pool) NewIdentity(ctx context.Context) (id Identity, err error) {
	var xid uint32
	for xid == 0 {
		xid = uint32(p.uint64())
	}

	mac, err := p.UniqueMAC(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("new identity: %w", err)
	}

	return Identity{
		MAC:      mac,
		Hostname: p.UniqueHostname(),
		Xid:      xid,
	}, nil
}

// Reserve marks mac as issued so that p never generates it.  mac must be a
// 6-byte hardware address.
func (p *Pool) Reserve(mac net.HardwareAddr) (err error) {
	if len(mac) != macLen {
		return fmt.Errorf("reserving %s: bad length %d", mac, len(mac))
	}

	p.macMu.Lock()
	defer p.macMu.Unlock()

	p.add(macKey(mac))

	return nil
}

// Len returns the number of issued or reserved MAC addresses and the number of
// issued hostnames.
func (p *Pool) Len() (macs, hosts int) {
	p.macMu.Lock()
	macs = len(p.macs)
	p.macMu.Unlock()

	p.hostMu.Lock()
	defer p.hostMu.Unlock()

	return macs, len(p.hosts)
}
