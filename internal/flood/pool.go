package flood

import (
	"context"
	"fmt"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/gopacket/layers"
	"github.com/netlab/dhcpsim/internal/dhcpwire"
	"github.com/netlab/dhcpsim/internal/ident"
)

// DefaultPoolSize is the default number of slots in a [PacketPool].
const DefaultPoolSize = 256

// FrameBuilder builds an encoded frame for id.
type FrameBuilder func(id ident.Identity) (frame []byte, err error)

// discoverParams is the parameter request list of the built DHCPDISCOVER
// messages.
var discoverParams = dhcpwire.ParamRequestList{
	layers.DHCPOptSubnetMask,
	layers.DHCPOptRouter,
	layers.DHCPOptDNS,
	layers.DHCPOptDomainName,
	layers.DHCPOptInterfaceMTU,
	layers.DHCPOptBroadcastAddr,
	layers.DHCPOptVendorOption,
	layers.DHCPOptNetBIOSTCPNS,
	// NetBIOS over TCP/IP node type.
	46,
	layers.DHCPOptNetBIOSTCPScope,
	// Domain search.
	119,
	layers.DHCPOptClasslessStaticRoute,
	// Microsoft classless static route.
	249,
	// Web proxy auto-discovery.
	252,
}

// DiscoverBuilder is a [FrameBuilder] that builds a broadcast DHCPDISCOVER
// frame with the client identifier, the host name, and the parameter request
// list of id.
func DiscoverBuilder(id ident.Identity) (frame []byte, err error) {
	msg := dhcpwire.NewDiscover(
		id.MAC,
		id.Xid,
		dhcpwire.ClientID{ID: id.MAC, HardwareType: layers.LinkTypeEthernet},
		dhcpwire.Hostname(id.Hostname),
		discoverParams,
	)

	return dhcpwire.Encode(dhcpwire.NewClientFrame(msg))
}

// slot is a single entry of a [PacketPool].
type slot struct {
	// mu protects id and frame.
	mu    *sync.Mutex
	frame []byte
	id    ident.Identity
}

// PacketPool is a fixed-size collection of pre-built frames shared between the
// senders.
//
// It is safe for concurrent use.
type PacketPool struct {
	ids   *ident.Pool
	build FrameBuilder
	slots []*slot
}

// NewPacketPool returns a pool with size slots, each filled with a frame built
// for a fresh identity from ids.
func NewPacketPool(
	ctx context.Context,
	size int,
	ids *ident.Pool,
	build FrameBuilder,
) (p *PacketPool, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("packet pool size: %w, got %d", errors.ErrNotPositive, size)
	}

	p = &PacketPool{
		ids:   ids,
		build: build,
		slots: make([]*slot, size),
	}

	for i := range p.slots {
		p.slots[i] = &slot{
			mu: &sync.Mutex{},
		}

		err = p.Refresh(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("filling packet pool: %w", err)
		}
	}

	return p, nil
}

// Len returns the number of slots in p.
func (p *PacketPool) Len() (n int) {
	return len(p.slots)
}

// Frame returns the current frame of the slot i.  The returned frame must not
// be modified.
func (p *PacketPool) Frame(i int) (frame []byte) {
	s := p.slots[i]

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.frame
}

// Identity returns the identity the current frame of the slot i was built for.
func (p *PacketPool) Identity(i int) (id ident.Identity) {
	s := p.slots[i]

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.id
}

// Refresh replaces the frame of the slot i with the one built for a new
// identity.  The slot is left intact on error, which is [ident.ErrExhausted] if
// there are no identities left.
func (p *PacketPool) Refresh(ctx context.Context, i int) (err error) {
	id, err := p.ids.NewIdentity(ctx)
	if err != nil {
		return fmt.Errorf("refreshing slot %d: %w", i, err)
	}

	frame, err := p.build(id)
	if err != nil {
		return fmt.Errorf("building frame for %s: %w", id.MAC, err)
	}

	s := p.slots[i]

	s.mu.Lock()
	defer s.mu.Unlock()

	s.id, s.frame = id, frame

	return nil
}
