package rogue_test

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/netlab/dhcpsim/internal/dhcpwire"
	"github.com/netlab/dhcpsim/internal/lease"
	"github.com/netlab/dhcpsim/internal/netdev"
	"github.com/netlab/dhcpsim/internal/rogue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// testLeaseTime is the lease time for tests.
const testLeaseTime = 300 * time.Second

var (
	testServerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testClientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	testOtherMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
)

var (
	testServerIP   = netip.MustParseAddr("192.168.100.1")
	testOtherIP    = netip.MustParseAddr("192.168.100.254")
	testSubnetMask = netip.MustParseAddr("255.255.255.0")
	testDNS        = []netip.Addr{
		netip.MustParseAddr("8.8.8.8"),
		netip.MustParseAddr("8.8.4.4"),
	}
)

// testPrefix is the prefix of the address pool for tests.
const testPrefix = "192.168.100.0/24"

// testNetworkDevice is a mock implementation of the [netdev.Device]
// interface.
type testNetworkDevice struct {
	onReadPacketData  func() (data []byte, ci gopacket.CaptureInfo, err error)
	onClose           func() (err error)
	onWritePacketData func(data []byte) (err error)
	onHardwareAddr    func() (mac net.HardwareAddr)
}

// type check
var _ netdev.Device = (*testNetworkDevice)(nil)

// ReadPacketData implements the [netdev.Device] interface for
// *testNetworkDevice.
func (nd *testNetworkDevice) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	return nd.onReadPacketData()
}

// Close implements the [netdev.Device] interface for *testNetworkDevice.
func (nd *testNetworkDevice) Close() (err error) {
	return nd.onClose()
}

// WritePacketData implements the [netdev.Device] interface for
// *testNetworkDevice.
func (nd *testNetworkDevice) WritePacketData(data []byte) (err error) {
	return nd.onWritePacketData(data)
}

// HardwareAddr implements the [netdev.Device] interface for
// *testNetworkDevice.
func (nd *testNetworkDevice) HardwareAddr() (mac net.HardwareAddr) {
	return nd.onHardwareAddr()
}

// newTestDevice returns a device that reads the frames from inCh and writes
// the frames to outCh.  Closing the device closes inCh.
func newTestDevice() (dev *testNetworkDevice, inCh chan []byte, outCh chan []byte) {
	inCh = make(chan []byte)
	outCh = make(chan []byte, 1)

	pt := testutil.PanicT{}

	dev = &testNetworkDevice{
		onReadPacketData: func() (data []byte, ci gopacket.CaptureInfo, err error) {
			data, ok := <-inCh
			if !ok {
				return nil, gopacket.CaptureInfo{}, io.EOF
			}

			ci = gopacket.CaptureInfo{
				Length:        len(data),
				CaptureLength: len(data),
			}

			return data, ci, nil
		},
		onClose: func() (err error) {
			close(inCh)

			return nil
		},
		onWritePacketData: func(data []byte) (err error) {
			testutil.RequireSend(pt, outCh, data, testTimeout)

			return nil
		},
		onHardwareAddr: func() (mac net.HardwareAddr) {
			return testServerMAC
		},
	}

	return dev, inCh, outCh
}

// testMetrics is a [rogue.Metrics] implementation that counts the events.
type testMetrics struct {
	received map[layers.DHCPMsgType]int
	sent     map[layers.DHCPMsgType]int
	dropped  map[rogue.DropReason]int
}

// type check
var _ rogue.Metrics = (*testMetrics)(nil)

// newTestMetrics returns a new *testMetrics with initialized maps.
func newTestMetrics() (m *testMetrics) {
	return &testMetrics{
		received: map[layers.DHCPMsgType]int{},
		sent:     map[layers.DHCPMsgType]int{},
		dropped:  map[rogue.DropReason]int{},
	}
}

// IncrementReceived implements the [rogue.Metrics] interface for
// *testMetrics.
func (m *testMetrics) IncrementReceived(_ context.Context, typ layers.DHCPMsgType) {
	m.received[typ]++
}

// IncrementSent implements the [rogue.Metrics] interface for *testMetrics.
func (m *testMetrics) IncrementSent(_ context.Context, typ layers.DHCPMsgType) {
	m.sent[typ]++
}

// IncrementDropped implements the [rogue.Metrics] interface for *testMetrics.
func (m *testMetrics) IncrementDropped(_ context.Context, reason rogue.DropReason) {
	m.dropped[reason]++
}

// newTestServer is a helper that returns a server with a lease table over
// prefix.  guard may be nil.
func newTestServer(
	tb testing.TB,
	dev netdev.Device,
	prefix string,
	guard *rogue.FloodGuard,
	m rogue.Metrics,
) (srv *rogue.Server, leases *lease.Table) {
	tb.Helper()

	pool, err := lease.NewAddressPool(netip.MustParsePrefix(prefix), testServerIP)
	require.NoError(tb, err)

	logger := slogutil.NewDiscardLogger()
	leases, err = lease.NewTable(&lease.Config{
		Logger:    logger,
		Clock:     &faketime.Clock{OnNow: time.Now},
		Pool:      pool,
		Checker:   lease.EmptyAddressChecker{},
		LeaseTime: testLeaseTime,
	})
	require.NoError(tb, err)

	srv, err = rogue.New(&rogue.Config{
		Logger:     logger,
		Device:     dev,
		Leases:     leases,
		Guard:      guard,
		Metrics:    m,
		ServerIP:   testServerIP,
		SubnetMask: testSubnetMask,
		Router:     []netip.Addr{testServerIP},
		DNS:        testDNS,
		LeaseTime:  testLeaseTime,
	})
	require.NoError(tb, err)

	return srv, leases
}

// encodeClient is a helper that encodes msg into a client frame.
func encodeClient(tb testing.TB, msg *dhcpwire.Message) (data []byte) {
	tb.Helper()

	data, err := dhcpwire.Encode(dhcpwire.NewClientFrame(msg))
	require.NoError(tb, err)

	return data
}

// requireReply is a helper that decodes data and checks the common fields of
// a reply to req.
func requireReply(
	tb testing.TB,
	data []byte,
	req *dhcpwire.Message,
	wantType layers.DHCPMsgType,
	wantIP netip.Addr,
) {
	tb.Helper()

	require.NotNil(tb, data)

	f, err := dhcpwire.Decode(data)
	require.NoError(tb, err)

	assert.Equal(tb, testServerMAC, f.SrcMAC)
	assert.Equal(tb, layers.EthernetBroadcast, f.DstMAC)
	assert.Equal(tb, testServerIP, f.SrcIP)
	assert.Equal(tb, netip.MustParseAddr("255.255.255.255"), f.DstIP)
	assert.Equal(tb, dhcpwire.ServerPort, f.SrcPort)
	assert.Equal(tb, dhcpwire.ClientPort, f.DstPort)

	msg := f.Message
	assert.Equal(tb, layers.DHCPOpReply, msg.Op)
	assert.Equal(tb, req.Xid, msg.Xid)
	assert.Equal(tb, req.Flags, msg.Flags)
	assert.Equal(tb, req.CHAddr, msg.CHAddr)
	assert.Equal(tb, wantIP, msg.YIAddr)
	assert.Equal(tb, testServerIP, msg.SIAddr)

	wantOpts := []dhcpwire.Option{
		dhcpwire.MessageType(wantType),
		dhcpwire.ServerID(testServerIP),
		dhcpwire.SubnetMask(testSubnetMask),
		dhcpwire.Router{testServerIP},
		dhcpwire.NameServer(testDNS),
		dhcpwire.LeaseTime(testLeaseTime),
	}

	opt := cmpopts.EquateComparable(netip.Addr{}, dhcpwire.ServerID{}, dhcpwire.SubnetMask{})
	assert.Empty(tb, cmp.Diff(wantOpts, msg.Options, opt))
}

func TestServer_Handle_dora(t *testing.T) {
	m := newTestMetrics()
	srv, leases := newTestServer(t, &testNetworkDevice{
		onHardwareAddr: func() (mac net.HardwareAddr) { return testServerMAC },
	}, testPrefix, nil, m)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	wantIP := netip.MustParseAddr("192.168.100.2")

	discover := dhcpwire.NewDiscover(testClientMAC, 0x1234, dhcpwire.Hostname("host"))
	resp, err := srv.Handle(ctx, encodeClient(t, discover))
	require.NoError(t, err)

	requireReply(t, resp, discover, layers.DHCPMsgTypeOffer, wantIP)

	rec, ok := leases.Lookup(testClientMAC)
	require.True(t, ok)

	assert.Equal(t, lease.StateOffered, rec.State)
	assert.Equal(t, "host", rec.Hostname)

	request := dhcpwire.NewRequest(
		testClientMAC,
		0x1234,
		dhcpwire.ServerID(testServerIP),
		dhcpwire.RequestedAddr(wantIP),
	)
	resp, err = srv.Handle(ctx, encodeClient(t, request))
	require.NoError(t, err)

	requireReply(t, resp, request, layers.DHCPMsgTypeAck, wantIP)

	rec, ok = leases.Lookup(testClientMAC)
	require.True(t, ok)

	assert.Equal(t, lease.StateBound, rec.State)

	assert.Equal(t, 1, m.received[layers.DHCPMsgTypeDiscover])
	assert.Equal(t, 1, m.received[layers.DHCPMsgTypeRequest])
	assert.Equal(t, 1, m.sent[layers.DHCPMsgTypeOffer])
	assert.Equal(t, 1, m.sent[layers.DHCPMsgTypeAck])
	assert.Empty(t, m.dropped)
}

func TestServer_Handle_request(t *testing.T) {
	offeredIP := netip.MustParseAddr("192.168.100.2")

	testCases := []struct {
		name       string
		req        *dhcpwire.Message
		wantDrop   rogue.DropReason
		wantAck    bool
		wantWithIP netip.Addr
	}{{
		name: "no_requested_addr",
		req: dhcpwire.NewRequest(
			testClientMAC,
			1,
			dhcpwire.ServerID(testServerIP),
		),
		wantAck:    true,
		wantWithIP: offeredIP,
	}, {
		name: "unknown_client",
		req: dhcpwire.NewRequest(
			testOtherMAC,
			1,
			dhcpwire.RequestedAddr(offeredIP),
		),
		wantDrop: rogue.DropNoOffer,
	}, {
		name: "other_server",
		req: dhcpwire.NewRequest(
			testClientMAC,
			1,
			dhcpwire.ServerID(testOtherIP),
			dhcpwire.RequestedAddr(offeredIP),
		),
		wantDrop: rogue.DropOtherServer,
	}, {
		name: "addr_mismatch",
		req: dhcpwire.NewRequest(
			testClientMAC,
			1,
			dhcpwire.RequestedAddr(netip.MustParseAddr("192.168.100.77")),
		),
		wantDrop: rogue.DropAddrMismatch,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMetrics()
			srv, _ := newTestServer(t, &testNetworkDevice{
				onHardwareAddr: func() (mac net.HardwareAddr) { return testServerMAC },
			}, testPrefix, nil, m)

			ctx := testutil.ContextWithTimeout(t, testTimeout)

			resp, err := srv.Handle(ctx, encodeClient(t, dhcpwire.NewDiscover(testClientMAC, 1)))
			require.NoError(t, err)
			require.NotNil(t, resp)

			resp, err = srv.Handle(ctx, encodeClient(t, tc.req))
			require.NoError(t, err)

			if tc.wantAck {
				requireReply(t, resp, tc.req, layers.DHCPMsgTypeAck, tc.wantWithIP)
			} else {
				assert.Nil(t, resp)
				assert.Equal(t, 1, m.dropped[tc.wantDrop])
				assert.Zero(t, m.sent[layers.DHCPMsgTypeAck])
			}
		})
	}
}

func TestServer_Handle_exhausted(t *testing.T) {
	m := newTestMetrics()

	// The /30 has two host addresses, one of which is the server's own.
	srv, _ := newTestServer(t, &testNetworkDevice{
		onHardwareAddr: func() (mac net.HardwareAddr) { return testServerMAC },
	}, "192.168.100.0/30", nil, m)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	discover := dhcpwire.NewDiscover(testClientMAC, 1)
	resp, err := srv.Handle(ctx, encodeClient(t, discover))
	require.NoError(t, err)

	requireReply(t, resp, discover, layers.DHCPMsgTypeOffer, netip.MustParseAddr("192.168.100.2"))

	resp, err = srv.Handle(ctx, encodeClient(t, dhcpwire.NewDiscover(testOtherMAC, 2)))
	require.NoError(t, err)

	assert.Nil(t, resp)
	assert.Equal(t, 1, m.dropped[rogue.DropPoolExhausted])

	// The client that already has an offer is still answered.
	resp, err = srv.Handle(ctx, encodeClient(t, discover))
	require.NoError(t, err)

	requireReply(t, resp, discover, layers.DHCPMsgTypeOffer, netip.MustParseAddr("192.168.100.2"))
}

func TestServer_Handle_ignored(t *testing.T) {
	m := newTestMetrics()
	srv, _ := newTestServer(t, &testNetworkDevice{
		onHardwareAddr: func() (mac net.HardwareAddr) { return testServerMAC },
	}, testPrefix, nil, m)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	offer, err := srv.Handle(ctx, encodeClient(t, dhcpwire.NewDiscover(testClientMAC, 1)))
	require.NoError(t, err)
	require.NotNil(t, offer)

	release := dhcpwire.NewDiscover(testClientMAC, 1)
	release.Options[0] = dhcpwire.MessageType(layers.DHCPMsgTypeRelease)

	// A BOOTREPLY is never answered, whatever its message type.
	replyOp := dhcpwire.NewDiscover(testClientMAC, 2)
	replyOp.Op = layers.DHCPOpReply

	testCases := []struct {
		name string
		data []byte
	}{{
		name: "garbage",
		data: []byte{0x01, 0x02, 0x03},
	}, {
		name: "own_offer",
		data: offer,
	}, {
		name: "release",
		data: encodeClient(t, release),
	}, {
		name: "reply_op",
		data: encodeClient(t, replyOp),
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var resp []byte
			require.NotPanics(t, func() {
				resp, err = srv.Handle(ctx, tc.data)
			})
			require.NoError(t, err)

			assert.Nil(t, resp)
		})
	}

	assert.Equal(t, 1, m.dropped[rogue.DropDecode])
	assert.Equal(t, 1, m.received[layers.DHCPMsgTypeRelease])

	// Only the first DHCPDISCOVER is counted, the BOOTREPLY ones are skipped
	// before classification.
	assert.Equal(t, 1, m.received[layers.DHCPMsgTypeDiscover])
	assert.Zero(t, m.received[layers.DHCPMsgTypeOffer])
}

func TestServer_Handle_floodGuard(t *testing.T) {
	const threshold = 3

	now := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	guard, err := rogue.NewFloodGuard(&rogue.GuardConfig{
		Clock: &faketime.Clock{
			OnNow: func() (n time.Time) { return now },
		},
		Window:    time.Second,
		Threshold: threshold,
	})
	require.NoError(t, err)

	m := newTestMetrics()
	srv, _ := newTestServer(t, &testNetworkDevice{
		onHardwareAddr: func() (mac net.HardwareAddr) { return testServerMAC },
	}, testPrefix, guard, m)

	ctx := testutil.ContextWithTimeout(t, testTimeout)

	for i := range threshold {
		mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x01, byte(i)}
		resp, hErr := srv.Handle(ctx, encodeClient(t, dhcpwire.NewDiscover(mac, uint32(i+1))))
		require.NoError(t, hErr)
		require.NotNil(t, resp)
	}

	resp, err := srv.Handle(ctx, encodeClient(t, dhcpwire.NewDiscover(testClientMAC, 42)))
	require.NoError(t, err)

	assert.Nil(t, resp)
	assert.Equal(t, 1, m.dropped[rogue.DropFloodGuard])

	now = now.Add(2 * time.Second)

	resp, err = srv.Handle(ctx, encodeClient(t, dhcpwire.NewDiscover(testClientMAC, 42)))
	require.NoError(t, err)

	assert.NotNil(t, resp)
}

func TestServer_StartShutdown(t *testing.T) {
	dev, inCh, outCh := newTestDevice()
	srv, _ := newTestServer(t, dev, testPrefix, nil, rogue.EmptyMetrics{})

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	require.NoError(t, srv.Start(ctx))

	discover := dhcpwire.NewDiscover(testClientMAC, 7)
	testutil.RequireSend(t, inCh, encodeClient(t, discover), testTimeout)

	data, ok := testutil.RequireReceive(t, outCh, testTimeout)
	require.True(t, ok)

	requireReply(t, data, discover, layers.DHCPMsgTypeOffer, netip.MustParseAddr("192.168.100.2"))

	err := srv.Shutdown(ctx)
	require.NoError(t, err)
}

func TestNew_badConfig(t *testing.T) {
	_, err := rogue.New(&rogue.Config{
		ServerIP:   netip.MustParseAddr("2001:db8::1"),
		SubnetMask: testSubnetMask,
		DNS:        []netip.Addr{netip.MustParseAddr("2001:db8::2")},
	})
	require.Error(t, err)

	assert.ErrorContains(t, err, "ServerIP: 2001:db8::1: not an ipv4 address")
	assert.ErrorContains(t, err, "DNS: at index 0: 2001:db8::2: not an ipv4 address")
	assert.ErrorContains(t, err, "LeaseTime: not positive")
}

func TestFloodGuard_Allow(t *testing.T) {
	var now atomic.Pointer[time.Time]
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	now.Store(&start)

	g, err := rogue.NewFloodGuard(&rogue.GuardConfig{
		Clock: &faketime.Clock{
			OnNow: func() (n time.Time) { return *now.Load() },
		},
		Window:    time.Second,
		Threshold: rogue.DefaultGuardThreshold,
	})
	require.NoError(t, err)

	for i := range rogue.DefaultGuardThreshold {
		require.True(t, g.Allow(), "message %d", i)
	}

	// Every further message within the window is dropped.
	assert.False(t, g.Allow())
	assert.False(t, g.Allow())

	later := start.Add(500 * time.Millisecond)
	now.Store(&later)
	assert.False(t, g.Allow())

	// The dropped messages are counted too, so only the messages that arrived
	// more than a window ago are forgotten.
	after := later.Add(1100 * time.Millisecond)
	now.Store(&after)
	assert.True(t, g.Allow())

	_, err = rogue.NewFloodGuard(&rogue.GuardConfig{})
	testutil.AssertErrorMsg(
		t,
		"flood guard: Window: not positive, got 0s\nThreshold: not positive, got 0",
		err,
	)
}
