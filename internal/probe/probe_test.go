package probe_test

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/testutil"
	"github.com/AdguardTeam/golibs/testutil/faketime"
	"github.com/google/gopacket"
	"github.com/netlab/dhcpsim/internal/lease"
	"github.com/netlab/dhcpsim/internal/netdev"
	"github.com/netlab/dhcpsim/internal/probe"
	"github.com/netlab/dhcpsim/internal/rogue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 1 * time.Second

// testLeaseTime is the lease time the test servers offer.
const testLeaseTime = 600 * time.Second

var (
	testClientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x10}
	testFirstMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testSecondMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

var (
	testFirstIP    = netip.MustParseAddr("10.0.0.1")
	testSecondIP   = netip.MustParseAddr("10.0.1.1")
	testSubnetMask = netip.MustParseAddr("255.255.255.0")
	testDNS        = netip.MustParseAddr("9.9.9.9")
)

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

// newLink returns a device simulating a link with servers on it.  Every frame
// written to the device is handled by all servers in order and their replies
// are read back from the device.
func newLink(tb testing.TB, servers ...*rogue.Server) (dev *testNetworkDevice) {
	tb.Helper()

	inCh := make(chan []byte, 16)
	tb.Cleanup(func() { close(inCh) })

	pt := testutil.PanicT{}

	return &testNetworkDevice{
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
			panic("not implemented")
		},
		onWritePacketData: func(data []byte) (err error) {
			ctx := context.Background()
			for _, srv := range servers {
				resp, handleErr := srv.Handle(ctx, data)
				require.NoError(pt, handleErr)

				if resp != nil {
					testutil.RequireSend(pt, inCh, resp, testTimeout)
				}
			}

			return nil
		},
		onHardwareAddr: func() (mac net.HardwareAddr) {
			return testClientMAC
		},
	}
}

// newServer is a helper that returns a rogue server leasing addresses from
// the /24 network of ip.
func newServer(tb testing.TB, mac net.HardwareAddr, ip netip.Addr) (srv *rogue.Server) {
	tb.Helper()

	logger := slogutil.NewDiscardLogger()

	prefix := netip.PrefixFrom(ip, 24).Masked()
	pool, err := lease.NewAddressPool(prefix, ip)
	require.NoError(tb, err)

	leases, err := lease.NewTable(&lease.Config{
		Logger:    logger,
		Clock:     &faketime.Clock{OnNow: time.Now},
		Pool:      pool,
		Checker:   lease.EmptyAddressChecker{},
		LeaseTime: testLeaseTime,
	})
	require.NoError(tb, err)

	srv, err = rogue.New(&rogue.Config{
		Logger:     logger,
		Device:     &testNetworkDevice{},
		Leases:     leases,
		Metrics:    rogue.EmptyMetrics{},
		ServerMAC:  mac,
		ServerIP:   ip,
		SubnetMask: testSubnetMask,
		Router:     []netip.Addr{ip},
		DNS:        []netip.Addr{testDNS},
		LeaseTime:  testLeaseTime,
	})
	require.NoError(tb, err)

	return srv
}

// newClient is a helper that returns a probe client over dev.
func newClient(tb testing.TB, dev netdev.Device) (c *probe.Client) {
	tb.Helper()

	c, err := probe.New(&probe.Config{
		Logger:    slogutil.NewDiscardLogger(),
		Device:    dev,
		Hostname:  "probe",
		Timeout:   testTimeout,
		OfferWait: 100 * time.Millisecond,
	})
	require.NoError(tb, err)

	return c
}

func TestClient_Run(t *testing.T) {
	first := newServer(t, testFirstMAC, testFirstIP)
	second := newServer(t, testSecondMAC, testSecondIP)

	c := newClient(t, newLink(t, first, second))

	ctx := testutil.ContextWithTimeout(t, testTimeout*3)
	res, err := c.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)

	require.Len(t, res.Offers, 2)

	wantFirst := &probe.Lease{
		ServerMAC:  testFirstMAC,
		ServerID:   testFirstIP,
		Addr:       netip.MustParseAddr("10.0.0.2"),
		SubnetMask: testSubnetMask,
		Router:     []netip.Addr{testFirstIP},
		DNS:        []netip.Addr{testDNS},
		LeaseTime:  testLeaseTime,
	}
	assert.Equal(t, wantFirst, res.Offers[0])

	assert.Equal(t, testSecondIP, res.Offers[1].ServerID)
	assert.Equal(t, netip.MustParseAddr("10.0.1.2"), res.Offers[1].Addr)

	assert.False(t, res.Nak)
	assert.Equal(t, wantFirst, res.Ack)
	assert.NotZero(t, res.Xid)
}

func TestClient_Run_noOffer(t *testing.T) {
	c, err := probe.New(&probe.Config{
		Logger:    slogutil.NewDiscardLogger(),
		Device:    newLink(t),
		Timeout:   50 * time.Millisecond,
		OfferWait: 0,
	})
	require.NoError(t, err)

	ctx := testutil.ContextWithTimeout(t, testTimeout)
	res, err := c.Run(ctx)
	assert.ErrorIs(t, err, probe.ErrNoOffer)
	assert.Nil(t, res)
}

func TestClient_Run_canceled(t *testing.T) {
	c := newClient(t, newLink(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_badConfig(t *testing.T) {
	_, err := probe.New(&probe.Config{
		Logger:    slogutil.NewDiscardLogger(),
		Device:    &testNetworkDevice{},
		Timeout:   0,
		OfferWait: time.Second,
	})
	testutil.AssertErrorMsg(t, "probe: Timeout: not positive, got 0s", err)

	_, err = probe.New(&probe.Config{
		Logger:  slogutil.NewDiscardLogger(),
		Timeout: time.Second,
	})
	assert.ErrorIs(t, err, errors.ErrNoValue)
}
