package dhcpwire_test

import (
	"encoding/binary"
	"math/rand/v2"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/netlab/dhcpsim/internal/dhcpwire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Offsets of the fields within an encoded frame without IPv4 options.
const (
	offEtherType = 12
	offIPProto   = 23
	offUDP       = 34
	offBOOTP     = 42
	offHLen      = offBOOTP + 2
	offXid       = offBOOTP + 4
	offCHAddr    = offBOOTP + 28
	offCookie    = offBOOTP + 236
	offOptions   = offBOOTP + 240
)

var (
	testClientMAC = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}
	testServerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xfe}

	testServerIP = netip.MustParseAddr("10.0.0.1")
	testClientIP = netip.MustParseAddr("10.0.0.2")
	testMask     = netip.MustParseAddr("255.255.255.0")
	testDNS1     = netip.MustParseAddr("8.8.8.8")
	testDNS2     = netip.MustParseAddr("8.8.4.4")
)

// testXid is the common transaction ID for tests.
const testXid uint32 = 0x1234_5678

// testParamRequestList is the parameter request list used in tests.
var testParamRequestList = dhcpwire.ParamRequestList{
	layers.DHCPOptSubnetMask,
	layers.DHCPOptRouter,
	layers.DHCPOptDNS,
	layers.DHCPOptDomainName,
}

// messageCmpOpts are the options to compare messages.
var messageCmpOpts = cmp.Options{
	cmpopts.EquateComparable(
		netip.Addr{},
		dhcpwire.ServerID{},
		dhcpwire.SubnetMask{},
		dhcpwire.RequestedAddr{},
	),
}

// newTestDiscover returns a DHCPDISCOVER message as sent by the flood senders.
func newTestDiscover() (msg *dhcpwire.Message) {
	return dhcpwire.NewDiscover(
		testClientMAC,
		testXid,
		dhcpwire.ClientID{ID: testClientMAC, HardwareType: layers.LinkTypeEthernet},
		dhcpwire.Hostname("fake-client-1"),
		testParamRequestList,
	)
}

// serverOptions returns the options of the server replies.
func serverOptions() (opts []dhcpwire.Option) {
	return []dhcpwire.Option{
		dhcpwire.ServerID(testServerIP),
		dhcpwire.SubnetMask(testMask),
		dhcpwire.Router{testServerIP},
		dhcpwire.NameServer{testDNS1, testDNS2},
		dhcpwire.LeaseTime(time.Hour),
	}
}

func TestEncode_layout(t *testing.T) {
	data, err := dhcpwire.Encode(dhcpwire.NewClientFrame(newTestDiscover()))
	require.NoError(t, err)
	require.Greater(t, len(data), offOptions+3)

	be := binary.BigEndian

	assert.Equal(t, layers.EthernetBroadcast, net.HardwareAddr(data[0:6]))
	assert.Equal(t, testClientMAC, net.HardwareAddr(data[6:12]))
	assert.Equal(t, uint16(layers.EthernetTypeIPv4), be.Uint16(data[offEtherType:]))
	assert.Equal(t, uint8(layers.IPProtocolUDP), data[offIPProto])
	assert.Equal(t, []byte{0, 0, 0, 0}, data[26:30])
	assert.Equal(t, []byte{255, 255, 255, 255}, data[30:34])
	assert.Equal(t, dhcpwire.ClientPort, be.Uint16(data[offUDP:]))
	assert.Equal(t, dhcpwire.ServerPort, be.Uint16(data[offUDP+2:]))

	assert.Equal(t, uint8(layers.DHCPOpRequest), data[offBOOTP])
	assert.Equal(t, uint8(6), data[offHLen])
	assert.Equal(t, testXid, be.Uint32(data[offXid:]))
	assert.Equal(t, dhcpwire.FlagBroadcast, be.Uint16(data[offBOOTP+10:]))
	assert.Equal(t, []byte(testClientMAC), data[offCHAddr:offCHAddr+6])
	assert.Equal(t, make([]byte, 10), data[offCHAddr+6:offCHAddr+16])
	assert.Equal(t, []byte{99, 130, 83, 99}, data[offCookie:offOptions])

	// The message type option comes first.
	assert.Equal(t, []byte{53, 1, 1}, data[offOptions:offOptions+3])
	assert.Equal(t, byte(layers.DHCPOptEnd), data[len(data)-1])
}

func TestDecode_roundTrip(t *testing.T) {
	discover := newTestDiscover()
	request := dhcpwire.NewRequest(
		testClientMAC,
		testXid,
		dhcpwire.RequestedAddr(testClientIP),
		dhcpwire.ServerID(testServerIP),
	)

	testCases := []struct {
		frame   *dhcpwire.Frame
		name    string
		wantTyp layers.DHCPMsgType
	}{{
		frame:   dhcpwire.NewClientFrame(discover),
		name:    "discover",
		wantTyp: layers.DHCPMsgTypeDiscover,
	}, {
		frame: dhcpwire.NewServerFrame(testServerMAC, testServerIP, dhcpwire.NewReply(
			discover,
			layers.DHCPMsgTypeOffer,
			testClientIP,
			testServerIP,
			serverOptions()...,
		)),
		name:    "offer",
		wantTyp: layers.DHCPMsgTypeOffer,
	}, {
		frame:   dhcpwire.NewClientFrame(request),
		name:    "request",
		wantTyp: layers.DHCPMsgTypeRequest,
	}, {
		frame: dhcpwire.NewServerFrame(testServerMAC, testServerIP, dhcpwire.NewReply(
			request,
			layers.DHCPMsgTypeAck,
			testClientIP,
			testServerIP,
			serverOptions()...,
		)),
		name:    "ack",
		wantTyp: layers.DHCPMsgTypeAck,
	}, {
		frame: dhcpwire.NewClientFrame(dhcpwire.NewDiscover(
			testClientMAC,
			testXid,
			dhcpwire.RawOption{Type: layers.DHCPOptDomainName, Data: []byte("lan")},
		)),
		name:    "raw_option",
		wantTyp: layers.DHCPMsgTypeDiscover,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := dhcpwire.Encode(tc.frame)
			require.NoError(t, err)

			got, err := dhcpwire.Decode(data)
			require.NoError(t, err)

			if diff := cmp.Diff(tc.frame.Message, got.Message, messageCmpOpts); diff != "" {
				t.Errorf("message mismatch (-want +got):\n%s", diff)
			}

			typ, ok := got.Message.Type()
			require.True(t, ok)

			assert.Equal(t, tc.wantTyp, typ)
			assert.Equal(t, tc.frame.SrcMAC, got.SrcMAC)
			assert.Equal(t, tc.frame.SrcIP, got.SrcIP)
			assert.Equal(t, tc.frame.DstIP, got.DstIP)
			assert.Equal(t, tc.frame.SrcPort, got.SrcPort)
			assert.Equal(t, tc.frame.DstPort, got.DstPort)
		})
	}
}

func TestMessage_lookups(t *testing.T) {
	msg := dhcpwire.NewRequest(
		testClientMAC,
		testXid,
		dhcpwire.RequestedAddr(testClientIP),
		dhcpwire.ServerID(testServerIP),
		dhcpwire.Hostname("host"),
	)

	ip, ok := msg.RequestedAddr()
	require.True(t, ok)
	assert.Equal(t, testClientIP, ip)

	ip, ok = msg.ServerID()
	require.True(t, ok)
	assert.Equal(t, testServerIP, ip)

	host, ok := msg.Hostname()
	require.True(t, ok)
	assert.Equal(t, "host", host)

	assert.Nil(t, msg.Option(layers.DHCPOptLeaseTime))

	discover := dhcpwire.NewDiscover(testClientMAC, testXid)
	_, ok = discover.ServerID()
	assert.False(t, ok)

	discover.Options = nil
	_, ok = discover.Type()
	assert.False(t, ok)
}

func TestEncode_errors(t *testing.T) {
	testCases := []struct {
		msg     *dhcpwire.Message
		wantErr error
		name    string
	}{{
		msg: dhcpwire.NewDiscover(
			testClientMAC,
			testXid,
			dhcpwire.Hostname("a"),
			dhcpwire.Hostname("b"),
		),
		wantErr: errors.ErrDuplicated,
		name:    "duplicate_option",
	}, {
		msg: dhcpwire.NewDiscover(
			testClientMAC,
			testXid,
			dhcpwire.ServerID(netip.MustParseAddr("2001:db8::1")),
		),
		wantErr: nil,
		name:    "ipv6_server_id",
	}, {
		msg:     dhcpwire.NewDiscover(testClientMAC, testXid, dhcpwire.Hostname("")),
		wantErr: errors.ErrEmptyValue,
		name:    "empty_hostname",
	}, {
		msg:     dhcpwire.NewDiscover(testClientMAC, testXid, dhcpwire.LeaseTime(-time.Hour)),
		wantErr: errors.ErrOutOfRange,
		name:    "negative_lease_time",
	}, {
		msg:     dhcpwire.NewDiscover(make(net.HardwareAddr, 17), testXid),
		wantErr: errors.ErrOutOfRange,
		name:    "long_chaddr",
	}, {
		msg:     nil,
		wantErr: errors.ErrNoValue,
		name:    "no_message",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := dhcpwire.Encode(&dhcpwire.Frame{
				Message: tc.msg,
				SrcMAC:  testClientMAC,
				DstMAC:  layers.EthernetBroadcast,
			})
			require.Error(t, err)

			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

// requireDecodeErr decodes data and requires a [*dhcpwire.DecodeError].
func requireDecodeErr(tb testing.TB, data []byte) (decErr *dhcpwire.DecodeError) {
	tb.Helper()

	var f *dhcpwire.Frame
	var err error
	require.NotPanics(tb, func() {
		f, err = dhcpwire.Decode(data)
	})

	require.Nil(tb, f)
	require.ErrorAs(tb, err, &decErr)

	return decErr
}

func TestDecode_truncated(t *testing.T) {
	data, err := dhcpwire.Encode(dhcpwire.NewClientFrame(newTestDiscover()))
	require.NoError(t, err)

	for l := range len(data) {
		requireDecodeErr(t, data[:l])
	}

	decErr := requireDecodeErr(t, data[:offOptions+3])
	assert.ErrorIs(t, decErr, dhcpwire.ErrTruncated)
}

func TestDecode_random(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))

	for range 1_000 {
		data := make([]byte, r.IntN(600))
		for i := range data {
			data[i] = byte(r.Uint32())
		}

		requireDecodeErr(t, data)
	}
}

func TestDecode_malformed(t *testing.T) {
	valid, err := dhcpwire.Encode(dhcpwire.NewClientFrame(newTestDiscover()))
	require.NoError(t, err)

	badLen, err := dhcpwire.Encode(dhcpwire.NewClientFrame(&dhcpwire.Message{
		Options: []dhcpwire.Option{
			dhcpwire.RawOption{Type: layers.DHCPOptMessageType, Data: []byte{1, 2}},
		},
		CHAddr: testClientMAC,
		Op:     layers.DHCPOpRequest,
		HType:  layers.LinkTypeEthernet,
	}))
	require.NoError(t, err)

	testCases := []struct {
		mutate func(data []byte)
		data   []byte
		name   string
	}{{
		mutate: func(data []byte) { data[offHLen] = 0xff },
		data:   valid,
		name:   "long_hlen",
	}, {
		mutate: func(data []byte) { data[offCookie] ^= 0xff },
		data:   valid,
		name:   "bad_cookie",
	}, {
		mutate: func(_ []byte) {},
		data:   badLen,
		name:   "bad_option_length",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data := append([]byte(nil), tc.data...)
			tc.mutate(data)

			decErr := requireDecodeErr(t, data)
			assert.ErrorIs(t, decErr, dhcpwire.ErrMalformed)
		})
	}
}

func TestDecode_notDHCP(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       testClientMAC,
		DstMAC:       testServerMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    testClientIP.AsSlice(),
		DstIP:    testServerIP.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: 40000,
		DstPort: 53,
	}
	_ = udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(
		buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth,
		ip,
		udp,
		gopacket.Payload([]byte("not a dns query either")),
	)
	require.NoError(t, err)

	decErr := requireDecodeErr(t, buf.Bytes())
	assert.ErrorIs(t, decErr, dhcpwire.ErrNotDHCP)
}
