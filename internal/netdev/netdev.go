// Package netdev provides link-layer access to network interfaces.
package netdev

import (
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/google/gopacket"
	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
)

// Device provides an ability of reading and writing Ethernet frames to a
// network interface.  It's used to generalize implementations for different
// platforms and to simplify testing.
type Device interface {
	// ReadPacketData returns [io.EOF] after the device is closed.
	gopacket.PacketDataSource

	// No methods of a device except ReadPacketData should be called after
	// Close.
	io.Closer

	// WritePacketData writes a serialized Ethernet frame to the network
	// interface.  It must be safe for concurrent use.
	WritePacketData(data []byte) (err error)

	// HardwareAddr returns the hardware address of the network interface.
	HardwareAddr() (mac net.HardwareAddr)
}

// Config is the configuration for a network device.
type Config struct {
	// Interface is the name of the network interface.  It must be a valid
	// interface name on the system.
	Interface string

	// Promiscuous, if true, makes the interface receive frames addressed to
	// other hosts.
	Promiscuous bool

	// CaptureDHCP, if true, restricts the received frames to the DHCPv4 ones.
	// Otherwise all IPv4 frames are received.
	CaptureDHCP bool
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (conf *Config) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	return validate.NotEmpty("Interface", conf.Interface)
}

// maxFrameLen is the size of the read buffer, which is enough for any frame
// on a link with the default MTU.
const maxFrameLen = 1 << 11

// RawDevice is a [Device] backed by a raw packet socket.
type RawDevice struct {
	conn   *packet.Conn
	mac    net.HardwareAddr
	buf    []byte
	closed *atomic.Bool
}

// type check
var _ Device = (*RawDevice)(nil)

// Open opens a raw packet socket on the network interface.  conf must be
// valid.  It requires the CAP_NET_RAW capability and is only implemented on
// Linux.
func Open(conf *Config) (d *RawDevice, err error) {
	defer func() { err = errors.Annotate(err, "opening %q: %w", conf.Interface) }()

	iface, err := net.InterfaceByName(conf.Interface)
	if err != nil {
		// Don't wrap the error, since it's informative enough as is.
		return nil, err
	}

	pconf := &packet.Config{}
	if conf.CaptureDHCP {
		pconf.Filter, err = dhcpFilter()
		if err != nil {
			return nil, fmt.Errorf("assembling filter: %w", err)
		}
	}

	conn, err := packet.Listen(iface, packet.Raw, int(ethernet.EtherTypeIPv4), pconf)
	if err != nil {
		return nil, fmt.Errorf("creating raw connection: %w", err)
	}

	if conf.Promiscuous {
		err = conn.SetPromiscuous(true)
		if err != nil {
			return nil, errors.WithDeferred(fmt.Errorf("setting promiscuous mode: %w", err), conn.Close())
		}
	}

	return &RawDevice{
		conn:   conn,
		mac:    slices.Clone(iface.HardwareAddr),
		buf:    make([]byte, maxFrameLen),
		closed: &atomic.Bool{},
	}, nil
}

// ReadPacketData implements the [Device] interface for *RawDevice.  It must
// not be called concurrently.  The returned data is only valid until the next
// call.
func (d *RawDevice) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	n, _, err := d.conn.ReadFrom(d.buf)
	if err != nil {
		if d.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
			return nil, gopacket.CaptureInfo{}, io.EOF
		}

		return nil, gopacket.CaptureInfo{}, fmt.Errorf("reading frame: %w", err)
	}

	ci = gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: n,
		Length:        n,
	}

	return d.buf[:n], ci, nil
}

// ethHeaderLen is the length of the Ethernet II header.
const ethHeaderLen = 14

// WritePacketData implements the [Device] interface for *RawDevice.  The
// destination is taken from the frame's header.
func (d *RawDevice) WritePacketData(data []byte) (err error) {
	if len(data) < ethHeaderLen {
		return fmt.Errorf("frame length %d: %w", len(data), errors.ErrOutOfRange)
	}

	_, err = d.conn.WriteTo(data, &packet.Addr{HardwareAddr: net.HardwareAddr(data[:6])})
	if err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	return nil
}

// HardwareAddr implements the [Device] interface for *RawDevice.
func (d *RawDevice) HardwareAddr() (mac net.HardwareAddr) {
	return d.mac
}

// Close implements the [io.Closer] interface for *RawDevice.  Closing a closed
// device returns nil.
func (d *RawDevice) Close() (err error) {
	if d.closed.Swap(true) {
		return nil
	}

	err = d.conn.Close()
	if errors.Is(err, os.ErrClosed) {
		// Ignore the error since the actual file is closed already.
		err = nil
	}

	return err
}
