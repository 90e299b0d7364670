// Package config contains the configuration file of the rogue DHCP server.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
	"gopkg.in/yaml.v3"
)

// ErrConfig is returned when the configuration file can't be read or is
// invalid.
const ErrConfig errors.Error = "configuration error"

// File is the configuration file.
type File struct {
	// DHCP is the server section.  It must not be nil.
	DHCP *DHCP `yaml:"DHCP"`
}

// type check
var _ validate.Interface = (*File)(nil)

// Validate implements the [validate.Interface] interface for *File.  The
// returned error wraps [ErrConfig].
func (f *File) Validate() (err error) {
	if f == nil {
		return fmt.Errorf("%w: %w", ErrConfig, errors.ErrNoValue)
	}

	errs := validate.Append(nil, "DHCP", f.DHCP)
	if err = errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return nil
}

// DHCP is the rogue server section of the configuration file.
type DHCP struct {
	// FloodGuard is the configuration of the DHCPDISCOVER flood guard.  If
	// nil, the guard is disabled.
	FloodGuard *FloodGuard `yaml:"flood_guard"`

	// Interface is the name of the network interface to serve on.  It must
	// not be empty.
	Interface string `yaml:"interface"`

	// DNSServers are sent in the domain name server option.  It must not be
	// empty.
	DNSServers AddrList `yaml:"dns_servers"`

	// IPPool is the network the leased addresses are taken from.  It must be
	// an IPv4 prefix.
	IPPool netip.Prefix `yaml:"ip_pool"`

	// SubnetMask is sent in the subnet mask option.  It must be a valid IPv4
	// netmask.
	SubnetMask netip.Addr `yaml:"subnet_mask"`

	// Gateway is sent in the router option.  It must be an IPv4 address.
	Gateway netip.Addr `yaml:"gateway"`

	// ServerIP is the address of the server.  If not set, Gateway is used.
	ServerIP netip.Addr `yaml:"server_ip"`

	// LeaseTime is the lease duration in seconds.  It must be positive.
	LeaseTime uint32 `yaml:"lease_time"`

	// ICMPTimeout is the time in milliseconds to wait for an ICMP echo reply
	// before offering an address.  Zero disables the check.
	ICMPTimeout uint32 `yaml:"icmp_timeout"`
}

// type check
var _ validate.Interface = (*DHCP)(nil)

// Validate implements the [validate.Interface] interface for *DHCP.
func (c *DHCP) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmpty("interface", c.Interface),
		validate.NotEmptySlice("dns_servers", c.DNSServers),
	}

	if !c.IPPool.IsValid() {
		errs = append(errs, fmt.Errorf("ip_pool: %w", errors.ErrNoValue))
	} else if !c.IPPool.Addr().Is4() {
		errs = append(errs, fmt.Errorf("ip_pool: %s: %w", c.IPPool, errNotIPv4))
	}

	errs = append(errs, validateMask(c.SubnetMask))
	errs = append(errs, validateIPv4("gateway", c.Gateway))

	if c.ServerIP.IsValid() {
		errs = append(errs, validateIPv4("server_ip", c.ServerIP))
	}

	for i, ip := range c.DNSServers {
		if !ip.Is4() {
			errs = append(errs, fmt.Errorf("dns_servers: at index %d: %s: %w", i, ip, errNotIPv4))
		}
	}

	if c.LeaseTime == 0 {
		errs = append(errs, fmt.Errorf("lease_time: %w", errors.ErrNotPositive))
	}

	errs = validate.Append(errs, "flood_guard", c.FloodGuard)

	return errors.Join(errs...)
}

// Server returns the address of the server.
func (c *DHCP) Server() (ip netip.Addr) {
	if c.ServerIP.IsValid() {
		return c.ServerIP
	}

	return c.Gateway
}

// LeaseDuration returns the lease time as a duration.
func (c *DHCP) LeaseDuration() (d time.Duration) {
	return time.Duration(c.LeaseTime) * time.Second
}

// ICMPTimeoutDuration returns the ICMP timeout as a duration.
func (c *DHCP) ICMPTimeoutDuration() (d time.Duration) {
	return time.Duration(c.ICMPTimeout) * time.Millisecond
}

// FloodGuard is the configuration of the DHCPDISCOVER flood guard.
type FloodGuard struct {
	// Window is the sliding window the messages are counted in.  It must be
	// positive when the guard is enabled.
	Window timeutil.Duration `yaml:"window"`

	// Threshold is the maximum number of answered messages within Window.  It
	// must be positive when the guard is enabled.
	Threshold uint `yaml:"threshold"`

	// Enabled defines if the guard is enabled.
	Enabled bool `yaml:"enabled"`
}

// type check
var _ validate.Interface = (*FloodGuard)(nil)

// Validate implements the [validate.Interface] interface for *FloodGuard.  nil
// is a valid disabled guard.
func (c *FloodGuard) Validate() (err error) {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if time.Duration(c.Window) <= 0 {
		errs = append(errs, fmt.Errorf("window: %w, got %s", errors.ErrNotPositive, time.Duration(c.Window)))
	}

	if c.Threshold == 0 {
		errs = append(errs, fmt.Errorf("threshold: %w", errors.ErrNotPositive))
	}

	return errors.Join(errs...)
}

// errNotIPv4 is returned when an address must be an IPv4 one.
const errNotIPv4 errors.Error = "not an ipv4 address"

// errBadMask is returned when an address isn't a valid netmask.
const errBadMask errors.Error = "not a valid netmask"

// validateIPv4 returns an error if ip isn't a valid IPv4 address.
func validateIPv4(name string, ip netip.Addr) (err error) {
	if !ip.IsValid() {
		return fmt.Errorf("%s: %w", name, errors.ErrNoValue)
	} else if !ip.Is4() {
		return fmt.Errorf("%s: %s: %w", name, ip, errNotIPv4)
	}

	return nil
}

// validateMask returns an error if mask isn't a valid IPv4 netmask.
func validateMask(mask netip.Addr) (err error) {
	err = validateIPv4("subnet_mask", mask)
	if err != nil {
		return err
	}

	if _, bits := net.IPMask(mask.AsSlice()).Size(); bits == 0 {
		return fmt.Errorf("subnet_mask: %s: %w", mask, errBadMask)
	}

	return nil
}

// AddrList is a list of IP addresses.  In YAML, it's either a sequence or a
// comma-separated string.
type AddrList []netip.Addr

// type check
var _ yaml.Unmarshaler = (*AddrList)(nil)

// UnmarshalYAML implements the [yaml.Unmarshaler] interface for *AddrList.
func (l *AddrList) UnmarshalYAML(n *yaml.Node) (err error) {
	var strs []string
	switch n.Kind {
	case yaml.ScalarNode:
		strs = strings.Split(n.Value, ",")
	case yaml.SequenceNode:
		err = n.Decode(&strs)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("line %d: unexpected node kind %d", n.Line, n.Kind)
	}

	addrs := make(AddrList, 0, len(strs))
	for _, s := range strs {
		var ip netip.Addr
		ip, err = netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}

		addrs = append(addrs, ip)
	}

	*l = addrs

	return nil
}

// Load reads and decodes the configuration file at path.  Unknown keys are
// rejected.  The returned error wraps [ErrConfig].  f is not validated, so
// that the caller could override its fields first.
func Load(path string) (f *File, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	f, err = Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrConfig, path, err)
	}

	return f, nil
}

// Parse decodes the configuration from data.
func Parse(data []byte) (f *File, err error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	f = &File{}
	err = dec.Decode(f)
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding: %w", errors.ErrEmptyValue)
	} else if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}

	return f, nil
}
