// Package lease tracks the addresses offered and bound to DHCP clients by the
// rogue server.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/timeutil"
	"github.com/AdguardTeam/golibs/validate"
)

const (
	// ErrPoolExhausted is returned when there are no more addresses to offer.
	ErrPoolExhausted errors.Error = "address pool exhausted"

	// ErrNoOffer is returned when a client requests an address without being
	// offered one.
	ErrNoOffer errors.Error = "no offer for client"

	// ErrAddrMismatch is returned when a client requests an address other than
	// the one it was offered.
	ErrAddrMismatch errors.Error = "requested address mismatch"
)

// errNotIPv4 is returned when an address or a prefix is not an IPv4 one.
const errNotIPv4 errors.Error = "not ipv4"

// State is the state of a lease record.
type State uint8

// Valid states.
const (
	StateOffered State = iota + 1
	StateBound
)

// String implements the [fmt.Stringer] interface for State.
func (s State) String() (str string) {
	switch s {
	case StateOffered:
		return "offered"
	case StateBound:
		return "bound"
	default:
		return fmt.Sprintf("!bad_state_%d", uint8(s))
	}
}

// Record is the lease of a single client.
type Record struct {
	// Expires is the time the lease expires.  Expired records are kept in the
	// table.
	Expires time.Time

	// MAC is the hardware address of the client.
	MAC net.HardwareAddr

	// Hostname is the host name the client sent, if any.
	Hostname string

	// IP is the address offered or bound to the client.
	IP netip.Addr

	// State is the state of the record.
	State State
}

// clone returns a deep copy of r.
func (r *Record) clone() (c Record) {
	c = *r
	c.MAC = slices.Clone(r.MAC)

	return c
}

// macKey is the comparable form of a hardware address.
type macKey string

// Config is the configuration of a [Table].
type Config struct {
	// Logger is used to log the table's events.  It must not be nil.
	Logger *slog.Logger

	// Clock is used to calculate the expiration times.  It must not be nil.
	Clock timeutil.Clock

	// Pool is the pool of the offered addresses.  It must not be nil.
	Pool *AddressPool

	// Checker checks the addresses before offering them.  It must not be nil,
	// use [EmptyAddressChecker] to skip the checks.
	Checker AddressChecker

	// LeaseTime is the duration of the leases.  It must be positive.
	LeaseTime time.Duration
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the [validate.Interface] interface for *Config.
func (conf *Config) Validate() (err error) {
	if conf == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNil("Logger", conf.Logger),
		validate.NotNilInterface("Clock", conf.Clock),
		validate.NotNil("Pool", conf.Pool),
		validate.NotNilInterface("Checker", conf.Checker),
	}

	if conf.LeaseTime <= 0 {
		errs = append(errs, fmt.Errorf("LeaseTime: %w, got %s", errors.ErrNotPositive, conf.LeaseTime))
	}

	return errors.Join(errs...)
}

// Table is the table of lease records keyed by the client hardware address.
// Its methods are expected to be called by a single owner, the lock only
// serializes the readers.
type Table struct {
	logger  *slog.Logger
	clock   timeutil.Clock
	pool    *AddressPool
	checker AddressChecker

	// mu protects records.
	mu      *sync.Mutex
	records map[macKey]*Record

	leaseTime time.Duration
}

// NewTable returns a new properly initialized *Table.  conf must be valid.
func NewTable(conf *Config) (t *Table, err error) {
	err = conf.Validate()
	if err != nil {
		return nil, fmt.Errorf("lease table: %w", err)
	}

	return &Table{
		logger:    conf.Logger,
		clock:     conf.Clock,
		pool:      conf.Pool,
		checker:   conf.Checker,
		mu:        &sync.Mutex{},
		records:   map[macKey]*Record{},
		leaseTime: conf.LeaseTime,
	}, nil
}

// Offer returns the record of an offer for the client with the given hardware
// address.  A client with an existing record is re-offered its address.
// Otherwise the next available address is taken from the pool; it returns
// [ErrPoolExhausted] if there is none.
func (t *Table) Offer(ctx context.Context, mac net.HardwareAddr, hostname string) (r Record, err error) {
	k := macKey(mac)

	t.mu.Lock()
	rec, ok := t.records[k]
	if ok {
		rec.State = StateOffered
		rec.Expires = t.clock.Now().Add(t.leaseTime)
		r = rec.clone()
	}
	t.mu.Unlock()

	if ok {
		t.logger.DebugContext(ctx, "re-offering", "mac", mac, "ip", r.IP)

		return r, nil
	}

	ip, err := t.nextAvailable(ctx)
	if err != nil {
		// Don't wrap the error, since it's a sentinel one.
		return Record{}, err
	}

	rec = &Record{
		Expires:  t.clock.Now().Add(t.leaseTime),
		MAC:      slices.Clone(mac),
		Hostname: hostname,
		IP:       ip,
		State:    StateOffered,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records[k] = rec

	return rec.clone(), nil
}

// nextAvailable pops addresses from the pool until the checker reports one as
// available.  The addresses in use are dropped.
func (t *Table) nextAvailable(ctx context.Context) (ip netip.Addr, err error) {
	for {
		var ok bool
		ip, ok = t.pool.Pop()
		if !ok {
			return netip.Addr{}, ErrPoolExhausted
		}

		ok, err = t.checker.IsAvailable(ctx, ip)
		if err != nil {
			// Offer the address anyway, since the check is best-effort.
			t.logger.WarnContext(ctx, "checking address", "ip", ip, slogutil.KeyError, err)

			return ip, nil
		} else if ok {
			return ip, nil
		}

		t.logger.InfoContext(ctx, "address is in use, skipping", "ip", ip)
	}
}

// Bind binds the offered address to the client with the given hardware
// address.  requested is the address from the client's request; if it's
// valid, it must match the offered one.  It returns [ErrNoOffer] if the client
// has no record.  Bound records may be bound again, which extends the lease.
func (t *Table) Bind(mac net.HardwareAddr, requested netip.Addr) (r Record, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[macKey(mac)]
	switch {
	case !ok:
		return Record{}, ErrNoOffer
	case requested.IsValid() && !requested.IsUnspecified() && requested != rec.IP:
		return rec.clone(), fmt.Errorf("%w: %s, offered %s", ErrAddrMismatch, requested, rec.IP)
	}

	rec.State = StateBound
	rec.Expires = t.clock.Now().Add(t.leaseTime)

	return rec.clone(), nil
}

// Lookup returns the record of the client with the given hardware address.
func (t *Table) Lookup(mac net.HardwareAddr) (r Record, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[macKey(mac)]
	if !ok {
		return Record{}, false
	}

	return rec.clone(), true
}

// Records returns the copies of all records sorted by address.
func (t *Table) Records() (recs []Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	recs = make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		recs = append(recs, rec.clone())
	}

	slices.SortFunc(recs, func(a, b Record) (res int) {
		return a.IP.Compare(b.IP)
	})

	return recs
}

// Stats returns the number of offered and bound records and the number of
// addresses left in the pool.
func (t *Table) Stats() (offered, bound int, remaining uint64) {
	t.mu.Lock()
	for _, rec := range t.records {
		if rec.State == StateBound {
			bound++
		} else {
			offered++
		}
	}
	t.mu.Unlock()

	return offered, bound, t.pool.Remaining()
}
