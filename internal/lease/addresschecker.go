package lease

import (
	"context"
	"net/netip"
)

// AddressChecker checks addresses for availability before they are offered.
type AddressChecker interface {
	// IsAvailable returns true if ip isn't used by another host.  Any error is
	// a network error.
	IsAvailable(ctx context.Context, ip netip.Addr) (ok bool, err error)
}

// EmptyAddressChecker is an implementation of [AddressChecker] that doesn't
// perform any checks.
type EmptyAddressChecker struct{}

// type check
var _ AddressChecker = EmptyAddressChecker{}

// IsAvailable implements the [AddressChecker] interface for
// EmptyAddressChecker.  It always returns true.
func (EmptyAddressChecker) IsAvailable(_ context.Context, _ netip.Addr) (ok bool, err error) {
	return true, nil
}
