package dhcpwire

import (
	"fmt"

	"github.com/AdguardTeam/golibs/errors"
)

const (
	// ErrNotDHCP is returned by [Decode] when the frame is well-formed but
	// doesn't carry a DHCPv4 message over IPv4 and UDP.
	ErrNotDHCP errors.Error = "not a dhcpv4 frame"

	// ErrTruncated is returned by [Decode] when the frame is shorter than its
	// headers declare.
	ErrTruncated errors.Error = "truncated frame"

	// ErrMalformed is returned by [Decode] when the frame contains invalid
	// values.
	ErrMalformed errors.Error = "malformed frame"
)

// errNotIPv4 is returned when an address is not an IPv4 one.
const errNotIPv4 errors.Error = "not an ipv4 address"

// DecodeError is returned by [Decode] for every frame it can't decode.  Use
// [errors.Is] with [ErrNotDHCP], [ErrTruncated], or [ErrMalformed] to inspect
// the kind of the failure.
type DecodeError struct {
	// Err is the underlying error.  It may be nil.
	Err error

	// Kind is one of [ErrNotDHCP], [ErrTruncated], and [ErrMalformed].
	Kind errors.Error
}

// type check
var _ errors.Wrapper = (*DecodeError)(nil)

// Error implements the [error] interface for *DecodeError.
func (err *DecodeError) Error() (msg string) {
	if err.Err == nil {
		return fmt.Sprintf("decoding: %s", err.Kind)
	}

	return fmt.Sprintf("decoding: %s: %s", err.Kind, err.Err)
}

// Unwrap implements the [errors.Wrapper] interface for *DecodeError.
func (err *DecodeError) Unwrap() (unwrapped error) {
	return err.Err
}

// Is returns true if target is err's kind.
func (err *DecodeError) Is(target error) (ok bool) {
	return target == err.Kind
}
