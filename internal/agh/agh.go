// Package agh contains common entities and interfaces of dhcpsim.
package agh

import "context"

// Service is the interface for long-running parts of the program, such as
// the rogue server and the metrics endpoint.
type Service interface {
	// Start starts the service.  It does not block.
	Start(ctx context.Context) (err error)

	// Shutdown gracefully stops the service.  ctx is used to determine a
	// timeout before trying to stop the service less gracefully.
	Shutdown(ctx context.Context) (err error)
}

// type check
var _ Service = EmptyService{}

// EmptyService is a [Service] that does nothing.
type EmptyService struct{}

// Start implements the [Service] interface for EmptyService.
func (EmptyService) Start(_ context.Context) (err error) { return nil }

// Shutdown implements the [Service] interface for EmptyService.
func (EmptyService) Shutdown(_ context.Context) (err error) { return nil }
