package flood

import "context"

// Metrics is an interface for collection of the flood statistics.
type Metrics interface {
	// IncrementSent increments the number of frames sent successfully.
	IncrementSent(ctx context.Context)

	// IncrementFailed increments the number of failed writes.
	IncrementFailed(ctx context.Context)

	// IncrementRefreshed increments the number of frames rebuilt for a new
	// identity.
	IncrementRefreshed(ctx context.Context)
}

// EmptyMetrics is the implementation of the [Metrics] interface that does
// nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// IncrementSent implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementSent(_ context.Context) {}

// IncrementFailed implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementFailed(_ context.Context) {}

// IncrementRefreshed implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementRefreshed(_ context.Context) {}
