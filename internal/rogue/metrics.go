package rogue

import (
	"context"

	"github.com/google/gopacket/layers"
)

// DropReason is the reason a received message was left unanswered.
type DropReason string

// DropReason values.
const (
	DropDecode        DropReason = "decode"
	DropFloodGuard    DropReason = "flood_guard"
	DropPoolExhausted DropReason = "pool_exhausted"
	DropNoOffer       DropReason = "no_offer"
	DropAddrMismatch  DropReason = "addr_mismatch"
	DropOtherServer   DropReason = "other_server"
)

// Metrics is an interface for collection of the rogue server statistics.
type Metrics interface {
	// IncrementReceived increments the number of received client messages of
	// the given type.
	IncrementReceived(ctx context.Context, typ layers.DHCPMsgType)

	// IncrementSent increments the number of sent replies of the given type.
	IncrementSent(ctx context.Context, typ layers.DHCPMsgType)

	// IncrementDropped increments the number of messages left unanswered for
	// the given reason.
	IncrementDropped(ctx context.Context, reason DropReason)
}

// EmptyMetrics is the implementation of the [Metrics] interface that does
// nothing.
type EmptyMetrics struct{}

// type check
var _ Metrics = EmptyMetrics{}

// IncrementReceived implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementReceived(_ context.Context, _ layers.DHCPMsgType) {}

// IncrementSent implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementSent(_ context.Context, _ layers.DHCPMsgType) {}

// IncrementDropped implements the [Metrics] interface for EmptyMetrics.
func (EmptyMetrics) IncrementDropped(_ context.Context, _ DropReason) {}
