// Package channel keeps the secure channels of one device: at most one per
// (context, peer device). Channels are bound to an epoch and a flow
// budget; an epoch rotation, a large capability shrink or the invalidation
// of their context queues them for teardown, and processing the queue
// terminates them and schedules reconnects.
package channel

import (
	"fmt"

	"github.com/f3rmion/aura/ids"
)

// Status is a channel's lifecycle state.
type Status uint8

const (
	StatusEstablishing Status = iota
	StatusActive
	StatusTearingDown
	StatusTerminated
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusEstablishing:
		return "establishing"
	case StatusActive:
		return "active"
	case StatusTearingDown:
		return "tearing_down"
	case StatusTerminated:
		return "terminated"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// IsTerminated reports whether s is a final state.
func (s Status) IsTerminated() bool { return s == StatusTerminated || s == StatusFailed }

// FlowBudget is the amount of traffic a channel may carry.
type FlowBudget struct {
	Limit uint64
	Spent uint64
}

// ShrinkFloor returns three quarters of limit, rounded down. A new limit
// below it tears the channel down.
func ShrinkFloor(limit uint64) uint64 {
	return limit/4*3 + limit%4*3/4
}

// ReasonKind classifies a teardown.
type ReasonKind uint8

const (
	ReasonEpochRotation ReasonKind = iota + 1
	ReasonCapabilityShrink
	ReasonContextInvalidation
	ReasonManual
	ReasonConnectionFailure
	ReasonTimeout
	ReasonPeerDisconnected
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonEpochRotation:
		return "epoch_rotation"
	case ReasonCapabilityShrink:
		return "capability_shrink"
	case ReasonContextInvalidation:
		return "context_invalidation"
	case ReasonManual:
		return "manual"
	case ReasonConnectionFailure:
		return "connection_failure"
	case ReasonTimeout:
		return "timeout"
	case ReasonPeerDisconnected:
		return "peer_disconnected"
	}
	return fmt.Sprintf("reason(%d)", uint8(k))
}

// TeardownReason says why a channel was torn down. Only the fields of its
// kind are set.
type TeardownReason struct {
	Kind ReasonKind

	OldEpoch, NewEpoch uint64
	OldBudget          FlowBudget
	NewBudget          FlowBudget
	Context            ids.ContextID
	Details            string
}

func (r TeardownReason) String() string {
	switch r.Kind {
	case ReasonEpochRotation:
		return fmt.Sprintf("epoch_rotation{%d->%d}", r.OldEpoch, r.NewEpoch)
	case ReasonCapabilityShrink:
		return fmt.Sprintf("capability_shrink{%d->%d}", r.OldBudget.Limit, r.NewBudget.Limit)
	case ReasonContextInvalidation:
		return fmt.Sprintf("context_invalidation{%s: %s}", ids.Short(r.Context), r.Details)
	case ReasonConnectionFailure:
		return "connection_failure{" + r.Details + "}"
	}
	return r.Kind.String()
}

// EpochRotation is the reason of a teardown moving from epoch from to to.
func EpochRotation(from, to uint64) TeardownReason {
	return TeardownReason{Kind: ReasonEpochRotation, OldEpoch: from, NewEpoch: to}
}

// CapabilityShrink is the reason of a teardown shrinking from to to.
func CapabilityShrink(from, to FlowBudget) TeardownReason {
	return TeardownReason{Kind: ReasonCapabilityShrink, OldBudget: from, NewBudget: to}
}

// ContextInvalidation is the reason of a teardown invalidating context.
func ContextInvalidation(context ids.ContextID, details string) TeardownReason {
	return TeardownReason{Kind: ReasonContextInvalidation, Context: context, Details: details}
}

// priority orders queued reasons for the same channel; lower wins.
func (r TeardownReason) priority() int {
	if r.Kind >= ReasonEpochRotation && r.Kind <= ReasonContextInvalidation {
		return int(r.Kind)
	}
	return int(ReasonContextInvalidation) + 1
}

// Key identifies a channel.
type Key struct {
	Context ids.ContextID
	Peer    ids.DeviceID
}

func (k Key) String() string { return ids.Hex(k.Context) + "::" + ids.Hex(k.Peer) }

// Stats counts a channel's traffic.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	ReconnectCount   uint64
	LastTeardown     *TeardownReason
}

// Channel is a secure channel to one peer in one context.
type Channel struct {
	ID            string
	Context       ids.ContextID
	Peer          ids.DeviceID
	Epoch         uint64
	Budget        FlowBudget
	Status        Status
	EstablishedAt uint64
	LastActivity  uint64
	Stats         Stats
}

func newChannel(k Key, epoch uint64, budget FlowBudget, nowMs uint64) *Channel {
	return &Channel{
		ID:            k.String(),
		Context:       k.Context,
		Peer:          k.Peer,
		Epoch:         epoch,
		Budget:        budget,
		Status:        StatusEstablishing,
		EstablishedAt: nowMs,
		LastActivity:  nowMs,
	}
}

// Key returns the channel's registry key.
func (c *Channel) Key() Key { return Key{c.Context, c.Peer} }

// IsActive reports whether the channel carries traffic.
func (c *Channel) IsActive() bool { return c.Status == StatusActive }

// ShouldTeardownForEpoch reports whether moving to epoch tears c down.
func (c *Channel) ShouldTeardownForEpoch(epoch uint64) bool { return epoch > c.Epoch }

// ShouldTeardownForShrink reports whether budget is below three quarters
// of c's current limit.
func (c *Channel) ShouldTeardownForShrink(budget FlowBudget) bool {
	return budget.Limit < ShrinkFloor(c.Budget.Limit)
}

func (c *Channel) clone() *Channel {
	out := *c
	if c.Stats.LastTeardown != nil {
		r := *c.Stats.LastTeardown
		out.Stats.LastTeardown = &r
	}
	return &out
}
