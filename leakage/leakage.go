// Package leakage accounts for the information each operation discloses.
// Every context carries a budget of three figures: external leakage to
// observers outside the relationship, neighbour leakage within it and
// group leakage within the group. A Tracker accumulates what operations
// disclose and refuses an operation whose projected total would exceed the
// context's budget.
package leakage

import (
	"fmt"
	"math"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
)

// Full is the unbounded leakage of a figure nothing is hidden from.
var Full = math.Inf(1)

// Budget holds the three leakage figures in bits.
type Budget struct {
	External  float64
	Neighbour float64
	Group     float64
}

// Unlimited is a budget no operation exceeds.
func Unlimited() Budget { return Budget{External: Full, Neighbour: Full, Group: Full} }

// Add sums two budgets figure by figure.
func (b Budget) Add(o Budget) Budget {
	return Budget{External: b.External + o.External, Neighbour: b.Neighbour + o.Neighbour, Group: b.Group + o.Group}
}

// Accumulate folds an operation's leakage into a cumulative total:
// external leakage adds up, neighbour and group leakage keep their maximum.
func (b Budget) Accumulate(op Budget) Budget {
	return Budget{
		External:  b.External + op.External,
		Neighbour: max(b.Neighbour, op.Neighbour),
		Group:     max(b.Group, op.Group),
	}
}

// Within reports whether every figure of b is at most the matching limit.
func (b Budget) Within(limits Budget) bool {
	return b.exceeded(limits) == nil
}

func (b Budget) exceeded(limits Budget) *PrivacyViolationError {
	switch {
	case b.External > limits.External:
		return &PrivacyViolationError{Bound: "external", Actual: b.External, Allowed: limits.External}
	case b.Neighbour > limits.Neighbour:
		return &PrivacyViolationError{Bound: "neighbour", Actual: b.Neighbour, Allowed: limits.Neighbour}
	case b.Group > limits.Group:
		return &PrivacyViolationError{Bound: "group", Actual: b.Group, Allowed: limits.Group}
	}
	return nil
}

func (b Budget) String() string {
	return fmt.Sprintf("ext=%g ngh=%g grp=%g", b.External, b.Neighbour, b.Group)
}

// Protocol names an operation family with a known leakage bound.
type Protocol uint8

const (
	// ProtocolSearch is a DKD-isolated search over n results.
	ProtocolSearch Protocol = iota + 1
	// ProtocolRecovery is a guardian recovery with n guardians.
	ProtocolRecovery
	// ProtocolTree is a tree operation with n participants.
	ProtocolTree
	// ProtocolCompaction is garbage collection with a quorum of n.
	ProtocolCompaction
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSearch:
		return "dkd_search"
	case ProtocolRecovery:
		return "recovery"
	case ProtocolTree:
		return "tree_operation"
	case ProtocolCompaction:
		return "compaction"
	}
	return fmt.Sprintf("protocol(%d)", uint8(p))
}

// Bound returns the leakage of one run of p over n results, guardians,
// participants or quorum members: nothing external, log2(n) to neighbours
// and everything to the group.
func Bound(p Protocol, n int) Budget {
	return Budget{External: 0, Neighbour: log2(n), Group: Full}
}

func log2(n int) float64 {
	if n <= 1 {
		return 0
	}
	return math.Log2(float64(n))
}

// PrivacyViolationError reports an operation that would push a context's
// cumulative leakage past its budget.
type PrivacyViolationError struct {
	Context   ids.ContextID
	Operation string
	// Bound is the figure exceeded: external, neighbour or group.
	Bound   string
	Actual  float64
	Allowed float64
}

func (e *PrivacyViolationError) Error() string {
	return fmt.Sprintf("privacy violation in context %s: %s leakage %g exceeds %g (operation %s)",
		ids.Short(e.Context), e.Bound, e.Actual, e.Allowed, e.Operation)
}

func (e *PrivacyViolationError) Kind() journal.Kind { return journal.KindPolicy }

// Is matches journal.ErrBudgetExceeded.
func (e *PrivacyViolationError) Is(target error) bool { return target == journal.ErrBudgetExceeded }
