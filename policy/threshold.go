package policy

import (
	"fmt"

	"github.com/f3rmion/aura/journal"
)

// ErrInvalidThreshold is returned for a threshold that can never be
// evaluated: a zero count, or a percentage outside 1 to 100.
var ErrInvalidThreshold = journal.NewKindError(journal.KindPolicy, "invalid approval threshold")

// RequirementKind selects who may approve a deferred operation.
type RequirementKind uint8

const (
	// RequireRole is met by holders of a named role.
	RequireRole RequirementKind = iota + 1
	// RequireAuthority is met by one named authority.
	RequireAuthority
	// RequireInitiator is met by the operation's initiator.
	RequireInitiator
	// RequireAnyMember is met by any member of the context.
	RequireAnyMember
)

// Requirement is a capability an approver must hold.
type Requirement struct {
	_ struct{} `cbor:",toarray"`

	Kind RequirementKind
	// Value is the role name or the authority id, depending on Kind.
	Value string
}

// Role is met by holders of the named role.
func Role(name string) Requirement { return Requirement{Kind: RequireRole, Value: name} }

// Authority is met by the authority with the given id.
func Authority(id string) Requirement { return Requirement{Kind: RequireAuthority, Value: id} }

func Initiator() Requirement { return Requirement{Kind: RequireInitiator} }

func AnyMember() Requirement { return Requirement{Kind: RequireAnyMember} }

func (r Requirement) String() string {
	switch r.Kind {
	case RequireRole:
		return "role:" + r.Value
	case RequireAuthority:
		return "authority:" + r.Value
	case RequireInitiator:
		return "initiator"
	case RequireAnyMember:
		return "any_member"
	}
	return fmt.Sprintf("requirement(%d)", uint8(r.Kind))
}

// ThresholdKind is the shape of an approval threshold.
type ThresholdKind uint8

const (
	ThresholdAny ThresholdKind = iota + 1
	ThresholdUnanimous
	ThresholdCount
	ThresholdPercentage
)

// ApprovalThreshold is how many approvals a deferred operation needs.
type ApprovalThreshold struct {
	_ struct{} `cbor:",toarray"`

	Kind ThresholdKind
	// Value is the required count for ThresholdCount and the percentage
	// (1 to 100) for ThresholdPercentage.
	Value uint32
}

// Any is met by a single approval.
func Any() ApprovalThreshold { return ApprovalThreshold{Kind: ThresholdAny} }

// Unanimous is met when every eligible approver approved.
func Unanimous() ApprovalThreshold { return ApprovalThreshold{Kind: ThresholdUnanimous} }

// AtLeast is met by k approvals.
func AtLeast(k uint32) ApprovalThreshold { return ApprovalThreshold{Kind: ThresholdCount, Value: k} }

// Percentage is met by ceil(total*p/100) approvals. p is clamped to 1
// to 100.
func Percentage(p uint8) ApprovalThreshold {
	return ApprovalThreshold{Kind: ThresholdPercentage, Value: uint32(min(max(p, 1), 100))}
}

// Validate rejects thresholds that are never or always trivially met.
func (t ApprovalThreshold) Validate() error {
	switch t.Kind {
	case ThresholdAny, ThresholdUnanimous:
		return nil
	case ThresholdCount:
		if t.Value == 0 {
			return fmt.Errorf("%w: zero count", ErrInvalidThreshold)
		}
		return nil
	case ThresholdPercentage:
		if t.Value < 1 || t.Value > 100 {
			return fmt.Errorf("%w: percentage %d", ErrInvalidThreshold, t.Value)
		}
		return nil
	}
	return fmt.Errorf("%w: kind %d", ErrInvalidThreshold, uint8(t.Kind))
}

// Required returns the number of approvals needed out of totalEligible.
func (t ApprovalThreshold) Required(totalEligible uint32) uint32 {
	switch t.Kind {
	case ThresholdAny:
		return 1
	case ThresholdUnanimous:
		return totalEligible
	case ThresholdCount:
		return t.Value
	case ThresholdPercentage:
		return (totalEligible*t.Value + 99) / 100
	}
	return totalEligible
}

// IsMet reports whether approvals out of totalEligible meet the threshold.
func (t ApprovalThreshold) IsMet(approvals, totalEligible uint32) bool {
	return approvals >= t.Required(totalEligible)
}

// MetWithoutTotal evaluates the threshold when the eligible set is not
// known. Unanimous and Percentage thresholds are never met this way; the
// caller decides completion with IsMet once the total is known.
func (t ApprovalThreshold) MetWithoutTotal(approvals uint32) bool {
	switch t.Kind {
	case ThresholdAny:
		return approvals >= 1
	case ThresholdCount:
		return approvals >= t.Value
	}
	return false
}

// NeedsTotal reports whether the threshold depends on the eligible set.
func (t ApprovalThreshold) NeedsTotal() bool {
	return t.Kind == ThresholdUnanimous || t.Kind == ThresholdPercentage
}

func (t ApprovalThreshold) String() string {
	switch t.Kind {
	case ThresholdAny:
		return "any"
	case ThresholdUnanimous:
		return "unanimous"
	case ThresholdCount:
		return fmt.Sprintf("threshold(%d)", t.Value)
	case ThresholdPercentage:
		return fmt.Sprintf("percentage(%d)", t.Value)
	}
	return fmt.Sprintf("approval_threshold(%d)", uint8(t.Kind))
}
