package proposal

import (
	"fmt"
	"maps"
	"slices"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/policy"
)

// Status is where a proposal stands.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusApproved
	StatusRejected
	StatusExpired
	StatusWithdrawn
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusExpired:
		return "expired"
	case StatusWithdrawn:
		return "withdrawn"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// IsTerminal reports whether no further fact changes a proposal in s.
func (s Status) IsTerminal() bool { return s != StatusPending }

// Vote is one approval or rejection.
type Vote struct {
	At   uint64
	Note string
}

// State is the reduction of one proposal's facts.
type State struct {
	ProposalID  string
	Context     ids.ContextID
	Proposer    ids.AuthorityID
	Operation   policy.Operation
	Data        []byte
	Threshold   policy.ApprovalThreshold
	CreatedAt   uint64
	ExpiresAt   uint64
	Description string

	Approvals  map[ids.AuthorityID]Vote
	Rejections map[ids.AuthorityID]Vote
	Status     Status
	Failure    *FailureReason
	Result     []byte
}

// NewState starts a pending proposal from its Created fact.
func NewState(f *Created) *State {
	return &State{
		ProposalID:  f.ProposalID,
		Context:     f.Context,
		Proposer:    f.Proposer,
		Operation:   f.Operation,
		Data:        slices.Clone(f.Data),
		Threshold:   f.Threshold,
		CreatedAt:   f.CreatedAt,
		ExpiresAt:   f.ExpiresAt,
		Description: f.Description,
		Approvals:   map[ids.AuthorityID]Vote{},
		Rejections:  map[ids.AuthorityID]Vote{},
		Status:      StatusPending,
	}
}

// Apply reduces f into s and reports whether s changed. Facts for other
// proposals, Created facts and any fact applied to a terminal state are
// ignored. An authority votes once; its later votes are ignored.
func (s *State) Apply(f Fact) bool {
	if f.Proposal() != s.ProposalID || s.Status.IsTerminal() {
		return false
	}
	switch f := f.(type) {
	case *Approved:
		if s.voted(f.Approver) {
			return false
		}
		s.Approvals[f.Approver] = Vote{At: f.ApprovedAt, Note: f.Comment}
	case *Rejected:
		if s.voted(f.Rejector) {
			return false
		}
		s.Rejections[f.Rejector] = Vote{At: f.RejectedAt, Note: f.Reason}
	case *Withdrawn:
		s.Status = StatusWithdrawn
	case *Completed:
		s.Status = StatusApproved
		s.Result = slices.Clone(f.Result)
	case *Failed:
		reason := f.Reason
		s.Failure = &reason
		if reason.Kind == FailExpired {
			s.Status = StatusExpired
		} else {
			s.Status = StatusRejected
		}
	default:
		return false
	}
	return true
}

func (s *State) voted(a ids.AuthorityID) bool {
	_, approved := s.Approvals[a]
	_, rejected := s.Rejections[a]
	return approved || rejected
}

// ThresholdMet evaluates the threshold without the eligible set. It is
// never true for Unanimous or Percentage thresholds; use
// ThresholdMetWithTotal to decide those.
func (s *State) ThresholdMet() bool {
	return s.Threshold.MetWithoutTotal(uint32(len(s.Approvals)))
}

// ThresholdMetWithTotal evaluates the threshold against totalEligible
// approvers.
func (s *State) ThresholdMetWithTotal(totalEligible int) bool {
	return s.Threshold.IsMet(uint32(len(s.Approvals)), uint32(totalEligible))
}

// Unreachable reports whether enough of totalEligible rejected that the
// threshold can no longer be met.
func (s *State) Unreachable(totalEligible int) bool {
	remaining := totalEligible - len(s.Rejections)
	return remaining < int(s.Threshold.Required(uint32(totalEligible)))
}

// IsExpired reports whether the proposal has an expiry at or before nowMs.
func (s *State) IsExpired(nowMs uint64) bool {
	return s.ExpiresAt != 0 && nowMs >= s.ExpiresAt
}

// IsPending reports whether the proposal is still open.
func (s *State) IsPending() bool { return s.Status == StatusPending }

// Approvers returns the approving authorities in id order.
func (s *State) Approvers() []ids.AuthorityID { return ids.Sorted(s.Approvals) }

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := *s
	c.Data = slices.Clone(s.Data)
	c.Result = slices.Clone(s.Result)
	c.Approvals = maps.Clone(s.Approvals)
	c.Rejections = maps.Clone(s.Rejections)
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	return &c
}
