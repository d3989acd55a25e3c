// Package proposal tracks deferred operations from creation to a terminal
// outcome. Votes and outcomes are facts; a proposal's State is the
// reduction of its facts, and a Manager records facts and decides when a
// proposal completes or expires.
package proposal

import (
	"fmt"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/policy"
)

// FactType tags a proposal fact.
type FactType uint8

const (
	FactCreated FactType = iota + 1
	FactApproved
	FactRejected
	FactWithdrawn
	FactCompleted
	FactFailed
)

func (t FactType) String() string {
	switch t {
	case FactCreated:
		return "created"
	case FactApproved:
		return "approved"
	case FactRejected:
		return "rejected"
	case FactWithdrawn:
		return "withdrawn"
	case FactCompleted:
		return "completed"
	case FactFailed:
		return "failed"
	}
	return fmt.Sprintf("fact(%d)", uint8(t))
}

// Fact is one proposal state change.
type Fact interface {
	Type() FactType
	Proposal() string
	Timestamp() uint64
}

// Created opens a proposal for a deferred operation.
type Created struct {
	_ struct{} `cbor:",toarray"`

	Context    ids.ContextID
	ProposalID string
	Proposer   ids.AuthorityID
	Operation  policy.Operation
	// Data is the serialized operation, opaque to this package.
	Data        []byte
	Threshold   policy.ApprovalThreshold
	CreatedAt   uint64
	ExpiresAt   uint64 // zero means never
	Description string
}

// Approved casts an approval.
type Approved struct {
	_ struct{} `cbor:",toarray"`

	ProposalID string
	Approver   ids.AuthorityID
	ApprovedAt uint64
	Comment    string
}

// Rejected casts a rejection.
type Rejected struct {
	_ struct{} `cbor:",toarray"`

	ProposalID string
	Rejector   ids.AuthorityID
	RejectedAt uint64
	Reason     string
}

// Withdrawn is recorded when the proposer withdraws.
type Withdrawn struct {
	_ struct{} `cbor:",toarray"`

	ProposalID  string
	Withdrawer  ids.AuthorityID
	WithdrawnAt uint64
	Reason      string
}

// Completed is recorded once the approval threshold is met.
type Completed struct {
	_ struct{} `cbor:",toarray"`

	ProposalID  string
	CompletedAt uint64
	Approvers   []ids.AuthorityID
	Result      []byte
}

// Failed is recorded when a proposal cannot complete.
type Failed struct {
	_ struct{} `cbor:",toarray"`

	ProposalID string
	FailedAt   uint64
	Reason     FailureReason
}

func (*Created) Type() FactType   { return FactCreated }
func (*Approved) Type() FactType  { return FactApproved }
func (*Rejected) Type() FactType  { return FactRejected }
func (*Withdrawn) Type() FactType { return FactWithdrawn }
func (*Completed) Type() FactType { return FactCompleted }
func (*Failed) Type() FactType    { return FactFailed }

func (f *Created) Proposal() string   { return f.ProposalID }
func (f *Approved) Proposal() string  { return f.ProposalID }
func (f *Rejected) Proposal() string  { return f.ProposalID }
func (f *Withdrawn) Proposal() string { return f.ProposalID }
func (f *Completed) Proposal() string { return f.ProposalID }
func (f *Failed) Proposal() string    { return f.ProposalID }

func (f *Created) Timestamp() uint64   { return f.CreatedAt }
func (f *Approved) Timestamp() uint64  { return f.ApprovedAt }
func (f *Rejected) Timestamp() uint64  { return f.RejectedAt }
func (f *Withdrawn) Timestamp() uint64 { return f.WithdrawnAt }
func (f *Completed) Timestamp() uint64 { return f.CompletedAt }
func (f *Failed) Timestamp() uint64    { return f.FailedAt }

// IsTerminal reports whether f ends its proposal.
func IsTerminal(f Fact) bool {
	switch f.Type() {
	case FactWithdrawn, FactCompleted, FactFailed:
		return true
	}
	return false
}

// FailureKind says why a proposal failed.
type FailureKind uint8

const (
	FailExpired FailureKind = iota + 1
	FailRejected
	FailVetoed
	FailContextGone
	FailPermissionLost
	FailOperationInvalid
)

func (k FailureKind) String() string {
	switch k {
	case FailExpired:
		return "expired"
	case FailRejected:
		return "rejected"
	case FailVetoed:
		return "vetoed"
	case FailContextGone:
		return "context_gone"
	case FailPermissionLost:
		return "permission_lost"
	case FailOperationInvalid:
		return "operation_invalid"
	}
	return fmt.Sprintf("failure(%d)", uint8(k))
}

// FailureReason is the reason carried by a Failed fact. Vetoer is set for
// FailVetoed and Details for FailOperationInvalid.
type FailureReason struct {
	_ struct{} `cbor:",toarray"`

	Kind    FailureKind
	Vetoer  *ids.AuthorityID
	Details string
}

func (r FailureReason) String() string {
	if r.Details != "" {
		return r.Kind.String() + ": " + r.Details
	}
	return r.Kind.String()
}
