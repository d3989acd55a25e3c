package journal

import (
	"maps"
	"slices"

	"github.com/f3rmion/aura/ids"
)

// ProtocolType names the protocol a session runs.
type ProtocolType uint8

const (
	ProtocolDKD ProtocolType = iota + 1
	ProtocolResharing
	ProtocolRecovery
	ProtocolCompaction
)

func (p ProtocolType) String() string {
	switch p {
	case ProtocolDKD:
		return "dkd"
	case ProtocolResharing:
		return "resharing"
	case ProtocolRecovery:
		return "recovery"
	case ProtocolCompaction:
		return "compaction"
	default:
		return "unknown"
	}
}

// Operation returns the lock operation of the protocol.
func (p ProtocolType) Operation() OperationType {
	switch p {
	case ProtocolResharing:
		return OpResharing
	case ProtocolRecovery:
		return OpRecovery
	case ProtocolCompaction:
		return OpCompaction
	default:
		return OpDKD
	}
}

// SessionStatus is the lifecycle position of a session.
type SessionStatus uint8

const (
	StatusActive SessionStatus = iota + 1
	StatusCompleted
	StatusFailed
	StatusExpired
)

func (s SessionStatus) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool { return s != StatusActive }

// OutcomeKind classifies how a session ended.
type OutcomeKind uint8

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeAborted
	OutcomeExpired
	OutcomeCancelled
)

// SessionOutcome describes a terminal session.
type SessionOutcome struct {
	_ struct{} `cbor:",toarray"`

	Kind   OutcomeKind
	Reason AbortReason
	// Result is protocol specific: the derived key of a DKD session or the
	// new group key of a resharing or recovery.
	Result []byte
}

// DKDProgress is the reduction of a DKD session's commit and reveal facts.
type DKDProgress struct {
	_ struct{} `cbor:",toarray"`

	Commitments map[ids.DeviceID]ids.Hash
	Reveals     map[ids.DeviceID][]byte
}

// CommittedAuthors returns the devices that committed, in order.
func (p *DKDProgress) CommittedAuthors() []ids.DeviceID {
	return ids.Sorted(p.Commitments)
}

// ResharingProgress tracks sub-share delivery of a resharing session.
type ResharingProgress struct {
	_ struct{} `cbor:",toarray"`

	OldThreshold    uint16
	NewThreshold    uint16
	OldParticipants []ids.DeviceID
	NewParticipants []ids.DeviceID
	// Distributed maps recipient to the dealers that sent it a sub-share.
	Distributed map[ids.DeviceID][]ids.DeviceID
	// Acknowledged maps recipient to the dealers whose sub-share it
	// acknowledged.
	Acknowledged map[ids.DeviceID][]ids.DeviceID
}

// Dealers returns every device that distributed at least one sub-share.
func (p *ResharingProgress) Dealers() []ids.DeviceID {
	set := map[ids.DeviceID]struct{}{}
	for _, from := range p.Distributed {
		for _, d := range from {
			set[d] = struct{}{}
		}
	}
	return ids.Sorted(set)
}

// MissingAcks returns recipients that have not acknowledged every dealer.
func (p *ResharingProgress) MissingAcks() []ids.DeviceID {
	dealers := p.Dealers()
	var missing []ids.DeviceID
	for _, to := range p.NewParticipants {
		acked := p.Acknowledged[to]
		for _, d := range dealers {
			if !slices.Contains(acked, d) {
				missing = append(missing, to)
				break
			}
		}
	}
	return missing
}

// RecoveryProgress tracks guardian approvals of a recovery session.
type RecoveryProgress struct {
	_ struct{} `cbor:",toarray"`

	NewDeviceID       ids.DeviceID
	NewDevicePK       []byte
	RequiredGuardians []ids.GuardianID
	QuorumThreshold   uint16
	CooldownSeconds   uint64
	// Approvals maps guardian to the timestamp of its approval.
	Approvals map[ids.GuardianID]uint64
}

// CompactionProgress tracks acknowledgements of a compaction proposal.
type CompactionProgress struct {
	_ struct{} `cbor:",toarray"`

	BeforeEpoch    uint64
	Preserve       []ids.SessionID
	AffectedEvents uint64
	Proposer       ids.DeviceID
	// Acks maps device to whether it holds the required proofs.
	Acks map[ids.DeviceID]bool
}

// Ready returns the devices that acknowledged with proofs, in order.
func (p *CompactionProgress) Ready() []ids.DeviceID {
	var out []ids.DeviceID
	for _, id := range ids.Sorted(p.Acks) {
		if p.Acks[id] {
			out = append(out, id)
		}
	}
	return out
}

// SessionRecord indexes one protocol instance. Exactly one progress field
// matching Protocol is set.
type SessionRecord struct {
	_ struct{} `cbor:",toarray"`

	SessionID    ids.SessionID
	Protocol     ProtocolType
	ContextID    ids.ContextID
	Participants []ids.DeviceID
	Threshold    uint16
	StartEpoch   uint64
	TTLEpochs    uint64
	Status       SessionStatus
	Outcome      *SessionOutcome
	StartedAt    uint64
	// PhaseStarted is set once any event past initiation is recorded.
	PhaseStarted bool

	DKD        *DKDProgress
	Resharing  *ResharingProgress
	Recovery   *RecoveryProgress
	Compaction *CompactionProgress
}

// IsTerminal reports whether the session is no longer active.
func (r *SessionRecord) IsTerminal() bool { return r.Status.Terminal() }

// ExpiredAt reports whether the session outlived its TTL at clock.
func (r *SessionRecord) ExpiredAt(clock uint64) bool {
	return clock > r.StartEpoch && clock-r.StartEpoch > r.TTLEpochs
}

// Clone returns a deep copy of r.
func (r *SessionRecord) Clone() *SessionRecord {
	c := *r
	c.Participants = slices.Clone(r.Participants)
	if r.Outcome != nil {
		o := *r.Outcome
		o.Result = slices.Clone(r.Outcome.Result)
		o.Reason.Missing = slices.Clone(r.Outcome.Reason.Missing)
		c.Outcome = &o
	}
	if r.DKD != nil {
		c.DKD = &DKDProgress{
			Commitments: maps.Clone(r.DKD.Commitments),
			Reveals:     make(map[ids.DeviceID][]byte, len(r.DKD.Reveals)),
		}
		for id, p := range r.DKD.Reveals {
			c.DKD.Reveals[id] = slices.Clone(p)
		}
	}
	if r.Resharing != nil {
		rs := *r.Resharing
		rs.OldParticipants = slices.Clone(r.Resharing.OldParticipants)
		rs.NewParticipants = slices.Clone(r.Resharing.NewParticipants)
		rs.Distributed = cloneEdges(r.Resharing.Distributed)
		rs.Acknowledged = cloneEdges(r.Resharing.Acknowledged)
		c.Resharing = &rs
	}
	if r.Recovery != nil {
		rc := *r.Recovery
		rc.NewDevicePK = slices.Clone(r.Recovery.NewDevicePK)
		rc.RequiredGuardians = slices.Clone(r.Recovery.RequiredGuardians)
		rc.Approvals = maps.Clone(r.Recovery.Approvals)
		c.Recovery = &rc
	}
	if r.Compaction != nil {
		cp := *r.Compaction
		cp.Preserve = slices.Clone(r.Compaction.Preserve)
		cp.Acks = maps.Clone(r.Compaction.Acks)
		c.Compaction = &cp
	}
	return &c
}

func cloneEdges(m map[ids.DeviceID][]ids.DeviceID) map[ids.DeviceID][]ids.DeviceID {
	out := make(map[ids.DeviceID][]ids.DeviceID, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

func (r *SessionRecord) ensureMaps() {
	if r.DKD != nil {
		if r.DKD.Commitments == nil {
			r.DKD.Commitments = map[ids.DeviceID]ids.Hash{}
		}
		if r.DKD.Reveals == nil {
			r.DKD.Reveals = map[ids.DeviceID][]byte{}
		}
	}
	if r.Resharing != nil {
		if r.Resharing.Distributed == nil {
			r.Resharing.Distributed = map[ids.DeviceID][]ids.DeviceID{}
		}
		if r.Resharing.Acknowledged == nil {
			r.Resharing.Acknowledged = map[ids.DeviceID][]ids.DeviceID{}
		}
	}
	if r.Recovery != nil && r.Recovery.Approvals == nil {
		r.Recovery.Approvals = map[ids.GuardianID]uint64{}
	}
	if r.Compaction != nil && r.Compaction.Acks == nil {
		r.Compaction.Acks = map[ids.DeviceID]bool{}
	}
}

func (r *SessionRecord) finish(status SessionStatus, outcome SessionOutcome) {
	r.Status = status
	r.Outcome = &outcome
}
