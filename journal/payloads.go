package journal

import (
	"github.com/f3rmion/aura/ids"
)

// Payload is one event variant.
type Payload interface {
	EventType() EventType
}

// SessionPayload is implemented by payloads that belong to a session.
type SessionPayload interface {
	Payload
	Session() ids.SessionID
}

var payloadTypes = map[EventType]func() Payload{
	TypeEpochTick:             func() Payload { return new(EpochTick) },
	TypeRequestOperationLock:  func() Payload { return new(RequestOperationLock) },
	TypeGrantOperationLock:    func() Payload { return new(GrantOperationLock) },
	TypeReleaseOperationLock:  func() Payload { return new(ReleaseOperationLock) },
	TypeInitiateDkdSession:    func() Payload { return new(InitiateDkdSession) },
	TypeRecordDkdCommitment:   func() Payload { return new(RecordDkdCommitment) },
	TypeRevealDkdPoint:        func() Payload { return new(RevealDkdPoint) },
	TypeFinalizeDkdSession:    func() Payload { return new(FinalizeDkdSession) },
	TypeAbortDkdSession:       func() Payload { return new(AbortDkdSession) },
	TypeInitiateResharing:     func() Payload { return new(InitiateResharing) },
	TypeDistributeSubShare:    func() Payload { return new(DistributeSubShare) },
	TypeAcknowledgeSubShare:   func() Payload { return new(AcknowledgeSubShare) },
	TypeFinalizeResharing:     func() Payload { return new(FinalizeResharing) },
	TypeAbortResharing:        func() Payload { return new(AbortResharing) },
	TypeInitiateRecovery:      func() Payload { return new(InitiateRecovery) },
	TypeApproveRecovery:       func() Payload { return new(ApproveRecovery) },
	TypeExecuteRecovery:       func() Payload { return new(ExecuteRecovery) },
	TypeAbortRecovery:         func() Payload { return new(AbortRecovery) },
	TypeProposeCompaction:     func() Payload { return new(ProposeCompaction) },
	TypeAcknowledgeCompaction: func() Payload { return new(AcknowledgeCompaction) },
	TypeCommitCompaction:      func() Payload { return new(CommitCompaction) },
	TypeAddDevice:             func() Payload { return new(AddDevice) },
	TypeRemoveDevice:          func() Payload { return new(RemoveDevice) },
	TypeAddGuardian:           func() Payload { return new(AddGuardian) },
	TypeRemoveGuardian:        func() Payload { return new(RemoveGuardian) },
	TypeSessionFailed:         func() Payload { return new(SessionFailed) },
	TypeChannelEpochBump:      func() Payload { return new(ChannelEpochBump) },
	TypeReportNonceReuse:      func() Payload { return new(ReportNonceReuse) },
}

// OperationType names a mutating ceremony guarded by the operation lock.
type OperationType uint8

const (
	OpDKD OperationType = iota + 1
	OpResharing
	OpRecovery
	OpCompaction
)

func (o OperationType) String() string {
	switch o {
	case OpDKD:
		return "dkd"
	case OpResharing:
		return "resharing"
	case OpRecovery:
		return "recovery"
	case OpCompaction:
		return "compaction"
	default:
		return "unknown"
	}
}

// RequiresLock reports whether sessions of this operation hold the account
// operation lock. DKD sessions are per context and resolve races by the
// session-id tie-break instead.
func (o OperationType) RequiresLock() bool {
	return o == OpResharing || o == OpRecovery || o == OpCompaction
}

// AbortKind classifies why a session was aborted.
type AbortKind uint8

const (
	AbortTimeout AbortKind = iota + 1
	AbortByzantine
	AbortCollisionDetected
	AbortSuperseded
	AbortDeliveryFailure
	AbortTestSignatureFailed
	AbortInsufficientApprovals
	AbortVerificationFailed
	AbortUserCancelled
)

var abortNames = map[AbortKind]string{
	AbortTimeout:               "timeout",
	AbortByzantine:             "byzantine",
	AbortCollisionDetected:     "collision_detected",
	AbortSuperseded:            "superseded",
	AbortDeliveryFailure:       "delivery_failure",
	AbortTestSignatureFailed:   "test_signature_failed",
	AbortInsufficientApprovals: "insufficient_approvals",
	AbortVerificationFailed:    "verification_failed",
	AbortUserCancelled:         "user_cancelled",
}

func (k AbortKind) String() string {
	if name, ok := abortNames[k]; ok {
		return name
	}
	return "unknown"
}

// AbortReason explains a session abort. Device is set for Byzantine aborts;
// Missing lists devices that failed to deliver.
type AbortReason struct {
	_ struct{} `cbor:",toarray"`

	Kind    AbortKind
	Device  *ids.DeviceID
	Details string
	Missing []ids.DeviceID
}

// EpochTick advances the Lamport clock while the account is idle.
type EpochTick struct {
	_ struct{} `cbor:",toarray"`

	NewEpoch     uint64
	EvidenceHash ids.Hash
}

type RequestOperationLock struct {
	_ struct{} `cbor:",toarray"`

	Operation     OperationType
	SessionID     ids.SessionID
	DeviceID      ids.DeviceID
	LotteryTicket ids.Hash
}

type GrantOperationLock struct {
	_ struct{} `cbor:",toarray"`

	Operation      OperationType
	SessionID      ids.SessionID
	Winner         ids.DeviceID
	GrantedAtEpoch uint64
}

type ReleaseOperationLock struct {
	_ struct{} `cbor:",toarray"`

	Operation OperationType
	SessionID ids.SessionID
	DeviceID  ids.DeviceID
}

type InitiateDkdSession struct {
	_ struct{} `cbor:",toarray"`

	SessionID    ids.SessionID
	ContextID    ids.ContextID
	Threshold    uint16
	Participants []ids.DeviceID
	StartEpoch   uint64
	TTLEpochs    uint64
}

type RecordDkdCommitment struct {
	_ struct{} `cbor:",toarray"`

	SessionID  ids.SessionID
	DeviceID   ids.DeviceID
	Commitment ids.Hash
}

type RevealDkdPoint struct {
	_ struct{} `cbor:",toarray"`

	SessionID ids.SessionID
	DeviceID  ids.DeviceID
	Point     []byte
}

type FinalizeDkdSession struct {
	_ struct{} `cbor:",toarray"`

	SessionID         ids.SessionID
	SeedFingerprint   ids.Hash
	CommitmentRoot    ids.Hash
	DerivedIdentityPK []byte
}

type AbortDkdSession struct {
	_ struct{} `cbor:",toarray"`

	SessionID ids.SessionID
	Reason    AbortReason
}

type InitiateResharing struct {
	_ struct{} `cbor:",toarray"`

	SessionID       ids.SessionID
	OldThreshold    uint16
	NewThreshold    uint16
	OldParticipants []ids.DeviceID
	NewParticipants []ids.DeviceID
	StartEpoch      uint64
	TTLEpochs       uint64
}

// DistributeSubShare records that a dealer sent a sealed sub-share to a
// recipient. The sub-share itself travels over the transport.
type DistributeSubShare struct {
	_ struct{} `cbor:",toarray"`

	SessionID         ids.SessionID
	From              ids.DeviceID
	To                ids.DeviceID
	EncryptedSubShare []byte
}

type AcknowledgeSubShare struct {
	_ struct{} `cbor:",toarray"`

	SessionID    ids.SessionID
	From         ids.DeviceID
	To           ids.DeviceID
	AckSignature []byte
}

// FinalizeResharing installs the new key. PublicShares lists the public
// key share of each new participant in share index order.
type FinalizeResharing struct {
	_ struct{} `cbor:",toarray"`

	SessionID         ids.SessionID
	NewGroupPublicKey []byte
	NewThreshold      uint16
	TestSignature     []byte
	PublicShares      [][]byte
}

type AbortResharing struct {
	_ struct{} `cbor:",toarray"`

	SessionID ids.SessionID
	Reason    AbortReason
}

type InitiateRecovery struct {
	_ struct{} `cbor:",toarray"`

	SessionID         ids.SessionID
	NewDeviceID       ids.DeviceID
	NewDevicePK       []byte
	RequiredGuardians []ids.GuardianID
	QuorumThreshold   uint16
	CooldownSeconds   uint64
	StartEpoch        uint64
	TTLEpochs         uint64
}

// ApproveRecovery carries a guardian's signature over RecoveryMessage.
type ApproveRecovery struct {
	_ struct{} `cbor:",toarray"`

	SessionID         ids.SessionID
	GuardianID        ids.GuardianID
	ApprovalSignature []byte
}

// ExecuteRecovery installs a new group key held by Participants, in share
// index order. Active devices not listed are removed.
type ExecuteRecovery struct {
	_ struct{} `cbor:",toarray"`

	SessionID         ids.SessionID
	NewGroupPublicKey []byte
	NewThreshold      uint16
	Participants      []ids.DeviceID
	TestSignature     []byte
	PublicShares      [][]byte
}

type AbortRecovery struct {
	_ struct{} `cbor:",toarray"`

	SessionID ids.SessionID
	Reason    AbortReason
}

type ProposeCompaction struct {
	_ struct{} `cbor:",toarray"`

	SessionID      ids.SessionID
	BeforeEpoch    uint64
	Preserve       []ids.SessionID
	AffectedEvents uint64
	Proposer       ids.DeviceID
	StartEpoch     uint64
	TTLEpochs      uint64
}

// AcknowledgeCompaction asserts whether the device holds the commitment
// proofs it needs once history before the cut is gone.
type AcknowledgeCompaction struct {
	_ struct{} `cbor:",toarray"`

	SessionID ids.SessionID
	DeviceID  ids.DeviceID
	HasProofs bool
}

type CommitCompaction struct {
	_ struct{} `cbor:",toarray"`

	SessionID    ids.SessionID
	BeforeEpoch  uint64
	Preserved    []ids.SessionID
	Acknowledged []ids.DeviceID
}

// DeviceType describes the platform of a device.
type DeviceType uint8

const (
	DeviceNative DeviceType = iota + 1
	DeviceBrowser
	DeviceHardware
)

type AddDevice struct {
	_ struct{} `cbor:",toarray"`

	DeviceID   ids.DeviceID
	Name       string
	Type       DeviceType
	PublicKey  []byte
	ShareIndex uint16
}

type RemoveDevice struct {
	_ struct{} `cbor:",toarray"`

	DeviceID ids.DeviceID
	Reason   string
}

type AddGuardian struct {
	_ struct{} `cbor:",toarray"`

	GuardianID  ids.GuardianID
	Name        string
	ContactInfo string
	PublicKey   []byte
	// GuardianThreshold replaces the account's guardian threshold; zero
	// keeps it.
	GuardianThreshold uint16
}

type RemoveGuardian struct {
	_ struct{} `cbor:",toarray"`

	GuardianID ids.GuardianID
	Reason     string
	// GuardianThreshold replaces the account's guardian threshold; zero
	// keeps it, which fails when too few guardians remain.
	GuardianThreshold uint16
}

// SessionFailed records a cancelled or failed session. Blamed names the
// offending device, if any.
type SessionFailed struct {
	_ struct{} `cbor:",toarray"`

	SessionID ids.SessionID
	Reason    string
	Blamed    *ids.DeviceID
}

// ChannelEpochBump is the account-level record of a committed AMP channel
// epoch bump.
type ChannelEpochBump struct {
	_ struct{} `cbor:",toarray"`

	ContextID   ids.ContextID
	ChannelID   ids.ChannelID
	ParentEpoch uint64
	NewEpoch    uint64
	BumpID      ids.Hash
}

// ReportNonceReuse proves that DeviceID signed two different events under
// one nonce. First and Second are the encoded events.
type ReportNonceReuse struct {
	_ struct{} `cbor:",toarray"`

	DeviceID ids.DeviceID
	First    []byte
	Second   []byte
}

func (*EpochTick) EventType() EventType             { return TypeEpochTick }
func (*RequestOperationLock) EventType() EventType  { return TypeRequestOperationLock }
func (*GrantOperationLock) EventType() EventType    { return TypeGrantOperationLock }
func (*ReleaseOperationLock) EventType() EventType  { return TypeReleaseOperationLock }
func (*InitiateDkdSession) EventType() EventType    { return TypeInitiateDkdSession }
func (*RecordDkdCommitment) EventType() EventType   { return TypeRecordDkdCommitment }
func (*RevealDkdPoint) EventType() EventType        { return TypeRevealDkdPoint }
func (*FinalizeDkdSession) EventType() EventType    { return TypeFinalizeDkdSession }
func (*AbortDkdSession) EventType() EventType       { return TypeAbortDkdSession }
func (*InitiateResharing) EventType() EventType     { return TypeInitiateResharing }
func (*DistributeSubShare) EventType() EventType    { return TypeDistributeSubShare }
func (*AcknowledgeSubShare) EventType() EventType   { return TypeAcknowledgeSubShare }
func (*FinalizeResharing) EventType() EventType     { return TypeFinalizeResharing }
func (*AbortResharing) EventType() EventType        { return TypeAbortResharing }
func (*InitiateRecovery) EventType() EventType      { return TypeInitiateRecovery }
func (*ApproveRecovery) EventType() EventType       { return TypeApproveRecovery }
func (*ExecuteRecovery) EventType() EventType       { return TypeExecuteRecovery }
func (*AbortRecovery) EventType() EventType         { return TypeAbortRecovery }
func (*ProposeCompaction) EventType() EventType     { return TypeProposeCompaction }
func (*AcknowledgeCompaction) EventType() EventType { return TypeAcknowledgeCompaction }
func (*CommitCompaction) EventType() EventType      { return TypeCommitCompaction }
func (*AddDevice) EventType() EventType             { return TypeAddDevice }
func (*RemoveDevice) EventType() EventType          { return TypeRemoveDevice }
func (*AddGuardian) EventType() EventType           { return TypeAddGuardian }
func (*RemoveGuardian) EventType() EventType        { return TypeRemoveGuardian }
func (*SessionFailed) EventType() EventType         { return TypeSessionFailed }
func (*ChannelEpochBump) EventType() EventType      { return TypeChannelEpochBump }
func (*ReportNonceReuse) EventType() EventType      { return TypeReportNonceReuse }

func (p *RequestOperationLock) Session() ids.SessionID  { return p.SessionID }
func (p *GrantOperationLock) Session() ids.SessionID    { return p.SessionID }
func (p *ReleaseOperationLock) Session() ids.SessionID  { return p.SessionID }
func (p *InitiateDkdSession) Session() ids.SessionID    { return p.SessionID }
func (p *RecordDkdCommitment) Session() ids.SessionID   { return p.SessionID }
func (p *RevealDkdPoint) Session() ids.SessionID        { return p.SessionID }
func (p *FinalizeDkdSession) Session() ids.SessionID    { return p.SessionID }
func (p *AbortDkdSession) Session() ids.SessionID       { return p.SessionID }
func (p *InitiateResharing) Session() ids.SessionID     { return p.SessionID }
func (p *DistributeSubShare) Session() ids.SessionID    { return p.SessionID }
func (p *AcknowledgeSubShare) Session() ids.SessionID   { return p.SessionID }
func (p *FinalizeResharing) Session() ids.SessionID     { return p.SessionID }
func (p *AbortResharing) Session() ids.SessionID        { return p.SessionID }
func (p *InitiateRecovery) Session() ids.SessionID      { return p.SessionID }
func (p *ApproveRecovery) Session() ids.SessionID       { return p.SessionID }
func (p *ExecuteRecovery) Session() ids.SessionID       { return p.SessionID }
func (p *AbortRecovery) Session() ids.SessionID         { return p.SessionID }
func (p *ProposeCompaction) Session() ids.SessionID     { return p.SessionID }
func (p *AcknowledgeCompaction) Session() ids.SessionID { return p.SessionID }
func (p *CommitCompaction) Session() ids.SessionID      { return p.SessionID }
func (p *SessionFailed) Session() ids.SessionID         { return p.SessionID }
