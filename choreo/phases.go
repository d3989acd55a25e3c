package choreo

// DKDPhase is the position of a participant in a DKD session.
type DKDPhase uint8

const (
	DKDInitiated DKDPhase = iota
	DKDCommitting
	DKDRevealing
	DKDVerified
	DKDFinalized
	DKDFailed
)

var dkdPhaseNames = [...]string{"initiated", "committing", "revealing", "verified", "finalized", "failed"}

func (p DKDPhase) String() string {
	if int(p) < len(dkdPhaseNames) {
		return dkdPhaseNames[p]
	}
	return "unknown"
}

// NewDKDMachine returns the DKD participant machine.
func NewDKDMachine() *Machine[DKDPhase] {
	m := newMachine("dkd", DKDInitiated, DKDFinalized, DKDFailed)
	m.allow(DKDInitiated, DKDCommitting, nil)
	m.allow(DKDCommitting, DKDRevealing, requires[*CollectedCommitments]())
	m.allow(DKDRevealing, DKDVerified, requires[*VerifiedReveals]())
	m.allow(DKDVerified, DKDFinalized, requires[*DkdCompleted]())
	for _, p := range []DKDPhase{DKDInitiated, DKDCommitting, DKDRevealing, DKDVerified} {
		m.allow(p, DKDFailed, nil)
	}
	return m
}

// SigningPhase is the position of a FROST signing round.
type SigningPhase uint8

const (
	SigningIdle SigningPhase = iota
	SigningCommitmentPhase
	SigningAwaitingCommitments
	SigningSigningPhase
	SigningAwaitingShares
	SigningReadyToAggregate
	SigningComplete
	SigningFailed
)

var signingPhaseNames = [...]string{
	"idle", "commitment_phase", "awaiting_commitments", "signing_phase",
	"awaiting_shares", "ready_to_aggregate", "signature_complete", "signing_failed",
}

func (p SigningPhase) String() string {
	if int(p) < len(signingPhaseNames) {
		return signingPhaseNames[p]
	}
	return "unknown"
}

// NewSigningMachine returns the FROST signing machine.
func NewSigningMachine() *Machine[SigningPhase] {
	m := newMachine("frost-signing", SigningIdle, SigningComplete, SigningFailed)
	m.allow(SigningIdle, SigningCommitmentPhase, nil)
	m.allow(SigningCommitmentPhase, SigningAwaitingCommitments, nil)
	m.allow(SigningAwaitingCommitments, SigningSigningPhase, requires[*CommitmentThresholdMet]())
	m.allow(SigningSigningPhase, SigningAwaitingShares, nil)
	m.allow(SigningAwaitingShares, SigningReadyToAggregate, requires[*SignatureShareThresholdMet]())
	m.allow(SigningReadyToAggregate, SigningComplete, requires[*SignatureAggregated]())
	for p := SigningIdle; p < SigningComplete; p++ {
		m.allow(p, SigningFailed, nil)
	}
	return m
}

// KeyGenPhase is the position of a key generation.
type KeyGenPhase uint8

const (
	KeyGenInitializing KeyGenPhase = iota
	KeyGenInProgress
	KeyGenComplete
	KeyGenFailed
)

func (p KeyGenPhase) String() string {
	switch p {
	case KeyGenInitializing:
		return "keygen_initializing"
	case KeyGenInProgress:
		return "keygen_in_progress"
	case KeyGenComplete:
		return "keygen_complete"
	case KeyGenFailed:
		return "keygen_failed"
	default:
		return "unknown"
	}
}

// NewKeyGenMachine returns the key generation machine. Completion needs a
// signature by the new key.
func NewKeyGenMachine() *Machine[KeyGenPhase] {
	m := newMachine("frost-keygen", KeyGenInitializing, KeyGenComplete, KeyGenFailed)
	m.allow(KeyGenInitializing, KeyGenInProgress, nil)
	m.allow(KeyGenInProgress, KeyGenComplete, requires[*SignatureAggregated]())
	m.allow(KeyGenInitializing, KeyGenFailed, nil)
	m.allow(KeyGenInProgress, KeyGenFailed, nil)
	return m
}

// ResharingPhase is the position of a participant in a resharing.
type ResharingPhase uint8

const (
	ResharingInitializing ResharingPhase = iota
	// ResharingPhaseOne deals sub-shares.
	ResharingPhaseOne
	// ResharingPhaseTwo collects, verifies and acknowledges sub-shares.
	ResharingPhaseTwo
	ResharingComplete
	ResharingFailed
)

func (p ResharingPhase) String() string {
	switch p {
	case ResharingInitializing:
		return "resharing_initializing"
	case ResharingPhaseOne:
		return "phase_one"
	case ResharingPhaseTwo:
		return "phase_two"
	case ResharingComplete:
		return "resharing_complete"
	case ResharingFailed:
		return "resharing_failed"
	default:
		return "unknown"
	}
}

// NewResharingMachine returns the resharing machine.
func NewResharingMachine() *Machine[ResharingPhase] {
	m := newMachine("frost-resharing", ResharingInitializing, ResharingComplete, ResharingFailed)
	m.allow(ResharingInitializing, ResharingPhaseOne, nil)
	m.allow(ResharingInitializing, ResharingPhaseTwo, nil)
	m.allow(ResharingPhaseOne, ResharingPhaseTwo, nil)
	m.allow(ResharingPhaseOne, ResharingComplete, requires[*FrostResharingCompleted]())
	m.allow(ResharingPhaseTwo, ResharingComplete, requires[*FrostResharingCompleted]())
	for _, p := range []ResharingPhase{ResharingInitializing, ResharingPhaseOne, ResharingPhaseTwo} {
		m.allow(p, ResharingFailed, nil)
	}
	return m
}

// RecoveryPhase is the position of a recovery.
type RecoveryPhase uint8

const (
	RecoveryInitiated RecoveryPhase = iota
	RecoveryCollectingApprovals
	RecoveryApproved
	RecoveryExecuted
	RecoveryFailed
)

func (p RecoveryPhase) String() string {
	switch p {
	case RecoveryInitiated:
		return "initiated"
	case RecoveryCollectingApprovals:
		return "collecting_approvals"
	case RecoveryApproved:
		return "approved"
	case RecoveryExecuted:
		return "executed"
	case RecoveryFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NewRecoveryMachine returns the recovery machine.
func NewRecoveryMachine() *Machine[RecoveryPhase] {
	m := newMachine("recovery", RecoveryInitiated, RecoveryExecuted, RecoveryFailed)
	m.allow(RecoveryInitiated, RecoveryCollectingApprovals, nil)
	m.allow(RecoveryCollectingApprovals, RecoveryApproved, requires[*ApprovalThresholdMet]())
	m.allow(RecoveryApproved, RecoveryExecuted, requires[*SignatureAggregated]())
	for _, p := range []RecoveryPhase{RecoveryInitiated, RecoveryCollectingApprovals, RecoveryApproved} {
		m.allow(p, RecoveryFailed, nil)
	}
	return m
}
