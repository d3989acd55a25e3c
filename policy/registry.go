package policy

import (
	"slices"
	"sync"

	"github.com/f3rmion/aura/ids"
)

const hourMs = 60 * 60 * 1000

// Timing is when an operation's effect is applied.
type Timing uint8

const (
	// Immediate effects apply locally at once and sync in the background.
	Immediate Timing = iota + 1
	// Deferred effects wait for an approval threshold within a timeout.
	Deferred
	// Blocking effects wait for a ceremony.
	Blocking
)

func (t Timing) String() string {
	switch t {
	case Immediate:
		return "immediate"
	case Deferred:
		return "deferred"
	case Blocking:
		return "blocking"
	}
	return "unknown"
}

// EffectTiming is a timing together with its parameters: approvers,
// threshold and timeout for Deferred, the ceremony for Blocking.
type EffectTiming struct {
	Timing    Timing
	Approvers []Requirement
	Threshold ApprovalThreshold
	TimeoutMs uint64
	Ceremony  Ceremony
}

// ImmediateTiming applies at once.
func ImmediateTiming() EffectTiming { return EffectTiming{Timing: Immediate} }

// DeferredSingleAdmin waits for any one admin within hours.
func DeferredSingleAdmin(hours uint64) EffectTiming {
	return EffectTiming{Timing: Deferred, Approvers: []Requirement{Role("admin")}, Threshold: Any(), TimeoutMs: hours * hourMs}
}

// DeferredUnanimousAdmin waits for every admin within hours.
func DeferredUnanimousAdmin(hours uint64) EffectTiming {
	return EffectTiming{Timing: Deferred, Approvers: []Requirement{Role("admin")}, Threshold: Unanimous(), TimeoutMs: hours * hourMs}
}

// BlockingOn waits for ceremony c.
func BlockingOn(c Ceremony) EffectTiming { return EffectTiming{Timing: Blocking, Ceremony: c} }

func (t EffectTiming) clone() EffectTiming {
	t.Approvers = slices.Clone(t.Approvers)
	return t
}

// Policy is the resolved timing of an operation with its security level.
type Policy struct {
	Operation Operation
	Timing    EffectTiming
	Level     SecurityLevel
}

// DecisionKind is what a caller does with an operation.
type DecisionKind uint8

const (
	ApplyImmediate DecisionKind = iota + 1
	CreateProposal
	RunCeremony
)

func (k DecisionKind) String() string {
	switch k {
	case ApplyImmediate:
		return "apply_immediate"
	case CreateProposal:
		return "create_proposal"
	case RunCeremony:
		return "run_ceremony"
	}
	return "unknown"
}

// Decision tells the caller how to proceed with an operation.
type Decision struct {
	Kind      DecisionKind
	Approvers []Requirement
	Threshold ApprovalThreshold
	TimeoutMs uint64
	Ceremony  Ceremony
}

// DecisionFor converts a timing into a decision.
func DecisionFor(t EffectTiming) Decision {
	switch t.Timing {
	case Immediate:
		return Decision{Kind: ApplyImmediate}
	case Deferred:
		return Decision{Kind: CreateProposal, Approvers: slices.Clone(t.Approvers), Threshold: t.Threshold, TimeoutMs: t.TimeoutMs}
	default:
		return Decision{Kind: RunCeremony, Ceremony: t.Ceremony}
	}
}

type overrideKey struct {
	context   ids.ContextID
	operation Operation
}

// Registry maps operations to timings. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	defaults  map[Operation]EffectTiming
	overrides map[overrideKey]EffectTiming
}

// NewRegistry returns a registry without defaults; every lookup falls back
// to the operation's security level.
func NewRegistry() *Registry {
	return &Registry{
		defaults:  map[Operation]EffectTiming{},
		overrides: map[overrideKey]EffectTiming{},
	}
}

// DefaultRegistry returns a registry carrying the default timing of every
// operation.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, op := range []Operation{
		OpSendMessage, OpEditMessage, OpDeleteMessage, OpReactToMessage,
		OpCreateChannel, OpUpdateChannelTopic, OpPinMessage,
		OpBlockContact, OpUnblockContact, OpSetContactNickname,
		OpUpdateProfile, OpUpdatePreferences,
	} {
		r.SetDefault(op, ImmediateTiming())
	}

	for _, op := range []Operation{OpArchiveChannel, OpAddChannelMember, OpRemoveChannelMember, OpChangeChannelPermissions} {
		r.SetDefault(op, DeferredSingleAdmin(24))
	}
	r.SetDefault(OpJoinSocialBlock, DeferredSingleAdmin(48))
	r.SetDefault(OpProposeBlockAdjacency, DeferredSingleAdmin(48))

	r.SetDefault(OpDeleteChannel, DeferredUnanimousAdmin(24))
	r.SetDefault(OpRemoveGroupMember, DeferredUnanimousAdmin(24))
	r.SetDefault(OpTransferChannelOwnership, EffectTiming{
		Timing:    Deferred,
		Approvers: []Requirement{Role("owner")},
		Threshold: Unanimous(),
		TimeoutMs: 7 * 24 * hourMs,
	})

	r.SetDefault(OpAddContact, BlockingOn(CeremonyInvitation))
	r.SetDefault(OpAddDevice, BlockingOn(CeremonyInvitation))
	r.SetDefault(OpCreateGroup, BlockingOn(CeremonyGroupMembership))
	r.SetDefault(OpAddGroupMember, BlockingOn(CeremonyGroupMembership))
	r.SetDefault(OpRotateGuardians, BlockingOn(CeremonyGuardianRotation))
	r.SetDefault(OpRevokeDevice, BlockingOn(CeremonyGuardianRotation))
	r.SetDefault(OpExecuteRecovery, BlockingOn(CeremonyRecovery))
	r.SetDefault(OpApproveRecovery, BlockingOn(CeremonyRecovery))
	r.SetDefault(OpProposeOTAUpdate, BlockingOn(CeremonyOTAActivation))
	r.SetDefault(OpActivateOTA, BlockingOn(CeremonyOTAActivation))
	return r
}

// SetDefault sets op's timing for every context without an override.
func (r *Registry) SetDefault(op Operation, t EffectTiming) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[op] = t.clone()
}

// SetOverride sets op's timing within one context.
func (r *Registry) SetOverride(context ids.ContextID, op Operation, t EffectTiming) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[overrideKey{context, op}] = t.clone()
}

// RemoveOverride drops op's override within context.
func (r *Registry) RemoveOverride(context ids.ContextID, op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, overrideKey{context, op})
}

// Timing resolves op's timing: the override for context when one is given
// and set, then the operation default, then the security-level fallback.
func (r *Registry) Timing(op Operation, context *ids.ContextID) EffectTiming {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if context != nil {
		if t, ok := r.overrides[overrideKey{*context, op}]; ok {
			return t.clone()
		}
	}
	if t, ok := r.defaults[op]; ok {
		return t.clone()
	}
	return Fallback(op.SecurityLevel())
}

// Policy resolves op's full policy.
func (r *Registry) Policy(op Operation, context *ids.ContextID) Policy {
	return Policy{Operation: op, Timing: r.Timing(op, context), Level: op.SecurityLevel()}
}

// Decide resolves op's timing and converts it into a decision.
func (r *Registry) Decide(op Operation, context *ids.ContextID) Decision {
	return DecisionFor(r.Timing(op, context))
}

// Fallback is the timing of an operation without a default.
func Fallback(level SecurityLevel) EffectTiming {
	switch level {
	case Low:
		return ImmediateTiming()
	case Medium:
		return DeferredSingleAdmin(24)
	case High:
		return DeferredUnanimousAdmin(24)
	default:
		return BlockingOn(CeremonyInvitation)
	}
}
