package proposal

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/policy"
)

var (
	ErrUnknownProposal = journal.NewKindError(journal.KindLifecycle, "unknown proposal")
	ErrProposalClosed  = journal.NewKindError(journal.KindLifecycle, "proposal is closed")
	ErrNotProposer     = journal.NewKindError(journal.KindAuthorization, "only the proposer may withdraw")
	ErrNotDeferred     = journal.NewKindError(journal.KindPolicy, "operation is not deferred")
)

// Request describes a proposal to create.
type Request struct {
	Context     ids.ContextID
	Proposer    ids.AuthorityID
	Operation   policy.Operation
	Data        []byte
	Threshold   policy.ApprovalThreshold
	TimeoutMs   uint64 // zero never expires
	Description string
}

// RequestFor builds a request from a CreateProposal decision.
func RequestFor(d policy.Decision, context ids.ContextID, proposer ids.AuthorityID, op policy.Operation, data []byte) (Request, error) {
	if d.Kind != policy.CreateProposal {
		return Request{}, fmt.Errorf("%w: %s decides %s", ErrNotDeferred, op, d.Kind)
	}
	return Request{
		Context:   context,
		Proposer:  proposer,
		Operation: op,
		Data:      data,
		Threshold: d.Threshold,
		TimeoutMs: d.TimeoutMs,
	}, nil
}

// Observer is told about every fact the manager records, in order.
type Observer func(Fact)

// Manager records proposal facts and reduces them. It is safe for
// concurrent use. Observers run with no lock held, after the fact is
// applied.
type Manager struct {
	clock clock.TimeEffects
	log   zerolog.Logger

	mu        sync.Mutex
	states    map[string]*State
	facts     []Fact
	observers []Observer
}

// NewManager returns an empty manager reading time from c.
func NewManager(c clock.TimeEffects, log zerolog.Logger) *Manager {
	return &Manager{
		clock:  c,
		log:    logging.Component(log, "proposals"),
		states: map[string]*State{},
	}
}

// Observe registers o for every fact recorded from now on.
func (m *Manager) Observe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Create opens a proposal with a fresh id.
func (m *Manager) Create(req Request) (*State, error) {
	now := m.clock.NowMs()
	f := &Created{
		Context:     req.Context,
		ProposalID:  uuid.NewString(),
		Proposer:    req.Proposer,
		Operation:   req.Operation,
		Data:        slices.Clone(req.Data),
		Threshold:   req.Threshold,
		CreatedAt:   now,
		Description: req.Description,
	}
	if req.TimeoutMs > 0 {
		f.ExpiresAt = now + req.TimeoutMs
	}
	if err := m.Apply(f); err != nil {
		return nil, err
	}
	m.log.Info().Str("proposal_id", f.ProposalID).Stringer("operation", f.Operation).
		Stringer("threshold", f.Threshold).Msg("proposal created")
	s, _ := m.Get(f.ProposalID)
	return s, nil
}

// Approve records approver's approval and completes the proposal when its
// threshold is met without knowing the eligible set.
func (m *Manager) Approve(id string, approver ids.AuthorityID, comment string) (*State, error) {
	if err := m.vote(&Approved{ProposalID: id, Approver: approver, ApprovedAt: m.clock.NowMs(), Comment: comment}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	s := m.states[id]
	var done Fact
	if s.IsPending() && s.ThresholdMet() {
		done = &Completed{ProposalID: id, CompletedAt: m.clock.NowMs(), Approvers: s.Approvers()}
	}
	m.mu.Unlock()
	if done != nil {
		if err := m.Apply(done); err != nil {
			return nil, err
		}
	}
	st, _ := m.Get(id)
	return st, nil
}

// Reject records rejector's rejection.
func (m *Manager) Reject(id string, rejector ids.AuthorityID, reason string) (*State, error) {
	if err := m.vote(&Rejected{ProposalID: id, Rejector: rejector, RejectedAt: m.clock.NowMs(), Reason: reason}); err != nil {
		return nil, err
	}
	s, _ := m.Get(id)
	return s, nil
}

func (m *Manager) vote(f Fact) error {
	m.mu.Lock()
	var status Status
	s, ok := m.states[f.Proposal()]
	if ok {
		status = s.Status
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, f.Proposal())
	}
	if status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrProposalClosed, f.Proposal(), status)
	}
	return m.Apply(f)
}

// Withdraw closes the proposal on its proposer's request.
func (m *Manager) Withdraw(id string, withdrawer ids.AuthorityID, reason string) (*State, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	if s.Proposer != withdrawer {
		return nil, ErrNotProposer
	}
	if err := m.vote(&Withdrawn{ProposalID: id, Withdrawer: withdrawer, WithdrawnAt: m.clock.NowMs(), Reason: reason}); err != nil {
		return nil, err
	}
	s, _ = m.Get(id)
	return s, nil
}

// Evaluate decides a pending proposal against totalEligible approvers at
// nowMs: an expired proposal fails with FailExpired, a met threshold
// completes it, and one that enough rejections made unreachable fails with
// FailRejected. It reports whether a terminal fact was recorded.
func (m *Manager) Evaluate(id string, totalEligible int, nowMs uint64) (*State, bool, error) {
	m.mu.Lock()
	s, ok := m.states[id]
	if !ok {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	var f Fact
	switch {
	case !s.IsPending():
	case s.IsExpired(nowMs):
		f = &Failed{ProposalID: id, FailedAt: nowMs, Reason: FailureReason{Kind: FailExpired}}
	case s.ThresholdMetWithTotal(totalEligible):
		f = &Completed{ProposalID: id, CompletedAt: nowMs, Approvers: s.Approvers()}
	case s.Unreachable(totalEligible):
		f = &Failed{ProposalID: id, FailedAt: nowMs, Reason: FailureReason{Kind: FailRejected}}
	}
	m.mu.Unlock()
	if f != nil {
		if err := m.Apply(f); err != nil {
			return nil, false, err
		}
	}
	st, _ := m.Get(id)
	return st, f != nil, nil
}

// Fail closes a pending proposal with reason.
func (m *Manager) Fail(id string, reason FailureReason) (*State, error) {
	if err := m.vote(&Failed{ProposalID: id, FailedAt: m.clock.NowMs(), Reason: reason}); err != nil {
		return nil, err
	}
	s, _ := m.Get(id)
	return s, nil
}

// SweepExpired fails every pending proposal expired at nowMs and returns
// how many it failed.
func (m *Manager) SweepExpired(nowMs uint64) int {
	m.mu.Lock()
	var expired []string
	for id, s := range m.states {
		if s.IsPending() && s.IsExpired(nowMs) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()
	slices.Sort(expired)

	n := 0
	for _, id := range expired {
		err := m.Apply(&Failed{ProposalID: id, FailedAt: nowMs, Reason: FailureReason{Kind: FailExpired}})
		if err != nil {
			m.log.Warn().Err(err).Str("proposal_id", id).Msg("could not expire proposal")
			continue
		}
		n++
	}
	return n
}

// Apply records f, whether produced locally or received from a peer. A
// Created fact for a known proposal is rejected; any other fact that does
// not change its proposal is dropped without error.
func (m *Manager) Apply(f Fact) error {
	m.mu.Lock()
	var changed bool
	switch f := f.(type) {
	case *Created:
		if _, ok := m.states[f.ProposalID]; ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: proposal %s already exists", journal.ErrInvalidState, f.ProposalID)
		}
		if err := f.Threshold.Validate(); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("proposal %s: %w", f.ProposalID, err)
		}
		m.states[f.ProposalID] = NewState(f)
		changed = true
	default:
		s, ok := m.states[f.Proposal()]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownProposal, f.Proposal())
		}
		changed = s.Apply(f)
	}
	if !changed {
		m.mu.Unlock()
		return nil
	}
	m.facts = append(m.facts, f)
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	if IsTerminal(f) {
		m.log.Info().Str("proposal_id", f.Proposal()).Stringer("fact", f.Type()).Msg("proposal closed")
	} else {
		m.log.Debug().Str("proposal_id", f.Proposal()).Stringer("fact", f.Type()).Msg("proposal fact")
	}
	for _, o := range observers {
		o(f)
	}
	return nil
}

// Get returns a copy of proposal id's state.
func (m *Manager) Get(id string) (*State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Pending returns copies of the open proposals ordered by creation time.
func (m *Manager) Pending() []*State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*State
	for _, s := range m.states {
		if s.IsPending() {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *State) int {
		return cmp.Or(cmp.Compare(a.CreatedAt, b.CreatedAt), strings.Compare(a.ProposalID, b.ProposalID))
	})
	return out
}

// Facts returns every fact recorded, in order.
func (m *Manager) Facts() []Fact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.facts)
}
