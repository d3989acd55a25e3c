package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/f3rmion/aura/bridge"
	"github.com/f3rmion/aura/choreo"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/leakage"
)

var (
	ErrNoRecoveryPlan   = journal.NewKindError(journal.KindPolicy, "no recovery plan configured")
	ErrRecoveryActive   = journal.NewKindError(journal.KindLifecycle, "a recovery is already in progress")
	ErrNoRecovery       = journal.NewKindError(journal.KindLifecycle, "no recovery in progress")
	ErrUnknownGuardian  = journal.NewKindError(journal.KindAuthorization, "guardian is not part of the recovery plan")
	ErrNoGuardianSigned = journal.NewKindError(journal.KindLifecycle, "no guardian approved the recovery yet")
)

// RecoveryPlan describes how this device is recovered into its account.
// The first guardian initiates; every guardian may approve.
type RecoveryPlan struct {
	Guardians       []choreo.Guardian
	Quorum          int
	CooldownSeconds uint64
	TTLEpochs       uint64
	// Survivors receive shares of the recovered key alongside this device.
	Survivors    []ids.DeviceID
	NewThreshold int
}

func (p RecoveryPlan) guardian(id ids.GuardianID) (choreo.Guardian, bool) {
	for _, g := range p.Guardians {
		if g.GuardianID() == id {
			return g, true
		}
	}
	return nil, false
}

// recoveryRun is the recovery in progress.
type recoveryRun struct {
	id        ids.SessionID
	executor  choreo.Guardian
	announced bool
}

func (a *Agent) activeRecovery() (*recoveryRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recovery == nil {
		return nil, ErrNoRecovery
	}
	return a.recovery, nil
}

func (a *Agent) endRecovery() {
	a.mu.Lock()
	a.recovery = nil
	a.mu.Unlock()
}

// recoveryLeakage is what one recovery leaks for the plan's guardian set.
func (a *Agent) recoveryLeakage() leakage.Budget {
	return leakage.Bound(leakage.ProtocolRecovery, len(a.plan.Guardians))
}

func (a *Agent) startRecovery(ctx context.Context) error {
	if len(a.plan.Guardians) == 0 || a.plan.Quorum < 1 {
		return ErrNoRecoveryPlan
	}
	if err := a.leakage.Check(a.cfg.ContextID, "recovery", a.recoveryLeakage()); err != nil {
		return err
	}
	a.mu.Lock()
	if a.recovery != nil {
		a.mu.Unlock()
		return ErrRecoveryActive
	}
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], a.clock.NowMs())
	run := &recoveryRun{id: ids.Derive[ids.SessionID]("aura-agent-recovery", a.cfg.DeviceID[:], nonce[:])}
	a.recovery = run
	a.mu.Unlock()

	required := make([]ids.GuardianID, len(a.plan.Guardians))
	for i, g := range a.plan.Guardians {
		required[i] = g.GuardianID()
	}
	_, err := a.protocol.InitiateRecovery(ctx, choreo.RecoveryConfig{
		SessionID:         run.id,
		RequiredGuardians: required,
		QuorumThreshold:   a.plan.Quorum,
		CooldownSeconds:   a.plan.CooldownSeconds,
		TTLEpochs:         a.plan.TTLEpochs,
		Survivors:         a.plan.Survivors,
		NewThreshold:      a.plan.NewThreshold,
	}, a.plan.Guardians[0])
	if err != nil {
		a.endRecovery()
		return err
	}
	a.emit(bridge.RecoveryStarted{SessionID: run.id.String()})
	return nil
}

// approvals returns the valid approvals of session id.
func (a *Agent) approvals(id ids.SessionID) (int, error) {
	var (
		n   int
		err error
	)
	a.ledger.View(func(state *journal.AccountState) {
		rec, ok := state.Session(id)
		if !ok || rec.Recovery == nil {
			err = fmt.Errorf("%w: recovery %s", journal.ErrSessionUnknown, ids.Short(id))
			return
		}
		n = state.ValidApprovals(rec)
	})
	return n, err
}

func (a *Agent) approveRecovery(ctx context.Context, guardianID string) error {
	run, err := a.activeRecovery()
	if err != nil {
		return err
	}
	gid, err := ids.Parse[ids.GuardianID](guardianID)
	if err != nil {
		return fmt.Errorf("guardian: %w", err)
	}
	g, ok := a.plan.guardian(gid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGuardian, ids.Short(gid))
	}
	if _, err := a.protocol.ApproveRecovery(ctx, run.id, g); err != nil {
		return err
	}
	n, err := a.approvals(run.id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	run.executor = g
	announce := n >= a.plan.Quorum && !run.announced
	if announce {
		run.announced = true
	}
	a.mu.Unlock()

	a.emit(bridge.GuardianApproved{GuardianID: gid.String(), Current: uint32(n), Threshold: uint32(a.plan.Quorum)})
	if announce {
		a.emit(bridge.ThresholdMet{SessionID: run.id.String()})
	}
	return nil
}

// completeRecovery executes the recovery once its quorum is met. The
// leakage of the run is charged to the agent's context.
func (a *Agent) completeRecovery(ctx context.Context) error {
	run, err := a.activeRecovery()
	if err != nil {
		return err
	}
	a.mu.Lock()
	executor := run.executor
	a.mu.Unlock()
	if executor == nil {
		return ErrNoGuardianSigned
	}
	rec, ok := a.ledger.Session(run.id)
	if !ok {
		return fmt.Errorf("%w: recovery %s", journal.ErrSessionUnknown, ids.Short(run.id))
	}
	var verr error
	a.ledger.View(func(state *journal.AccountState) { _, verr = choreo.VerifyApprovals(state, rec) })
	if verr != nil {
		return verr
	}

	var res *choreo.RecoveryResult
	err = a.leakage.Guard(a.cfg.ContextID, "recovery", a.recoveryLeakage(), func() error {
		var err error
		res, _, err = a.protocol.ExecuteRecovery(ctx, run.id, a.plan.Survivors, a.plan.NewThreshold, executor)
		return err
	})
	if err != nil {
		if !errors.Is(err, journal.ErrBudgetExceeded) {
			a.endRecovery()
			a.emit(bridge.RecoveryFailed{SessionID: run.id.String(), Reason: err.Error()})
		}
		return err
	}
	a.endRecovery()
	a.log.Info().Str("session_id", ids.Short(run.id)).Int("participants", len(res.Participants)).Msg("recovery completed")
	a.emit(bridge.RecoveryCompleted{SessionID: run.id.String()})
	a.reportAccountChanges()
	return nil
}

func (a *Agent) cancelRecovery(ctx context.Context) error {
	run, err := a.activeRecovery()
	if err != nil {
		return err
	}
	_, err = a.protocol.EmitAsGuardian(ctx, a.plan.Guardians[0], func(*journal.AccountState, journal.Header) (journal.Payload, error) {
		return &journal.AbortRecovery{SessionID: run.id, Reason: journal.AbortReason{Kind: journal.AbortUserCancelled}}, nil
	})
	if err != nil {
		return err
	}
	a.endRecovery()
	a.emit(bridge.RecoveryCancelled{SessionID: run.id.String()})
	return nil
}
