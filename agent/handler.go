package agent

import (
	"context"
	"fmt"

	"github.com/f3rmion/aura/amp"
	"github.com/f3rmion/aura/bridge"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/codec"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/policy"
	"github.com/f3rmion/aura/proposal"
)

var (
	ErrUnknownCommand   = journal.NewKindError(journal.KindProtocol, "unknown command")
	ErrCeremonyRequired = journal.NewKindError(journal.KindPolicy, "operation requires a key ceremony")
	// ErrNoChannelEffect is returned for operations AMP cannot express:
	// members only ever remove themselves and topics are fixed at creation.
	ErrNoChannelEffect = journal.NewKindError(journal.KindProtocol, "operation has no AMP effect")
)

// handle executes one bridge command.
func (a *Agent) handle(ctx context.Context, req bridge.Request) error {
	switch cmd := req.Command.(type) {
	case bridge.StartRecovery:
		return a.startRecovery(ctx)
	case bridge.SubmitGuardianApproval:
		return a.approveRecovery(ctx, cmd.GuardianID)
	case bridge.CompleteRecovery:
		return a.completeRecovery(ctx)
	case bridge.CancelRecovery:
		return a.cancelRecovery(ctx)

	case bridge.SendMessage, bridge.InviteUser, bridge.SetTopic, bridge.KickUser:
		return a.gated(ctx, cmd)
	case bridge.JoinChannel:
		return a.join(ctx, cmd.Channel)
	case bridge.LeaveChannel:
		return a.leave(ctx, cmd.Channel)
	case bridge.AcceptInvitation:
		return a.acceptInvitation(ctx, cmd.InvitationID)
	case bridge.DeclineInvitation:
		return a.declineInvitation(cmd.InvitationID)

	case bridge.Ping:
		var latency uint64
		if now := a.clock.NowMs(); cmd.SentAtMs > 0 && now > cmd.SentAtMs {
			latency = now - cmd.SentAtMs
		}
		a.emit(bridge.Pong{LatencyMs: latency})
		return nil
	case bridge.ForceSync:
		return a.sync(ctx)
	case bridge.Shutdown:
		a.emit(bridge.ShuttingDown{})
		a.shutdown()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, req.Command.CommandName())
}

// deferredCommand is a policy-gated command kept as proposal data.
type deferredCommand struct {
	_ struct{} `cbor:",toarray"`

	Name    string
	Channel string
	Target  string
	Device  string
	Text    string
}

func encodeCommand(cmd bridge.Command) ([]byte, error) {
	d := deferredCommand{Name: cmd.CommandName()}
	switch c := cmd.(type) {
	case bridge.SendMessage:
		d.Channel, d.Text = c.Channel, c.Content
	case bridge.InviteUser:
		d.Channel, d.Target, d.Device = c.Channel, c.Target, c.Device
	case bridge.SetTopic:
		d.Channel, d.Text = c.Channel, c.Text
	case bridge.KickUser:
		d.Channel, d.Target, d.Text = c.Channel, c.Target, c.Reason
	default:
		return nil, fmt.Errorf("%w: %s is not policy gated", ErrUnknownCommand, cmd.CommandName())
	}
	return codec.Marshal(d)
}

func decodeCommand(data []byte) (bridge.Command, error) {
	var d deferredCommand
	if err := codec.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding deferred command: %w", err)
	}
	switch d.Name {
	case bridge.SendMessage{}.CommandName():
		return bridge.SendMessage{Channel: d.Channel, Content: d.Text}, nil
	case bridge.InviteUser{}.CommandName():
		return bridge.InviteUser{Channel: d.Channel, Target: d.Target, Device: d.Device}, nil
	case bridge.SetTopic{}.CommandName():
		return bridge.SetTopic{Channel: d.Channel, Text: d.Text}, nil
	case bridge.KickUser{}.CommandName():
		return bridge.KickUser{Channel: d.Channel, Target: d.Target, Reason: d.Text}, nil
	}
	return nil, fmt.Errorf("%w: deferred %q", ErrUnknownCommand, d.Name)
}

// operationOf maps a policy-gated command to its operation.
func operationOf(cmd bridge.Command) policy.Operation {
	switch cmd.(type) {
	case bridge.SendMessage:
		return policy.OpSendMessage
	case bridge.InviteUser:
		return policy.OpAddChannelMember
	case bridge.SetTopic:
		return policy.OpUpdateChannelTopic
	case bridge.KickUser:
		return policy.OpRemoveChannelMember
	}
	return 0
}

// gated applies cmd at once, opens a proposal for it or refuses it, as
// the policy registry decides for the agent's context.
func (a *Agent) gated(ctx context.Context, cmd bridge.Command) error {
	op := operationOf(cmd)
	d := a.policy.Decide(op, &a.cfg.ContextID)
	switch d.Kind {
	case policy.ApplyImmediate:
		return a.apply(ctx, cmd)
	case policy.CreateProposal:
		data, err := encodeCommand(cmd)
		if err != nil {
			return err
		}
		req, err := proposal.RequestFor(d, a.cfg.ContextID, a.cfg.AuthorityID, op, data)
		if err != nil {
			return err
		}
		req.Description = cmd.CommandName()
		st, err := a.proposals.Create(req)
		if err != nil {
			return err
		}
		a.log.Info().Str("proposal_id", st.ProposalID).Stringer("operation", op).Msg("operation deferred")
		a.emit(bridge.ProposalCreated{ProposalID: st.ProposalID, Operation: op.String()})
		return nil
	default:
		return fmt.Errorf("%w: %s needs %s", ErrCeremonyRequired, op, d.Ceremony)
	}
}

// apply carries out a policy-gated command.
func (a *Agent) apply(ctx context.Context, cmd bridge.Command) error {
	switch c := cmd.(type) {
	case bridge.SendMessage:
		return a.send(ctx, c.Channel, c.Content)
	case bridge.InviteUser:
		return a.invite(ctx, c)
	case bridge.SetTopic, bridge.KickUser:
		return fmt.Errorf("%w: %s", ErrNoChannelEffect, cmd.CommandName())
	}
	return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.CommandName())
}

func (a *Agent) channelKey(channel string) (amp.Key, error) {
	id, err := ids.Parse[ids.ChannelID](channel)
	if err != nil {
		return amp.Key{}, fmt.Errorf("channel %q: %w", channel, err)
	}
	return amp.Key{Context: a.cfg.ContextID, Channel: id}, nil
}

// observeProposal reports terminal facts of the agent's own proposals and
// queues completed ones for execution.
func (a *Agent) observeProposal(f proposal.Fact) {
	st, ok := a.proposals.Get(f.Proposal())
	if !ok || st.Proposer != a.cfg.AuthorityID || st.Context != a.cfg.ContextID {
		return
	}
	switch f := f.(type) {
	case *proposal.Completed:
		a.mu.Lock()
		a.completed = append(a.completed, f.ProposalID)
		a.mu.Unlock()
		select {
		case a.ready <- struct{}{}:
		default:
		}
	case *proposal.Failed:
		a.emit(bridge.ProposalFailed{ProposalID: f.ProposalID, Reason: f.Reason.String()})
	case *proposal.Withdrawn:
		a.emit(bridge.ProposalFailed{ProposalID: f.ProposalID, Reason: "withdrawn"})
	}
}

// runProposals executes approved proposals as they complete.
func (a *Agent) runProposals(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.ready:
		}
		a.mu.Lock()
		queue := a.completed
		a.completed = nil
		a.mu.Unlock()

		for _, id := range queue {
			if err := a.execute(ctx, id); err != nil {
				a.log.Warn().Err(err).Str("proposal_id", id).Msg("approved operation failed")
				a.emit(bridge.ProposalFailed{ProposalID: id, Reason: err.Error()})
				continue
			}
			a.emit(bridge.ProposalCompleted{ProposalID: id})
		}
	}
}

func (a *Agent) execute(ctx context.Context, id string) error {
	st, ok := a.proposals.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", proposal.ErrUnknownProposal, id)
	}
	cmd, err := decodeCommand(st.Data)
	if err != nil {
		return err
	}
	a.log.Info().Str("proposal_id", id).Str("command", cmd.CommandName()).Msg("executing approved operation")
	return a.apply(ctx, cmd)
}
