package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/f3rmion/aura/amp"
	"github.com/f3rmion/aura/bridge"
	"github.com/f3rmion/aura/channel"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/codec"
	"github.com/f3rmion/aura/securestore"
)

// InvitationContentType is the content type of AMP invitations sent from
// agent to agent.
const InvitationContentType = "application/aura-amp-invitation"

// ErrUnknownInvitation is returned for an invitation that is not pending.
var ErrUnknownInvitation = errors.New("agent: unknown invitation")

// LinkContext is the registry context of the secure channels carrying AMP
// channel k. Both ends derive the same one.
func LinkContext(k amp.Key) ids.ContextID {
	return ids.Derive[ids.ContextID]("aura-amp-link", k.Context[:], k.Channel[:])
}

// link returns the active secure channel to peer for AMP channel k at
// epoch, rotating out one bound to an older epoch.
func (a *Agent) link(ctx context.Context, k amp.Key, peer ids.DeviceID, epoch uint64) (channel.Key, error) {
	lc := LinkContext(k)
	ch, err := a.channels.GetOrCreate(lc, peer, epoch, channel.FlowBudget{Limit: a.budget})
	if err != nil {
		return channel.Key{}, err
	}
	if ch.ShouldTeardownForEpoch(epoch) {
		if err := a.channels.Teardown(ch.Key(), channel.EpochRotation(ch.Epoch, epoch)); err != nil {
			return channel.Key{}, err
		}
		a.processTeardowns(ctx)
		if ch, err = a.channels.GetOrCreate(lc, peer, epoch, channel.FlowBudget{Limit: a.budget}); err != nil {
			return channel.Key{}, err
		}
	}
	if ch.Status == channel.StatusEstablishing {
		if err := a.channels.Establish(ch.Key()); err != nil {
			return channel.Key{}, err
		}
	}
	return ch.Key(), nil
}

// processTeardowns runs the teardown queue and reports scheduled
// reconnects.
func (a *Agent) processTeardowns(ctx context.Context) {
	if _, err := a.channels.ProcessTeardownQueue(ctx); err != nil {
		a.warn("channel goodbyes failed", err)
	}
	attempts := uint32(a.channels.Config().MaxReconnectAttempts)
	for _, r := range a.channels.Reconnects() {
		a.emit(bridge.Reconnecting{Attempt: uint32(r.Attempt), Max: attempts})
	}
}

func (a *Agent) send(ctx context.Context, channelID, content string) error {
	k, err := a.channelKey(channelID)
	if err != nil {
		return err
	}
	if _, err := a.amp.Send(ctx, k, []byte(content)); err != nil {
		return err
	}
	st, ok := a.amp.State(k)
	if !ok {
		return nil
	}
	for member, device := range st.Members {
		if member == a.cfg.AuthorityID {
			continue
		}
		lk, err := a.link(ctx, k, device, st.Epoch)
		if err == nil {
			err = a.channels.RecordSent(lk, uint64(len(content)))
		}
		if err != nil {
			a.log.Warn().Err(err).Str("peer", ids.Short(device)).Msg("secure channel not recorded")
		}
	}
	return nil
}

// invite issues invitations to cmd.Target at cmd.Device and sends them.
func (a *Agent) invite(ctx context.Context, cmd bridge.InviteUser) error {
	k, err := a.channelKey(cmd.Channel)
	if err != nil {
		return err
	}
	target, err := ids.Parse[ids.AuthorityID](cmd.Target)
	if err != nil {
		return fmt.Errorf("invitee: %w", err)
	}
	device, err := ids.Parse[ids.DeviceID](cmd.Device)
	if err != nil {
		return fmt.Errorf("invitee device: %w", err)
	}
	invs, err := a.amp.Invite(ctx, k, amp.Invitee{Authority: target, Device: device})
	if err != nil {
		return err
	}
	for _, inv := range invs {
		data, err := codec.Marshal(inv)
		if err != nil {
			return err
		}
		if err := a.transport.Send(ctx, device, InvitationContentType, nil, data); err != nil {
			return fmt.Errorf("delivering invitation to %s: %w", ids.Short(device), err)
		}
	}
	return nil
}

func (a *Agent) join(ctx context.Context, channelID string) error {
	k, err := a.channelKey(channelID)
	if err != nil {
		return err
	}
	if _, err := a.amp.Join(ctx, k); err != nil {
		return err
	}
	a.emit(bridge.UserJoined{Channel: k.Channel.String(), User: a.cfg.AuthorityID.String()})
	return nil
}

// leave departs the AMP channel and invalidates its secure channels.
func (a *Agent) leave(ctx context.Context, channelID string) error {
	k, err := a.channelKey(channelID)
	if err != nil {
		return err
	}
	if err := a.amp.Leave(ctx, k); err != nil {
		return err
	}
	if a.channels.TriggerContextInvalidation(LinkContext(k), "left channel") > 0 {
		a.processTeardowns(ctx)
	}
	a.emit(bridge.UserLeft{Channel: k.Channel.String(), User: a.cfg.AuthorityID.String()})
	return nil
}

func invitationLocation(id string, inv *amp.Invitation) securestore.Location {
	return securestore.Location{Namespace: "amp_invitation", Context: inv.Context, Channel: inv.Channel, Key: id}
}

// receiveInvitations keeps incoming invitations sealed in the secure store
// until they are accepted or declined.
func (a *Agent) receiveInvitations(ctx context.Context) error {
	for {
		env, err := a.transport.Receive(ctx, InvitationContentType)
		if err != nil {
			if stopped(ctx, err) {
				return err
			}
			a.warn("receiving invitation", err)
			continue
		}
		var inv amp.Invitation
		if err := codec.Unmarshal(env.Payload, &inv); err != nil {
			a.log.Warn().Err(err).Str("from", ids.Short(env.From)).Msg("dropping undecodable invitation")
			continue
		}
		if inv.Receiver != a.cfg.AuthorityID || inv.Context != a.cfg.ContextID {
			a.log.Warn().Str("from", ids.Short(env.From)).Msg("dropping invitation for another authority or context")
			continue
		}
		id := ids.Sum(env.Payload).String()
		loc := invitationLocation(id, &inv)
		if !a.store.Exists(loc) {
			if err := a.store.Store(ctx, loc, env.Payload, securestore.Caps(securestore.CapRead, securestore.CapWrite)); err != nil {
				a.warn("storing invitation", err)
				continue
			}
		}
		a.mu.Lock()
		a.invitations[id] = loc
		a.mu.Unlock()
		a.log.Info().Str("invitation_id", id).Stringer("channel", inv.Key()).Msg("invitation received")
		a.emit(bridge.InvitationReceived{InvitationID: id, Channel: inv.Channel.String(), From: inv.Sender.String()})
	}
}

// takeInvitation removes a pending invitation and returns its location.
func (a *Agent) takeInvitation(id string) (securestore.Location, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	loc, ok := a.invitations[id]
	if !ok {
		return securestore.Location{}, fmt.Errorf("%w: %s", ErrUnknownInvitation, id)
	}
	delete(a.invitations, id)
	return loc, nil
}

func (a *Agent) acceptInvitation(ctx context.Context, id string) error {
	loc, err := a.takeInvitation(id)
	if err != nil {
		return err
	}
	data, err := a.store.Retrieve(ctx, loc, securestore.Caps(securestore.CapRead))
	if err != nil {
		return err
	}
	var inv amp.Invitation
	if err := codec.Unmarshal(data, &inv); err != nil {
		return fmt.Errorf("decoding invitation: %w", err)
	}
	if err := a.amp.Accept(ctx, &inv); err != nil {
		return err
	}
	return a.join(ctx, inv.Channel.String())
}

func (a *Agent) declineInvitation(id string) error {
	if _, err := a.takeInvitation(id); err != nil {
		return err
	}
	a.log.Info().Str("invitation_id", id).Msg("invitation declined")
	return nil
}

// receiveMessages opens AMP messages, accounts them on the sender's secure
// channel and reports them.
func (a *Agent) receiveMessages(ctx context.Context) error {
	for {
		msg, err := a.amp.Receive(ctx)
		if err != nil {
			if stopped(ctx, err) {
				return err
			}
			a.log.Warn().Err(err).Msg("dropping AMP message")
			continue
		}
		h := msg.Header
		k := h.Key()
		if st, ok := a.amp.State(k); ok {
			if device, ok := st.Members[h.Sender]; ok {
				lk, err := a.link(ctx, k, device, h.Epoch)
				if err == nil {
					err = a.channels.RecordReceived(lk, h.Epoch, uint64(len(msg.Payload)))
				}
				if err != nil {
					a.log.Warn().Err(err).Str("peer", ids.Short(device)).Msg("secure channel not recorded")
				}
			}
		}
		a.emit(bridge.MessageReceived{
			Channel:   h.Channel.String(),
			From:      h.Sender.String(),
			Content:   string(msg.Payload),
			Timestamp: a.clock.NowMs(),
		})
	}
}

// receiveGoodbyes tears down the secure channels peers say goodbye on.
func (a *Agent) receiveGoodbyes(ctx context.Context) error {
	for {
		env, err := a.transport.Receive(ctx, channel.GoodbyeContentType)
		if err != nil {
			if stopped(ctx, err) {
				return err
			}
			continue
		}
		lc, err := ids.Parse[ids.ContextID](env.Metadata["context"])
		if err != nil {
			a.log.Warn().Err(err).Str("from", ids.Short(env.From)).Msg("dropping malformed goodbye")
			continue
		}
		k := channel.Key{Context: lc, Peer: env.From}
		ch, ok := a.channels.Get(k)
		if !ok || (ch.Status != channel.StatusActive && ch.Status != channel.StatusEstablishing) {
			continue
		}
		reason := channel.TeardownReason{Kind: channel.ReasonPeerDisconnected, Details: string(env.Payload)}
		if err := a.channels.Teardown(k, reason); err != nil {
			continue
		}
		a.log.Info().Str("channel", k.String()).Str("reason", string(env.Payload)).Msg("peer said goodbye")
		a.processTeardowns(ctx)
	}
}
