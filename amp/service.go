package amp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/ledger"
	"github.com/f3rmion/aura/securestore"
	"github.com/f3rmion/aura/transport"
)

// DefaultEpochKeyCacheSize is the number of derived epoch keys a service
// keeps.
const DefaultEpochKeyCacheSize = 256

// Recorder appends account-level events. *choreo.ProtocolContext
// satisfies it.
type Recorder interface {
	Emit(ctx context.Context, p journal.Payload) (ledger.Entry, error)
}

// Invitee is an authority invited to a channel, reachable at Device.
type Invitee struct {
	Authority ids.AuthorityID
	Device    ids.DeviceID
}

// Invitation hands a channel's bootstrap key to one recipient. The key is
// sealed to the recipient device's age key; Facts rebuild the channel
// state as the inviter sees it.
type Invitation struct {
	_ struct{} `cbor:",toarray"`

	Context     ids.ContextID
	Channel     ids.ChannelID
	Sender      ids.AuthorityID
	Receiver    ids.AuthorityID
	BootstrapID ids.Hash
	SealedKey   []byte
	Facts       [][]byte
}

// Key returns the channel the invitation is for.
func (inv *Invitation) Key() Key { return Key{inv.Context, inv.Channel} }

// Option configures a Service.
type Option func(*Service)

// WithRecorder records committed epoch bumps as ChannelEpochBump events.
func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

// WithLogger sets the service logger.
func WithLogger(log zerolog.Logger) Option { return func(s *Service) { s.log = log } }

// WithClock sets the time source of fact timestamps.
func WithClock(c clock.TimeEffects) Option { return func(s *Service) { s.clock = c } }

type epochRef struct {
	key         Key
	bootstrapID ids.Hash
	epoch       uint64
}

// Service is one authority's AMP endpoint. It is safe for concurrent use.
type Service struct {
	authority ids.AuthorityID
	device    ids.DeviceID
	transport transport.Transport
	store     *securestore.Store
	directory *securestore.Directory
	recorder  Recorder
	clock     clock.TimeEffects
	log       zerolog.Logger
	epochKeys *lru.Cache[epochRef, []byte]

	mu       sync.Mutex
	channels map[Key]*ChannelState
	notify   chan struct{}
}

// NewService returns the AMP service of authority on the device behind t.
// Bootstrap keys are kept in store; invitations are sealed to the keys
// published in directory.
func NewService(authority ids.AuthorityID, t transport.Transport, store *securestore.Store, directory *securestore.Directory, opts ...Option) (*Service, error) {
	s := &Service{
		authority: authority,
		device:    t.DeviceID(),
		transport: t,
		store:     store,
		directory: directory,
		clock:     clock.NewReal(),
		log:       zerolog.Nop(),
		channels:  map[Key]*ChannelState{},
		notify:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.Component(s.log, "amp").With().
		Str("authority_id", ids.Short(authority)).Logger()
	cache, err := lru.New[epochRef, []byte](DefaultEpochKeyCacheSize)
	if err != nil {
		return nil, err
	}
	s.epochKeys = cache
	return s, nil
}

// Authority returns the service's authority.
func (s *Service) Authority() ids.AuthorityID { return s.authority }

// State returns a copy of the channel's state.
func (s *Service) State(k Key) (*ChannelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.channels[k]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// Channels returns the keys of every known channel.
func (s *Service) Channels() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.channels))
	for k := range s.channels {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b Key) int {
		if c := ids.Compare(a.Context, b.Context); c != 0 {
			return c
		}
		return ids.Compare(a.Channel, b.Channel)
	})
	return out
}

// apply folds f into the local state, creating the channel on its
// creation fact.
func (s *Service) apply(f Fact) (bool, error) {
	return s.update(f, nil)
}

// applyFrom is apply for a fact delivered by device from.
func (s *Service) applyFrom(from ids.DeviceID, f Fact) (bool, error) {
	return s.update(f, func(st *ChannelState) error { return st.CheckSender(from, f) })
}

func (s *Service) update(f Fact, check func(*ChannelState) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.channels[f.Key()]
	if !ok {
		if f.Type() != FactChannelCreated {
			return false, fmt.Errorf("%w: %s", ErrUnknownChannel, f.Key())
		}
		st = newChannelState(f.Key())
	}
	if check != nil {
		if err := check(st); err != nil {
			return false, err
		}
	}
	next := st.Clone()
	changed, err := next.Apply(f)
	if err != nil || !changed {
		return false, err
	}
	s.channels[f.Key()] = next
	close(s.notify)
	s.notify = make(chan struct{})
	return true, nil
}

func (s *Service) member(k Key) (*ChannelState, error) {
	st, ok := s.State(k)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, k)
	}
	if !st.IsMember(s.authority) {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, k)
	}
	return st, nil
}

// Create opens channel k with this authority as creator and first member.
// Creating a known channel returns its state.
func (s *Service) Create(ctx context.Context, k Key, topic string) (*ChannelState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st, ok := s.State(k); ok {
		return st, nil
	}
	now := s.clock.NowMs()
	if _, err := s.apply(&ChannelCreated{Context: k.Context, ChannelID: k.Channel, Creator: s.authority, Topic: topic, CreatedAt: now}); err != nil {
		return nil, err
	}
	if _, err := s.apply(&MemberJoined{Context: k.Context, ChannelID: k.Channel, Member: s.authority, Device: s.device, JoinedAt: now}); err != nil {
		return nil, err
	}
	s.log.Info().Stringer("channel", k).Msg("channel created")
	st, _ := s.State(k)
	return st, nil
}

// Invite deals the channel's bootstrap key to invitees on first use and
// returns one invitation per invitee. Once a bootstrap exists, invitees
// must already be among its recipients.
func (s *Service) Invite(ctx context.Context, k Key, invitees ...Invitee) ([]*Invitation, error) {
	if len(invitees) == 0 {
		return nil, ErrNoRecipients
	}
	if _, err := s.member(k); err != nil {
		return nil, err
	}
	recipients := make([]ids.AuthorityID, 0, len(invitees))
	for _, inv := range invitees {
		recipients = append(recipients, inv.Authority)
	}
	bootstrapID, key, err := s.ensureBootstrap(ctx, k, recipients)
	if err != nil {
		return nil, err
	}

	st, _ := s.State(k)
	facts := make([][]byte, 0, len(st.Members)+2)
	for _, f := range st.facts() {
		data, err := EncodeFact(f)
		if err != nil {
			return nil, err
		}
		facts = append(facts, data)
	}
	out := make([]*Invitation, 0, len(invitees))
	for _, inv := range invitees {
		sealed, err := s.directory.SealFor(inv.Device, key)
		if err != nil {
			return nil, fmt.Errorf("sealing bootstrap key for %s: %w", ids.Short(inv.Authority), err)
		}
		out = append(out, &Invitation{
			Context:     k.Context,
			Channel:     k.Channel,
			Sender:      s.authority,
			Receiver:    inv.Authority,
			BootstrapID: bootstrapID,
			SealedKey:   sealed,
			Facts:       facts,
		})
	}
	s.log.Info().Stringer("channel", k).Int("invitees", len(invitees)).Msg("invitations issued")
	return out, nil
}

// ensureBootstrap returns the channel's bootstrap key, dealing a fresh one
// to recipients when none exists. An existing bootstrap is never widened.
func (s *Service) ensureBootstrap(ctx context.Context, k Key, recipients []ids.AuthorityID) (ids.Hash, []byte, error) {
	st, _ := s.State(k)
	if existing := st.Bootstrap; existing != nil {
		for _, r := range recipients {
			if !slices.Contains(existing.Recipients, r) {
				return ids.Hash{}, nil, fmt.Errorf("%w: %s is not a recipient", ErrBootstrapWiden, ids.Short(r))
			}
		}
		key, err := s.store.Retrieve(ctx, securestore.AMPBootstrapKey(k.Context, k.Channel, existing.BootstrapID), securestore.Caps(securestore.CapRead))
		if err != nil {
			return ids.Hash{}, nil, fmt.Errorf("reading bootstrap key: %w", err)
		}
		return existing.BootstrapID, key, nil
	}

	key, err := randomBytes(BootstrapKeySize)
	if err != nil {
		return ids.Hash{}, nil, err
	}
	id := BootstrapID(key)
	loc := securestore.AMPBootstrapKey(k.Context, k.Channel, id)
	if err := s.store.Store(ctx, loc, key, securestore.Caps(securestore.CapRead, securestore.CapWrite)); err != nil {
		return ids.Hash{}, nil, fmt.Errorf("storing bootstrap key: %w", err)
	}
	recipients = slices.Clone(recipients)
	ids.Sort(recipients)
	recipients = slices.Compact(recipients)
	f := &ChannelBootstrap{
		Context:     k.Context,
		ChannelID:   k.Channel,
		BootstrapID: id,
		Dealer:      s.authority,
		Recipients:  recipients,
		CreatedAt:   s.clock.NowMs(),
	}
	if err := s.publish(ctx, f); err != nil {
		return ids.Hash{}, nil, err
	}
	s.log.Info().Stringer("channel", k).Str("bootstrap_id", ids.Short(id)).Msg("bootstrap dealt")
	return id, key, nil
}

// Accept opens an invitation addressed to this authority: it stores the
// bootstrap key and adopts the channel facts it carries.
func (s *Service) Accept(ctx context.Context, inv *Invitation) error {
	if inv.Receiver != s.authority {
		return fmt.Errorf("%w: invitation for %s", ErrNotInvited, ids.Short(inv.Receiver))
	}
	key, err := securestore.Open(inv.SealedKey, s.store.Identity())
	if err != nil {
		return fmt.Errorf("opening bootstrap key: %w", err)
	}
	if BootstrapID(key) != inv.BootstrapID {
		return fmt.Errorf("%w: bootstrap key does not match its id", journal.ErrInvalidState)
	}
	for _, data := range inv.Facts {
		f, err := DecodeFact(data)
		if err != nil {
			return err
		}
		if f.Key() != inv.Key() {
			return fmt.Errorf("%w: invitation carries a fact for %s", journal.ErrInvalidState, f.Key())
		}
		if _, err := s.apply(f); err != nil {
			return fmt.Errorf("adopting %s: %w", f.Type(), err)
		}
	}
	st, ok := s.State(inv.Key())
	if !ok || st.Bootstrap == nil || st.Bootstrap.BootstrapID != inv.BootstrapID {
		return fmt.Errorf("%w: invitation bootstrap is not the channel's", journal.ErrInvalidState)
	}
	if !st.Invited(s.authority) {
		return fmt.Errorf("%w: %s", ErrNotInvited, inv.Key())
	}
	loc := securestore.AMPBootstrapKey(inv.Context, inv.Channel, inv.BootstrapID)
	if !s.store.Exists(loc) {
		if err := s.store.Store(ctx, loc, key, securestore.Caps(securestore.CapRead, securestore.CapWrite)); err != nil {
			return fmt.Errorf("storing bootstrap key: %w", err)
		}
	}
	s.log.Info().Stringer("channel", inv.Key()).Msg("invitation accepted")
	return nil
}

// Join adds this authority to a channel it was invited to and tells the
// other members.
func (s *Service) Join(ctx context.Context, k Key) (*ChannelState, error) {
	st, ok := s.State(k)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, k)
	}
	if st.IsMember(s.authority) {
		return st, nil
	}
	f := &MemberJoined{Context: k.Context, ChannelID: k.Channel, Member: s.authority, Device: s.device, JoinedAt: s.clock.NowMs()}
	if err := s.publish(ctx, f); err != nil {
		return nil, err
	}
	s.log.Info().Stringer("channel", k).Msg("joined channel")
	st, _ = s.State(k)
	return st, nil
}

// Leave removes this authority from the channel. The remaining member with
// the lowest authority id commits the epoch bump when the departure
// reaches it.
func (s *Service) Leave(ctx context.Context, k Key) error {
	st, err := s.member(k)
	if err != nil {
		return err
	}
	f := &MemberLeft{Context: k.Context, ChannelID: k.Channel, Member: s.authority, LeftAt: s.clock.NowMs()}
	if _, err := s.apply(f); err != nil {
		return err
	}
	s.log.Info().Stringer("channel", k).Msg("left channel")
	return s.broadcast(ctx, st, f)
}

// CommitEpochBump moves channel k to its next epoch, tells the members and
// records the bump on the account journal when a recorder is set.
func (s *Service) CommitEpochBump(ctx context.Context, k Key) (*CommittedChannelEpochBump, error) {
	st, err := s.member(k)
	if err != nil {
		return nil, err
	}
	bump := NewEpochBump(k, st.Epoch)
	if err := s.publish(ctx, bump); err != nil {
		return nil, err
	}
	s.log.Info().Stringer("channel", k).Uint64("epoch", bump.NewEpoch).Msg("epoch bump committed")
	if s.recorder != nil {
		_, err := s.recorder.Emit(ctx, &journal.ChannelEpochBump{
			ContextID:   k.Context,
			ChannelID:   k.Channel,
			ParentEpoch: bump.ParentEpoch,
			NewEpoch:    bump.NewEpoch,
			BumpID:      bump.ChosenBumpID,
		})
		if err != nil {
			return bump, fmt.Errorf("recording epoch bump: %w", err)
		}
	}
	return bump, nil
}

// publish applies f locally and sends it to the other members.
func (s *Service) publish(ctx context.Context, f Fact) error {
	if _, err := s.apply(f); err != nil {
		return err
	}
	st, _ := s.State(f.Key())
	return s.broadcast(ctx, st, f)
}

// broadcast sends f to every member of st other than this authority.
// Failed deliveries are collected; the remaining members are still tried.
func (s *Service) broadcast(ctx context.Context, st *ChannelState, f Fact) error {
	data, err := EncodeFact(f)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for _, m := range st.MemberIDs() {
		if m == s.authority {
			continue
		}
		if err := s.transport.Send(ctx, st.Members[m], FactContentType, nil, data); err != nil {
			result = multierror.Append(result, fmt.Errorf("sending %s to %s: %w", f.Type(), ids.Short(m), err))
		}
	}
	return result.ErrorOrNil()
}

// Send seals plaintext under the channel's current epoch key and delivers
// it to every other member. It returns the message id.
func (s *Service) Send(ctx context.Context, k Key, plaintext []byte) (ids.Hash, error) {
	st, err := s.member(k)
	if err != nil {
		return ids.Hash{}, err
	}
	key, err := s.epochKey(ctx, st, st.Epoch)
	if err != nil {
		return ids.Hash{}, err
	}
	salt, err := randomBytes(16)
	if err != nil {
		return ids.Hash{}, err
	}
	h := Header{
		Context:   k.Context,
		Channel:   k.Channel,
		Epoch:     st.Epoch,
		Sender:    s.authority,
		MessageID: ids.Sum([]byte("amp-message:"), s.authority[:], k.Channel[:], salt),
	}
	data, err := seal(key, h, plaintext)
	if err != nil {
		return ids.Hash{}, err
	}
	meta := map[string]string{
		transport.MetaChannel: ids.Hex(k.Channel),
		transport.MetaEpoch:   strconv.FormatUint(st.Epoch, 10),
		transport.MetaEventID: h.MessageID.String(),
	}
	var result *multierror.Error
	for _, m := range st.MemberIDs() {
		if m == s.authority {
			continue
		}
		if err := s.transport.Send(ctx, st.Members[m], ContentType, meta, data); err != nil {
			result = multierror.Append(result, fmt.Errorf("sending to %s: %w", ids.Short(m), err))
		}
	}
	s.log.Debug().Stringer("channel", k).Uint64("epoch", st.Epoch).Str("message_id", ids.Short(h.MessageID)).Msg("message sent")
	return h.MessageID, result.ErrorOrNil()
}

// Receive blocks for the next AMP message and opens it. Messages sealed
// under an epoch other than the channel's current one are refused.
func (s *Service) Receive(ctx context.Context) (*Message, error) {
	env, err := s.transport.Receive(ctx, ContentType)
	if err != nil {
		return nil, err
	}
	m, err := decodeSealed(env.Payload)
	if err != nil {
		return nil, err
	}
	st, err := s.member(m.Header.Key())
	if err != nil {
		return nil, err
	}
	if !st.IsMember(m.Header.Sender) {
		return nil, fmt.Errorf("%w: sender %s", ErrNotMember, ids.Short(m.Header.Sender))
	}
	if m.Header.Epoch != st.Epoch {
		return nil, &journal.StaleEpochError{Provided: m.Header.Epoch, Current: st.Epoch}
	}
	key, err := s.epochKey(ctx, st, m.Header.Epoch)
	if err != nil {
		return nil, err
	}
	plaintext, err := m.open(key)
	if err != nil {
		return nil, err
	}
	return &Message{Header: m.Header, Payload: plaintext}, nil
}

func (s *Service) epochKey(ctx context.Context, st *ChannelState, epoch uint64) ([]byte, error) {
	if st.Bootstrap == nil {
		return nil, fmt.Errorf("%w: channel %s has no bootstrap", journal.ErrInvalidState, st.Key())
	}
	ref := epochRef{key: st.Key(), bootstrapID: st.Bootstrap.BootstrapID, epoch: epoch}
	if key, ok := s.epochKeys.Get(ref); ok {
		return key, nil
	}
	loc := securestore.AMPBootstrapKey(st.Context, st.Channel, st.Bootstrap.BootstrapID)
	bootstrap, err := s.store.Retrieve(ctx, loc, securestore.Caps(securestore.CapRead))
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap key: %w", err)
	}
	key, err := EpochKey(bootstrap, st.Channel, epoch)
	if err != nil {
		return nil, err
	}
	s.epochKeys.Add(ref, key)
	return key, nil
}

// Apply adopts a fact delivered by device from. Facts from a device that
// may not originate them are refused with ErrUnexpectedSender. A remote
// join is answered with this authority's own membership, and the dealer
// also introduces the joiner and the other members to each other; a
// departure leaving this authority as the lowest remaining member commits
// the epoch bump.
func (s *Service) Apply(ctx context.Context, from ids.DeviceID, f Fact) error {
	changed, err := s.applyFrom(from, f)
	if err != nil || !changed {
		return err
	}
	st, _ := s.State(f.Key())
	switch f := f.(type) {
	case *MemberJoined:
		if f.Member == s.authority || !st.IsMember(s.authority) {
			return nil
		}
		return s.welcome(ctx, st, f)
	case *MemberLeft:
		if members := st.MemberIDs(); len(members) == 0 || members[0] != s.authority {
			return nil
		}
		_, err := s.CommitEpochBump(ctx, f.Key())
		return err
	}
	return nil
}

func (s *Service) welcome(ctx context.Context, st *ChannelState, joined *MemberJoined) error {
	data, err := EncodeFact(joined)
	if err != nil {
		return err
	}
	introducer := st.Bootstrap != nil && st.Bootstrap.Dealer == s.authority
	var result *multierror.Error
	for _, m := range st.MemberIDs() {
		if m == s.authority || m == joined.Member || !introducer {
			continue
		}
		if err := s.transport.Send(ctx, st.Members[m], FactContentType, nil, data); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, m := range st.MemberIDs() {
		if m == joined.Member || (m != s.authority && !introducer) {
			continue
		}
		known, err := EncodeFact(&MemberJoined{Context: st.Context, ChannelID: st.Channel, Member: m, Device: st.Members[m]})
		if err != nil {
			return err
		}
		if err := s.transport.Send(ctx, joined.Device, FactContentType, nil, known); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// maxHeldBumps bounds the epoch bumps Serve keeps while waiting for the
// departure that makes their sender the committer.
const maxHeldBumps = 32

type heldFact struct {
	from ids.DeviceID
	fact Fact
}

// Serve receives channel facts from other members until ctx is done or the
// transport closes. Facts that do not apply are logged and dropped. An
// epoch bump that overtook the departure it follows is held and retried
// once the state changes.
func (s *Service) Serve(ctx context.Context) error {
	var held []heldFact
	for {
		env, err := s.transport.Receive(ctx, FactContentType)
		if err != nil {
			return err
		}
		f, err := DecodeFact(env.Payload)
		if err != nil {
			s.log.Warn().Err(err).Str("from", ids.Short(env.From)).Msg("dropping undecodable fact")
			continue
		}
		err = s.Apply(ctx, env.From, f)
		switch {
		case err == nil:
			held = s.retryHeld(ctx, held)
		case errors.Is(err, ErrUnexpectedSender) && f.Type() == FactEpochBump:
			held = append(held, heldFact{from: env.From, fact: f})
			if len(held) > maxHeldBumps {
				dropped := held[0]
				held = slices.Delete(held, 0, 1)
				s.log.Warn().Str("from", ids.Short(dropped.from)).Stringer("channel", dropped.fact.Key()).Msg("dropping held epoch bump")
			}
		default:
			s.log.Warn().Err(err).Str("from", ids.Short(env.From)).Stringer("fact", f.Type()).Stringer("channel", f.Key()).Msg("fact rejected")
		}
	}
}

// retryHeld reapplies held facts until none is accepted and returns the
// ones still waiting.
func (s *Service) retryHeld(ctx context.Context, held []heldFact) []heldFact {
	for progress := true; progress; {
		progress = false
		for i := 0; i < len(held); i++ {
			h := held[i]
			err := s.Apply(ctx, h.from, h.fact)
			if errors.Is(err, ErrUnexpectedSender) {
				continue
			}
			if err != nil {
				s.log.Warn().Err(err).Str("from", ids.Short(h.from)).Stringer("fact", h.fact.Type()).Stringer("channel", h.fact.Key()).Msg("held fact rejected")
			} else {
				progress = true
			}
			held = slices.Delete(held, i, i+1)
			i--
		}
	}
	return held
}

// Await blocks until the state of channel k satisfies pred.
func (s *Service) Await(ctx context.Context, k Key, pred func(*ChannelState) bool) (*ChannelState, error) {
	for {
		s.mu.Lock()
		st, ok := s.channels[k]
		if ok && pred(st) {
			c := st.Clone()
			s.mu.Unlock()
			return c, nil
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting on channel %s", journal.ErrTimeout, k)
			}
			return nil, ctx.Err()
		case <-wait:
		}
	}
}
