package choreo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/group"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/codec"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/ledger"
	"github.com/f3rmion/aura/session"
	"github.com/f3rmion/aura/transport"
)

// ContentTypeFrost tags FROST signing traffic.
const ContentTypeFrost = "application/aura-frost"

type frostKind uint8

const (
	frostCommitRequest frostKind = iota + 1
	frostCommitment
	frostSignRequest
	frostShare
	frostRelease
	frostReject
)

func (k frostKind) isReply() bool {
	return k == frostCommitment || k == frostShare || k == frostReject
}

type frostMessage struct {
	_ struct{} `cbor:",toarray"`

	Kind        frostKind
	Request     ids.Hash
	GroupKey    []byte
	Message     []byte
	Event       []byte
	Commitment  *wireCommitment
	Commitments []wireCommitment
	Share       *wireShare
	Reason      string
}

// ErrSignRejected is returned when a signer refuses a request.
var ErrSignRejected = journal.NewKindError(journal.KindProtocol, "signer rejected request")

type signerReply struct {
	from ids.DeviceID
	msg  frostMessage
}

// Signer is a device's FROST endpoint. It answers signing requests with
// the shares in its keyring and coordinates rounds for local callers.
type Signer struct {
	device ids.DeviceID
	tr     transport.Transport
	keys   *Keyring
	ledger *ledger.Ledger
	clock  clock.TimeEffects
	rng    io.Reader
	log    zerolog.Logger

	mu      sync.Mutex
	rounds  map[ids.Hash]*session.SigningSession
	waiters map[ids.Hash]chan signerReply
	fault   func(*frost.SignatureShare)
}

// NewSigner returns the signer of a device. l may be nil; when set,
// requests that carry an event are checked against the ledger head before
// a nonce is drawn.
func NewSigner(device ids.DeviceID, tr transport.Transport, keys *Keyring, l *ledger.Ledger, c clock.TimeEffects, rng io.Reader, log zerolog.Logger) *Signer {
	return &Signer{
		device:  device,
		tr:      tr,
		keys:    keys,
		ledger:  l,
		clock:   c,
		rng:     rng,
		log:     log.With().Str("component", "frost-signer").Str("device_id", ids.Short(device)).Logger(),
		rounds:  map[ids.Hash]*session.SigningSession{},
		waiters: map[ids.Hash]chan signerReply{},
	}
}

// SetShareFault installs a hook applied to every signature share this
// signer produces. Simulations use it to model a Byzantine signer.
func (s *Signer) SetShareFault(f func(*frost.SignatureShare)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// Serve answers requests and routes replies until ctx is done or the
// transport closes.
func (s *Signer) Serve(ctx context.Context) error {
	for {
		env, err := s.tr.Receive(ctx, ContentTypeFrost)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		var msg frostMessage
		if err := codec.Unmarshal(env.Payload, &msg); err != nil {
			s.log.Warn().Err(err).Str("from", ids.Short(env.From)).Msg("dropping malformed frost message")
			continue
		}
		if msg.Kind.isReply() {
			s.route(env.From, msg)
			continue
		}
		s.handle(ctx, env.From, msg)
	}
}

func (s *Signer) route(from ids.DeviceID, msg frostMessage) {
	s.mu.Lock()
	ch, ok := s.waiters[msg.Request]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- signerReply{from: from, msg: msg}:
	default:
		s.log.Warn().Str("from", ids.Short(from)).Msg("dropping surplus frost reply")
	}
}

func (s *Signer) handle(ctx context.Context, from ids.DeviceID, msg frostMessage) {
	var (
		reply frostMessage
		err   error
	)
	switch msg.Kind {
	case frostCommitRequest:
		reply, err = s.commit(ctx, msg)
	case frostSignRequest:
		reply, err = s.sign(msg)
	case frostRelease:
		s.release(msg.Request)
		return
	default:
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("from", ids.Short(from)).Msg("refusing signing request")
		reply = frostMessage{Kind: frostReject, Request: msg.Request, Reason: err.Error()}
	}
	if err := s.send(ctx, from, reply); err != nil {
		s.log.Warn().Err(err).Str("to", ids.Short(from)).Msg("could not answer signing request")
	}
}

func (s *Signer) commit(ctx context.Context, msg frostMessage) (frostMessage, error) {
	p, err := s.keys.Participant(ctx, msg.GroupKey)
	if err != nil {
		return frostMessage{}, err
	}
	if len(msg.Event) > 0 {
		if err := s.checkEvent(msg.Event, msg.Message); err != nil {
			return frostMessage{}, err
		}
	}
	round, err := p.NewSigningSession(s.rng, msg.Message)
	if err != nil {
		return frostMessage{}, err
	}
	s.mu.Lock()
	s.rounds[msg.Request] = round
	s.mu.Unlock()
	c := encodeCommitment(round.Commitment())
	return frostMessage{Kind: frostCommitment, Request: msg.Request, Commitment: &c}, nil
}

// checkEvent requires message to be the signable hash of the encoded
// event and the event to apply on top of the ledger head.
func (s *Signer) checkEvent(encoded, message []byte) error {
	ev, err := journal.UnmarshalEvent(encoded)
	if err != nil {
		return err
	}
	h, err := ev.SignableHash()
	if err != nil {
		return err
	}
	if !slices.Equal(h[:], message) {
		return fmt.Errorf("%w: message is not the event's signable hash", journal.ErrInvalidState)
	}
	if s.ledger == nil {
		return nil
	}
	s.ledger.View(func(state *journal.AccountState) {
		err = state.Clone().Apply(ev)
	})
	return err
}

func (s *Signer) sign(msg frostMessage) (frostMessage, error) {
	s.mu.Lock()
	round, ok := s.rounds[msg.Request]
	delete(s.rounds, msg.Request)
	fault := s.fault
	s.mu.Unlock()
	if !ok {
		return frostMessage{}, fmt.Errorf("%w: no open round", journal.ErrInvalidState)
	}
	commitments := make([]*frost.SigningCommitment, 0, len(msg.Commitments))
	for _, w := range msg.Commitments {
		c, err := decodeCommitment(w)
		if err != nil {
			round.Discard()
			return frostMessage{}, err
		}
		commitments = append(commitments, c)
	}
	share, err := round.Sign(commitments)
	if err != nil {
		return frostMessage{}, err
	}
	if fault != nil {
		fault(share)
	}
	w := encodeShare(share)
	return frostMessage{Kind: frostShare, Request: msg.Request, Share: &w}, nil
}

func (s *Signer) release(request ids.Hash) {
	s.mu.Lock()
	round, ok := s.rounds[request]
	delete(s.rounds, request)
	s.mu.Unlock()
	if ok {
		round.Discard()
	}
}

func (s *Signer) send(ctx context.Context, to ids.DeviceID, msg frostMessage) error {
	data, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	meta := map[string]string{transport.MetaEventID: msg.Request.String() + ":" + fmt.Sprint(msg.Kind)}
	return s.tr.Send(ctx, to, ContentTypeFrost, meta, data)
}

// SignRequest describes one coordinated signing round.
type SignRequest struct {
	GroupKey []byte
	Message  []byte
	// Event, when set, is the event whose signable hash Message is;
	// signers check it before committing.
	Event *journal.Event
	// Candidates are asked to sign; the first Threshold to commit do.
	Candidates []ids.DeviceID
	Threshold  int
	// PublicShares, keyed by device, lets a failed aggregate be blamed on
	// the signer whose share does not verify.
	PublicShares map[ids.DeviceID][]byte
	// TimeoutMs bounds the round on the signer's clock; zero waits for
	// ctx.
	TimeoutMs uint64
}

// SignResult is an aggregated signature and the devices that produced it.
type SignResult struct {
	Signature []byte
	Signers   []ids.DeviceID
	Phases    []SigningPhase
}

// Sign coordinates a FROST round among req.Candidates.
func (s *Signer) Sign(ctx context.Context, req SignRequest) (*SignResult, error) {
	m := NewSigningMachine()
	res, err := s.runRound(ctx, m, req)
	if err != nil {
		m.fail(SigningFailed)
		return nil, err
	}
	res.Phases = m.History()
	return res, nil
}

func (s *Signer) runRound(ctx context.Context, m *Machine[SigningPhase], req SignRequest) (*SignResult, error) {
	if req.Threshold < 1 || len(req.Candidates) < req.Threshold {
		return nil, &journal.ThresholdNotMetError{Current: len(req.Candidates), Required: req.Threshold}
	}
	groupKey, err := group.DecodePoint(journal.Suite, req.GroupKey)
	if err != nil {
		return nil, fmt.Errorf("%w: group key: %v", journal.ErrKeyMismatch, err)
	}
	var nonce [ids.Size]byte
	if _, err := io.ReadFull(s.rng, nonce[:]); err != nil {
		return nil, err
	}
	request := ids.Sum([]byte("aura-frost-request:"), s.device[:], nonce[:], req.Message)

	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		h := s.clock.SetTimeout(req.TimeoutMs, cancel)
		defer s.clock.CancelTimeout(h)
	}
	replies := make(chan signerReply, 2*len(req.Candidates))
	s.mu.Lock()
	s.waiters[request] = replies
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, request)
		s.mu.Unlock()
	}()

	if err := m.Transition(SigningCommitmentPhase, nil); err != nil {
		return nil, err
	}
	open := frostMessage{Kind: frostCommitRequest, Request: request, GroupKey: req.GroupKey, Message: req.Message}
	if req.Event != nil {
		if open.Event, err = journal.MarshalEvent(req.Event); err != nil {
			return nil, err
		}
	}
	s.broadcast(ctx, req.Candidates, open)
	if err := m.Transition(SigningAwaitingCommitments, nil); err != nil {
		return nil, err
	}

	// Collect commitments until the threshold is reached or every
	// candidate answered.
	var (
		chosen      []ids.DeviceID
		commitments []*frost.SigningCommitment
		answered    = map[ids.DeviceID]bool{}
		reasons     []string
	)
	for len(chosen) < req.Threshold && len(answered) < len(req.Candidates) {
		r, err := s.next(ctx, replies)
		if err != nil {
			return nil, fmt.Errorf("%w: %d of %d commitments: %w", journal.ErrTimeout, len(chosen), req.Threshold, err)
		}
		if answered[r.from] || !slices.Contains(req.Candidates, r.from) {
			continue
		}
		answered[r.from] = true
		if r.msg.Kind != frostCommitment || r.msg.Commitment == nil {
			reasons = append(reasons, ids.Short(r.from)+": "+r.msg.Reason)
			continue
		}
		c, err := decodeCommitment(*r.msg.Commitment)
		if err != nil {
			reasons = append(reasons, ids.Short(r.from)+": "+err.Error())
			continue
		}
		chosen = append(chosen, r.from)
		commitments = append(commitments, c)
	}
	var unused []ids.DeviceID
	for _, d := range req.Candidates {
		if !slices.Contains(chosen, d) {
			unused = append(unused, d)
		}
	}
	defer s.broadcast(context.WithoutCancel(ctx), unused, frostMessage{Kind: frostRelease, Request: request})

	witness, err := VerifyCommitmentThreshold(commitments, req.Threshold)
	if err != nil {
		return nil, fmt.Errorf("%w (%v): %w", ErrSignRejected, reasons, err)
	}
	if err := m.Transition(SigningSigningPhase, witness); err != nil {
		return nil, err
	}

	wires := make([]wireCommitment, len(commitments))
	for i, c := range commitments {
		wires[i] = encodeCommitment(c)
	}
	s.broadcast(ctx, chosen, frostMessage{Kind: frostSignRequest, Request: request, Commitments: wires})
	if err := m.Transition(SigningAwaitingShares, nil); err != nil {
		return nil, err
	}

	shares := make([]*frost.SignatureShare, 0, len(chosen))
	from := make([]ids.DeviceID, 0, len(chosen))
	for len(from) < len(chosen) {
		r, err := s.next(ctx, replies)
		if err != nil {
			return nil, fmt.Errorf("%w: %d of %d shares: %w", journal.ErrTimeout, len(from), len(chosen), err)
		}
		if !slices.Contains(chosen, r.from) || slices.Contains(from, r.from) {
			continue
		}
		if r.msg.Kind != frostShare || r.msg.Share == nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrSignRejected, ids.Short(r.from), r.msg.Reason)
		}
		share, err := decodeShare(*r.msg.Share)
		if err != nil {
			return nil, &journal.ByzantineError{Who: r.from, Why: "malformed signature share: " + err.Error()}
		}
		shares = append(shares, share)
		from = append(from, r.from)
	}
	shareWitness, err := VerifyShareThreshold(shares, req.Threshold)
	if err != nil {
		return nil, err
	}
	if err := m.Transition(SigningReadyToAggregate, shareWitness); err != nil {
		return nil, err
	}

	f, err := frost.New(journal.Suite, req.Threshold, len(req.Candidates))
	if err != nil {
		return nil, err
	}
	sig, err := session.Aggregate(f, groupKey, req.Message, commitments, shares)
	if err != nil {
		return nil, err
	}
	aggregated, err := VerifySignature(req.GroupKey, req.Message, sig.Bytes())
	if err != nil {
		if blame := s.blame(f, groupKey, req, commitments, shares, from); blame != nil {
			return nil, blame
		}
		return nil, err
	}
	if err := m.Transition(SigningComplete, aggregated); err != nil {
		return nil, err
	}
	s.log.Debug().Int("signers", len(from)).Msg("signature aggregated")
	return &SignResult{Signature: aggregated.Signature(), Signers: from}, nil
}

func (s *Signer) next(ctx context.Context, replies <-chan signerReply) (signerReply, error) {
	select {
	case <-ctx.Done():
		return signerReply{}, ctx.Err()
	case r := <-replies:
		return r, nil
	}
}

// blame names the first signer whose share does not verify against its
// public key share.
func (s *Signer) blame(f *frost.FROST, groupKey group.Point, req SignRequest, commitments []*frost.SigningCommitment, shares []*frost.SignatureShare, from []ids.DeviceID) error {
	for i, share := range shares {
		pub, ok := req.PublicShares[from[i]]
		if !ok {
			continue
		}
		point, err := group.DecodePoint(journal.Suite, pub)
		if err != nil {
			continue
		}
		if err := f.VerifyShare(share, point, groupKey, req.Message, commitments); err != nil {
			s.log.Warn().Str("signer", ids.Short(from[i])).Msg("invalid signature share")
			return &journal.ByzantineError{Who: from[i], Why: "signature share does not verify"}
		}
	}
	return nil
}

// broadcast sends msg to every device concurrently. Delivery failures are
// logged; a missing signer shows up as a missing reply.
func (s *Signer) broadcast(ctx context.Context, to []ids.DeviceID, msg frostMessage) {
	var g errgroup.Group
	for _, d := range to {
		g.Go(func() error {
			if err := s.send(ctx, d, msg); err != nil {
				s.log.Warn().Err(err).Str("to", ids.Short(d)).Msg("could not send frost message")
			}
			return nil
		})
	}
	_ = g.Wait()
}
