// Package choreo drives the account's multi-party ceremonies. Every
// protocol is a phase machine whose evidence-bearing transitions require a
// witness, and every participant acts through a ProtocolContext that emits
// events to the shared ledger and exchanges key material over the
// transport.
package choreo

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/ledger"
	"github.com/f3rmion/aura/securestore"
	"github.com/f3rmion/aura/transport"
)

// DefaultAwaitTimeoutEpochs bounds how far the account clock may advance
// while a participant waits for its peers.
const DefaultAwaitTimeoutEpochs = 10

// Config wires a ProtocolContext. Ledger, Transport and Store are shared
// with the rest of the process and passed in explicitly.
type Config struct {
	Device    ids.DeviceID
	Key       ed25519.PrivateKey
	Ledger    *ledger.Ledger
	Transport transport.Transport
	// Store seals this device's key shares and opens material sealed to
	// it.
	Store *securestore.Store
	// Directory resolves the age recipients of peer devices.
	Directory *securestore.Directory
	// Clock defaults to the ledger's clock.
	Clock clock.TimeEffects
	// Rand defaults to crypto/rand.
	Rand               io.Reader
	Logger             zerolog.Logger
	AwaitTimeoutEpochs uint64
}

// ProtocolContext is one device's handle on the account's ceremonies.
type ProtocolContext struct {
	device ids.DeviceID
	key    ed25519.PrivateKey
	ledger *ledger.Ledger
	tr     transport.Transport
	store  *securestore.Store
	dir    *securestore.Directory
	clock  clock.TimeEffects
	rng    io.Reader
	log    zerolog.Logger
	keys   *Keyring
	signer *Signer

	awaitEpochs uint64

	mu          sync.Mutex
	mailbox     map[string][]transport.Envelope
	revealFault func([]byte) []byte
}

// NewProtocolContext validates cfg and builds the context, its keyring and
// its FROST signer.
func NewProtocolContext(cfg Config) (*ProtocolContext, error) {
	switch {
	case cfg.Ledger == nil:
		return nil, errors.New("protocol context needs a ledger")
	case cfg.Transport == nil:
		return nil, errors.New("protocol context needs a transport")
	case cfg.Store == nil:
		return nil, errors.New("protocol context needs a secure store")
	case len(cfg.Key) != ed25519.PrivateKeySize:
		return nil, errors.New("protocol context needs an ed25519 device key")
	case cfg.Transport.DeviceID() != cfg.Device:
		return nil, fmt.Errorf("transport belongs to %s, not %s", ids.Short(cfg.Transport.DeviceID()), ids.Short(cfg.Device))
	}
	if cfg.Clock == nil {
		cfg.Clock = cfg.Ledger.Clock()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Directory == nil {
		cfg.Directory = securestore.NewDirectory()
	}
	if cfg.AwaitTimeoutEpochs == 0 {
		cfg.AwaitTimeoutEpochs = DefaultAwaitTimeoutEpochs
	}
	cfg.Directory.Register(cfg.Device, cfg.Store.Recipient())

	log := cfg.Logger.With().Str("component", "choreo").Str("device_id", ids.Short(cfg.Device)).Logger()
	keys := NewKeyring(cfg.Ledger.AccountID(), cfg.Store)
	return &ProtocolContext{
		device:      cfg.Device,
		key:         cfg.Key,
		ledger:      cfg.Ledger,
		tr:          cfg.Transport,
		store:       cfg.Store,
		dir:         cfg.Directory,
		clock:       cfg.Clock,
		rng:         cfg.Rand,
		log:         log,
		keys:        keys,
		signer:      NewSigner(cfg.Device, cfg.Transport, keys, cfg.Ledger, cfg.Clock, cfg.Rand, cfg.Logger),
		awaitEpochs: cfg.AwaitTimeoutEpochs,
		mailbox:     map[string][]transport.Envelope{},
	}, nil
}

func (pc *ProtocolContext) Device() ids.DeviceID     { return pc.device }
func (pc *ProtocolContext) Ledger() *ledger.Ledger   { return pc.ledger }
func (pc *ProtocolContext) Keys() *Keyring           { return pc.keys }
func (pc *ProtocolContext) Signer() *Signer          { return pc.signer }
func (pc *ProtocolContext) Clock() clock.TimeEffects { return pc.clock }
func (pc *ProtocolContext) Logger() zerolog.Logger   { return pc.log }

// Serve answers FROST signing requests until ctx is done.
func (pc *ProtocolContext) Serve(ctx context.Context) error {
	return pc.signer.Serve(ctx)
}

// SetRevealFault installs a hook that rewrites the point this device
// reveals in DKD sessions. Simulations use it to model a device revealing
// something other than what it committed to.
func (pc *ProtocolContext) SetRevealFault(f func(point []byte) []byte) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.revealFault = f
}

// Builder produces the payload of the next event from the head state and
// the header it will be signed under.
type Builder func(state *journal.AccountState, h journal.Header) (journal.Payload, error)

// Emit signs p with the device key and appends it.
func (pc *ProtocolContext) Emit(ctx context.Context, p journal.Payload) (ledger.Entry, error) {
	return pc.EmitWith(ctx, func(*journal.AccountState, journal.Header) (journal.Payload, error) { return p, nil })
}

// EmitWith builds, signs and appends the next device event under the
// ledger's append lock, so the nonce, parent hash and Lamport value it
// receives are current.
func (pc *ProtocolContext) EmitWith(ctx context.Context, build Builder) (ledger.Entry, error) {
	return pc.ledger.AppendWith(ctx, func(state *journal.AccountState, h journal.Header) (*journal.Event, error) {
		h.Nonce = state.NextNonce(pc.device)
		p, err := build(state, h)
		if err != nil {
			return nil, err
		}
		ev, err := journal.NewEvent(h, p)
		if err != nil {
			return nil, err
		}
		if err := journal.SignAsDevice(ev, pc.device, pc.key); err != nil {
			return nil, err
		}
		return ev, nil
	})
}

// EmitThreshold has the current share holders sign p with the group key
// and appends it.
func (pc *ProtocolContext) EmitThreshold(ctx context.Context, p journal.Payload) (ledger.Entry, error) {
	return pc.EmitThresholdWith(ctx, func(*journal.AccountState, journal.Header) (journal.Payload, error) { return p, nil })
}

// EmitThresholdWith builds the payload against the head, has the share
// holders sign it and appends it. A round that loses the race for the
// ledger head is built and signed again on top of the new head.
func (pc *ProtocolContext) EmitThresholdWith(ctx context.Context, build Builder) (ledger.Entry, error) {
	var entry ledger.Entry
	expRetry, err := retry.NewExponential(10 * time.Millisecond)
	if err != nil {
		return entry, err
	}
	err = retry.Do(ctx, retry.WithMaxRetries(3, expRetry), func(ctx context.Context) error {
		seq := pc.ledger.Seq()
		h := pc.ledger.Header()
		p, err := build(pc.ledger.State(), h)
		if err != nil {
			return err
		}
		ev, err := pc.signThreshold(ctx, h, p)
		if err != nil {
			return err
		}
		entry, err = pc.ledger.AppendEvent(ctx, ev)
		if err != nil && pc.ledger.Seq() != seq {
			pc.log.Debug().Err(err).Msg("ledger head moved while signing, signing again")
			return retry.RetryableError(err)
		}
		return err
	})
	return entry, err
}

func (pc *ProtocolContext) signThreshold(ctx context.Context, h journal.Header, p journal.Payload) (*journal.Event, error) {
	ev, err := journal.NewEvent(h, p)
	if err != nil {
		return nil, err
	}
	msg, err := ev.SignableHash()
	if err != nil {
		return nil, err
	}
	req := SignRequest{Message: msg[:], Event: ev, PublicShares: map[ids.DeviceID][]byte{}}
	pc.ledger.View(func(state *journal.AccountState) {
		req.GroupKey = slices.Clone(state.GroupPublicKey)
		req.Threshold = int(state.Threshold)
		for _, d := range state.ShareHolders() {
			req.Candidates = append(req.Candidates, d.DeviceID)
			if d.SharePublicKey != nil {
				req.PublicShares[d.DeviceID] = slices.Clone(d.SharePublicKey)
			}
		}
	})
	res, err := pc.signer.Sign(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("threshold signing %s: %w", ev.Type, err)
	}
	ev.Authorization = journal.ThresholdAuth(res.Signers, res.Signature)
	return ev, nil
}

// AcquireLock requests the operation lock for session and grants it to
// this device. The grant fails while another session holds the lock or a
// competing request holds a lower lottery ticket.
func (pc *ProtocolContext) AcquireLock(ctx context.Context, op journal.OperationType, session ids.SessionID) error {
	_, err := pc.EmitWith(ctx, func(_ *journal.AccountState, h journal.Header) (journal.Payload, error) {
		return &journal.RequestOperationLock{
			Operation:     op,
			SessionID:     session,
			DeviceID:      pc.device,
			LotteryTicket: journal.LotteryTicket(pc.device, session, h.EpochAtWrite),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("requesting %s lock: %w", op, err)
	}
	_, err = pc.EmitWith(ctx, func(_ *journal.AccountState, h journal.Header) (journal.Payload, error) {
		return &journal.GrantOperationLock{Operation: op, SessionID: session, Winner: pc.device, GrantedAtEpoch: h.EpochAtWrite}, nil
	})
	if err != nil {
		return fmt.Errorf("granting %s lock: %w", op, err)
	}
	return nil
}

// await blocks until ready reports true against the head state. It fails
// with ErrTimeout once the account clock moves timeoutEpochs past its
// value at the call; zero uses the context default.
func (pc *ProtocolContext) await(ctx context.Context, timeoutEpochs uint64, ready func(*journal.AccountState) (bool, error)) error {
	if timeoutEpochs == 0 {
		timeoutEpochs = pc.awaitEpochs
	}
	var deadline uint64
	pc.ledger.View(func(s *journal.AccountState) { deadline = s.LamportClock + timeoutEpochs })

	var result error
	cond := clock.When(func() bool {
		done := false
		pc.ledger.View(func(s *journal.AccountState) {
			ok, err := ready(s)
			switch {
			case err != nil:
				result, done = err, true
			case ok:
				done = true
			case s.LamportClock > deadline:
				result = fmt.Errorf("%w: nothing after %d epochs", journal.ErrTimeout, timeoutEpochs)
				done = true
			}
		})
		return done
	}, pc.ledger.Subscribe)
	if err := pc.clock.YieldUntil(ctx, cond); err != nil {
		return err
	}
	return result
}

// AwaitSession waits until the record of id satisfies pred and returns a
// copy of it. A session that turns terminal first is an error; when it was
// aborted for Byzantine behaviour the error carries the blame.
func (pc *ProtocolContext) AwaitSession(ctx context.Context, id ids.SessionID, timeoutEpochs uint64, pred func(*journal.SessionRecord) bool) (*journal.SessionRecord, error) {
	var rec *journal.SessionRecord
	err := pc.await(ctx, timeoutEpochs, func(s *journal.AccountState) (bool, error) {
		r, ok := s.Session(id)
		if !ok {
			return false, nil
		}
		if pred(r) {
			rec = r.Clone()
			return true, nil
		}
		if r.IsTerminal() {
			return false, SessionEnded(r)
		}
		return false, nil
	})
	return rec, err
}

// SessionEnded describes why a session stopped before the caller's
// condition held.
func SessionEnded(rec *journal.SessionRecord) error {
	if o := rec.Outcome; o != nil && o.Reason.Kind == journal.AbortByzantine && o.Reason.Device != nil {
		return fmt.Errorf("%w: session %s: %w", journal.ErrSessionTerminal, ids.Short(rec.SessionID),
			&journal.ByzantineError{Who: *o.Reason.Device, Why: o.Reason.Details})
	}
	reason := rec.Status.String()
	if rec.Outcome != nil && rec.Outcome.Reason.Kind != 0 {
		reason += " (" + rec.Outcome.Reason.Kind.String() + ")"
	}
	return fmt.Errorf("%w: session %s is %s", journal.ErrSessionTerminal, ids.Short(rec.SessionID), reason)
}

// AwaitThreshold waits until at least n retained events match filter and
// returns the first n.
func (pc *ProtocolContext) AwaitThreshold(ctx context.Context, n int, filter func(*journal.Event) bool, timeoutEpochs uint64) ([]ledger.Entry, error) {
	var matched []ledger.Entry
	err := pc.await(ctx, timeoutEpochs, func(*journal.AccountState) (bool, error) {
		matched = matched[:0]
		for _, e := range pc.ledger.Events() {
			if filter(e.Event) {
				matched = append(matched, e)
				if len(matched) == n {
					return true, nil
				}
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}

// AwaitEvent waits for the first retained event matching filter.
func (pc *ProtocolContext) AwaitEvent(ctx context.Context, filter func(*journal.Event) bool, timeoutEpochs uint64) (ledger.Entry, error) {
	entries, err := pc.AwaitThreshold(ctx, 1, filter, timeoutEpochs)
	if err != nil {
		return ledger.Entry{}, err
	}
	return entries[0], nil
}

// OfType matches events of type t whose session payload names session.
func OfType(t journal.EventType, session ids.SessionID) func(*journal.Event) bool {
	return func(ev *journal.Event) bool {
		if ev.Type != t {
			return false
		}
		p, err := ev.DecodePayload()
		if err != nil {
			return false
		}
		sp, ok := p.(journal.SessionPayload)
		return ok && sp.Session() == session
	}
}

// send seals payload to a peer's age recipient and sends it tagged with
// session.
func (pc *ProtocolContext) send(ctx context.Context, to ids.DeviceID, contentType string, session ids.SessionID, id string, payload []byte) error {
	sealed, err := pc.dir.SealFor(to, payload)
	if err != nil {
		return err
	}
	meta := map[string]string{transport.MetaSession: session.String(), transport.MetaEventID: id}
	return pc.tr.Send(ctx, to, contentType, meta, sealed)
}

// receive returns the next envelope of contentType for session, opened
// with this device's identity. Envelopes of other sessions are held for
// their own receivers.
func (pc *ProtocolContext) receive(ctx context.Context, contentType string, session ids.SessionID) (transport.Envelope, []byte, error) {
	key := contentType + "/" + session.String()
	for {
		pc.mu.Lock()
		if queued := pc.mailbox[key]; len(queued) > 0 {
			env := queued[0]
			pc.mailbox[key] = queued[1:]
			pc.mu.Unlock()
			plain, err := securestore.Open(env.Payload, pc.store.Identity())
			return env, plain, err
		}
		pc.mu.Unlock()

		env, err := pc.tr.Receive(ctx, contentType)
		if err != nil {
			return transport.Envelope{}, nil, err
		}
		if env.Metadata[transport.MetaSession] != session.String() {
			other := contentType + "/" + env.Metadata[transport.MetaSession]
			pc.mu.Lock()
			pc.mailbox[other] = append(pc.mailbox[other], env)
			pc.mu.Unlock()
			continue
		}
		plain, err := securestore.Open(env.Payload, pc.store.Identity())
		return env, plain, err
	}
}
