// Package agent runs one device. It owns no collaborators: the ledger,
// secure store, transport, protocol context and services are handed to New
// and wired behind a bridge, whose commands the agent executes and whose
// subscribers receive what the device observes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/f3rmion/aura/amp"
	"github.com/f3rmion/aura/bridge"
	"github.com/f3rmion/aura/channel"
	"github.com/f3rmion/aura/choreo"
	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/config"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/leakage"
	"github.com/f3rmion/aura/ledger"
	"github.com/f3rmion/aura/policy"
	"github.com/f3rmion/aura/proposal"
	"github.com/f3rmion/aura/securestore"
	"github.com/f3rmion/aura/transport"
)

// DefaultLinkBudget is the flow budget of a new secure channel, in bytes.
const DefaultLinkBudget = 1 << 20

// Config identifies the device an agent runs.
type Config struct {
	DeviceID    ids.DeviceID
	AuthorityID ids.AuthorityID
	// ContextID scopes channels, policy overrides, proposals and leakage.
	ContextID ids.ContextID
	Mode      config.Mode
}

// Deps are the collaborators of an agent. Ledger, Store, Transport,
// Protocol and AMP are required.
type Deps struct {
	Ledger    *ledger.Ledger
	Store     *securestore.Store
	Transport transport.Transport
	Protocol  *choreo.ProtocolContext
	AMP       *amp.Service

	// Policy defaults to policy.DefaultRegistry.
	Policy *policy.Registry
	// Proposals defaults to a manager on Clock.
	Proposals *proposal.Manager
	// Leakage defaults to a tracker with an unlimited budget for the
	// agent's context.
	Leakage *leakage.Tracker
	// Channels defaults to a registry sending goodbyes over Transport.
	Channels *channel.Registry

	Recovery RecoveryPlan
	// Peers are ledgers ForceSync pulls from, by name.
	Peers map[string]*ledger.Ledger

	Bridge     bridge.Config
	LinkBudget uint64
	Clock      clock.TimeEffects
	Logger     zerolog.Logger
}

var (
	ErrMissingDependency = errors.New("agent: missing dependency")
	ErrIdentityMismatch  = errors.New("agent: identity mismatch")
)

// Agent is a running device. It is safe for concurrent use.
type Agent struct {
	cfg       Config
	ledger    *ledger.Ledger
	store     *securestore.Store
	transport transport.Transport
	protocol  *choreo.ProtocolContext
	amp       *amp.Service
	policy    *policy.Registry
	proposals *proposal.Manager
	leakage   *leakage.Tracker
	channels  *channel.Registry
	plan      RecoveryPlan
	peers     map[string]*ledger.Ledger
	bridge    *bridge.Bridge
	clock     clock.TimeEffects
	log       zerolog.Logger
	budget    uint64

	mu          sync.Mutex
	stop        context.CancelFunc
	recovery    *recoveryRun
	invitations map[string]securestore.Location
	completed   []string
	ready       chan struct{}
	synced      uint64
	devices     map[ids.DeviceID]struct{}
}

// New wires an agent from cfg and deps. Commands are executed once Run is
// called.
func New(cfg Config, deps Deps) (*Agent, error) {
	switch {
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: secure store", ErrMissingDependency)
	case deps.Transport == nil:
		return nil, fmt.Errorf("%w: transport", ErrMissingDependency)
	case deps.Protocol == nil:
		return nil, fmt.Errorf("%w: protocol context", ErrMissingDependency)
	case deps.AMP == nil:
		return nil, fmt.Errorf("%w: AMP service", ErrMissingDependency)
	}
	if got := deps.Transport.DeviceID(); got != cfg.DeviceID {
		return nil, fmt.Errorf("%w: transport belongs to %s, not %s", ErrIdentityMismatch, ids.Short(got), ids.Short(cfg.DeviceID))
	}
	if got := deps.Protocol.Device(); got != cfg.DeviceID {
		return nil, fmt.Errorf("%w: protocol context belongs to %s", ErrIdentityMismatch, ids.Short(got))
	}
	if got := deps.AMP.Authority(); got != cfg.AuthorityID {
		return nil, fmt.Errorf("%w: AMP service speaks for %s", ErrIdentityMismatch, ids.Short(got))
	}
	if deps.Clock == nil {
		deps.Clock = deps.Ledger.Clock()
	}
	if _, simulated := deps.Clock.(*clock.Simulated); cfg.Mode == config.ModeSimulation && !simulated {
		return nil, fmt.Errorf("%w: simulation mode needs a simulated clock", journal.ErrInvalidState)
	}
	log := logging.Component(deps.Logger, "agent").With().
		Str("device_id", ids.Short(cfg.DeviceID)).
		Str("authority_id", ids.Short(cfg.AuthorityID)).Logger()

	a := &Agent{
		cfg:         cfg,
		ledger:      deps.Ledger,
		store:       deps.Store,
		transport:   deps.Transport,
		protocol:    deps.Protocol,
		amp:         deps.AMP,
		policy:      deps.Policy,
		proposals:   deps.Proposals,
		leakage:     deps.Leakage,
		channels:    deps.Channels,
		plan:        deps.Recovery,
		peers:       deps.Peers,
		clock:       deps.Clock,
		log:         log,
		budget:      deps.LinkBudget,
		invitations: map[string]securestore.Location{},
		ready:       make(chan struct{}, 1),
		devices:     map[ids.DeviceID]struct{}{},
	}
	if a.policy == nil {
		a.policy = policy.DefaultRegistry()
	}
	if a.proposals == nil {
		a.proposals = proposal.NewManager(a.clock, deps.Logger)
	}
	if a.leakage == nil {
		a.leakage = leakage.NewTracker(a.clock, deps.Logger)
		a.leakage.Register(cfg.ContextID, leakage.Unlimited())
	}
	if a.channels == nil {
		a.channels = channel.NewRegistry(channel.DefaultConfig(),
			channel.WithGoodbye(channel.TransportGoodbye(deps.Transport)),
			channel.WithClock(a.clock), channel.WithLogger(deps.Logger))
	}
	if a.budget == 0 {
		a.budget = DefaultLinkBudget
	}
	bcfg := deps.Bridge
	if bcfg == (bridge.Config{}) {
		bcfg = bridge.DefaultConfig()
	}
	a.bridge = bridge.New(bcfg, bridge.HandlerFunc(a.handle), bridge.WithLogger(deps.Logger))
	a.proposals.Observe(a.observeProposal)

	a.ledger.View(func(state *journal.AccountState) {
		for _, id := range state.ActiveDevices() {
			a.devices[id] = struct{}{}
		}
	})
	a.synced = a.ledger.Seq()
	return a, nil
}

// Config returns the agent's identity.
func (a *Agent) Config() Config { return a.cfg }

// Bridge returns the bridge commands are dispatched on.
func (a *Agent) Bridge() *bridge.Bridge { return a.bridge }

// Proposals returns the proposal manager deferred operations are opened on.
func (a *Agent) Proposals() *proposal.Manager { return a.proposals }

// Channels returns the secure channel registry.
func (a *Agent) Channels() *channel.Registry { return a.channels }

// Leakage returns the leakage tracker.
func (a *Agent) Leakage() *leakage.Tracker { return a.leakage }

// Run executes commands and receives channel traffic until ctx is done or
// a Shutdown command is handled. The bridge is closed when Run returns, so
// an agent runs once.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.stop = cancel
	a.mu.Unlock()

	a.log.Info().Str("mode", string(a.cfg.Mode)).Msg("agent started")
	a.bridge.SetConnected(true, "")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.bridge.Run(ctx) })
	g.Go(func() error { return a.amp.Serve(ctx) })
	g.Go(func() error { return a.receiveMessages(ctx) })
	g.Go(func() error { return a.receiveInvitations(ctx) })
	g.Go(func() error { return a.receiveGoodbyes(ctx) })
	g.Go(func() error { return a.runProposals(ctx) })
	err := g.Wait()

	a.bridge.SetConnected(false, "agent stopped")
	a.bridge.Close()
	a.log.Info().Msg("agent stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

func (a *Agent) shutdown() {
	a.mu.Lock()
	stop := a.stop
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (a *Agent) emit(ev bridge.Event) { a.bridge.Emit(ev) }

// warn reports a failure that does not belong to a command.
func (a *Agent) warn(msg string, err error) {
	a.log.Warn().Err(err).Msg(msg)
	a.emit(bridge.Warning{Message: fmt.Sprintf("%s: %v", msg, err)})
}

// stopped reports whether err ends a receive loop.
func stopped(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, transport.ErrClosed)
}
