// Package choreotest assembles in-process clusters of devices that share
// one ledger, one transport hub and one recipient directory. Tests and the
// simulate command drive ceremonies through the member contexts.
package choreotest

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/f3rmion/aura/choreo"
	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/journal/journaltest"
	"github.com/f3rmion/aura/ledger"
	"github.com/f3rmion/aura/securestore"
	"github.com/f3rmion/aura/transport"
)

// DefaultStartMs is the simulated wall time a cluster starts at.
const DefaultStartMs = 1_700_000_000_000

// SimulationSeed is the seed simulations use when none is given.
var SimulationSeed = func() []byte {
	seed := make([]byte, ids.Size)
	for i := range seed {
		seed[i] = 0xA5
	}
	return seed
}()

// Config describes a cluster.
type Config struct {
	Label     string
	Threshold int
	Devices   []string
	Guardians []string
	// Seed derives the session and context ids handed out by the
	// cluster. It defaults to SimulationSeed.
	Seed    []byte
	StartMs uint64
	Logger  zerolog.Logger
	// Rand feeds nonces and dealings; it defaults to crypto/rand.
	Rand io.Reader
	// LedgerOptions are passed to ledger.Open after the clock and logger.
	LedgerOptions []ledger.Option
}

// Member is one device of a cluster.
type Member struct {
	Name     string
	ID       ids.DeviceID
	Key      ed25519.PrivateKey
	Endpoint *transport.Endpoint
	Store    *securestore.Store
	Context  *choreo.ProtocolContext
}

// Cluster is a running set of devices.
type Cluster struct {
	Account   *journaltest.Account
	Clock     *clock.Simulated
	Ledger    *ledger.Ledger
	Hub       *transport.Hub
	Directory *securestore.Directory

	cfg    Config
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	members map[string]*Member
	order   []string
}

// New builds the account, opens the shared ledger, gives every device an
// endpoint, a secure store and a protocol context holding its genesis
// share, and starts every context's signer.
func New(ctx context.Context, cfg Config) (*Cluster, error) {
	if cfg.Label == "" {
		cfg.Label = "aura-sim"
	}
	if cfg.Seed == nil {
		cfg.Seed = SimulationSeed
	}
	if cfg.StartMs == 0 {
		cfg.StartMs = DefaultStartMs
	}
	account, err := journaltest.NewAccount(cfg.Label, cfg.Threshold, cfg.Devices, cfg.Guardians)
	if err != nil {
		return nil, fmt.Errorf("building account: %w", err)
	}
	clk := clock.NewSimulated(cfg.StartMs)
	opts := append([]ledger.Option{ledger.WithClock(clk), ledger.WithLogger(cfg.Logger)}, cfg.LedgerOptions...)
	l, err := ledger.Open(ctx, account.Genesis, opts...)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, runCtx := errgroup.WithContext(runCtx)
	c := &Cluster{
		Account:   account,
		Clock:     clk,
		Ledger:    l,
		Hub:       transport.NewHub(cfg.Logger),
		Directory: securestore.NewDirectory(),
		cfg:       cfg,
		log:       cfg.Logger,
		ctx:       runCtx,
		cancel:    cancel,
		group:     g,
		members:   map[string]*Member{},
	}
	for i, d := range account.Devices {
		m, err := c.Join(d.Name, d.Key)
		if err != nil {
			c.Close()
			return nil, err
		}
		share := copyShare(d.Share)
		if _, err := m.Context.Keys().Install(ctx, i+1, cfg.Threshold, len(account.Devices), share); err != nil {
			c.Close()
			return nil, fmt.Errorf("installing share of %s: %w", d.Name, err)
		}
	}
	return c, nil
}

// Join adds a device named name with signing key key to the cluster and
// starts its signer. Devices outside the genesis set join this way, for
// instance to be recovered into the account.
func (c *Cluster) Join(name string, key ed25519.PrivateKey) (*Member, error) {
	id := ids.FromLabel[ids.DeviceID](name)
	ep, err := c.Hub.Endpoint(id)
	if err != nil {
		return nil, err
	}
	store, err := securestore.Generate(c.log)
	if err != nil {
		return nil, err
	}
	pc, err := choreo.NewProtocolContext(choreo.Config{
		Device:    id,
		Key:       key,
		Ledger:    c.Ledger,
		Transport: ep,
		Store:     store,
		Directory: c.Directory,
		Clock:     c.Clock,
		Rand:      c.cfg.Rand,
		Logger:    c.log,
	})
	if err != nil {
		return nil, err
	}
	m := &Member{Name: name, ID: id, Key: key, Endpoint: ep, Store: store, Context: pc}
	c.mu.Lock()
	c.members[name] = m
	c.order = append(c.order, name)
	c.mu.Unlock()
	c.group.Go(func() error {
		err := pc.Serve(c.ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	})
	return m, nil
}

// Member returns the named member or nil.
func (c *Cluster) Member(name string) *Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[name]
}

// Context returns the named member's protocol context. It panics on
// unknown names.
func (c *Cluster) Context(name string) *choreo.ProtocolContext {
	m := c.Member(name)
	if m == nil {
		panic("choreotest: unknown member " + name)
	}
	return m.Context
}

// Members returns the members in join order.
func (c *Cluster) Members() []*Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Member, len(c.order))
	for i, name := range c.order {
		out[i] = c.members[name]
	}
	return out
}

// IDs returns the device ids of the named members.
func (c *Cluster) IDs(names ...string) []ids.DeviceID {
	out := make([]ids.DeviceID, len(names))
	for i, name := range names {
		out[i] = ids.FromLabel[ids.DeviceID](name)
	}
	return out
}

// Guardian returns the named guardian as a choreo.Guardian.
func (c *Cluster) Guardian(name string) *choreo.LocalGuardian {
	g := c.Account.Guardian(name)
	return &choreo.LocalGuardian{ID: g.ID, Key: g.Key}
}

// SessionID derives a session id from the cluster seed and label.
func (c *Cluster) SessionID(label string) ids.SessionID {
	return ids.Derive[ids.SessionID]("aura-sim-session", c.cfg.Seed, []byte(label))
}

// ContextID derives a context id from the cluster seed and label.
func (c *Cluster) ContextID(label string) ids.ContextID {
	return ids.Derive[ids.ContextID]("aura-sim-context", c.cfg.Seed, []byte(label))
}

// Close stops every signer and closes the ledger.
func (c *Cluster) Close() error {
	c.cancel()
	for _, m := range c.Members() {
		m.Endpoint.Close()
	}
	err := c.group.Wait()
	if cerr := c.Ledger.Close(); err == nil {
		err = cerr
	}
	return err
}

func copyShare(s *frost.KeyShare) *frost.KeyShare {
	return &frost.KeyShare{
		ID:        journal.Suite.NewScalar().Set(s.ID),
		SecretKey: journal.Suite.NewScalar().Set(s.SecretKey),
		PublicKey: journal.Suite.NewPoint().Set(s.PublicKey),
		GroupKey:  journal.Suite.NewPoint().Set(s.GroupKey),
	}
}
