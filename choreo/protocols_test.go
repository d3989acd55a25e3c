package choreo_test

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/f3rmion/aura/choreo"
	"github.com/f3rmion/aura/choreo/choreotest"
	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/journal/journaltest"
	"github.com/f3rmion/aura/ledger"
)

func newCluster(t *testing.T, threshold int, devices []string, guardians ...string) *choreotest.Cluster {
	t.Helper()
	c, err := choreotest.New(context.Background(), choreotest.Config{
		Label:     t.Name(),
		Threshold: threshold,
		Devices:   devices,
		Guardians: guardians,
		Logger:    logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func runDKD(ctx context.Context, c *choreotest.Cluster, id ids.SessionID, names ...string) ([]*choreo.DKDResult, []error) {
	results := make([]*choreo.DKDResult, len(names))
	errs := make([]error, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i], errs[i] = c.Context(name).RunDKD(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func TestDKDThreeOfThree(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob", "carol"})
	id, cid := c.SessionID("dkd"), c.ContextID("dkd")

	_, err := c.Context("bob").InitiateDKD(ctx, choreo.DKDConfig{
		SessionID:    id,
		ContextID:    cid,
		Threshold:    3,
		Participants: c.IDs("bob", "alice", "carol"),
	})
	require.NoError(t, err)

	results, errs := runDKD(ctx, c, id, "bob", "alice", "carol")
	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, r := range results[1:] {
		assert.Equal(t, results[0].DerivedKey, r.DerivedKey)
		assert.Equal(t, results[0].CommitmentRoot, r.CommitmentRoot)
		assert.Equal(t, results[0].SeedFingerprint, r.SeedFingerprint)
		assert.False(t, r.Observer)
	}
	assert.Equal(t, choreo.DKDFinalized, results[0].Phases[len(results[0].Phases)-1])
	assert.Len(t, results[0].DerivedKey, journal.Suite.PointSize())

	rec, ok := c.Ledger.Session(id)
	require.True(t, ok)
	assert.Equal(t, journal.StatusCompleted, rec.Status)
	root, ok := c.Ledger.State().CommitmentRoot(id)
	require.True(t, ok)
	assert.Equal(t, results[0].CommitmentRoot, root.Root)

	finals := 0
	for _, e := range c.Ledger.Events() {
		if e.Event.Type == journal.TypeFinalizeDkdSession {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
}

func TestDKDAbortsOnForgedReveal(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob", "carol"})
	id := c.SessionID("forged")
	c.Context("alice").SetRevealFault(func(p []byte) []byte {
		p[len(p)-1] ^= 0x01
		return p
	})

	_, err := c.Context("alice").InitiateDKD(ctx, choreo.DKDConfig{
		SessionID:    id,
		ContextID:    c.ContextID("forged"),
		Threshold:    3,
		Participants: c.IDs("alice", "bob", "carol"),
	})
	require.NoError(t, err)

	_, errs := runDKD(ctx, c, id, "alice", "bob", "carol")
	alice := c.Member("alice").ID
	for _, err := range errs {
		var byz *journal.ByzantineError
		require.ErrorAs(t, err, &byz)
		assert.Equal(t, alice, byz.Who)
	}

	rec, ok := c.Ledger.Session(id)
	require.True(t, ok)
	assert.Equal(t, journal.StatusFailed, rec.Status)
	require.NotNil(t, rec.Outcome)
	assert.Equal(t, journal.AbortByzantine, rec.Outcome.Reason.Kind)
	require.NotNil(t, rec.Outcome.Reason.Device)
	assert.Equal(t, alice, *rec.Outcome.Reason.Device)
	for _, e := range c.Ledger.Events() {
		assert.NotEqual(t, journal.TypeFinalizeDkdSession, e.Event.Type)
	}
}

func genesisRequest(c *choreotest.Cluster, msg []byte, names ...string) choreo.SignRequest {
	req := choreo.SignRequest{
		GroupKey:     c.Account.Genesis.GroupPublicKey,
		Message:      msg,
		Candidates:   c.IDs(names...),
		Threshold:    c.Account.Threshold,
		PublicShares: map[ids.DeviceID][]byte{},
	}
	for _, d := range c.Account.Genesis.Devices {
		req.PublicShares[d.DeviceID] = d.SharePublicKey
	}
	return req
}

func TestThresholdSigning(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob", "carol"})
	msg := []byte("sign me")

	res, err := c.Context("carol").Signer().Sign(ctx, genesisRequest(c, msg, "alice", "bob", "carol"))
	require.NoError(t, err)
	assert.Len(t, res.Signers, 2)
	assert.Equal(t, choreo.SigningComplete, res.Phases[len(res.Phases)-1])
	_, err = choreo.VerifySignature(c.Account.Genesis.GroupPublicKey, msg, res.Signature)
	require.NoError(t, err)
}

func TestThresholdSigningBlamesBadShare(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob", "carol"})
	c.Context("bob").Signer().SetShareFault(func(s *frost.SignatureShare) {
		s.Z = journal.Suite.NewScalar().Add(s.Z, journal.Suite.ScalarFromUint64(1))
	})

	_, err := c.Context("alice").Signer().Sign(ctx, genesisRequest(c, []byte("blame"), "alice", "bob"))
	var byz *journal.ByzantineError
	require.ErrorAs(t, err, &byz)
	assert.Equal(t, c.Member("bob").ID, byz.Who)
}

func TestSignerRefusesInvalidEvent(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob", "carol"})

	// Removing an unknown device cannot apply, so no share holder commits.
	ev, err := journal.NewEvent(c.Ledger.Header(), &journal.RemoveDevice{DeviceID: ids.FromLabel[ids.DeviceID]("mallory")})
	require.NoError(t, err)
	msg, err := ev.SignableHash()
	require.NoError(t, err)
	req := genesisRequest(c, msg[:], "alice", "bob")
	req.Event = ev

	_, err = c.Context("alice").Signer().Sign(ctx, req)
	assert.ErrorIs(t, err, choreo.ErrSignRejected)
}

func addGuardian(name string) *journal.AddGuardian {
	key := journaltest.SigningKey("guardian:" + name)
	return &journal.AddGuardian{
		GuardianID: ids.FromLabel[ids.GuardianID](name),
		Name:       name,
		PublicKey:  key.Public().(ed25519.PublicKey),
	}
}

func TestEmitThreshold(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob", "carol"})

	entry, err := c.Context("carol").EmitThreshold(ctx, addGuardian("gina"))
	require.NoError(t, err)
	assert.Equal(t, journal.AuthThreshold, entry.Event.Authorization.Kind)
	_, ok := c.Ledger.State().Guardian(ids.FromLabel[ids.GuardianID]("gina"))
	assert.True(t, ok)
}

func TestResharingRotatesGroupKey(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob", "carol"})
	oldKey := c.Account.Genesis.GroupPublicKey
	id := c.SessionID("reshare")

	_, err := c.Context("alice").InitiateResharing(ctx, choreo.ResharingConfig{
		SessionID:       id,
		NewThreshold:    2,
		OldParticipants: c.IDs("alice", "bob"),
		NewParticipants: c.IDs("carol", "alice", "bob"),
	})
	require.NoError(t, err)

	names := []string{"alice", "bob", "carol"}
	results := make([]*choreo.ResharingResult, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			var err error
			results[i], err = c.Context(name).RunResharing(ctx, id)
			return err
		})
	}
	require.NoError(t, g.Wait())

	state := c.Ledger.State()
	assert.NotEqual(t, oldKey, state.GroupPublicKey)
	for _, r := range results {
		assert.Equal(t, []byte(state.GroupPublicKey), r.NewGroupKey)
	}
	assert.Equal(t, 1, results[2].ShareIndex)
	carol, ok := state.Device(c.Member("carol").ID)
	require.True(t, ok)
	assert.EqualValues(t, 1, carol.ShareIndex)
	assert.Nil(t, state.ActiveOperationLock)

	// Dealt shares are consumed.
	_, err = c.Context("bob").Keys().Participant(ctx, oldKey)
	assert.ErrorIs(t, err, choreo.ErrNoShare)

	// The new shares sign account events.
	_, err = c.Context("bob").EmitThreshold(ctx, addGuardian("hank"))
	require.NoError(t, err)
}

func TestRecoveryRekeysAccount(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob", "carol"}, "gina", "hank")
	dave, err := c.Join("dave", journaltest.SigningKey("device:dave"))
	require.NoError(t, err)
	id := c.SessionID("recovery")

	var g errgroup.Group
	for _, name := range []string{"alice", "bob"} {
		g.Go(func() error {
			_, err := c.Context(name).AcceptRecoveredShare(ctx, id)
			return err
		})
	}
	res, err := dave.Context.RunRecovery(ctx, choreo.RecoveryConfig{
		SessionID:         id,
		RequiredGuardians: []ids.GuardianID{c.Guardian("gina").ID, c.Guardian("hank").ID},
		QuorumThreshold:   2,
		Survivors:         c.IDs("alice", "bob"),
		NewThreshold:      2,
	}, []choreo.Guardian{c.Guardian("gina"), c.Guardian("hank")})
	require.NoError(t, err)
	require.NoError(t, g.Wait())

	assert.Equal(t, 2, res.Approvals)
	assert.Equal(t, choreo.RecoveryExecuted, res.Phases[len(res.Phases)-1])
	state := c.Ledger.State()
	assert.Equal(t, []byte(state.GroupPublicKey), res.NewGroupKey)
	d, ok := state.Device(dave.ID)
	require.True(t, ok)
	assert.EqualValues(t, 1, d.ShareIndex)
	assert.False(t, state.IsDeviceActive(c.Member("carol").ID))

	_, err = dave.Context.EmitThreshold(ctx, addGuardian("ivy"))
	require.NoError(t, err)
}

func TestRecoveryNeedsQuorum(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob"}, "gina", "hank")
	dave, err := c.Join("dave", journaltest.SigningKey("device:dave"))
	require.NoError(t, err)

	_, err = dave.Context.RunRecovery(ctx, choreo.RecoveryConfig{
		SessionID:         c.SessionID("short"),
		RequiredGuardians: []ids.GuardianID{c.Guardian("gina").ID, c.Guardian("hank").ID},
		QuorumThreshold:   2,
		Survivors:         c.IDs("alice"),
		NewThreshold:      2,
	}, []choreo.Guardian{c.Guardian("gina")})

	var short *journal.ThresholdNotMetError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 1, short.Current)
}

func TestChoreographerLifecycle(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob"})
	chs := map[string]*choreo.Choreographer{}
	for _, name := range []string{"alice", "bob"} {
		chs[name] = choreo.NewChoreographer(c.Context(name), 2)
		t.Cleanup(chs[name].Close)
	}
	id := c.SessionID("lifecycle")

	_, err := chs["alice"].CreateSession(ctx, choreo.SessionSpec{DKD: &choreo.DKDConfig{
		SessionID:    id,
		ContextID:    c.ContextID("lifecycle"),
		Threshold:    2,
		Participants: c.IDs("alice", "bob"),
	}})
	require.NoError(t, err)
	for _, ch := range chs {
		require.NoError(t, ch.Execute(ctx, id))
	}
	assert.ErrorIs(t, chs["alice"].Execute(ctx, id), journal.ErrInvalidState)

	done, err := chs["bob"].WaitForCompletion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, done.Record.Status)
	require.NotNil(t, done.DKD)
	assert.Equal(t, done.Record.Outcome.Result, done.DKD.DerivedKey)
}

func TestCancelBeforeAndAfterPhaseStart(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob"})
	ch := choreo.NewChoreographer(c.Context("alice"), 1)
	t.Cleanup(ch.Close)
	spec := func(label string) choreo.SessionSpec {
		return choreo.SessionSpec{DKD: &choreo.DKDConfig{
			SessionID:    c.SessionID(label),
			ContextID:    c.ContextID(label),
			Threshold:    2,
			Participants: c.IDs("alice", "bob"),
		}}
	}

	quiet, err := ch.CreateSession(ctx, spec("quiet"))
	require.NoError(t, err)
	before := c.Ledger.Seq()
	require.NoError(t, ch.Cancel(ctx, quiet, "changed my mind"))
	assert.Equal(t, before, c.Ledger.Seq())

	started, err := ch.CreateSession(ctx, spec("started"))
	require.NoError(t, err)
	require.NoError(t, ch.Execute(ctx, started))
	_, err = c.Context("alice").AwaitSession(ctx, started, 0, func(r *journal.SessionRecord) bool { return r.PhaseStarted })
	require.NoError(t, err)
	require.NoError(t, ch.Cancel(ctx, started, "changed my mind"))

	rec, ok := c.Ledger.Session(started)
	require.True(t, ok)
	assert.Equal(t, journal.StatusFailed, rec.Status)
	_, err = ch.WaitForCompletion(ctx, started)
	assert.ErrorIs(t, err, journal.ErrSessionTerminal)
}

func TestWatcherExpiresSessions(t *testing.T) {
	ctx := testContext(t)
	c := newCluster(t, 2, []string{"alice", "bob"})
	swept := 0
	w := choreo.NewWatcher(c.Context("bob"), 0, func(uint64) int { swept++; return 1 })
	id := c.SessionID("stale")

	_, err := c.Context("alice").InitiateDKD(ctx, choreo.DKDConfig{
		SessionID:    id,
		ContextID:    c.ContextID("stale"),
		Threshold:    2,
		Participants: c.IDs("alice", "bob"),
		TTLEpochs:    6,
	})
	require.NoError(t, err)

	var expired []ids.SessionID
	for range 3 {
		c.Clock.Advance(journal.MinEpochTickIntervalMs)
		got, err := w.Tick(ctx)
		require.NoError(t, err)
		expired = append(expired, got...)
	}
	assert.Equal(t, []ids.SessionID{id}, expired)
	rec, _ := c.Ledger.Session(id)
	assert.Equal(t, journal.StatusExpired, rec.Status)

	assert.Equal(t, 1, w.Sweep())
	assert.Equal(t, 1, swept)

	ch := choreo.NewChoreographer(c.Context("alice"), 1)
	t.Cleanup(ch.Close)
	_, err = ch.WaitForCompletion(ctx, id)
	assert.ErrorIs(t, err, journal.ErrExpired)
}

func TestBadgerBackedCluster(t *testing.T) {
	ctx := testContext(t)
	store, err := ledger.OpenBadger(t.TempDir())
	require.NoError(t, err)
	c, err := choreotest.New(ctx, choreotest.Config{
		Label:         t.Name(),
		Threshold:     2,
		Devices:       []string{"alice", "bob"},
		Logger:        logging.Nop(),
		LedgerOptions: []ledger.Option{ledger.WithStore(store)},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Context("alice").EmitThreshold(ctx, addGuardian("gina"))
	require.NoError(t, err)
	records, err := store.Records(ctx, 0)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, c.Ledger.Seq(), records[len(records)-1].Seq)
}
