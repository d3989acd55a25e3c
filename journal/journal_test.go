package journal_test

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/journal/journaltest"
	"github.com/f3rmion/aura/session"
)

var names = []string{"alice", "bob", "carol"}

func newAccount(t *testing.T, threshold int) (*journaltest.Account, *journal.AccountState) {
	t.Helper()
	acct, err := journaltest.NewAccount("test-account", threshold, names, []string{"gina", "hugo"})
	require.NoError(t, err)
	state, err := acct.State()
	require.NoError(t, err)
	return acct, state
}

func bump(channel ids.ChannelID, parent uint64) *journal.ChannelEpochBump {
	return &journal.ChannelEpochBump{
		ContextID:   ids.FromLabel[ids.ContextID]("ctx"),
		ChannelID:   channel,
		ParentEpoch: parent,
		NewEpoch:    parent + 1,
		BumpID:      journal.ChannelBumpID(channel, parent+1),
	}
}

func TestEventHashes(t *testing.T) {
	acct, state := newAccount(t, 2)
	ev, err := acct.DeviceEvent(state, "alice", 1000, bump(ids.FromLabel[ids.ChannelID]("chan"), 0))
	require.NoError(t, err)

	signable, err := ev.SignableHash()
	require.NoError(t, err)
	hash, err := ev.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, signable, hash)

	data, err := journal.MarshalEvent(ev)
	require.NoError(t, err)
	decoded, err := journal.UnmarshalEvent(data)
	require.NoError(t, err)

	rehash, err := decoded.Hash()
	require.NoError(t, err)
	assert.Equal(t, hash, rehash)

	// Attaching a different authorization changes the hash but not the
	// signable hash.
	require.NoError(t, journal.SignAsDevice(decoded, acct.Device("bob").ID, acct.Device("bob").Key))
	resignable, err := decoded.SignableHash()
	require.NoError(t, err)
	assert.Equal(t, signable, resignable)
	changed, err := decoded.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, hash, changed)

	payload, err := decoded.DecodePayload()
	require.NoError(t, err)
	assert.IsType(t, &journal.ChannelEpochBump{}, payload)
}

func TestGenesisValidation(t *testing.T) {
	acct, state := newAccount(t, 2)
	assert.Equal(t, uint16(2), state.Threshold)
	assert.Equal(t, uint16(3), state.ShareCount)
	assert.Len(t, state.ActiveDevices(), 3)
	assert.Len(t, state.ActiveGuardians(), 2)

	bad := acct.Genesis
	bad.Threshold = 4
	_, err := journal.NewAccountState(bad)
	assert.Error(t, err)

	weak := acct.Genesis
	weak.Devices = append([]journal.GenesisDevice(nil), acct.Genesis.Devices...)
	weak.Devices[0].PublicKey = make([]byte, 32)
	_, err = journal.NewAccountState(weak)
	assert.ErrorIs(t, err, journal.ErrWeakKey)
}

func TestLamportAndParentChain(t *testing.T) {
	acct, state := newAccount(t, 2)
	channel := ids.FromLabel[ids.ChannelID]("chan")

	var prev *ids.Hash
	for i := uint64(0); i < 4; i++ {
		ev, err := acct.DeviceEvent(state, "alice", 1000+i, bump(channel, i))
		require.NoError(t, err)
		assert.Equal(t, prev, ev.ParentHash)

		next, err := journaltest.Append(state, ev)
		require.NoError(t, err)
		assert.Greater(t, next.LamportClock, state.LamportClock)
		assert.GreaterOrEqual(t, next.LamportClock, ev.EpochAtWrite)

		hash, err := ev.Hash()
		require.NoError(t, err)
		assert.Equal(t, hash, *next.LastEventHash)
		prev = next.LastEventHash
		state = next
	}

	// A remote event written far ahead pulls the clock forward.
	ev, err := acct.DeviceEvent(state, "bob", 2000, bump(channel, 4))
	require.NoError(t, err)
	ev.EpochAtWrite = 500
	require.NoError(t, journal.SignAsDevice(ev, acct.Device("bob").ID, acct.Device("bob").Key))
	next, err := journaltest.Append(state, ev)
	require.NoError(t, err)
	assert.Equal(t, uint64(501), next.LamportClock)

	// A stale parent is rejected.
	stale, err := acct.DeviceEvent(state, "carol", 2001, bump(channel, 5))
	require.NoError(t, err)
	_, err = journaltest.Append(next, stale)
	var invalid *journal.InvalidEventError
	assert.ErrorAs(t, err, &invalid)
}

func TestDeviceNonceReuse(t *testing.T) {
	acct, state := newAccount(t, 2)
	channel := ids.FromLabel[ids.ChannelID]("chan")

	ev, err := acct.DeviceEvent(state, "alice", 1000, bump(channel, 0))
	require.NoError(t, err)
	state, err = journaltest.Append(state, ev)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.NextNonce(acct.Device("alice").ID))

	replay, err := journal.NewEvent(journaltest.Header(state, 0, 1001), bump(channel, 1))
	require.NoError(t, err)
	require.NoError(t, journal.SignAsDevice(replay, acct.Device("alice").ID, acct.Device("alice").Key))
	_, err = journaltest.Append(state, replay)
	assert.ErrorIs(t, err, journal.ErrNonceReuse)
	assert.Equal(t, journal.KindAuthorization, journal.KindOf(err))

	// Bob's counter is independent.
	ev, err = acct.DeviceEvent(state, "bob", 1002, bump(channel, 1))
	require.NoError(t, err)
	assert.Zero(t, ev.Nonce)
	_, err = journaltest.Append(state, ev)
	assert.NoError(t, err)
}

func TestNonceStrikesTombstoneDevice(t *testing.T) {
	_, state := newAccount(t, 2)
	alice := ids.FromLabel[ids.DeviceID]("alice")

	assert.False(t, state.RecordStrike(alice, 10))
	// The first strike falls out of the window.
	assert.False(t, state.RecordStrike(alice, 200))
	assert.False(t, state.RecordStrike(alice, 250))
	assert.True(t, state.RecordStrike(alice, 260))
	assert.False(t, state.IsDeviceActive(alice))
	assert.Contains(t, state.RemovedDevices, alice)
}

func TestReportNonceReuse(t *testing.T) {
	acct, state := newAccount(t, 2)
	channel := ids.FromLabel[ids.ChannelID]("chan")
	alice := acct.Device("alice")
	signed := func(name string, nonce, ts uint64) []byte {
		d := acct.Device(name)
		ev, err := journal.NewEvent(journaltest.Header(state, nonce, ts), bump(channel, 0))
		require.NoError(t, err)
		require.NoError(t, journal.SignAsDevice(ev, d.ID, d.Key))
		data, err := journal.MarshalEvent(ev)
		require.NoError(t, err)
		return data
	}
	report := func(state *journal.AccountState, p *journal.ReportNonceReuse) (*journal.AccountState, error) {
		ev, err := acct.DeviceEvent(state, "bob", 2000, p)
		require.NoError(t, err)
		return journaltest.Append(state, ev)
	}

	first, second := signed("alice", 5, 1000), signed("alice", 5, 1001)
	var invalid *journal.InvalidEventError

	_, err := report(state, &journal.ReportNonceReuse{DeviceID: alice.ID, First: first, Second: first})
	assert.ErrorAs(t, err, &invalid, "one event is no conflict")
	_, err = report(state, &journal.ReportNonceReuse{DeviceID: alice.ID, First: first, Second: signed("alice", 6, 1001)})
	assert.ErrorAs(t, err, &invalid, "different nonces are no conflict")
	_, err = report(state, &journal.ReportNonceReuse{DeviceID: alice.ID, First: first, Second: signed("carol", 5, 1001)})
	assert.ErrorAs(t, err, &invalid, "evidence must be signed by the reported device")

	state, err = report(state, &journal.ReportNonceReuse{DeviceID: alice.ID, First: first, Second: second})
	require.NoError(t, err)
	assert.Len(t, state.Strikes[alice.ID], 1)
	assert.True(t, state.IsDeviceActive(alice.ID))

	// The same pair in either order strikes once.
	_, err = report(state, &journal.ReportNonceReuse{DeviceID: alice.ID, First: second, Second: first})
	assert.ErrorAs(t, err, &invalid)
}

func TestInvalidDeviceSignature(t *testing.T) {
	acct, state := newAccount(t, 2)
	ev, err := acct.DeviceEvent(state, "alice", 1000, bump(ids.FromLabel[ids.ChannelID]("c"), 0))
	require.NoError(t, err)
	ev.Authorization.Signature[0] ^= 0xff
	_, err = journaltest.Append(state, ev)
	assert.ErrorIs(t, err, journal.ErrInvalidSignature)

	unknown := journaltest.SigningKey("mallory")
	ev, err = journal.NewEvent(journaltest.Header(state, 0, 1000), bump(ids.FromLabel[ids.ChannelID]("c"), 0))
	require.NoError(t, err)
	require.NoError(t, journal.SignAsDevice(ev, ids.FromLabel[ids.DeviceID]("mallory"), unknown))
	_, err = journaltest.Append(state, ev)
	assert.ErrorIs(t, err, journal.ErrDeviceNotFound)
}

func TestThresholdAuthorization(t *testing.T) {
	acct, state := newAccount(t, 2)
	newKey := journaltest.SigningKey("device:dave")
	add := &journal.AddDevice{
		DeviceID:  ids.FromLabel[ids.DeviceID]("dave"),
		Name:      "dave",
		Type:      journal.DeviceBrowser,
		PublicKey: newKey.Public().(ed25519.PublicKey),
	}

	ev, err := acct.ThresholdEvent(state, 1000, add, "alice", "bob")
	require.NoError(t, err)
	ev.Authorization.Signers = ev.Authorization.Signers[:1]
	_, err = journaltest.Append(state, ev)
	var notMet *journal.ThresholdNotMetError
	require.ErrorAs(t, err, &notMet)
	assert.Equal(t, 1, notMet.Current)
	assert.Equal(t, 2, notMet.Required)

	ev, err = acct.ThresholdEvent(state, 1000, add, "alice", "carol")
	require.NoError(t, err)
	next, err := journaltest.Append(state, ev)
	require.NoError(t, err)
	assert.True(t, next.IsDeviceActive(add.DeviceID))

	// A device certificate is not accepted for membership changes.
	ev, err = acct.DeviceEvent(state, "alice", 1000, add)
	require.NoError(t, err)
	_, err = journaltest.Append(state, ev)
	assert.ErrorIs(t, err, journal.ErrUnauthorized)

	// Duplicate signers are rejected.
	ev, err = acct.ThresholdEvent(state, 1000, add, "alice", "carol")
	require.NoError(t, err)
	ev.Authorization.Signers = []ids.DeviceID{acct.Device("alice").ID, acct.Device("alice").ID}
	_, err = journaltest.Append(state, ev)
	assert.ErrorIs(t, err, journal.ErrInvalidSignature)
}

func TestGuardianLifecycle(t *testing.T) {
	acct, state := newAccount(t, 2)
	gina := acct.Guardian("gina")

	assert.Equal(t, uint16(2), state.GuardianThreshold)

	// One guardian left cannot meet a threshold of two.
	remove, err := acct.ThresholdEvent(state, 1000, &journal.RemoveGuardian{GuardianID: gina.ID, Reason: "lost"}, "alice", "bob")
	require.NoError(t, err)
	_, err = journaltest.Append(state, remove)
	var invalid *journal.InvalidEventError
	require.ErrorAs(t, err, &invalid)

	remove, err = acct.ThresholdEvent(state, 1000, &journal.RemoveGuardian{GuardianID: gina.ID, Reason: "lost", GuardianThreshold: 1}, "alice", "bob")
	require.NoError(t, err)
	state, err = journaltest.Append(state, remove)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), state.GuardianThreshold)

	newDevice := journaltest.SigningKey("device:erin")
	ev, err := acct.GuardianEvent(state, "gina", 2000, &journal.InitiateRecovery{
		SessionID:         ids.FromLabel[ids.SessionID]("recovery"),
		NewDeviceID:       ids.FromLabel[ids.DeviceID]("erin"),
		NewDevicePK:       newDevice.Public().(ed25519.PublicKey),
		RequiredGuardians: []ids.GuardianID{gina.ID},
		QuorumThreshold:   1,
		TTLEpochs:         10,
	})
	require.NoError(t, err)
	_, err = journaltest.Append(state, ev)
	assert.ErrorIs(t, err, journal.ErrGuardianRevoked)

	readd, err := acct.ThresholdEvent(state, 3000, &journal.AddGuardian{GuardianID: gina.ID, PublicKey: gina.Public}, "alice", "bob")
	require.NoError(t, err)
	_, err = journaltest.Append(state, readd)
	assert.ErrorAs(t, err, &invalid)
}

func TestGuardianThresholdGenesis(t *testing.T) {
	acct, err := journaltest.NewAccount("guardian-genesis", 2, names, []string{"gina", "hugo", "ivan"})
	require.NoError(t, err)

	state, err := acct.State()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), state.GuardianThreshold)

	acct.Genesis.GuardianThreshold = 4
	_, err = acct.State()
	var invalid *journal.InvalidEventError
	assert.ErrorAs(t, err, &invalid)

	acct.Genesis.GuardianThreshold = 3
	state, err = acct.State()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), state.GuardianThreshold)

	acct.Genesis.Guardians = nil
	_, err = acct.State()
	assert.ErrorAs(t, err, &invalid)
}

func TestSingleGuardianCannotRecover(t *testing.T) {
	acct, err := journaltest.NewAccount("lone-guardian", 2, names, []string{"gina", "hugo", "ivan"})
	require.NoError(t, err)
	state, err := acct.State()
	require.NoError(t, err)
	gina, hugo := acct.Guardian("gina"), acct.Guardian("hugo")

	newDevice := journaltest.SigningKey("device:erin")
	initiate := func(quorum uint16, required ...ids.GuardianID) *journal.InitiateRecovery {
		return &journal.InitiateRecovery{
			SessionID:         ids.FromLabel[ids.SessionID]("recovery"),
			NewDeviceID:       ids.FromLabel[ids.DeviceID]("erin"),
			NewDevicePK:       newDevice.Public().(ed25519.PublicKey),
			RequiredGuardians: required,
			QuorumThreshold:   quorum,
			TTLEpochs:         10,
		}
	}

	// A quorum below the account's guardian threshold is refused.
	ev, err := acct.GuardianEvent(state, "gina", 1000, initiate(1, gina.ID))
	require.NoError(t, err)
	_, err = journaltest.Append(state, ev)
	var short *journal.ThresholdNotMetError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 1, short.Current)
	assert.Equal(t, 2, short.Required)

	p := initiate(2, gina.ID, hugo.ID)
	ev, err = acct.GuardianEvent(state, "gina", 1000, p)
	require.NoError(t, err)
	state, err = journaltest.Append(state, ev)
	require.NoError(t, err)

	msg := journal.RecoveryMessage(state.AccountID, p.SessionID, p.NewDeviceID, p.NewDevicePK)
	ev, err = acct.GuardianEvent(state, "gina", 2000, &journal.ApproveRecovery{
		SessionID:         p.SessionID,
		GuardianID:        gina.ID,
		ApprovalSignature: ed25519.Sign(gina.Key, msg),
	})
	require.NoError(t, err)
	state, err = journaltest.Append(state, ev)
	require.NoError(t, err)

	// Gina alone cannot execute.
	ev, err = acct.GuardianEvent(state, "gina", 3000, &journal.ExecuteRecovery{
		SessionID:    p.SessionID,
		NewThreshold: 1,
		Participants: []ids.DeviceID{p.NewDeviceID},
	})
	require.NoError(t, err)
	_, err = journaltest.Append(state, ev)
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 1, short.Current)
	assert.Equal(t, 2, short.Required)
}

func TestWeakKeys(t *testing.T) {
	ones := make([]byte, 32)
	pattern := make([]byte, 32)
	for i := range ones {
		ones[i] = 0xff
		pattern[i] = byte(i % 2)
	}
	assert.ErrorIs(t, journal.CheckWeakKey(make([]byte, 32)), journal.ErrWeakKey)
	assert.ErrorIs(t, journal.CheckWeakKey(ones), journal.ErrWeakKey)
	assert.ErrorIs(t, journal.CheckWeakKey(pattern), journal.ErrWeakKey)
	assert.ErrorIs(t, journal.CheckWeakKey([]byte{1, 2, 3}), journal.ErrWeakKey)
	assert.NoError(t, journal.CheckWeakKey(journaltest.SigningKey("ok").Public().(ed25519.PublicKey)))
}

func TestEpochTick(t *testing.T) {
	acct, state := newAccount(t, 2)
	tick := func(state *journal.AccountState, epoch, ts uint64) (*journal.AccountState, error) {
		evidence, err := state.StateHash()
		require.NoError(t, err)
		ev, err := acct.DeviceEvent(state, "alice", ts, &journal.EpochTick{NewEpoch: epoch, EvidenceHash: evidence})
		require.NoError(t, err)
		return journaltest.Append(state, ev)
	}

	_, err := tick(state, 3, 0)
	assert.ErrorContains(t, err, "gap")

	state, err = tick(state, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), state.LamportClock)

	_, err = tick(state, 10, 0)
	var stale *journal.StaleEpochError
	assert.ErrorAs(t, err, &stale)

	// No prior tick time: the wall-time limit is skipped.
	state, err = tick(state, 20, 50_000)
	require.NoError(t, err)
	_, err = tick(state, 30, 55_000)
	assert.ErrorContains(t, err, "minimum")
	_, err = tick(state, 30, 60_000)
	assert.NoError(t, err)

	// Evidence must match the current state.
	ev, err := acct.DeviceEvent(state, "alice", 70_000, &journal.EpochTick{NewEpoch: 40})
	require.NoError(t, err)
	_, err = journaltest.Append(state, ev)
	assert.ErrorContains(t, err, "evidence")
}

func dkdFlow(t *testing.T, acct *journaltest.Account, state *journal.AccountState, sid ids.SessionID, ctx ids.ContextID) (*journal.AccountState, map[string]*session.DKDContribution) {
	t.Helper()
	participants := make([]ids.DeviceID, len(names))
	for i, n := range names {
		participants[i] = acct.Device(n).ID
	}
	ev, err := acct.DeviceEvent(state, "alice", 1, &journal.InitiateDkdSession{
		SessionID: sid, ContextID: ctx, Threshold: 3, Participants: participants,
		StartEpoch: state.LamportClock + 1, TTLEpochs: 50,
	})
	require.NoError(t, err)
	state, err = journaltest.Append(state, ev)
	require.NoError(t, err)

	contributions := map[string]*session.DKDContribution{}
	for _, n := range names {
		c, err := session.DeriveDKDContribution(journal.Suite, sid, acct.Device(n).ID)
		require.NoError(t, err)
		contributions[n] = c
		ev, err := acct.DeviceEvent(state, n, 2, &journal.RecordDkdCommitment{SessionID: sid, DeviceID: acct.Device(n).ID, Commitment: c.Commitment})
		require.NoError(t, err)
		state, err = journaltest.Append(state, ev)
		require.NoError(t, err)
	}
	return state, contributions
}

func TestDKDFinalizeBinding(t *testing.T) {
	acct, state := newAccount(t, 2)
	sid := ids.FromLabel[ids.SessionID]("dkd")
	state, contributions := dkdFlow(t, acct, state, sid, ids.FromLabel[ids.ContextID]("ctx"))

	var points [][]byte
	var commitments []ids.Hash
	for _, n := range names {
		c := contributions[n]
		points = append(points, c.Point)
		commitments = append(commitments, c.Commitment)
		ev, err := acct.DeviceEvent(state, n, 3, &journal.RevealDkdPoint{SessionID: sid, DeviceID: acct.Device(n).ID, Point: c.Point})
		require.NoError(t, err)
		state, err = journaltest.Append(state, ev)
		require.NoError(t, err)
	}

	derived, err := session.AggregateDKDPoints(journal.Suite, points)
	require.NoError(t, err)
	finalize := &journal.FinalizeDkdSession{
		SessionID:         sid,
		SeedFingerprint:   session.SeedFingerprint(derived),
		CommitmentRoot:    session.DKDCommitmentRoot(commitments),
		DerivedIdentityPK: derived,
	}

	wrong := *finalize
	wrong.CommitmentRoot = ids.Sum([]byte("other"))
	ev, err := acct.DeviceEvent(state, "alice", 4, &wrong)
	require.NoError(t, err)
	_, err = journaltest.Append(state, ev)
	assert.ErrorIs(t, err, journal.ErrCommitmentValidationFailed)

	ev, err = acct.DeviceEvent(state, "alice", 4, finalize)
	require.NoError(t, err)
	state, err = journaltest.Append(state, ev)
	require.NoError(t, err)

	rec, ok := state.Session(sid)
	require.True(t, ok)
	assert.Equal(t, journal.StatusCompleted, rec.Status)
	root, ok := state.CommitmentRoot(sid)
	require.True(t, ok)
	assert.Equal(t, finalize.CommitmentRoot, root.Root)

	for _, n := range names {
		d, _ := state.Device(acct.Device(n).ID)
		proof := d.DKDProofs[sid]
		assert.True(t, ids.VerifyMerkleProof(proof.Commitment, proof.Path, root.Root), n)
	}
}

func TestDKDRevealMismatchIsByzantine(t *testing.T) {
	acct, state := newAccount(t, 2)
	sid := ids.FromLabel[ids.SessionID]("dkd")
	state, contributions := dkdFlow(t, acct, state, sid, ids.FromLabel[ids.ContextID]("ctx"))

	other, err := session.DeriveDKDContribution(journal.Suite, ids.FromLabel[ids.SessionID]("elsewhere"), acct.Device("alice").ID)
	require.NoError(t, err)
	for _, n := range names {
		point := contributions[n].Point
		if n == "alice" {
			point = other.Point
		}
		ev, err := acct.DeviceEvent(state, n, 3, &journal.RevealDkdPoint{SessionID: sid, DeviceID: acct.Device(n).ID, Point: point})
		require.NoError(t, err)
		state, err = journaltest.Append(state, ev)
		require.NoError(t, err)
	}

	rec, _ := state.Session(sid)
	_, _, _, err = journal.VerifyDKD(rec.DKD, rec.Threshold)
	var byz *journal.ByzantineError
	require.ErrorAs(t, err, &byz)
	assert.Equal(t, acct.Device("alice").ID, byz.Who)
	assert.True(t, errors.Is(err, journal.ErrRevealValidationFailed))
	assert.Equal(t, journal.KindProtocol, journal.KindOf(byz))
}

func TestDKDRevealWaitsForCommitments(t *testing.T) {
	acct, state := newAccount(t, 2)
	sid := ids.FromLabel[ids.SessionID]("dkd")
	participants := []ids.DeviceID{acct.Device("alice").ID, acct.Device("bob").ID}
	ev, err := acct.DeviceEvent(state, "alice", 1, &journal.InitiateDkdSession{
		SessionID: sid, ContextID: ids.FromLabel[ids.ContextID]("ctx"), Threshold: 2, Participants: participants,
		StartEpoch: state.LamportClock + 1, TTLEpochs: 50,
	})
	require.NoError(t, err)
	state, err = journaltest.Append(state, ev)
	require.NoError(t, err)

	contributions := map[string]*session.DKDContribution{}
	commit := func(state *journal.AccountState, n string) *journal.AccountState {
		c, err := session.DeriveDKDContribution(journal.Suite, sid, acct.Device(n).ID)
		require.NoError(t, err)
		contributions[n] = c
		ev, err := acct.DeviceEvent(state, n, 2, &journal.RecordDkdCommitment{SessionID: sid, DeviceID: acct.Device(n).ID, Commitment: c.Commitment})
		require.NoError(t, err)
		next, err := journaltest.Append(state, ev)
		require.NoError(t, err)
		return next
	}
	reveal := func(state *journal.AccountState, n string) (*journal.AccountState, error) {
		ev, err := acct.DeviceEvent(state, n, 3, &journal.RevealDkdPoint{SessionID: sid, DeviceID: acct.Device(n).ID, Point: contributions[n].Point})
		require.NoError(t, err)
		return journaltest.Append(state, ev)
	}

	state = commit(state, "alice")
	_, err = reveal(state, "alice")
	var short *journal.ThresholdNotMetError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 1, short.Current)
	assert.Equal(t, 2, short.Required)

	// The refused reveal left the commitment phase open.
	state = commit(state, "bob")
	state, err = reveal(state, "alice")
	require.NoError(t, err)
	state, err = reveal(state, "bob")
	require.NoError(t, err)

	rec, _ := state.Session(sid)
	_, _, _, err = journal.VerifyDKD(rec.DKD, rec.Threshold)
	assert.NoError(t, err)
}

func TestDKDTieBreak(t *testing.T) {
	acct, state := newAccount(t, 2)
	ctx := ids.FromLabel[ids.ContextID]("ctx")
	a := ids.SessionID{0x01}
	b := ids.SessionID{0x02}
	participants := []ids.DeviceID{acct.Device("alice").ID, acct.Device("bob").ID}

	initiate := func(state *journal.AccountState, sid ids.SessionID) *journal.AccountState {
		ev, err := acct.DeviceEvent(state, "alice", 1, &journal.InitiateDkdSession{
			SessionID: sid, ContextID: ctx, Threshold: 2, Participants: participants,
			StartEpoch: state.LamportClock + 1, TTLEpochs: 50,
		})
		require.NoError(t, err)
		next, err := journaltest.Append(state, ev)
		require.NoError(t, err)
		return next
	}

	// The larger id arrives first and loses to the smaller one.
	s1 := initiate(initiate(state, b), a)
	recA, _ := s1.Session(a)
	recB, _ := s1.Session(b)
	assert.Equal(t, journal.StatusActive, recA.Status)
	assert.Equal(t, journal.StatusFailed, recB.Status)
	assert.Equal(t, journal.AbortSuperseded, recB.Outcome.Reason.Kind)

	// Arrival order does not change the winner.
	s2 := initiate(initiate(state, a), b)
	recA, _ = s2.Session(a)
	recB, _ = s2.Session(b)
	assert.Equal(t, journal.StatusActive, recA.Status)
	assert.Equal(t, journal.StatusFailed, recB.Status)
}

func TestSessionExpiry(t *testing.T) {
	acct, state := newAccount(t, 2)
	sid := ids.FromLabel[ids.SessionID]("short")
	ev, err := acct.DeviceEvent(state, "alice", 1, &journal.InitiateDkdSession{
		SessionID: sid, ContextID: ids.FromLabel[ids.ContextID]("ctx"), Threshold: 1,
		Participants: []ids.DeviceID{acct.Device("alice").ID}, StartEpoch: 1, TTLEpochs: 2,
	})
	require.NoError(t, err)
	state, err = journaltest.Append(state, ev)
	require.NoError(t, err)

	channel := ids.FromLabel[ids.ChannelID]("c")
	for i := uint64(0); i < 3; i++ {
		ev, err := acct.DeviceEvent(state, "bob", 2, bump(channel, i))
		require.NoError(t, err)
		state, err = journaltest.Append(state, ev)
		require.NoError(t, err)
	}
	rec, _ := state.Session(sid)
	assert.Equal(t, journal.StatusExpired, rec.Status)
	assert.True(t, rec.IsTerminal())
}

func TestStateSnapshotRoundTrip(t *testing.T) {
	_, state := newAccount(t, 2)
	data, err := journal.MarshalState(state)
	require.NoError(t, err)
	decoded, err := journal.UnmarshalState(data)
	require.NoError(t, err)

	h1, err := state.StateHash()
	require.NoError(t, err)
	h2, err := decoded.StateHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	clone := state.Clone()
	h3, err := clone.StateHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h3)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, journal.KindAuthorization, journal.KindOf(journal.ErrNonceReuse))
	assert.Equal(t, journal.KindLifecycle, journal.KindOf(&journal.StaleEpochError{}))
	assert.Equal(t, journal.KindResource, journal.KindOf(errors.Join(errors.New("x"), journal.ErrTimeout)))
	assert.Equal(t, journal.KindUnknown, journal.KindOf(errors.New("plain")))
}
