package ledger_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/journal/journaltest"
	"github.com/f3rmion/aura/ledger"
)

var channel = ids.FromLabel[ids.ChannelID]("chan")

func bump(parent uint64) *journal.ChannelEpochBump {
	return &journal.ChannelEpochBump{
		ContextID:   ids.FromLabel[ids.ContextID]("ctx"),
		ChannelID:   channel,
		ParentEpoch: parent,
		NewEpoch:    parent + 1,
		BumpID:      journal.ChannelBumpID(channel, parent+1),
	}
}

func newAccount(t *testing.T) *journaltest.Account {
	t.Helper()
	acct, err := journaltest.NewAccount("ledger-test", 2, []string{"alice", "bob", "carol"}, []string{"gina"})
	require.NoError(t, err)
	return acct
}

func open(t *testing.T, acct *journaltest.Account, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	opts = append([]ledger.Option{ledger.WithClock(clock.NewSimulated(1_000))}, opts...)
	l, err := ledger.Open(context.Background(), acct.Genesis, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// appendBump appends the channel bump parent -> parent+1 signed by name.
func appendBump(t *testing.T, l *ledger.Ledger, acct *journaltest.Account, name string, parent uint64) ledger.Entry {
	t.Helper()
	return appendAs(t, l, acct, name, bump(parent))
}

func appendAs(t *testing.T, l *ledger.Ledger, acct *journaltest.Account, name string, p journal.Payload) ledger.Entry {
	t.Helper()
	entry, err := l.AppendWith(context.Background(), func(state *journal.AccountState, h journal.Header) (*journal.Event, error) {
		d := acct.Device(name)
		h.Nonce = state.NextNonce(d.ID)
		ev, err := journal.NewEvent(h, p)
		if err != nil {
			return nil, err
		}
		return ev, journal.SignAsDevice(ev, d.ID, d.Key)
	})
	require.NoError(t, err)
	return entry
}

func TestAppendChainsEvents(t *testing.T) {
	acct := newAccount(t)
	l := open(t, acct)

	first := appendBump(t, l, acct, "alice", 0)
	second := appendBump(t, l, acct, "bob", 1)

	assert.Nil(t, first.Event.ParentHash)
	require.NotNil(t, second.Event.ParentHash)
	assert.Equal(t, first.Hash, *second.Event.ParentHash)
	assert.Less(t, first.Event.EpochAtWrite, second.Event.EpochAtWrite)

	state := l.State()
	assert.GreaterOrEqual(t, state.LamportClock, second.Event.EpochAtWrite)
	assert.Equal(t, uint64(2), state.ChannelEpochs[channel].Epoch)
	assert.Len(t, l.Events(), 2)
	assert.Len(t, l.EventsSince(1), 1)
	assert.True(t, l.HasEvent(second.Event.EventID))
}

func TestNextLamportTimestampIsMonotone(t *testing.T) {
	acct := newAccount(t)
	l := open(t, acct)

	a := l.NextLamportTimestamp()
	b := l.NextLamportTimestamp()
	assert.Less(t, a, b)

	entry := appendBump(t, l, acct, "alice", 0)
	assert.Greater(t, entry.Event.EpochAtWrite, b)
	assert.Greater(t, l.NextLamportTimestamp(), l.State().LamportClock)
}

func TestRejectedEventLeavesLedgerUnchanged(t *testing.T) {
	acct := newAccount(t)
	l := open(t, acct)
	appendBump(t, l, acct, "alice", 0)
	before := l.State()

	ev, err := journal.NewEvent(l.Header(), bump(1))
	require.NoError(t, err)
	alice := acct.Device("alice")
	require.NoError(t, journal.SignAsDevice(ev, alice.ID, acct.Device("bob").Key))

	_, err = l.AppendEvent(context.Background(), ev)
	require.ErrorIs(t, err, journal.ErrInvalidSignature)

	after := l.State()
	assert.Equal(t, before.LastEventHash, after.LastEventHash)
	assert.Equal(t, before.LamportClock, after.LamportClock)
	assert.Len(t, l.Events(), 1)
}

func TestDuplicateDeliveryIsNotAStrike(t *testing.T) {
	ctx := context.Background()
	acct := newAccount(t)
	l := open(t, acct)
	entry := appendBump(t, l, acct, "alice", 0)
	before, err := l.State().StateHash()
	require.NoError(t, err)

	for i := 0; i < journal.StrikeLimit; i++ {
		_, err := l.AppendEvent(ctx, entry.Event)
		require.ErrorIs(t, err, ledger.ErrDuplicateEvent)
	}

	state := l.State()
	assert.True(t, state.IsDeviceActive(acct.Device("alice").ID))
	assert.Empty(t, state.Strikes)
	after, err := state.StateHash()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Empty(t, l.NonceConflicts())
	assert.Len(t, l.Events(), 1)
}

func TestNonceReuseReportsTombstoneDevice(t *testing.T) {
	ctx := context.Background()
	acct := newAccount(t)
	l := open(t, acct)
	replica := open(t, acct)
	appendBump(t, l, acct, "alice", 0)
	alice := acct.Device("alice")

	for i := 0; i < journal.StrikeLimit; i++ {
		h := l.Header()
		h.Nonce = 0
		ev, err := journal.NewEvent(h, bump(1))
		require.NoError(t, err)
		require.NoError(t, journal.SignAsDevice(ev, alice.ID, alice.Key))
		_, err = l.AppendEvent(ctx, ev)
		require.ErrorIs(t, err, journal.ErrNonceReuse)
		_, err = l.AppendEvent(ctx, ev)
		require.ErrorIs(t, err, journal.ErrNonceReuse)
	}
	assert.True(t, l.State().IsDeviceActive(alice.ID), "detection alone does not strike")

	reports := l.NonceConflicts()
	require.Len(t, reports, journal.StrikeLimit, "each conflict is reported once")
	assert.Empty(t, l.NonceConflicts())

	appendAs(t, l, acct, "bob", reports[0])
	assert.Len(t, l.State().Strikes[alice.ID], 1)
	_, err := l.AppendWith(ctx, func(state *journal.AccountState, h journal.Header) (*journal.Event, error) {
		carol := acct.Device("carol")
		h.Nonce = state.NextNonce(carol.ID)
		ev, err := journal.NewEvent(h, reports[0])
		if err != nil {
			return nil, err
		}
		return ev, journal.SignAsDevice(ev, carol.ID, carol.Key)
	})
	var invalid *journal.InvalidEventError
	require.ErrorAs(t, err, &invalid, "a conflict strikes once")

	for _, r := range reports[1:] {
		appendAs(t, l, acct, "bob", r)
	}
	state := l.State()
	assert.False(t, state.IsDeviceActive(alice.ID))
	assert.Contains(t, state.RemovedDevices, alice.ID)

	// A replica applying the same log tombstones the same device.
	_, err = replica.Sync(ctx, l)
	require.NoError(t, err)
	want, err := state.StateHash()
	require.NoError(t, err)
	got, err := replica.State().StateHash()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.False(t, replica.State().IsDeviceActive(alice.ID))
}

func TestCompromisedKeyRejected(t *testing.T) {
	acct := newAccount(t)
	keys := ledger.NewKeySet(acct.Device("bob").Public)
	l := open(t, acct, ledger.WithCompromisedKeys(keys))

	appendBump(t, l, acct, "alice", 0)

	_, err := l.AppendWith(context.Background(), func(state *journal.AccountState, h journal.Header) (*journal.Event, error) {
		bob := acct.Device("bob")
		h.Nonce = state.NextNonce(bob.ID)
		ev, err := journal.NewEvent(h, bump(1))
		if err != nil {
			return nil, err
		}
		return ev, journal.SignAsDevice(ev, bob.ID, bob.Key)
	})
	require.ErrorIs(t, err, journal.ErrCompromisedKey)
}

func TestSubscribeFiresOnAppend(t *testing.T) {
	acct := newAccount(t)
	l := open(t, acct)

	ch := l.Subscribe()
	select {
	case <-ch:
		t.Fatal("notification before any append")
	default:
	}
	appendBump(t, l, acct, "alice", 0)
	select {
	case <-ch:
	default:
		t.Fatal("no notification after append")
	}
}

func TestThresholdEventThroughLedger(t *testing.T) {
	acct := newAccount(t)
	l := open(t, acct)
	appendBump(t, l, acct, "alice", 0)

	dave := journaltest.SigningKey("device:dave")
	ev, err := journal.NewEvent(l.Header(), &journal.AddDevice{
		DeviceID:  ids.FromLabel[ids.DeviceID]("dave"),
		Name:      "dave",
		Type:      journal.DeviceBrowser,
		PublicKey: dave.Public().(ed25519.PublicKey),
	})
	require.NoError(t, err)
	require.NoError(t, acct.SignThreshold(ev, "alice", "carol"))

	_, err = l.AppendEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, l.State().IsDeviceActive(ids.FromLabel[ids.DeviceID]("dave")))

	// The same event cannot be appended twice.
	_, err = l.AppendEvent(context.Background(), ev)
	require.Error(t, err)
}

func TestSyncCatchesUp(t *testing.T) {
	acct := newAccount(t)
	src := open(t, acct)
	dst := open(t, acct)

	appendBump(t, src, acct, "alice", 0)
	appendBump(t, src, acct, "bob", 1)
	appendBump(t, src, acct, "carol", 2)

	n, err := dst.Sync(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, src.State().LastEventHash, dst.State().LastEventHash)

	n, err = dst.Sync(context.Background(), src)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBadgerStoreRestoresLedger(t *testing.T) {
	acct := newAccount(t)
	dir := t.TempDir()
	ctx := context.Background()

	store, err := ledger.OpenBadger(dir)
	require.NoError(t, err)
	l, err := ledger.Open(ctx, acct.Genesis, ledger.WithStore(store), ledger.WithClock(clock.NewSimulated(1_000)))
	require.NoError(t, err)
	appendBump(t, l, acct, "alice", 0)
	last := appendBump(t, l, acct, "bob", 1)
	want := l.State()
	require.NoError(t, l.Close())

	store, err = ledger.OpenBadger(dir)
	require.NoError(t, err)
	restored, err := ledger.Open(ctx, acct.Genesis, ledger.WithStore(store))
	require.NoError(t, err)
	defer restored.Close()

	got := restored.State()
	wantHash, err := want.StateHash()
	require.NoError(t, err)
	gotHash, err := got.StateHash()
	require.NoError(t, err)
	assert.Equal(t, wantHash, gotHash)
	assert.Equal(t, last.Seq, restored.Seq())
	assert.True(t, restored.HasEvent(last.Event.EventID))
	assert.Len(t, restored.Events(), 2)
}

func TestStoresPruneByEpoch(t *testing.T) {
	ctx := context.Background()
	badgerStore, err := ledger.OpenBadger(t.TempDir())
	require.NoError(t, err)
	defer badgerStore.Close()

	for name, store := range map[string]ledger.Store{
		"memory": ledger.NewMemoryStore(),
		"badger": badgerStore,
	} {
		t.Run(name, func(t *testing.T) {
			for seq := uint64(1); seq <= 5; seq++ {
				rec := ledger.Record{Seq: seq, Epoch: seq * 10, Data: []byte{byte(seq)}}
				require.NoError(t, store.Append(ctx, rec, ledger.Snapshot{Seq: seq, State: []byte{byte(seq)}}))
			}

			n, err := store.Prune(ctx, 30)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			records, err := store.Records(ctx, 0)
			require.NoError(t, err)
			require.Len(t, records, 3)
			assert.Equal(t, uint64(3), records[0].Seq)

			records, err = store.Records(ctx, 5)
			require.NoError(t, err)
			require.Len(t, records, 1)

			snap, ok, err := store.Snapshot(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, uint64(5), snap.Seq)
		})
	}
}
