package channel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/aura/channel"
	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/transport"
)

var (
	ctxA  = ids.FromLabel[ids.ContextID]("context-a")
	ctxB  = ids.FromLabel[ids.ContextID]("context-b")
	peerP = ids.FromLabel[ids.DeviceID]("peer-p")
	peerQ = ids.FromLabel[ids.DeviceID]("peer-q")
)

func newRegistry(t *testing.T, mutate func(*channel.Config), opts ...channel.Option) *channel.Registry {
	t.Helper()
	cfg := channel.DefaultConfig()
	cfg.Graceful = false
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]channel.Option{channel.WithClock(clock.NewSimulated(1_000)), channel.WithLogger(logging.Nop())}, opts...)
	return channel.NewRegistry(cfg, opts...)
}

func open(t *testing.T, r *channel.Registry, c ids.ContextID, p ids.DeviceID, epoch, limit uint64) channel.Key {
	t.Helper()
	ch, err := r.GetOrCreate(c, p, epoch, channel.FlowBudget{Limit: limit})
	require.NoError(t, err)
	require.NoError(t, r.Establish(ch.Key()))
	return ch.Key()
}

func TestEpochRotationTearsDown(t *testing.T) {
	r := newRegistry(t, nil)
	ctx := context.Background()
	k := open(t, r, ctxA, peerP, 1, 1000)

	assert.Equal(t, 1, r.TriggerEpochRotation(2))
	n, err := r.ProcessTeardownQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ch, ok := r.Get(k)
	require.True(t, ok)
	assert.Equal(t, channel.StatusTerminated, ch.Status)
	require.NotNil(t, ch.Stats.LastTeardown)
	assert.Equal(t, channel.EpochRotation(1, 2), *ch.Stats.LastTeardown)
	_, ok = r.Active(ctxA, peerP)
	assert.False(t, ok)

	fresh, err := r.GetOrCreate(ctxA, peerP, 2, channel.FlowBudget{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, channel.StatusEstablishing, fresh.Status)
	assert.EqualValues(t, 2, fresh.Epoch)
	assert.Zero(t, fresh.Stats.MessagesSent)
}

func TestEpochRotationSkipsCurrentChannels(t *testing.T) {
	r := newRegistry(t, nil)
	open(t, r, ctxA, peerP, 3, 1000)
	assert.Zero(t, r.TriggerEpochRotation(3))
	assert.Zero(t, r.TriggerEpochRotation(2))
	assert.Zero(t, r.PendingTeardowns())
}

func TestCapabilityShrink(t *testing.T) {
	r := newRegistry(t, nil)
	ctx := context.Background()
	k := open(t, r, ctxA, peerP, 1, 1000)

	torn, err := r.TriggerCapabilityShrink(ctxA, peerP, channel.FlowBudget{Limit: 800})
	require.NoError(t, err)
	assert.False(t, torn)
	ch, _ := r.Get(k)
	assert.EqualValues(t, 800, ch.Budget.Limit)
	assert.True(t, ch.IsActive())

	torn, err = r.TriggerCapabilityShrink(ctxA, peerP, channel.FlowBudget{Limit: 500})
	require.NoError(t, err)
	assert.True(t, torn)
	_, err = r.ProcessTeardownQueue(ctx)
	require.NoError(t, err)

	ch, _ = r.Get(k)
	assert.Equal(t, channel.StatusTerminated, ch.Status)
	assert.Equal(t, channel.CapabilityShrink(channel.FlowBudget{Limit: 800}, channel.FlowBudget{Limit: 500}), *ch.Stats.LastTeardown)

	_, err = r.TriggerCapabilityShrink(ctxB, peerP, channel.FlowBudget{})
	assert.ErrorIs(t, err, channel.ErrUnknownChannel)
}

func TestShrinkThreshold(t *testing.T) {
	r := newRegistry(t, nil)
	open(t, r, ctxA, peerP, 1, 1000)

	torn, err := r.TriggerCapabilityShrink(ctxA, peerP, channel.FlowBudget{Limit: 750})
	require.NoError(t, err)
	assert.False(t, torn, "exactly three quarters keeps the channel")

	ch, _ := r.Active(ctxA, peerP)
	assert.True(t, ch.ShouldTeardownForShrink(channel.FlowBudget{Limit: 561}))
	assert.EqualValues(t, 750, channel.ShrinkFloor(1000))
	assert.EqualValues(t, 0, channel.ShrinkFloor(1))
}

func TestContextInvalidation(t *testing.T) {
	r := newRegistry(t, nil)
	ctx := context.Background()
	open(t, r, ctxA, peerP, 1, 100)
	open(t, r, ctxA, peerQ, 1, 100)
	kb := open(t, r, ctxB, peerP, 1, 100)

	assert.Equal(t, 2, r.TriggerContextInvalidation(ctxA, "relationship revoked"))
	n, err := r.ProcessTeardownQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ch, _ := r.Get(kb)
	assert.True(t, ch.IsActive())
	assert.Equal(t, 2, r.CleanupTerminated())
	assert.False(t, r.Has(ctxA, peerP))
	assert.True(t, r.Has(ctxB, peerP))
}

func TestHighestPriorityReasonWins(t *testing.T) {
	r := newRegistry(t, nil)
	ctx := context.Background()
	k := open(t, r, ctxA, peerP, 1, 1000)

	require.NoError(t, r.Teardown(k, channel.TeardownReason{Kind: channel.ReasonManual}))
	r.TriggerContextInvalidation(ctxA, "gone")
	r.TriggerEpochRotation(2)
	assert.Equal(t, 3, r.PendingTeardowns())

	begun, err := r.BeginTeardowns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []channel.Key{k}, begun)

	ch, _ := r.Get(k)
	assert.Equal(t, channel.StatusTearingDown, ch.Status)
	assert.Equal(t, channel.ReasonEpochRotation, ch.Stats.LastTeardown.Kind)
	assert.Equal(t, 1, r.CompleteTeardowns())
}

func TestCapacity(t *testing.T) {
	r := newRegistry(t, func(c *channel.Config) { c.MaxChannels = 1 })
	open(t, r, ctxA, peerP, 1, 100)

	_, err := r.GetOrCreate(ctxA, peerQ, 1, channel.FlowBudget{Limit: 100})
	require.ErrorIs(t, err, channel.ErrAtCapacity)
	assert.Equal(t, journal.KindResource, journal.KindOf(err))

	again, err := r.GetOrCreate(ctxA, peerP, 1, channel.FlowBudget{Limit: 100})
	require.NoError(t, err)
	assert.True(t, again.IsActive(), "the existing channel is returned")
	assert.NoError(t, r.ValidateInvariants())
}

func TestReceiptsNeverCrossEpochs(t *testing.T) {
	r := newRegistry(t, nil)
	k := open(t, r, ctxA, peerP, 4, 100)

	require.NoError(t, r.RecordSent(k, 10))
	require.NoError(t, r.RecordReceived(k, 4, 7))

	err := r.RecordReceived(k, 3, 7)
	var stale *journal.StaleEpochError
	require.ErrorAs(t, err, &stale)
	assert.EqualValues(t, 3, stale.Provided)
	assert.EqualValues(t, 4, stale.Current)

	ch, _ := r.Get(k)
	assert.EqualValues(t, 1, ch.Stats.MessagesSent)
	assert.EqualValues(t, 10, ch.Stats.BytesSent)
	assert.EqualValues(t, 10, ch.Budget.Spent)
	assert.EqualValues(t, 1, ch.Stats.MessagesReceived)
	assert.EqualValues(t, 7, ch.Stats.BytesReceived)
}

func TestRecordOnInactiveChannel(t *testing.T) {
	r := newRegistry(t, nil)
	ch, err := r.GetOrCreate(ctxA, peerP, 1, channel.FlowBudget{Limit: 100})
	require.NoError(t, err)
	assert.ErrorIs(t, r.RecordSent(ch.Key(), 1), channel.ErrNotActive)
	assert.ErrorIs(t, r.RecordSent(channel.Key{Context: ctxB, Peer: peerQ}, 1), channel.ErrUnknownChannel)
}

func TestReconnectsAreBounded(t *testing.T) {
	r := newRegistry(t, func(c *channel.Config) { c.MaxReconnectAttempts = 2 })
	ctx := context.Background()

	for epoch := uint64(1); epoch <= 3; epoch++ {
		open(t, r, ctxA, peerP, epoch, 100)
		r.TriggerEpochRotation(epoch + 1)
		_, err := r.ProcessTeardownQueue(ctx)
		require.NoError(t, err)
	}
	reconnects := r.Reconnects()
	require.Len(t, reconnects, 2)
	assert.EqualValues(t, 1, reconnects[0].Attempt)
	assert.EqualValues(t, 2, reconnects[1].Attempt)
	assert.Equal(t, channel.EpochRotation(2, 3), reconnects[1].Reason)
	assert.Empty(t, r.Reconnects())
}

func TestGracefulTeardownSendsGoodbye(t *testing.T) {
	hub := transport.NewHub(logging.Nop())
	self, err := hub.Endpoint(ids.FromLabel[ids.DeviceID]("self"))
	require.NoError(t, err)
	peer, err := hub.Endpoint(peerP)
	require.NoError(t, err)

	r := newRegistry(t, func(c *channel.Config) {
		c.Graceful = true
		c.TeardownTimeout = time.Second
	}, channel.WithGoodbye(channel.TransportGoodbye(self)))
	ctx := context.Background()
	open(t, r, ctxA, peerP, 1, 100)
	open(t, r, ctxA, peerQ, 1, 100)

	r.TriggerEpochRotation(2)
	begun, err := r.BeginTeardowns(ctx)
	require.Len(t, begun, 2)
	require.Error(t, err, "peer-q has no endpoint")
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)
	assert.Equal(t, 2, r.CompleteTeardowns(), "a failed goodbye does not stop the teardown")

	env, err := peer.Receive(ctx, channel.GoodbyeContentType)
	require.NoError(t, err)
	assert.Equal(t, "epoch_rotation", env.Metadata["reason"])
	assert.Equal(t, "2", env.Metadata[transport.MetaEpoch])
}

func TestGoodbyeErrorsAreCollected(t *testing.T) {
	boom := errors.New("boom")
	r := newRegistry(t, func(c *channel.Config) { c.Graceful = true }, channel.WithGoodbye(
		func(context.Context, channel.Key, channel.TeardownReason) error { return boom }))
	open(t, r, ctxA, peerP, 1, 100)
	open(t, r, ctxB, peerP, 1, 100)

	r.TriggerEpochRotation(5)
	_, err := r.BeginTeardowns(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "2 errors occurred")
}

func TestStats(t *testing.T) {
	r := newRegistry(t, nil)
	open(t, r, ctxA, peerP, 1, 100)
	open(t, r, ctxB, peerP, 1, 100)
	_, err := r.GetOrCreate(ctxB, peerQ, 1, channel.FlowBudget{Limit: 100})
	require.NoError(t, err)

	s := r.Stats()
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.ByStatus[channel.StatusActive])
	assert.Equal(t, 1, s.ByStatus[channel.StatusEstablishing])
	assert.Equal(t, 2, s.Contexts)
	assert.Equal(t, 2, s.Peers)
}
