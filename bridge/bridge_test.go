package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/aura/bridge"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/transport"
)

func testConfig() bridge.Config {
	cfg := bridge.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.CommandTimeout = 2 * time.Second
	return cfg
}

func start(t *testing.T, cfg bridge.Config, h bridge.HandlerFunc) *bridge.Bridge {
	t.Helper()
	b := bridge.New(cfg, h, bridge.WithLogger(logging.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		b.Close()
	})
	return b
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection reset by peer"), true},
		{errors.New("service Unavailable"), true},
		{errors.New("device busy"), true},
		{transport.ErrLinkDown, true},
		{fmt.Errorf("sign: %w", journal.ErrTimeout), true},
		{journal.ErrInvalidSignature, false},
		{errors.New("malformed invitation"), false},
		{context.Canceled, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, bridge.IsTransient(c.err), "%v", c.err)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var calls atomic.Int32
	b := start(t, testConfig(), func(ctx context.Context, req bridge.Request) error {
		if calls.Add(1) < 3 {
			return errors.New("network unreachable")
		}
		return nil
	})
	require.NoError(t, b.DispatchAndWait(context.Background(), bridge.ForceSync{}))
	assert.EqualValues(t, 3, calls.Load())
	assert.Zero(t, b.PendingCommands())
}

func TestRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig()
	cfg.MaxRetries = 2
	b := start(t, cfg, func(context.Context, bridge.Request) error {
		calls.Add(1)
		return journal.ErrTimeout
	})
	err := b.DispatchAndWait(context.Background(), bridge.Ping{})
	assert.ErrorIs(t, err, journal.ErrTimeout)
	assert.EqualValues(t, 3, calls.Load(), "one attempt and two retries")

	msg, ok := b.LastError()
	assert.True(t, ok)
	assert.Contains(t, msg, "timeout")
}

func TestPermanentFailuresAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	b := start(t, testConfig(), func(context.Context, bridge.Request) error {
		calls.Add(1)
		return journal.ErrInvalidSignature
	})
	assert.ErrorIs(t, b.DispatchAndWait(context.Background(), bridge.StartRecovery{}), journal.ErrInvalidSignature)
	assert.EqualValues(t, 1, calls.Load())
}

func TestAutoRetryDisabled(t *testing.T) {
	var calls atomic.Int32
	cfg := testConfig()
	cfg.AutoRetry = false
	b := start(t, cfg, func(context.Context, bridge.Request) error {
		calls.Add(1)
		return errors.New("busy")
	})
	assert.Error(t, b.DispatchAndWait(context.Background(), bridge.ForceSync{}))
	assert.EqualValues(t, 1, calls.Load())
}

func TestDispatchFailureIsEmitted(t *testing.T) {
	var b *bridge.Bridge
	b = start(t, testConfig(), func(ctx context.Context, req bridge.Request) error {
		if _, ok := req.Command.(bridge.LeaveChannel); ok {
			return errors.New("not a member")
		}
		b.Emit(bridge.Pong{LatencyMs: 1})
		return nil
	})
	sub := b.Subscribe(bridge.FilterEssential)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := b.Dispatch(ctx, bridge.Ping{})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	ev, err := sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.Pong{LatencyMs: 1}, ev)

	_, err = b.Dispatch(ctx, bridge.LeaveChannel{Channel: "ab"})
	require.NoError(t, err)
	ev, err = sub.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, bridge.Error{Code: bridge.ErrorCode, Message: "not a member"}, ev)
}

func TestDispatchAndWaitTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	b := start(t, cfg, func(context.Context, bridge.Request) error {
		<-release
		return nil
	})
	defer close(release)

	err := b.DispatchAndWait(context.Background(), bridge.ForceSync{})
	assert.ErrorIs(t, err, bridge.ErrCommandTimeout)
	assert.Equal(t, journal.KindResource, journal.KindOf(err))
}

func TestSubscriptionsAreFiltered(t *testing.T) {
	b := bridge.New(testConfig(), bridge.HandlerFunc(func(context.Context, bridge.Request) error { return nil }))
	defer b.Close()
	recovery := b.Subscribe(bridge.FilterRecovery)
	chat := b.Subscribe(bridge.Only(bridge.CategoryChat))
	all := b.Subscribe(bridge.FilterAll)

	b.Emit(bridge.RecoveryStarted{SessionID: "s"})
	b.Emit(bridge.MessageReceived{Channel: "c", Content: "hi"})
	b.Emit(bridge.Warning{Message: "careful"})
	b.Emit(bridge.ProposalCreated{ProposalID: "p", Operation: "add_device"})

	var got []bridge.Event
	for ev, ok := recovery.TryRecv(); ok; ev, ok = recovery.TryRecv() {
		got = append(got, ev)
	}
	assert.Equal(t, []bridge.Event{bridge.RecoveryStarted{SessionID: "s"}, bridge.Warning{Message: "careful"}}, got)

	ev, ok := chat.TryRecv()
	require.True(t, ok)
	assert.Equal(t, bridge.CategoryChat, ev.Category())
	_, ok = chat.TryRecv()
	assert.False(t, ok)

	n := 0
	for _, ok := all.TryRecv(); ok; _, ok = all.TryRecv() {
		n++
	}
	assert.Equal(t, 4, n)
}

func TestSlowSubscriberLags(t *testing.T) {
	cfg := testConfig()
	cfg.EventBuffer = 2
	b := bridge.New(cfg, bridge.HandlerFunc(func(context.Context, bridge.Request) error { return nil }))
	defer b.Close()
	sub := b.Subscribe(bridge.FilterAll)
	for range 5 {
		b.Emit(bridge.ShuttingDown{})
	}
	assert.EqualValues(t, 3, sub.Lagged())
}

func TestConnectionState(t *testing.T) {
	b := bridge.New(testConfig(), bridge.HandlerFunc(func(context.Context, bridge.Request) error { return nil }))
	defer b.Close()
	sub := b.Subscribe(bridge.Only(bridge.CategoryConnection))

	assert.False(t, b.Connected())
	b.SetConnected(true, "")
	b.SetConnected(true, "")
	b.SetConnected(false, "link down")
	assert.False(t, b.Connected())

	ev, _ := sub.TryRecv()
	assert.Equal(t, bridge.Connected{}, ev)
	ev, _ = sub.TryRecv()
	assert.Equal(t, bridge.Disconnected{Reason: "link down"}, ev)
	_, ok := sub.TryRecv()
	assert.False(t, ok)
}

func TestErrorState(t *testing.T) {
	b := bridge.New(testConfig(), bridge.HandlerFunc(func(context.Context, bridge.Request) error { return nil }))
	defer b.Close()
	sub := b.Subscribe(bridge.Only(bridge.CategoryErrors))

	b.SetError("store unavailable")
	msg, ok := b.LastError()
	assert.True(t, ok)
	assert.Equal(t, "store unavailable", msg)
	ev, _ := sub.TryRecv()
	assert.Equal(t, bridge.Error{Code: bridge.ErrorCode, Message: "store unavailable"}, ev)

	b.ClearError()
	_, ok = b.LastError()
	assert.False(t, ok)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	b := bridge.New(testConfig(), bridge.HandlerFunc(func(context.Context, bridge.Request) error { return nil }))
	sub := b.Subscribe(bridge.FilterAll)
	b.Close()

	_, err := sub.Recv(context.Background())
	assert.ErrorIs(t, err, bridge.ErrClosed)
	_, err = b.Dispatch(context.Background(), bridge.Ping{})
	assert.ErrorIs(t, err, bridge.ErrClosed)
	sub.Close()
}
