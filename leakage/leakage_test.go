package leakage_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/leakage"
)

var ctx = ids.FromLabel[ids.ContextID]("search")

func newTracker() *leakage.Tracker {
	return leakage.NewTracker(clock.NewSimulated(0), logging.Nop())
}

func TestProtocolBounds(t *testing.T) {
	tests := []struct {
		protocol  leakage.Protocol
		n         int
		neighbour float64
	}{
		{leakage.ProtocolSearch, 25, math.Log2(25)},
		{leakage.ProtocolRecovery, 3, math.Log2(3)},
		{leakage.ProtocolTree, 4, 2},
		{leakage.ProtocolCompaction, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.protocol.String(), func(t *testing.T) {
			b := leakage.Bound(tt.protocol, tt.n)
			assert.Zero(t, b.External)
			assert.InDelta(t, tt.neighbour, b.Neighbour, 1e-9)
			assert.True(t, math.IsInf(b.Group, 1))
		})
	}
}

func TestAccumulateSumsExternalAndMaxesOthers(t *testing.T) {
	total := leakage.Budget{}.
		Accumulate(leakage.Budget{External: 0.5, Neighbour: 2, Group: 1}).
		Accumulate(leakage.Budget{External: 0.25, Neighbour: 1, Group: 3})
	assert.Equal(t, leakage.Budget{External: 0.75, Neighbour: 2, Group: 3}, total)
	assert.Equal(t, leakage.Budget{External: 0.75, Neighbour: 3, Group: 4}, leakage.Budget{External: 0.5, Neighbour: 2, Group: 1}.Add(leakage.Budget{External: 0.25, Neighbour: 1, Group: 3}))
}

func TestTrackerRejectsBeforeExceeding(t *testing.T) {
	tr := newTracker()
	tr.Register(ctx, leakage.Budget{External: 1, Neighbour: 3, Group: leakage.Full})

	require.NoError(t, tr.Record(ctx, "probe", leakage.Budget{External: 0.6}))
	err := tr.Record(ctx, "probe", leakage.Budget{External: 0.6})

	var v *leakage.PrivacyViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "external", v.Bound)
	assert.InDelta(t, 1.2, v.Actual, 1e-9)
	assert.Equal(t, 1.0, v.Allowed)
	assert.Equal(t, ctx, v.Context)
	assert.ErrorIs(t, err, journal.ErrBudgetExceeded)
	assert.Equal(t, journal.KindPolicy, journal.KindOf(err))

	used, ok := tr.Used(ctx)
	require.True(t, ok)
	assert.Equal(t, 0.6, used.External)
	assert.Len(t, tr.Events(ctx), 1)
}

func TestNeighbourBoundIsAMaximum(t *testing.T) {
	tr := newTracker()
	tr.Register(ctx, leakage.Budget{External: 0, Neighbour: 5, Group: leakage.Full})

	for range 10 {
		require.NoError(t, tr.Record(ctx, "search", leakage.Bound(leakage.ProtocolSearch, 25)))
	}
	err := tr.Check(ctx, "search", leakage.Bound(leakage.ProtocolSearch, 64))
	var v *leakage.PrivacyViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "neighbour", v.Bound)
}

func TestFiniteGroupBudgetRefusesFullLeakage(t *testing.T) {
	tr := newTracker()
	tr.Register(ctx, leakage.Budget{External: 0, Neighbour: 10, Group: 1})
	err := tr.Check(ctx, "recovery", leakage.Bound(leakage.ProtocolRecovery, 3))
	var v *leakage.PrivacyViolationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "group", v.Bound)
}

func TestGuard(t *testing.T) {
	tr := newTracker()
	tr.Register(ctx, leakage.Unlimited())

	ran := false
	require.NoError(t, tr.Guard(ctx, "tree", leakage.Bound(leakage.ProtocolTree, 4), func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.Len(t, tr.Events(ctx), 1)

	boom := errors.New("boom")
	assert.ErrorIs(t, tr.Guard(ctx, "tree", leakage.Budget{}, func() error { return boom }), boom)
	assert.Len(t, tr.Events(ctx), 1, "failed operations leak nothing on record")

	tr.Register(ctx, leakage.Budget{})
	ran = false
	err := tr.Guard(ctx, "tree", leakage.Budget{External: 1}, func() error { ran = true; return nil })
	assert.Error(t, err)
	assert.False(t, ran)
}

func TestUnknownContext(t *testing.T) {
	tr := newTracker()
	assert.ErrorIs(t, tr.Check(ctx, "x", leakage.Budget{}), leakage.ErrUnknownContext)
	_, ok := tr.Used(ctx)
	assert.False(t, ok)
	_, ok = tr.Remaining(ctx)
	assert.False(t, ok)
}

func TestRemaining(t *testing.T) {
	tr := newTracker()
	tr.Register(ctx, leakage.Budget{External: 2, Neighbour: 4, Group: 8})
	require.NoError(t, tr.Record(ctx, "x", leakage.Budget{External: 0.5, Neighbour: 1}))
	rem, ok := tr.Remaining(ctx)
	require.True(t, ok)
	assert.Equal(t, leakage.Budget{External: 1.5, Neighbour: 4, Group: 8}, rem)
}
