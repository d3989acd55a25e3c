package proposal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/aura/clock"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/policy"
	"github.com/f3rmion/aura/proposal"
)

const startMs = 1_700_000_000_000

var (
	team   = ids.FromLabel[ids.ContextID]("team")
	voters = []ids.AuthorityID{
		ids.FromLabel[ids.AuthorityID]("a1"),
		ids.FromLabel[ids.AuthorityID]("a2"),
		ids.FromLabel[ids.AuthorityID]("a3"),
		ids.FromLabel[ids.AuthorityID]("a4"),
		ids.FromLabel[ids.AuthorityID]("a5"),
	}
)

func newManager(t *testing.T) (*proposal.Manager, *clock.Simulated) {
	t.Helper()
	clk := clock.NewSimulated(startMs)
	return proposal.NewManager(clk, logging.Nop()), clk
}

func create(t *testing.T, m *proposal.Manager, threshold policy.ApprovalThreshold, timeoutMs uint64) *proposal.State {
	t.Helper()
	s, err := m.Create(proposal.Request{
		Context:   team,
		Proposer:  voters[0],
		Operation: policy.OpRemoveChannelMember,
		Data:      []byte("member=mallory"),
		Threshold: threshold,
		TimeoutMs: timeoutMs,
	})
	require.NoError(t, err)
	return s
}

func TestCreateRejectsInvalidThreshold(t *testing.T) {
	m, _ := newManager(t)
	for _, threshold := range []policy.ApprovalThreshold{
		{Kind: policy.ThresholdPercentage, Value: 0},
		{Kind: policy.ThresholdPercentage, Value: 150},
		policy.AtLeast(0),
	} {
		_, err := m.Create(proposal.Request{
			Context:   team,
			Proposer:  voters[0],
			Operation: policy.OpRemoveChannelMember,
			Threshold: threshold,
		})
		assert.ErrorIs(t, err, policy.ErrInvalidThreshold, threshold.String())
		assert.Equal(t, journal.KindPolicy, journal.KindOf(err))
	}
	assert.Empty(t, m.Pending())
}

func TestPercentageThreshold(t *testing.T) {
	m, clk := newManager(t)
	p := create(t, m, policy.Percentage(51), 0)

	for _, v := range voters[:2] {
		s, err := m.Approve(p.ProposalID, v, "")
		require.NoError(t, err)
		assert.True(t, s.IsPending(), "percentage thresholds never complete without a total")
	}
	s, done, err := m.Evaluate(p.ProposalID, len(voters), clk.NowMs())
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, s.IsPending())

	_, err = m.Approve(p.ProposalID, voters[2], "")
	require.NoError(t, err)
	s, done, err = m.Evaluate(p.ProposalID, len(voters), clk.NowMs())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, proposal.StatusApproved, s.Status)

	last := m.Facts()[len(m.Facts())-1]
	completed, ok := last.(*proposal.Completed)
	require.True(t, ok)
	assert.ElementsMatch(t, voters[:3], completed.Approvers)
}

func TestAnyThresholdCompletesOnApproval(t *testing.T) {
	m, _ := newManager(t)
	p := create(t, m, policy.Any(), 0)

	var seen []proposal.FactType
	m.Observe(func(f proposal.Fact) { seen = append(seen, f.Type()) })

	s, err := m.Approve(p.ProposalID, voters[1], "ok")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusApproved, s.Status)
	assert.Equal(t, []proposal.FactType{proposal.FactApproved, proposal.FactCompleted}, seen)

	_, err = m.Approve(p.ProposalID, voters[2], "")
	assert.ErrorIs(t, err, proposal.ErrProposalClosed)
}

func TestVotesAreIdempotentPerAuthority(t *testing.T) {
	m, _ := newManager(t)
	p := create(t, m, policy.AtLeast(3), 0)

	_, err := m.Approve(p.ProposalID, voters[1], "first")
	require.NoError(t, err)
	_, err = m.Approve(p.ProposalID, voters[1], "again")
	require.NoError(t, err)
	s, err := m.Reject(p.ProposalID, voters[1], "changed my mind")
	require.NoError(t, err)

	assert.Len(t, s.Approvals, 1)
	assert.Empty(t, s.Rejections)
	assert.Equal(t, "first", s.Approvals[voters[1]].Note)
	assert.Len(t, m.Facts(), 2)
}

func TestTerminalStateIgnoresFacts(t *testing.T) {
	s := proposal.NewState(&proposal.Created{ProposalID: "p", Threshold: policy.Any()})
	assert.True(t, s.Apply(&proposal.Withdrawn{ProposalID: "p"}))
	assert.Equal(t, proposal.StatusWithdrawn, s.Status)

	assert.False(t, s.Apply(&proposal.Approved{ProposalID: "p", Approver: voters[0]}))
	assert.False(t, s.Apply(&proposal.Completed{ProposalID: "p"}))
	assert.Equal(t, proposal.StatusWithdrawn, s.Status)
	assert.Empty(t, s.Approvals)

	other := proposal.NewState(&proposal.Created{ProposalID: "q", Threshold: policy.Any()})
	assert.False(t, other.Apply(&proposal.Approved{ProposalID: "p", Approver: voters[0]}))
}

func TestFailureReasonsMapToStatus(t *testing.T) {
	expired := proposal.NewState(&proposal.Created{ProposalID: "p"})
	expired.Apply(&proposal.Failed{ProposalID: "p", Reason: proposal.FailureReason{Kind: proposal.FailExpired}})
	assert.Equal(t, proposal.StatusExpired, expired.Status)

	vetoed := proposal.NewState(&proposal.Created{ProposalID: "p"})
	vetoed.Apply(&proposal.Failed{ProposalID: "p", Reason: proposal.FailureReason{Kind: proposal.FailVetoed, Vetoer: &voters[2]}})
	assert.Equal(t, proposal.StatusRejected, vetoed.Status)
	require.NotNil(t, vetoed.Failure)
	assert.Equal(t, voters[2], *vetoed.Failure.Vetoer)
}

func TestSweepExpired(t *testing.T) {
	m, clk := newManager(t)
	short := create(t, m, policy.Unanimous(), 1_000)
	long := create(t, m, policy.Unanimous(), 60_000)
	never := create(t, m, policy.Unanimous(), 0)

	assert.Zero(t, m.SweepExpired(clk.NowMs()))
	clk.Advance(1_000)
	assert.Equal(t, 1, m.SweepExpired(clk.NowMs()))
	assert.Zero(t, m.SweepExpired(clk.NowMs()))

	s, _ := m.Get(short.ProposalID)
	assert.Equal(t, proposal.StatusExpired, s.Status)
	require.NotNil(t, s.Failure)
	assert.Equal(t, proposal.FailExpired, s.Failure.Kind)

	pending := m.Pending()
	require.Len(t, pending, 2)
	assert.ElementsMatch(t, []string{long.ProposalID, never.ProposalID}, []string{pending[0].ProposalID, pending[1].ProposalID})
}

func TestEvaluateExpiryWinsOverApprovals(t *testing.T) {
	m, clk := newManager(t)
	p := create(t, m, policy.Unanimous(), 1_000)
	for _, v := range voters {
		_, err := m.Approve(p.ProposalID, v, "")
		require.NoError(t, err)
	}
	s, done, err := m.Evaluate(p.ProposalID, len(voters), clk.NowMs()+1_000)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, proposal.StatusExpired, s.Status)
}

func TestEvaluateUnreachable(t *testing.T) {
	m, clk := newManager(t)
	p := create(t, m, policy.AtLeast(4), 0)
	for _, v := range voters[:2] {
		_, err := m.Reject(p.ProposalID, v, "no")
		require.NoError(t, err)
	}
	s, done, err := m.Evaluate(p.ProposalID, len(voters), clk.NowMs())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, proposal.StatusRejected, s.Status)
	assert.Equal(t, proposal.FailRejected, s.Failure.Kind)
}

func TestWithdrawRequiresProposer(t *testing.T) {
	m, _ := newManager(t)
	p := create(t, m, policy.Any(), 0)

	_, err := m.Withdraw(p.ProposalID, voters[1], "not mine")
	assert.ErrorIs(t, err, proposal.ErrNotProposer)
	assert.Equal(t, journal.KindAuthorization, journal.KindOf(err))

	s, err := m.Withdraw(p.ProposalID, voters[0], "never mind")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusWithdrawn, s.Status)
}

func TestRequestFromDecision(t *testing.T) {
	reg := policy.DefaultRegistry()
	req, err := proposal.RequestFor(reg.Decide(policy.OpArchiveChannel, &team), team, voters[0], policy.OpArchiveChannel, nil)
	require.NoError(t, err)
	assert.Equal(t, policy.Any(), req.Threshold)
	assert.EqualValues(t, 24*60*60*1000, req.TimeoutMs)

	_, err = proposal.RequestFor(reg.Decide(policy.OpSendMessage, &team), team, voters[0], policy.OpSendMessage, nil)
	assert.ErrorIs(t, err, proposal.ErrNotDeferred)
}

func TestUnknownProposal(t *testing.T) {
	m, clk := newManager(t)
	_, err := m.Approve("missing", voters[0], "")
	assert.ErrorIs(t, err, proposal.ErrUnknownProposal)
	_, _, err = m.Evaluate("missing", 1, clk.NowMs())
	assert.ErrorIs(t, err, proposal.ErrUnknownProposal)
	assert.ErrorIs(t, m.Apply(&proposal.Approved{ProposalID: "missing"}), proposal.ErrUnknownProposal)
}
