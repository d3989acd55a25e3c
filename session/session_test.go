package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/f3rmion/aura/bjj"
	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/group"
	"github.com/f3rmion/aura/ids"
)

// runCeremony drives key generation through the Participant API, the way
// separate devices would.
func runCeremony(t *testing.T, threshold, total int) ([]*Participant, []*DKGResult) {
	t.Helper()
	g := &bjj.BJJ{}
	allIDs := make([]int, total)
	participants := make([]*Participant, total)
	for i := range participants {
		p, err := NewParticipant(g, threshold, total, i+1)
		if err != nil {
			t.Fatal(err)
		}
		participants[i] = p
		allIDs[i] = i + 1
	}

	outputs := make([]*Round1Output, total)
	broadcasts := make([]*frost.Round1Data, total)
	for i, p := range participants {
		out, err := p.GenerateRound1(rand.Reader, allIDs)
		if err != nil {
			t.Fatal(err)
		}
		outputs[i] = out
		broadcasts[i] = out.Broadcast
	}

	results := make([]*DKGResult, total)
	for i, p := range participants {
		var private []*frost.Round1PrivateData
		for j, out := range outputs {
			if i != j {
				private = append(private, out.PrivateShares[p.ID()])
			}
		}
		res, err := p.ProcessRound1(&Round1Input{Broadcasts: broadcasts, PrivateShares: private})
		if err != nil {
			t.Fatalf("participant %d: %v", i+1, err)
		}
		results[i] = res
	}
	return participants, results
}

func signWith(t *testing.T, signers []*Participant, message []byte) *frost.Signature {
	t.Helper()
	sessions := make([]*SigningSession, len(signers))
	commitments := make([]*frost.SigningCommitment, len(signers))
	for i, p := range signers {
		s, err := p.NewSigningSession(rand.Reader, message)
		if err != nil {
			t.Fatal(err)
		}
		sessions[i] = s
		commitments[i] = s.Commitment()
	}
	shares := make([]*frost.SignatureShare, len(signers))
	for i, s := range sessions {
		share, err := s.Sign(commitments)
		if err != nil {
			t.Fatal(err)
		}
		shares[i] = share
	}
	sig, err := Aggregate(signers[0].FROST(), signers[0].KeyShare().GroupKey, message, commitments, shares)
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func TestDKGAndSign(t *testing.T) {
	participants, results := runCeremony(t, 2, 3)

	for i := 1; i < len(results); i++ {
		if !results[i].GroupKey.Equal(results[0].GroupKey) {
			t.Fatal("participants derived different group keys")
		}
	}
	for i, p := range participants {
		if !results[0].PublicShares[p.ID()].Equal(results[i].KeyShare.PublicKey) {
			t.Errorf("public share of participant %d does not match", p.ID())
		}
	}

	message := []byte("hello session API")
	sig := signWith(t, participants[1:], message)
	f := participants[0].FROST()
	if err := Verify(f, message, sig, results[0].GroupKey); err != nil {
		t.Error(err)
	}
	if err := Verify(f, []byte("wrong message"), sig, results[0].GroupKey); err == nil {
		t.Error("signature should not verify with wrong message")
	}
}

func TestNonceReusePrevention(t *testing.T) {
	participants, _ := runCeremony(t, 2, 3)
	message := []byte("once")

	s1, _ := participants[0].NewSigningSession(rand.Reader, message)
	s2, _ := participants[1].NewSigningSession(rand.Reader, message)
	commitments := []*frost.SigningCommitment{s1.Commitment(), s2.Commitment()}

	if _, err := s1.Sign(commitments); err != nil {
		t.Fatal(err)
	}
	if !s1.IsConsumed() || s1.HasNonces() {
		t.Error("session should be consumed with nonces wiped")
	}
	if _, err := s1.Sign(commitments); !errors.Is(err, ErrSessionConsumed) {
		t.Errorf("expected ErrSessionConsumed, got %v", err)
	}

	// A failed Sign still burns the nonces.
	s3, _ := participants[2].NewSigningSession(rand.Reader, message)
	if _, err := s3.Sign(commitments); err == nil {
		t.Fatal("sign without own commitment should fail")
	}
	if s3.HasNonces() {
		t.Error("nonces survived a failed Sign")
	}
	if _, err := s3.Sign(append(commitments, s3.Commitment())); !errors.Is(err, ErrSessionConsumed) {
		t.Errorf("expected ErrSessionConsumed, got %v", err)
	}
}

func TestCloneHasNoNonces(t *testing.T) {
	participants, _ := runCeremony(t, 2, 2)
	message := []byte("clone")

	s1, _ := participants[0].NewSigningSession(rand.Reader, message)
	s2, _ := participants[1].NewSigningSession(rand.Reader, message)
	clone := s1.Clone()

	if clone.HasNonces() {
		t.Fatal("clone must not carry nonces")
	}
	if !bytes.Equal(clone.Message(), s1.Message()) || clone.Commitment() != s1.Commitment() {
		t.Error("clone should keep the public state")
	}
	commitments := []*frost.SigningCommitment{s1.Commitment(), s2.Commitment()}
	if _, err := clone.Sign(commitments); !errors.Is(err, ErrNoNonces) {
		t.Errorf("expected ErrNoNonces, got %v", err)
	}
	if _, err := s1.Sign(commitments); err != nil {
		t.Errorf("original should still sign: %v", err)
	}

	s2.Discard()
	if _, err := s2.Sign(commitments); !errors.Is(err, ErrSessionConsumed) {
		t.Errorf("discarded session signed: %v", err)
	}
}

func TestSigningSessionWithoutDKG(t *testing.T) {
	p, _ := NewParticipant(&bjj.BJJ{}, 2, 3, 1)
	if _, err := p.NewSigningSession(rand.Reader, []byte("x")); err == nil {
		t.Error("expected error before key generation")
	}
}

func TestDuplicateRound1Generation(t *testing.T) {
	p, _ := NewParticipant(&bjj.BJJ{}, 2, 3, 1)
	if _, err := p.GenerateRound1(rand.Reader, []int{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GenerateRound1(rand.Reader, []int{1, 2, 3}); err == nil {
		t.Error("expected error on second round 1")
	}
	if _, err := (&Participant{frost: p.frost}).ProcessRound1(&Round1Input{}); err == nil {
		t.Error("expected error processing before round 1")
	}
}

func TestParticipantIDValidation(t *testing.T) {
	g := &bjj.BJJ{}
	for _, id := range []int{0, -1, 4} {
		if _, err := NewParticipant(g, 2, 3, id); err == nil {
			t.Errorf("id %d should be rejected", id)
		}
	}
	if _, err := NewParticipantWithHasher(g, 2, 3, 1, frost.NewBlake2bHasher()); err != nil {
		t.Error(err)
	}
}

func TestQuickSign(t *testing.T) {
	g := &bjj.BJJ{}
	key, err := RunLocalDKG(g, rand.Reader, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	f, _ := frost.New(g, 2, 3)
	message := []byte("quick")

	sig, err := QuickSign(f, rand.Reader, key.Shares[:2], message)
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(f, message, sig, key.GroupKey); err != nil {
		t.Error(err)
	}
	if _, err := QuickSign(f, rand.Reader, nil, message); err == nil {
		t.Error("expected error without shares")
	}
	if _, err := QuickSign(f, rand.Reader, key.Shares[:1], message); err == nil {
		t.Error("expected error below threshold")
	}
}

func TestSetKeyShareAndRetire(t *testing.T) {
	g := &bjj.BJJ{}
	key, _ := RunLocalDKG(g, rand.Reader, 1, 1)

	p, _ := NewParticipant(g, 1, 1, 1)
	p.SetKeyShare(key.Shares[0])
	message := []byte("restored")
	sig := signWith(t, []*Participant{p}, message)
	if err := Verify(p.FROST(), message, sig, key.GroupKey); err != nil {
		t.Fatal(err)
	}

	p.Retire()
	if !p.Retired() || p.KeyShare() != nil {
		t.Error("retired participant still exposes a key share")
	}
	if _, err := p.NewSigningSession(rand.Reader, message); err == nil {
		t.Error("retired participant should not sign")
	}
}

func TestAggregateValidation(t *testing.T) {
	f, _ := frost.New(&bjj.BJJ{}, 2, 3)
	key := (&bjj.BJJ{}).Generator()
	commitment := &frost.SigningCommitment{}
	share := &frost.SignatureShare{}

	if _, err := Aggregate(f, key, nil, nil, []*frost.SignatureShare{share}); err == nil {
		t.Error("expected error without commitments")
	}
	if _, err := Aggregate(f, key, nil, []*frost.SigningCommitment{commitment}, nil); err == nil {
		t.Error("expected error without shares")
	}
	if _, err := Aggregate(f, key, nil, []*frost.SigningCommitment{commitment, commitment}, []*frost.SignatureShare{share}); err == nil {
		t.Error("expected error on count mismatch")
	}
}

func TestReshareRetiresOldShares(t *testing.T) {
	participants, results := runCeremony(t, 2, 3)
	oldKey := results[0].GroupKey
	oldF := participants[0].FROST()

	next, _ := frost.New(&bjj.BJJ{}, 2, 2)
	dealers := []int{1, 3}
	recipients := []int{1, 2}

	var dealings []*frost.ReshareDealing
	subs := map[int][]*frost.ReshareSubShare{}
	for _, idx := range dealers {
		d, err := participants[idx-1].DealReshare(rand.Reader, dealers, next, recipients)
		if err != nil {
			t.Fatal(err)
		}
		dealings = append(dealings, d.Dealing)
		for i, sub := range d.SubShares {
			subs[recipients[i]] = append(subs[recipients[i]], sub)
		}
		if !participants[idx-1].Retired() {
			t.Errorf("dealer %d kept its share", idx)
		}
		if _, err := participants[idx-1].DealReshare(rand.Reader, dealers, next, recipients); !errors.Is(err, ErrShareRetired) {
			t.Errorf("dealer %d dealt twice: %v", idx, err)
		}
	}

	public := map[string]group.Point{}
	for i, p := range participants {
		public[string(oldF.Identifier(p.ID()).Bytes())] = results[i].PublicShares[p.ID()]
	}
	newKey, err := oldF.VerifyDealings(dealings, oldKey, public, next)
	if err != nil {
		t.Fatal(err)
	}
	if newKey.Equal(oldKey) {
		t.Fatal("group key did not rotate")
	}

	var newParticipants []*Participant
	for _, j := range recipients {
		p, err := CompleteReshare(next, j, subs[j], dealings, newKey)
		if err != nil {
			t.Fatal(err)
		}
		newParticipants = append(newParticipants, p)
	}
	message := []byte("new set")
	sig := signWith(t, newParticipants, message)
	if err := Verify(next, message, sig, newKey); err != nil {
		t.Error(err)
	}
}

func TestDKDContributions(t *testing.T) {
	g := &bjj.BJJ{}
	var session ids.SessionID
	for i := range session {
		session[i] = 0xA5
	}
	devices := []ids.DeviceID{
		ids.FromLabel[ids.DeviceID]("bob"),
		ids.FromLabel[ids.DeviceID]("alice"),
		ids.FromLabel[ids.DeviceID]("carol"),
	}

	var points [][]byte
	var commitments []ids.Hash
	for _, d := range devices {
		c, err := DeriveDKDContribution(g, session, d)
		if err != nil {
			t.Fatal(err)
		}
		again, _ := DeriveDKDContribution(g, session, d)
		if !bytes.Equal(c.Point, again.Point) {
			t.Error("dkd contribution is not deterministic")
		}
		if DKDCommitment(c.Point) != c.Commitment {
			t.Error("commitment is not BLAKE3 of the point")
		}
		points = append(points, c.Point)
		commitments = append(commitments, c.Commitment)
	}

	key, err := AggregateDKDPoints(g, points)
	if err != nil {
		t.Fatal(err)
	}
	reordered, _ := AggregateDKDPoints(g, [][]byte{points[2], points[0], points[1]})
	if !bytes.Equal(key, reordered) {
		t.Error("aggregate depends on input order")
	}
	if len(key) != 32 {
		t.Errorf("derived key is %d bytes", len(key))
	}

	root := DKDCommitmentRoot(commitments)
	if root != DKDCommitmentRoot([]ids.Hash{commitments[1], commitments[2], commitments[0]}) {
		t.Error("commitment root depends on input order")
	}
	for _, c := range commitments {
		proof, ok := DKDCommitmentProof(commitments, c)
		if !ok || !ids.VerifyMerkleProof(c, proof, root) {
			t.Error("commitment proof does not verify")
		}
	}
	if SeedFingerprint(key) != ids.Sum([]byte("aura-dkd-seed-v1:"), key) {
		t.Error("unexpected seed fingerprint")
	}

	if _, err := AggregateDKDPoints(g, [][]byte{{1, 2, 3}}); err == nil {
		t.Error("malformed point should be rejected")
	}
}
