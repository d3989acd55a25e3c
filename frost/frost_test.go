package frost

import (
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/f3rmion/aura/bjj"
	"github.com/f3rmion/aura/group"
)

// runDKG runs a full key generation among f.Total() in-process
// participants.
func runDKG(t *testing.T, f *FROST) ([]*KeyShare, []*Round1Data) {
	t.Helper()
	total := f.Total()

	participants := make([]*Participant, total)
	broadcasts := make([]*Round1Data, total)
	for i := range participants {
		p, err := f.NewParticipant(rand.Reader, i+1)
		if err != nil {
			t.Fatalf("participant %d: %v", i+1, err)
		}
		participants[i] = p
		broadcasts[i] = p.Round1Broadcast()
	}

	for i, sender := range participants {
		for j := range participants {
			if i == j {
				continue
			}
			data := f.Round1PrivateSend(sender, j+1)
			if err := f.Round2ReceiveShare(participants[j], data, broadcasts[i].Commitments); err != nil {
				t.Fatalf("participant %d rejected share from %d: %v", j+1, i+1, err)
			}
		}
	}

	shares := make([]*KeyShare, total)
	for i, p := range participants {
		ks, err := f.Finalize(p, broadcasts)
		if err != nil {
			t.Fatalf("participant %d finalize: %v", i+1, err)
		}
		shares[i] = ks
		p.Wipe()
	}
	return shares, broadcasts
}

// sign runs both signing rounds for signers and aggregates.
func sign(t *testing.T, f *FROST, signers []*KeyShare, message []byte) (*Signature, []*SigningCommitment, []*SignatureShare) {
	t.Helper()
	nonces := make([]*SigningNonce, len(signers))
	commitments := make([]*SigningCommitment, len(signers))
	for i, ks := range signers {
		n, c, err := f.SignRound1(rand.Reader, ks)
		if err != nil {
			t.Fatalf("round 1: %v", err)
		}
		nonces[i], commitments[i] = n, c
	}
	sigShares := make([]*SignatureShare, len(signers))
	for i, ks := range signers {
		ss, err := f.SignRound2(ks, nonces[i], message, commitments)
		if err != nil {
			t.Fatalf("round 2: %v", err)
		}
		sigShares[i] = ss
		nonces[i].Wipe()
	}
	sig, err := f.Aggregate(signers[0].GroupKey, message, commitments, sigShares)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	return sig, commitments, sigShares
}

func TestDKGAndSign(t *testing.T) {
	g := &bjj.BJJ{}
	f, err := New(g, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	shares, broadcasts := runDKG(t, f)

	for i := 1; i < len(shares); i++ {
		if !shares[i].GroupKey.Equal(shares[0].GroupKey) {
			t.Fatal("participants derived different group keys")
		}
	}
	for _, ks := range shares {
		if !f.PublicShare(broadcasts, ks.ID).Equal(ks.PublicKey) {
			t.Error("public share from broadcasts does not match key share")
		}
	}

	message := []byte("account event")
	sig, _, _ := sign(t, f, shares[:2], message)
	if !f.Verify(message, sig, shares[0].GroupKey) {
		t.Error("signature verification failed")
	}
	if f.Verify([]byte("other event"), sig, shares[0].GroupKey) {
		t.Error("signature verified for a different message")
	}
}

func TestSigningWithDifferentSignerSubsets(t *testing.T) {
	f, _ := New(&bjj.BJJ{}, 2, 4)
	shares, _ := runDKG(t, f)
	message := []byte("subset message")

	subsets := [][]int{{0, 1}, {0, 3}, {1, 2}, {2, 3}, {0, 1, 2}, {3, 1, 0, 2}}
	for _, subset := range subsets {
		name := "signers"
		for _, idx := range subset {
			name += fmt.Sprintf("_%d", idx+1)
		}
		t.Run(name, func(t *testing.T) {
			signers := make([]*KeyShare, len(subset))
			for i, idx := range subset {
				signers[i] = shares[idx]
			}
			sig, _, _ := sign(t, f, signers, message)
			if !f.Verify(message, sig, shares[0].GroupKey) {
				t.Error("signature verification failed")
			}
		})
	}
}

func TestSigningWithDifferentThresholds(t *testing.T) {
	configs := []struct{ threshold, total int }{
		{1, 1}, {1, 3}, {2, 3}, {3, 3}, {3, 5}, {4, 7},
	}
	for _, cfg := range configs {
		t.Run(fmt.Sprintf("%d_of_%d", cfg.threshold, cfg.total), func(t *testing.T) {
			f, err := New(&bjj.BJJ{}, cfg.threshold, cfg.total)
			if err != nil {
				t.Fatal(err)
			}
			shares, _ := runDKG(t, f)
			message := []byte("threshold signing")
			sig, _, _ := sign(t, f, shares[:cfg.threshold], message)
			if !f.Verify(message, sig, shares[0].GroupKey) {
				t.Error("signature verification failed")
			}
		})
	}
}

func TestCommitmentOrderDoesNotMatter(t *testing.T) {
	f, _ := New(&bjj.BJJ{}, 3, 3)
	shares, _ := runDKG(t, f)
	message := []byte("ordering")

	nonces := make([]*SigningNonce, 3)
	commitments := make([]*SigningCommitment, 3)
	for i, ks := range shares {
		nonces[i], commitments[i], _ = f.SignRound1(rand.Reader, ks)
	}
	reversed := []*SigningCommitment{commitments[2], commitments[1], commitments[0]}

	// Each signer sees the commitments in a different order.
	views := [][]*SigningCommitment{commitments, reversed, commitments}
	sigShares := make([]*SignatureShare, 3)
	for i, ks := range shares {
		ss, err := f.SignRound2(ks, nonces[i], message, views[i])
		if err != nil {
			t.Fatal(err)
		}
		sigShares[i] = ss
	}
	sig, err := f.Aggregate(shares[0].GroupKey, message, reversed, sigShares)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Verify(message, sig, shares[0].GroupKey) {
		t.Error("signature depends on commitment order")
	}
}

func TestSignRound2Validation(t *testing.T) {
	f, _ := New(&bjj.BJJ{}, 2, 3)
	shares, _ := runDKG(t, f)
	message := []byte("validation")

	n0, c0, _ := f.SignRound1(rand.Reader, shares[0])
	_, c1, _ := f.SignRound1(rand.Reader, shares[1])
	_, c2, _ := f.SignRound1(rand.Reader, shares[2])

	t.Run("BelowThreshold", func(t *testing.T) {
		if _, err := f.SignRound2(shares[0], n0, message, []*SigningCommitment{c0}); err == nil {
			t.Error("expected error below threshold")
		}
	})
	t.Run("DuplicateSigner", func(t *testing.T) {
		if _, err := f.SignRound2(shares[0], n0, message, []*SigningCommitment{c0, c0}); err == nil {
			t.Error("expected error for duplicate signer")
		}
	})
	t.Run("MissingOwnCommitment", func(t *testing.T) {
		if _, err := f.SignRound2(shares[0], n0, message, []*SigningCommitment{c1, c2}); err == nil {
			t.Error("expected error without own commitment")
		}
	})
	t.Run("WipedNonce", func(t *testing.T) {
		n, c, _ := f.SignRound1(rand.Reader, shares[0])
		n.Wipe()
		if _, err := f.SignRound2(shares[0], n, message, []*SigningCommitment{c, c1}); err == nil {
			t.Error("expected error for a wiped nonce")
		}
	})
	t.Run("WipedShare", func(t *testing.T) {
		copied := *shares[2]
		copied.SecretKey = f.Group().NewScalar().Set(shares[2].SecretKey)
		copied.Wipe()
		if _, _, err := f.SignRound1(rand.Reader, &copied); err == nil {
			t.Error("expected error for a wiped share")
		}
		if shares[2].SecretKey == nil || shares[2].SecretKey.IsZero() {
			t.Error("wiping a copy changed the original share")
		}
	})
}

func TestVerifyShareBlamesBadSigner(t *testing.T) {
	f, _ := New(&bjj.BJJ{}, 2, 3)
	shares, _ := runDKG(t, f)
	message := []byte("blame")

	sig, commitments, sigShares := sign(t, f, shares[:2], message)
	if !f.Verify(message, sig, shares[0].GroupKey) {
		t.Fatal("honest signature should verify")
	}
	for i, ss := range sigShares {
		if err := f.VerifyShare(ss, shares[i].PublicKey, shares[0].GroupKey, message, commitments); err != nil {
			t.Errorf("honest share %d rejected: %v", i, err)
		}
	}

	bad := &SignatureShare{ID: sigShares[1].ID, Z: f.Group().NewScalar().Add(sigShares[1].Z, f.Group().ScalarFromUint64(1))}
	if err := f.VerifyShare(bad, shares[1].PublicKey, shares[0].GroupKey, message, commitments); err == nil {
		t.Error("tampered share should be rejected")
	}
	forged, _ := f.Aggregate(shares[0].GroupKey, message, commitments, []*SignatureShare{sigShares[0], bad})
	if f.Verify(message, forged, shares[0].GroupKey) {
		t.Error("aggregate with a tampered share should not verify")
	}
}

func TestSignatureVerificationFailures(t *testing.T) {
	g := &bjj.BJJ{}
	f, _ := New(g, 2, 3)
	shares, _ := runDKG(t, f)
	message := []byte("original message")
	sig, _, _ := sign(t, f, shares[:2], message)
	groupKey := shares[0].GroupKey

	t.Run("WrongGroupKey", func(t *testing.T) {
		other, _ := runDKG(t, f)
		if f.Verify(message, sig, other[0].GroupKey) {
			t.Error("signature verified under another key")
		}
	})

	t.Run("TamperedR", func(t *testing.T) {
		tampered := &Signature{R: g.NewPoint().Add(sig.R, g.Generator()), Z: sig.Z}
		if f.Verify(message, tampered, groupKey) {
			t.Error("signature with tampered R verified")
		}
	})

	t.Run("TamperedZ", func(t *testing.T) {
		tampered := &Signature{R: sig.R, Z: g.NewScalar().Add(sig.Z, g.ScalarFromUint64(1))}
		if f.Verify(message, tampered, groupKey) {
			t.Error("signature with tampered z verified")
		}
	})

	t.Run("Nil", func(t *testing.T) {
		if f.Verify(message, nil, groupKey) || f.Verify(message, &Signature{}, groupKey) {
			t.Error("empty signature verified")
		}
	})

	t.Run("EmptyMessage", func(t *testing.T) {
		empty, _, _ := sign(t, f, shares[1:], []byte{})
		if !f.Verify([]byte{}, empty, groupKey) {
			t.Error("empty message signature should verify")
		}
		if f.Verify([]byte{}, sig, groupKey) {
			t.Error("signature verified for the empty message")
		}
	})
}

func TestSignatureEncoding(t *testing.T) {
	g := &bjj.BJJ{}
	f, _ := New(g, 2, 2)
	shares, _ := runDKG(t, f)
	message := []byte("encoded")
	sig, _, _ := sign(t, f, shares, message)

	enc := sig.Bytes()
	if len(enc) != 64 {
		t.Fatalf("signature encoding is %d bytes", len(enc))
	}
	decoded, err := DecodeSignature(g, enc)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Verify(message, decoded, shares[0].GroupKey) {
		t.Error("decoded signature does not verify")
	}
	if _, err := DecodeSignature(g, enc[:63]); err == nil {
		t.Error("short signature should be rejected")
	}
}

func TestThresholdValidation(t *testing.T) {
	g := &bjj.BJJ{}
	cases := []struct {
		name             string
		threshold, total int
		hasher           Hasher
	}{
		{"ZeroThreshold", 0, 3, NewBlake3Hasher()},
		{"TotalBelowThreshold", 3, 2, NewBlake3Hasher()},
		{"TooManyParticipants", 2, 1 << 16, NewBlake3Hasher()},
		{"NilHasher", 2, 3, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewWithHasher(g, tc.threshold, tc.total, tc.hasher); err == nil {
				t.Error("expected an error")
			}
		})
	}

	f, _ := New(g, 2, 3)
	if _, err := f.NewParticipant(rand.Reader, 4); err == nil {
		t.Error("participant index above total should be rejected")
	}
	if _, err := f.NewParticipant(rand.Reader, 0); err == nil {
		t.Error("participant index zero should be rejected")
	}
}

func TestBlake2bHasher(t *testing.T) {
	g := &bjj.BJJ{}
	f, err := NewWithHasher(g, 2, 3, NewBlake2bHasher())
	if err != nil {
		t.Fatal(err)
	}
	shares, _ := runDKG(t, f)
	message := []byte("ledger device")
	sig, _, _ := sign(t, f, shares[:2], message)

	if !f.Verify(message, sig, shares[0].GroupKey) {
		t.Error("Blake2b signature should verify under Blake2b")
	}
	def, _ := New(g, 2, 3)
	if def.Verify(message, sig, shares[0].GroupKey) {
		t.Error("Blake2b signature should not verify under the default hasher")
	}
}

func TestReshare(t *testing.T) {
	g := &bjj.BJJ{}
	old, _ := New(g, 2, 3)
	oldShares, _ := runDKG(t, old)
	oldKey := oldShares[0].GroupKey

	next, _ := New(g, 3, 4)
	dealerShares := []*KeyShare{oldShares[0], oldShares[2]}
	dealerIDs := []group.Scalar{dealerShares[0].ID, dealerShares[1].ID}
	publicShares := map[string]group.Point{}
	for _, ks := range oldShares {
		publicShares[string(ks.ID.Bytes())] = ks.PublicKey
	}

	recipients := []int{1, 2, 3, 4}
	var dealings []*ReshareDealing
	subByRecipient := map[int][]*ReshareSubShare{}
	for _, ks := range dealerShares {
		dealer, err := old.NewReshareDealer(rand.Reader, ks, dealerIDs, next)
		if err != nil {
			t.Fatal(err)
		}
		dealings = append(dealings, dealer.Dealing())
		subs, err := dealer.SubShares(recipients)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := dealer.SubShares(recipients); err == nil {
			t.Error("dealer produced sub-shares twice")
		}
		for i, sub := range subs {
			subByRecipient[recipients[i]] = append(subByRecipient[recipients[i]], sub)
		}
	}

	newKey, err := old.VerifyDealings(dealings, oldKey, publicShares, next)
	if err != nil {
		t.Fatal(err)
	}
	if newKey.Equal(oldKey) {
		t.Fatal("resharing must rotate the group key")
	}

	newShares := make([]*KeyShare, len(recipients))
	for i, j := range recipients {
		ks, err := next.CompleteReshare(j, subByRecipient[j], dealings, newKey)
		if err != nil {
			t.Fatalf("recipient %d: %v", j, err)
		}
		if !next.ResharePublicShare(dealings, j).Equal(ks.PublicKey) {
			t.Errorf("recipient %d public share mismatch", j)
		}
		newShares[i] = ks
	}

	message := []byte("after reshare")
	sig, _, _ := sign(t, next, newShares[1:], message)
	if !next.Verify(message, sig, newKey) {
		t.Error("new shares should sign under the new key")
	}
	if next.Verify(message, sig, oldKey) {
		t.Error("new signature should not verify under the old key")
	}

	t.Run("ForgedWeightedShare", func(t *testing.T) {
		forged := *dealings[1]
		forged.WeightedShare = g.NewPoint().Add(forged.WeightedShare, g.Generator())
		forged.Commitments = append([]group.Point{g.NewPoint().Add(forged.WeightedShare, forged.Blind)}, forged.Commitments[1:]...)
		_, err := old.VerifyDealings([]*ReshareDealing{dealings[0], &forged}, oldKey, publicShares, next)
		var dealingErr *DealingError
		if !errors.As(err, &dealingErr) || !dealingErr.Dealer.Equal(dealings[1].DealerID) {
			t.Errorf("expected DealingError blaming dealer 3, got %v", err)
		}
	})

	t.Run("TamperedSubShare", func(t *testing.T) {
		sub := *subByRecipient[1][0]
		sub.Value = g.NewScalar().Add(sub.Value, g.ScalarFromUint64(1))
		if err := next.VerifySubShare(&sub, dealings[0]); err == nil {
			t.Error("tampered sub-share should be rejected")
		}
	})

	t.Run("TooFewDealers", func(t *testing.T) {
		if _, err := old.NewReshareDealer(rand.Reader, oldShares[0], dealerIDs[:1], next); err == nil {
			t.Error("expected error below the old threshold")
		}
	})
}
