package choreo

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/group"
	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/journal"
)

// CollectedCommitments proves a DKD session holds commitments from at
// least threshold distinct participants.
type CollectedCommitments struct {
	ok        bool
	authors   []ids.DeviceID
	threshold int
}

func (w *CollectedCommitments) valid() bool { return w != nil && w.ok }

// Authors returns the committed devices in order.
func (w *CollectedCommitments) Authors() []ids.DeviceID { return slices.Clone(w.authors) }

// VerifyCommitments checks rec's commitment count against its threshold.
func VerifyCommitments(rec *journal.SessionRecord) (*CollectedCommitments, error) {
	if rec.DKD == nil {
		return nil, fmt.Errorf("%w: session %s is not a dkd session", journal.ErrInvalidState, ids.Short(rec.SessionID))
	}
	authors := rec.DKD.CommittedAuthors()
	if len(authors) < int(rec.Threshold) {
		return nil, &journal.ThresholdNotMetError{Current: len(authors), Required: int(rec.Threshold)}
	}
	return &CollectedCommitments{ok: true, authors: authors, threshold: int(rec.Threshold)}, nil
}

// VerifiedReveals proves every committed participant revealed a point
// matching its commitment.
type VerifiedReveals struct {
	ok          bool
	derived     []byte
	root        ids.Hash
	fingerprint ids.Hash
}

func (w *VerifiedReveals) valid() bool { return w != nil && w.ok }

// DerivedKey returns the aggregate of the sorted revealed points.
func (w *VerifiedReveals) DerivedKey() []byte { return slices.Clone(w.derived) }

// CommitmentRoot returns the Merkle root of the sorted commitments.
func (w *VerifiedReveals) CommitmentRoot() ids.Hash { return w.root }

// SeedFingerprint returns the fingerprint of the derived key.
func (w *VerifiedReveals) SeedFingerprint() ids.Hash { return w.fingerprint }

// VerifyReveals checks every reveal of rec against its commitment. A
// mismatch is returned as a *journal.ByzantineError naming the device.
func VerifyReveals(rec *journal.SessionRecord) (*VerifiedReveals, error) {
	if rec.DKD == nil {
		return nil, fmt.Errorf("%w: session %s is not a dkd session", journal.ErrInvalidState, ids.Short(rec.SessionID))
	}
	derived, root, fingerprint, err := journal.VerifyDKD(rec.DKD, rec.Threshold)
	if err != nil {
		return nil, err
	}
	return &VerifiedReveals{ok: true, derived: derived, root: root, fingerprint: fingerprint}, nil
}

// DkdCompleted proves a DKD session was finalized on the ledger.
type DkdCompleted struct {
	ok      bool
	session ids.SessionID
	derived []byte
}

func (w *DkdCompleted) valid() bool { return w != nil && w.ok }

// DerivedKey returns the key recorded in the session outcome.
func (w *DkdCompleted) DerivedKey() []byte { return slices.Clone(w.derived) }

// VerifyDkdCompleted checks that rec completed successfully.
func VerifyDkdCompleted(rec *journal.SessionRecord) (*DkdCompleted, error) {
	if rec.Protocol != journal.ProtocolDKD || rec.Status != journal.StatusCompleted || rec.Outcome == nil {
		return nil, fmt.Errorf("%w: dkd session %s is %s", journal.ErrInvalidState, ids.Short(rec.SessionID), rec.Status)
	}
	return &DkdCompleted{ok: true, session: rec.SessionID, derived: slices.Clone(rec.Outcome.Result)}, nil
}

// CommitmentThresholdMet proves enough distinct signers committed.
type CommitmentThresholdMet struct {
	ok        bool
	count     int
	threshold int
}

func (w *CommitmentThresholdMet) valid() bool { return w != nil && w.ok }

func (w *CommitmentThresholdMet) Count() int     { return w.count }
func (w *CommitmentThresholdMet) Threshold() int { return w.threshold }

// VerifyCommitmentThreshold counts distinct signer identifiers.
func VerifyCommitmentThreshold(commitments []*frost.SigningCommitment, threshold int) (*CommitmentThresholdMet, error) {
	n := distinct(len(commitments), func(i int) group.Scalar { return commitments[i].ID })
	if n < threshold {
		return nil, &journal.ThresholdNotMetError{Current: n, Required: threshold}
	}
	return &CommitmentThresholdMet{ok: true, count: n, threshold: threshold}, nil
}

// SignatureShareThresholdMet proves enough distinct signers sent shares.
type SignatureShareThresholdMet struct {
	ok        bool
	count     int
	threshold int
}

func (w *SignatureShareThresholdMet) valid() bool { return w != nil && w.ok }

func (w *SignatureShareThresholdMet) Count() int { return w.count }

// VerifyShareThreshold counts distinct share identifiers.
func VerifyShareThreshold(shares []*frost.SignatureShare, threshold int) (*SignatureShareThresholdMet, error) {
	n := distinct(len(shares), func(i int) group.Scalar { return shares[i].ID })
	if n < threshold {
		return nil, &journal.ThresholdNotMetError{Current: n, Required: threshold}
	}
	return &SignatureShareThresholdMet{ok: true, count: n, threshold: threshold}, nil
}

func distinct(n int, id func(int) group.Scalar) int {
	seen := map[string]struct{}{}
	for i := range n {
		seen[string(id(i).Bytes())] = struct{}{}
	}
	return len(seen)
}

// SignatureAggregated proves a signature verifies under a group key.
type SignatureAggregated struct {
	ok        bool
	signature []byte
	groupKey  []byte
}

func (w *SignatureAggregated) valid() bool { return w != nil && w.ok }

// Signature returns the 64-byte R || z encoding.
func (w *SignatureAggregated) Signature() []byte { return slices.Clone(w.signature) }

// VerifySignature checks signature over msg under groupKey.
func VerifySignature(groupKey, msg, signature []byte) (*SignatureAggregated, error) {
	if err := journal.VerifyGroupSignature(groupKey, msg, signature, nil); err != nil {
		return nil, err
	}
	return &SignatureAggregated{ok: true, signature: slices.Clone(signature), groupKey: slices.Clone(groupKey)}, nil
}

// FrostResharingCompleted proves a resharing produced a distinct group key
// that the new participant set can sign with.
type FrostResharingCompleted struct {
	ok          bool
	newGroupKey []byte
}

func (w *FrostResharingCompleted) valid() bool { return w != nil && w.ok }

// NewGroupKey returns the rotated group key.
func (w *FrostResharingCompleted) NewGroupKey() []byte { return slices.Clone(w.newGroupKey) }

// VerifyResharingCompleted checks that newKey differs from oldKey and that
// testSignature signs the resharing test message under newKey.
func VerifyResharingCompleted(account ids.AccountID, session ids.SessionID, oldKey, newKey, testSignature []byte) (*FrostResharingCompleted, error) {
	if bytes.Equal(oldKey, newKey) {
		return nil, fmt.Errorf("%w: resharing did not rotate the group key", journal.ErrInvalidState)
	}
	if _, err := VerifySignature(newKey, journal.ResharingTestMessage(account, session), testSignature); err != nil {
		return nil, fmt.Errorf("test signature: %w", err)
	}
	return &FrostResharingCompleted{ok: true, newGroupKey: slices.Clone(newKey)}, nil
}

// ApprovalThresholdMet proves a recovery collected its guardian quorum.
type ApprovalThresholdMet struct {
	ok        bool
	count     int
	threshold int
}

func (w *ApprovalThresholdMet) valid() bool { return w != nil && w.ok }

func (w *ApprovalThresholdMet) Count() int { return w.count }

// VerifyApprovals counts valid approvals of a recovery session.
func VerifyApprovals(state *journal.AccountState, rec *journal.SessionRecord) (*ApprovalThresholdMet, error) {
	if rec.Recovery == nil {
		return nil, fmt.Errorf("%w: session %s is not a recovery", journal.ErrInvalidState, ids.Short(rec.SessionID))
	}
	n, q := state.ValidApprovals(rec), state.RecoveryQuorum(rec)
	if n < q {
		return nil, &journal.ThresholdNotMetError{Current: n, Required: q}
	}
	return &ApprovalThresholdMet{ok: true, count: n, threshold: q}, nil
}
