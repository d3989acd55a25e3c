package session

import (
	"errors"
	"io"
	"sync"

	"github.com/f3rmion/aura/frost"
	"github.com/f3rmion/aura/group"
)

// ErrSessionConsumed is returned by Sign on a session that already signed.
var ErrSessionConsumed = errors.New("session already consumed: nonce reuse prevented")

// ErrNoNonces is returned by Sign on a session that never held nonces,
// such as a clone.
var ErrNoNonces = errors.New("session holds no signing nonces")

// SigningSession produces at most one signature share. Its nonces are
// wiped by Sign, and Clone never copies them.
type SigningSession struct {
	mu         sync.Mutex
	frost      *frost.FROST
	keyShare   *frost.KeyShare
	message    []byte
	nonce      *frost.SigningNonce
	commitment *frost.SigningCommitment
	consumed   bool
}

// NewSigningSession draws fresh nonces for message.
func (p *Participant) NewSigningSession(rng io.Reader, message []byte) (*SigningSession, error) {
	if p.keyShare == nil {
		return nil, errors.New("no key share available")
	}
	nonce, commitment, err := p.frost.SignRound1(rng, p.keyShare)
	if err != nil {
		return nil, err
	}
	msg := make([]byte, len(message))
	copy(msg, message)
	return &SigningSession{
		frost:      p.frost,
		keyShare:   p.keyShare,
		message:    msg,
		nonce:      nonce,
		commitment: commitment,
	}, nil
}

// Commitment returns the public commitment to broadcast.
func (s *SigningSession) Commitment() *frost.SigningCommitment { return s.commitment }

// Message returns the message being signed.
func (s *SigningSession) Message() []byte { return s.message }

// Sign consumes the session and returns this signer's share. The nonces
// are wiped whether or not signing succeeds.
func (s *SigningSession) Sign(allCommitments []*frost.SigningCommitment) (*frost.SignatureShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumed {
		return nil, ErrSessionConsumed
	}
	if s.nonce == nil {
		return nil, ErrNoNonces
	}
	s.consumed = true
	defer s.wipeNonces()

	return s.frost.SignRound2(s.keyShare, s.nonce, s.message, allCommitments)
}

// Clone returns a copy of the session's public state. The copy holds no
// nonces and cannot sign.
func (s *SigningSession) Clone() *SigningSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := make([]byte, len(s.message))
	copy(msg, s.message)
	return &SigningSession{
		frost:      s.frost,
		keyShare:   s.keyShare,
		message:    msg,
		commitment: s.commitment,
		consumed:   s.consumed,
	}
}

// HasNonces reports whether the session still holds usable nonces.
func (s *SigningSession) HasNonces() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce != nil
}

// Discard wipes the nonces without signing, for aborted rounds.
func (s *SigningSession) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = true
	s.wipeNonces()
}

func (s *SigningSession) wipeNonces() {
	s.nonce.Wipe()
	s.nonce = nil
}

// IsConsumed reports whether Sign or Discard has been called.
func (s *SigningSession) IsConsumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

// Aggregate checks the inputs and combines signature shares.
func Aggregate(
	f *frost.FROST,
	groupKey group.Point,
	message []byte,
	commitments []*frost.SigningCommitment,
	shares []*frost.SignatureShare,
) (*frost.Signature, error) {
	if len(shares) == 0 {
		return nil, errors.New("no signature shares provided")
	}
	if len(commitments) == 0 {
		return nil, errors.New("no commitments provided")
	}
	if len(shares) != len(commitments) {
		return nil, errors.New("number of shares must match number of commitments")
	}
	return f.Aggregate(groupKey, message, commitments, shares)
}

// Verify returns nil if sig is valid for message under groupKey.
func Verify(f *frost.FROST, message []byte, sig *frost.Signature, groupKey group.Point) error {
	if !f.Verify(message, sig, groupKey) {
		return errors.New("signature verification failed")
	}
	return nil
}

// QuickSign runs both rounds when every signer's share is local, as it is
// for a single device holding a 1-of-1 key or in simulations.
func QuickSign(
	f *frost.FROST,
	rng io.Reader,
	signerShares []*frost.KeyShare,
	message []byte,
) (*frost.Signature, error) {
	if len(signerShares) == 0 {
		return nil, errors.New("no key shares provided")
	}
	nonces := make([]*frost.SigningNonce, len(signerShares))
	commitments := make([]*frost.SigningCommitment, len(signerShares))
	defer func() {
		for _, n := range nonces {
			n.Wipe()
		}
	}()
	for i, share := range signerShares {
		nonce, commitment, err := f.SignRound1(rng, share)
		if err != nil {
			return nil, err
		}
		nonces[i], commitments[i] = nonce, commitment
	}

	shares := make([]*frost.SignatureShare, len(signerShares))
	for i, keyShare := range signerShares {
		share, err := f.SignRound2(keyShare, nonces[i], message, commitments)
		if err != nil {
			return nil, err
		}
		shares[i] = share
	}
	return f.Aggregate(signerShares[0].GroupKey, message, commitments, shares)
}
