// Package session is the device-side API for an account's threshold key:
// key generation, single-use signing sessions, resharing and the
// deterministic key derivation (DKD) primitives.
//
// # Key generation
//
//	p, err := session.NewParticipant(g, threshold, total, myIndex)
//	r1, err := p.GenerateRound1(rng, allIndices)
//	// publish r1.Broadcast, send r1.PrivateShares[j] to participant j
//	result, err := p.ProcessRound1(&session.Round1Input{
//		Broadcasts:    broadcasts,
//		PrivateShares: sharesForMe,
//	})
//
// [RunLocalDKG] performs the same ceremony for participants that all live
// in one process.
//
// # Signing
//
// A [SigningSession] holds one nonce pair. [SigningSession.Sign] consumes
// it and wipes the nonces even on failure; a second call returns
// [ErrSessionConsumed]. [SigningSession.Clone] copies only public state,
// so a clone can never sign with the original's nonces.
//
// # Resharing
//
// [Participant.DealReshare] spends the participant's share on a dealing
// for the new participant set and retires it. New participants are built
// with [CompleteReshare] once the dealings have been verified.
//
// # DKD
//
// [DeriveDKDContribution] computes a participant's point from the first 16
// bytes of session_id XOR device_id and its BLAKE3 commitment.
// [AggregateDKDPoints], [DKDCommitmentRoot] and [SeedFingerprint] produce
// the values recorded when a DKD session finalises.
//
// This package moves no messages. The choreo package carries them through
// the journal and the transport.
package session
