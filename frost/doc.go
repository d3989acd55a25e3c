// Package frost implements FROST threshold Schnorr signatures over a
// [group.Group], plus the resharing dealings an account uses to move its
// key to a new device set.
//
// # Key generation
//
// Every participant samples a polynomial of degree t-1 and publishes
// Feldman commitments ([Participant.Round1Broadcast]). Each then sends the
// evaluation for every other participant privately ([FROST.Round1PrivateSend]),
// verifies what it receives ([FROST.Round2ReceiveShare]) and sums the
// result into its key share ([FROST.Finalize]). [FROST.PublicShare]
// recovers any participant's public share from the broadcasts.
//
// # Signing
//
//  1. Each signer draws a nonce pair and publishes its commitment
//     ([FROST.SignRound1]). Nonces are hedged: derived from fresh
//     randomness and the secret share.
//  2. Each signer computes z_i ([FROST.SignRound2]); nonces must then be
//     wiped and never reused.
//  3. A coordinator sums the shares ([FROST.Aggregate]) and may attribute
//     a failed aggregate with [FROST.VerifyShare].
//  4. Anyone verifies with [FROST.Verify].
//
// Binding factors hash the commitment list in identifier order, so signers
// need not agree on the order commitments arrived in.
//
// # Resharing
//
// A signing set of the old key deals blinded, Lagrange-weighted shares to
// the new participant set ([FROST.NewReshareDealer]). Verifiers check that
// the weighted parts reconstruct the current group key
// ([FROST.VerifyDealings]); new participants combine their sub-shares
// ([FROST.CompleteReshare]). The resulting group key is the old key plus
// the sum of the dealers' blinds, so it always differs from the old one.
//
// # Hashers
//
// [NewBlake3Hasher] is the default ciphersuite. [NewBlake2bHasher] matches
// the Ledger / iden3 Baby Jubjub suite for hardware signers. Signatures
// produced under one hasher do not verify under the other.
package frost
