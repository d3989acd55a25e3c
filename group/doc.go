// Package group is the prime-order group abstraction under every
// threshold-cryptographic operation of an Aura account.
//
// Three interfaces cover what the protocols need:
//
//   - [Scalar]: integers modulo the group order (key shares, nonces,
//     Lagrange coefficients, DKD scalars)
//   - [Point]: group elements (public keys, commitments, DKD reveals)
//   - [Group]: the factory, generator and hashing for one curve
//
// Methods follow a mutable-receiver convention: the receiver holds the
// result and is returned, so a fresh scalar or point is allocated with
// NewScalar / NewPoint before each operation.
//
// Encodings are fixed width. [DecodeScalar] and [DecodePoint] check the
// width before decoding, which is what the journal relies on when it reads
// points and signatures out of events.
//
// The bjj package provides the only implementation, on Baby Jubjub.
package group
