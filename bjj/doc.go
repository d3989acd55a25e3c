// Package bjj is the Baby Jubjub implementation of [group.Group], built on
// gnark-crypto's twisted Edwards arithmetic over the BN254 scalar field.
//
// Every threshold key in Aura lives on this curve: FROST group keys and
// shares, the points revealed during deterministic key derivation, and the
// dealings exchanged while resharing.
//
// The curve is
//
//	a*x^2 + y^2 = 1 + d*x^2*y^2,  a = 168700, d = 168696
//
// with prime subgroup order
//
//	2736030358979909402780800718157159386076813972158567259200215660948447373041
//
// Scalars encode as 32 bytes big-endian; points use gnark-crypto's 32-byte
// compressed form. [BJJ.HashToScalar] uses BLAKE3 with a dedicated context
// string and wide output.
package bjj
