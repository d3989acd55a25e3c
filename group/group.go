package group

import (
	"fmt"
	"io"
)

// Scalar is an integer modulo the group order.
//
// Arithmetic methods write their result into the receiver and return it,
// so expressions chain without intermediate allocations:
//
//	z := g.NewScalar().Mul(rho, e)
//	z = g.NewScalar().Add(d, z)
type Scalar interface {
	// Add sets the receiver to a+b and returns it.
	Add(a, b Scalar) Scalar
	// Sub sets the receiver to a-b and returns it.
	Sub(a, b Scalar) Scalar
	// Mul sets the receiver to a*b and returns it.
	Mul(a, b Scalar) Scalar
	// Negate sets the receiver to -a and returns it.
	Negate(a Scalar) Scalar
	// Invert sets the receiver to a^{-1}. It fails for zero.
	Invert(a Scalar) (Scalar, error)
	// Set copies a into the receiver.
	Set(a Scalar) Scalar
	// Bytes returns the fixed-width canonical encoding.
	Bytes() []byte
	// SetBytes decodes data into the receiver, reducing modulo the order.
	SetBytes(data []byte) (Scalar, error)
	Equal(b Scalar) bool
	IsZero() bool
	// Zero overwrites the receiver's value. Secret scalars (key shares,
	// signing nonces) are zeroed once they are spent.
	Zero()
}

// Point is a group element.
type Point interface {
	Add(a, b Point) Point
	Sub(a, b Point) Point
	Negate(a Point) Point
	// ScalarMult sets the receiver to s*p and returns it.
	ScalarMult(s Scalar, p Point) Point
	Set(a Point) Point
	// Bytes returns the compressed canonical encoding.
	Bytes() []byte
	// SetBytes decodes a compressed point and rejects invalid encodings.
	SetBytes(data []byte) (Point, error)
	Equal(b Point) bool
	IsIdentity() bool
}

// Group is a prime-order group: the factory for its scalars and points.
//
// Everything above this package (FROST keys and signatures, DKD points,
// resharing dealings) is written against Group, so the curve is chosen in
// exactly one place.
type Group interface {
	// NewScalar returns zero.
	NewScalar() Scalar
	// NewPoint returns the identity.
	NewPoint() Point
	Generator() Point
	// RandomScalar draws a uniform scalar from r.
	RandomScalar(r io.Reader) (Scalar, error)
	// HashToScalar hashes the concatenation of data to a scalar.
	HashToScalar(data ...[]byte) (Scalar, error)
	// ScalarFromUint64 maps a small integer (a participant index) to a
	// scalar.
	ScalarFromUint64(n uint64) Scalar
	// Order returns the group order, big-endian.
	Order() []byte
	// ScalarSize and PointSize are the encoded lengths in bytes.
	ScalarSize() int
	PointSize() int
}

// DecodeScalar decodes a scalar and checks its encoded length.
func DecodeScalar(g Group, data []byte) (Scalar, error) {
	if len(data) != g.ScalarSize() {
		return nil, fmt.Errorf("scalar is %d bytes, want %d", len(data), g.ScalarSize())
	}
	return g.NewScalar().SetBytes(data)
}

// DecodePoint decodes a compressed point and checks its encoded length.
func DecodePoint(g Group, data []byte) (Point, error) {
	if len(data) != g.PointSize() {
		return nil, fmt.Errorf("point is %d bytes, want %d", len(data), g.PointSize())
	}
	return g.NewPoint().SetBytes(data)
}

// SumPoints returns the sum of points; the identity for an empty list.
func SumPoints(g Group, points []Point) Point {
	sum := g.NewPoint()
	for _, p := range points {
		sum = g.NewPoint().Add(sum, p)
	}
	return sum
}

// BasePoint returns s*G.
func BasePoint(g Group, s Scalar) Point {
	return g.NewPoint().ScalarMult(s, g.Generator())
}
