package vector

import (
	"errors"
	"math"
)

var ErrDimensionMismatch = errors.New("vectors must be non-empty and of equal dimension")

// Vectors shorter than this go through the reference loop; the unrolled
// path only pays off once there is enough work per iteration.
const unrollMinDim = 16

// Cosine returns the cosine similarity of a and b. When either vector has a
// zero norm the similarity is defined as 0.
func Cosine(a, b []float64) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	if len(a) >= unrollMinDim {
		return cosineUnrolled(a, b), nil
	}
	return cosineRef(a, b), nil
}

func cosineRef(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	return finish(dot, normA, normB)
}

// cosineUnrolled accumulates four lanes per iteration so the compiler can
// keep independent dependency chains in flight.
func cosineUnrolled(a, b []float64) float64 {
	var dot0, dot1, dot2, dot3 float64
	var na0, na1, na2, na3 float64
	var nb0, nb1, nb2, nb3 float64

	n := len(a)
	i := 0
	for ; i+3 < n; i += 4 {
		a0, a1, a2, a3 := a[i], a[i+1], a[i+2], a[i+3]
		b0, b1, b2, b3 := b[i], b[i+1], b[i+2], b[i+3]
		dot0 += a0 * b0
		dot1 += a1 * b1
		dot2 += a2 * b2
		dot3 += a3 * b3
		na0 += a0 * a0
		na1 += a1 * a1
		na2 += a2 * a2
		na3 += a3 * a3
		nb0 += b0 * b0
		nb1 += b1 * b1
		nb2 += b2 * b2
		nb3 += b3 * b3
	}
	for ; i < n; i++ {
		dot0 += a[i] * b[i]
		na0 += a[i] * a[i]
		nb0 += b[i] * b[i]
	}

	return finish(dot0+dot1+dot2+dot3, na0+na1+na2+na3, nb0+nb1+nb2+nb3)
}

func finish(dot, normA, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
