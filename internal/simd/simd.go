// Package simd holds the float64 row kernels gonum/floats lacks: GELU
// variants and an in-place softmax.
package simd

import "math"

const (
	sqrt2       = 1.4142135623730951
	sqrt2overPi = 0.7978845608028654
	geluCoeff   = 0.044715
)

// Gelu applies the exact (erf) GELU in-place.
func Gelu(data []float64) {
	for i, x := range data {
		data[i] = 0.5 * x * (1 + math.Erf(x/sqrt2))
	}
}

// GeluTanh applies the tanh approximation of GELU in-place.
// GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
func GeluTanh(data []float64) {
	for i, x := range data {
		data[i] = 0.5 * x * (1 + math.Tanh(sqrt2overPi*(x+geluCoeff*x*x*x)))
	}
}

// Softmax applies a max-shifted softmax in-place to a row.
func Softmax(row []float64) {
	if len(row) == 0 {
		return
	}
	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum float64
	for i, v := range row {
		row[i] = math.Exp(v - max)
		sum += row[i]
	}

	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
}
