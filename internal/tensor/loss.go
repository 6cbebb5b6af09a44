package tensor

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CrossEntropy returns the mean softmax cross-entropy of logits (N, V)
// against labels. Rows with a negative label are ignored. When zLossScale is
// non-zero the mean of zLossScale*logsumexp^2 over the same rows is added.
// With no live rows the loss is zero.
func CrossEntropy(logits *Tensor, labels []int, zLossScale float64) *Tensor {
	n, vocab := logits.Dims()
	if len(labels) != n {
		panic(fmt.Sprintf("tensor: CrossEntropy has %d labels for %d rows", len(labels), n))
	}
	ld := raw(logits.value)
	lse := make([]float64, n)
	var total float64
	var count int
	for i, y := range labels {
		if y < 0 {
			continue
		}
		if y >= vocab {
			panic(fmt.Sprintf("tensor: CrossEntropy label %d out of range [0,%d)", y, vocab))
		}
		row := ld[i*vocab : (i+1)*vocab]
		lse[i] = floats.LogSumExp(row)
		total += lse[i] - row[y] + zLossScale*lse[i]*lse[i]
		count++
	}
	var loss float64
	if count > 0 {
		loss = total / float64(count)
	}

	out := newResult(mat.NewDense(1, 1, []float64{loss}), logits)
	if out.requiresGrad {
		out.backward = func() {
			if count == 0 {
				return
			}
			g := out.grad.At(0, 0) / float64(count)
			d := make([]float64, n*vocab)
			for i, y := range labels {
				if y < 0 {
					continue
				}
				row := ld[i*vocab : (i+1)*vocab]
				k := 1 + 2*zLossScale*lse[i]
				for j, x := range row {
					d[i*vocab+j] = g * math.Exp(x-lse[i]) * k
				}
				d[i*vocab+y] -= g
			}
			logits.accumulateData(d)
		}
	}
	return out
}

// Dropout zeroes each element with probability rate and rescales survivors
// by 1/(1-rate). A nil rng or a non-positive rate is the identity.
func Dropout(x *Tensor, rate float64, rng *rand.Rand) *Tensor {
	if rate <= 0 || rng == nil {
		return x
	}
	if rate >= 1 {
		panic(fmt.Sprintf("tensor: Dropout rate %v must be below 1", rate))
	}
	r, c := x.Dims()
	keep := 1 - rate
	src := raw(x.value)
	mask := make([]float64, len(src))
	data := make([]float64, len(src))
	for i, v := range src {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
		data[i] = v * mask[i]
	}

	out := newResult(mat.NewDense(r, c, data), x)
	if out.requiresGrad {
		out.backward = func() {
			g := raw(out.grad)
			d := make([]float64, len(g))
			for i := range g {
				d[i] = g[i] * mask[i]
			}
			x.accumulateData(d)
		}
	}
	return out
}
