package tensor

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randDense(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

// projection reduces a tensor to a scalar with fixed random weights so every
// element of the gradient is distinct.
func projection(rng *rand.Rand) func(*Tensor) *Tensor {
	var w *mat.Dense
	return func(x *Tensor) *Tensor {
		r, c := x.Dims()
		if w == nil {
			w = randDense(rng, r, c)
		}
		return Sum(Mul(x, New(w)))
	}
}

// checkGrad compares Backward against central finite differences for each
// of the given parameter matrices.
func checkGrad(t *testing.T, params []*mat.Dense, build func(leaves []*Tensor) *Tensor) {
	t.Helper()
	leaves := make([]*Tensor, len(params))
	for i, p := range params {
		leaves[i] = Param(p, "p")
	}
	require.NoError(t, build(leaves).Backward())

	constants := func() []*Tensor {
		out := make([]*Tensor, len(params))
		for i, p := range params {
			out[i] = New(p)
		}
		return out
	}

	const h = 1e-6
	for i, p := range params {
		data := p.RawMatrix().Data
		var grad []float64
		if g := leaves[i].Grad(); g != nil {
			grad = g.RawMatrix().Data
		} else {
			grad = make([]float64, len(data))
		}
		for j := range data {
			orig := data[j]
			data[j] = orig + h
			plus := build(constants()).Scalar()
			data[j] = orig - h
			minus := build(constants()).Scalar()
			data[j] = orig
			numeric := (plus - minus) / (2 * h)
			assert.InDelta(t, numeric, grad[j], 1e-5*(1+math.Abs(numeric)), "param %d element %d", i, j)
		}
	}
}

func TestBackwardErrors(t *testing.T) {
	x := Param(mat.NewDense(2, 2, []float64{1, 2, 3, 4}), "x")
	assert.Error(t, x.Backward())

	c := Sum(FromSlice(1, 2, []float64{1, 2}))
	assert.Error(t, c.Backward())
}

func TestMatMulGrad(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	proj := projection(rng)
	checkGrad(t, []*mat.Dense{randDense(rng, 3, 4), randDense(rng, 4, 2)}, func(l []*Tensor) *Tensor {
		return proj(MatMul(l[0], l[1]))
	})
}

func TestMatMulTGrad(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	proj := projection(rng)
	checkGrad(t, []*mat.Dense{randDense(rng, 3, 4), randDense(rng, 5, 4)}, func(l []*Tensor) *Tensor {
		return proj(MatMulT(l[0], l[1]))
	})
}

func TestElementwiseGrad(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	proj := projection(rng)
	checkGrad(t, []*mat.Dense{randDense(rng, 3, 4), randDense(rng, 3, 4), randDense(rng, 1, 4)}, func(l []*Tensor) *Tensor {
		return proj(Scale(AddRow(Add(Mul(l[0], l[1]), l[0]), l[2]), 0.5))
	})
}

func TestActivationGrad(t *testing.T) {
	for _, name := range []string{"linear", "nn.relu", "nn.gelu", "exact_gelu"} {
		t.Run(name, func(t *testing.T) {
			act, err := Activation(name)
			require.NoError(t, err)
			rng := rand.New(rand.NewPCG(7, 8))
			proj := projection(rng)
			checkGrad(t, []*mat.Dense{randDense(rng, 3, 5)}, func(l []*Tensor) *Tensor {
				return proj(act(l[0]))
			})
		})
	}

	_, err := Activation("nn.swish")
	assert.Error(t, err)
}

func TestSharedLeafAccumulates(t *testing.T) {
	w := Param(mat.NewDense(2, 2, []float64{1, 2, 3, 4}), "w")
	x := FromSlice(1, 2, []float64{1, 1})
	out := Sum(Add(MatMul(x, w), MatMul(x, w)))
	require.NoError(t, out.Backward())
	assert.Equal(t, []float64{2, 2, 2, 2}, w.Grad().RawMatrix().Data)
}

func TestLayerNorm(t *testing.T) {
	x := FromSlice(1, 4, []float64{1, 2, 3, 4})
	ones := FromSlice(1, 4, []float64{1, 1, 1, 1})
	out := LayerNorm(x, ones, nil, 0).Data()
	var mean, sq float64
	for _, v := range out {
		mean += v
		sq += v * v
	}
	assert.InDelta(t, 0, mean/4, 1e-12)
	assert.InDelta(t, 1, sq/4, 1e-12)

	rng := rand.New(rand.NewPCG(9, 10))
	proj := projection(rng)
	checkGrad(t, []*mat.Dense{randDense(rng, 3, 6), randDense(rng, 1, 6), randDense(rng, 1, 6)}, func(l []*Tensor) *Tensor {
		return proj(LayerNorm(l[0], l[1], l[2], 1e-5))
	})
}

func TestRMSNorm(t *testing.T) {
	x := FromSlice(1, 2, []float64{3, 4})
	scale := FromSlice(1, 2, []float64{1, 2})
	out := RMSNorm(x, scale, 0).Data()
	rms := math.Sqrt(12.5)
	assert.InDelta(t, 3/rms, out[0], 1e-12)
	assert.InDelta(t, 8/rms, out[1], 1e-12)

	rng := rand.New(rand.NewPCG(11, 12))
	proj := projection(rng)
	checkGrad(t, []*mat.Dense{randDense(rng, 3, 6), randDense(rng, 1, 6)}, func(l []*Tensor) *Tensor {
		return proj(RMSNorm(l[0], l[1], 1e-6))
	})
}

func TestGather(t *testing.T) {
	table := FromSlice(3, 2, []float64{0, 1, 10, 11, 20, 21})
	out := Gather(table, []int{2, 0, 2})
	assert.Equal(t, []float64{20, 21, 0, 1, 20, 21}, out.Data())

	rng := rand.New(rand.NewPCG(13, 14))
	proj := projection(rng)
	checkGrad(t, []*mat.Dense{randDense(rng, 4, 3)}, func(l []*Tensor) *Tensor {
		return proj(Gather(l[0], []int{1, 3, 1, 0}))
	})

	assert.Panics(t, func() { Gather(table, []int{3}) })
}

func TestAttentionUniform(t *testing.T) {
	// Identical keys give uniform weights, so each output is the mean of v.
	q := FromSlice(1, 2, []float64{1, -1})
	k := FromSlice(2, 2, []float64{1, 1, 1, 1})
	v := FromSlice(2, 2, []float64{2, 4, 6, 8})
	out := Attention(q, k, v, nil, AttentionSpec{Batch: 1, QueryLen: 1, KeyLen: 2, NumHeads: 1, Scale: 1})
	assert.InDeltaSlice(t, []float64{4, 6}, out.Data(), 1e-12)

	masked := Attention(q, k, v, nil, AttentionSpec{
		Batch: 1, QueryLen: 1, KeyLen: 2, NumHeads: 1, Scale: 1,
		Mask: []bool{false, true},
	})
	assert.InDeltaSlice(t, []float64{6, 8}, masked.Data(), 1e-12)
}

func TestAttentionGrad(t *testing.T) {
	const (
		batch, tq, tk, heads, dim = 2, 3, 4, 2, 4
	)
	rng := rand.New(rand.NewPCG(15, 16))
	mask := make([]bool, batch*tq*tk)
	for i := range mask {
		mask[i] = rng.IntN(4) != 0
	}
	spec := AttentionSpec{Batch: batch, QueryLen: tq, KeyLen: tk, NumHeads: heads, Scale: 0.7, Mask: mask}
	proj := projection(rng)
	checkGrad(t, []*mat.Dense{
		randDense(rng, batch*tq, dim),
		randDense(rng, batch*tk, dim),
		randDense(rng, batch*tk, dim),
		randDense(rng, batch*heads*tq, tk),
	}, func(l []*Tensor) *Tensor {
		return proj(Attention(l[0], l[1], l[2], l[3], spec))
	})
}

func TestRelativeBiasGrad(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 18))
	buckets := make([]int, 2*3*3)
	for i := range buckets {
		buckets[i] = rng.IntN(5)
	}
	proj := projection(rng)
	checkGrad(t, []*mat.Dense{randDense(rng, 2, 5)}, func(l []*Tensor) *Tensor {
		return proj(RelativeBias(l[0], buckets, 2, 3, 3))
	})
}

func TestCrossEntropy(t *testing.T) {
	logits := FromSlice(2, 3, []float64{1, 2, 3, 0, 0, 0})
	loss := CrossEntropy(logits, []int{2, -100}, 0).Scalar()
	want := math.Log(math.Exp(1)+math.Exp(2)+math.Exp(3)) - 3
	assert.InDelta(t, want, loss, 1e-12)

	none := CrossEntropy(logits, []int{-100, -100}, 0)
	assert.Equal(t, 0.0, none.Scalar())

	rng := rand.New(rand.NewPCG(19, 20))
	checkGrad(t, []*mat.Dense{randDense(rng, 4, 5)}, func(l []*Tensor) *Tensor {
		return CrossEntropy(l[0], []int{0, -100, 4, 2}, 1e-2)
	})
}

func TestDropout(t *testing.T) {
	x := FromSlice(1, 1000, nil)
	data := x.Value().RawMatrix().Data
	for i := range data {
		data[i] = 1
	}
	assert.Same(t, x, Dropout(x, 0, rand.New(rand.NewPCG(1, 1))))
	assert.Same(t, x, Dropout(x, 0.5, nil))

	a := Dropout(x, 0.25, rand.New(rand.NewPCG(21, 22))).Data()
	b := Dropout(x, 0.25, rand.New(rand.NewPCG(21, 22))).Data()
	assert.Equal(t, a, b)

	var zeros int
	for _, v := range a {
		if v == 0 {
			zeros++
			continue
		}
		assert.InDelta(t, 1/0.75, v, 1e-12)
	}
	assert.InDelta(t, 250, zeros, 60)
}
