package hub

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/simd"
)

// maskValue is added to disallowed attention scores, as the hub does with
// the dtype minimum.
var maskValue = -math.MaxFloat64

// Linear is a torch dense layer: y = x W^T + b with W shaped (out, in).
type Linear struct {
	Weight *mat.Dense
	Bias   *mat.Dense
}

func newLinear(rng *rand.Rand, in, out int, std float64) *Linear {
	return &Linear{Weight: normal(rng, out, in, std), Bias: mat.NewDense(1, out, nil)}
}

func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	r, _ := x.Dims()
	out, _ := l.Weight.Dims()
	y := mat.NewDense(r, out, nil)
	y.Mul(x, l.Weight.T())
	addBias(y, l.Bias)
	return y
}

// Conv1D is GPT-2's dense layer: y = x W + b with W shaped (in, out).
type Conv1D struct {
	Weight *mat.Dense
	Bias   *mat.Dense
}

func newConv1D(rng *rand.Rand, in, out int, std float64) *Conv1D {
	return &Conv1D{Weight: normal(rng, in, out, std), Bias: mat.NewDense(1, out, nil)}
}

func (c *Conv1D) Forward(x *mat.Dense) *mat.Dense {
	r, _ := x.Dims()
	_, out := c.Weight.Dims()
	y := mat.NewDense(r, out, nil)
	y.Mul(x, c.Weight)
	addBias(y, c.Bias)
	return y
}

// LayerNorm normalizes rows with a biased variance estimate.
type LayerNorm struct {
	Weight *mat.Dense
	Bias   *mat.Dense
	Eps    float64
}

func newLayerNorm(size int, eps float64) *LayerNorm {
	ones := make([]float64, size)
	for i := range ones {
		ones[i] = 1
	}
	return &LayerNorm{Weight: mat.NewDense(1, size, ones), Bias: mat.NewDense(1, size, nil), Eps: eps}
}

func (l *LayerNorm) Forward(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	g := l.Weight.RawRowView(0)
	b := l.Bias.RawRowView(0)
	y := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(c)
		var variance float64
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(c)
		inv := 1 / math.Sqrt(variance+l.Eps)
		out := y.RawRowView(i)
		for j, v := range row {
			out[j] = (v-mean)*inv*g[j] + b[j]
		}
	}
	return y
}

// Embedding is a lookup table. PaddingIdx < 0 means no padding row.
type Embedding struct {
	Weight     *mat.Dense
	PaddingIdx int
}

func newEmbedding(rng *rand.Rand, num, dim int, std float64, paddingIdx int) *Embedding {
	w := normal(rng, num, dim, std)
	if paddingIdx >= 0 && paddingIdx < num {
		clear(w.RawRowView(paddingIdx))
	}
	return &Embedding{Weight: w, PaddingIdx: paddingIdx}
}

func (e *Embedding) Forward(ids []int) (*mat.Dense, error) {
	num, dim := e.Weight.Dims()
	y := mat.NewDense(len(ids), dim, nil)
	for i, id := range ids {
		if id < 0 || id >= num {
			return nil, fmt.Errorf("index %d out of range for embedding of size %d", id, num)
		}
		copy(y.RawRowView(i), e.Weight.RawRowView(id))
	}
	return y, nil
}

func normal(rng *rand.Rand, r, c int, std float64) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64() * std
	}
	return mat.NewDense(r, c, data)
}

func addBias(y, bias *mat.Dense) {
	r, _ := y.Dims()
	b := bias.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(y.RawRowView(i), b)
	}
}

func activation(name string) (func([]float64), error) {
	switch name {
	case "relu":
		return func(d []float64) {
			for i, v := range d {
				d[i] = math.Max(v, 0)
			}
		}, nil
	case "gelu":
		return simd.Gelu, nil
	case "gelu_new", "gelu_pytorch_tanh":
		return simd.GeluTanh, nil
	default:
		return nil, fmt.Errorf("unsupported activation %q", name)
	}
}

func applyActivation(name string, x *mat.Dense) {
	f, err := activation(name)
	if err != nil {
		panic(err)
	}
	r, _ := x.Dims()
	for i := 0; i < r; i++ {
		f(x.RawRowView(i))
	}
}

// attend runs scaled dot-product attention over heads laid out as column
// blocks. keyMask, when non-nil, holds the 0/1 attention mask of each key;
// causal hides later keys.
func attend(q, k, v *mat.Dense, heads int, keyMask []float64, causal bool) *mat.Dense {
	tq, dim := q.Dims()
	tk, _ := k.Dims()
	hd := dim / heads
	divisor := math.Sqrt(float64(hd))
	out := mat.NewDense(tq, dim, nil)
	scores := mat.NewDense(tq, tk, nil)
	ctx := mat.NewDense(tq, hd, nil)
	for h := 0; h < heads; h++ {
		qh := q.Slice(0, tq, h*hd, (h+1)*hd)
		kh := k.Slice(0, tk, h*hd, (h+1)*hd)
		vh := v.Slice(0, tk, h*hd, (h+1)*hd)
		scores.Mul(qh, kh.T())
		for i := 0; i < tq; i++ {
			row := scores.RawRowView(i)
			for j := range row {
				row[j] /= divisor
				if causal && j > i {
					row[j] = maskValue
					continue
				}
				if keyMask != nil && keyMask[j] == 0 {
					row[j] += maskValue
				}
			}
			simd.Softmax(row)
		}
		ctx.Mul(scores, vh)
		out.Slice(0, tq, h*hd, (h+1)*hd).(*mat.Dense).Copy(ctx)
	}
	return out
}
