package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/simd"
)

// MatMul returns a * b.
func MatMul(a, b *Tensor) *Tensor {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != br {
		panic(fmt.Sprintf("tensor: MatMul dimension mismatch: %dx%d * %dx%d", ar, ac, br, bc))
	}
	v := mat.NewDense(ar, bc, nil)
	v.Mul(a.value, b.value)

	out := newResult(v, a, b)
	if out.requiresGrad {
		out.backward = func() {
			if a.requiresGrad {
				d := mat.NewDense(ar, ac, nil)
				d.Mul(out.grad, b.value.T())
				a.accumulate(d)
			}
			if b.requiresGrad {
				d := mat.NewDense(br, bc, nil)
				d.Mul(a.value.T(), out.grad)
				b.accumulate(d)
			}
		}
	}
	return out
}

// MatMulT returns a * b^T. Used for projections onto an embedding table.
func MatMulT(a, b *Tensor) *Tensor {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != bc {
		panic(fmt.Sprintf("tensor: MatMulT dimension mismatch: %dx%d * (%dx%d)^T", ar, ac, br, bc))
	}
	v := mat.NewDense(ar, br, nil)
	v.Mul(a.value, b.value.T())

	out := newResult(v, a, b)
	if out.requiresGrad {
		out.backward = func() {
			if a.requiresGrad {
				d := mat.NewDense(ar, ac, nil)
				d.Mul(out.grad, b.value)
				a.accumulate(d)
			}
			if b.requiresGrad {
				d := mat.NewDense(br, bc, nil)
				d.Mul(out.grad.T(), a.value)
				b.accumulate(d)
			}
		}
	}
	return out
}

// Add returns a + b for equally shaped tensors.
func Add(a, b *Tensor) *Tensor {
	sameDims("Add", a, b)
	r, c := a.Dims()
	v := mat.NewDense(r, c, nil)
	v.Add(a.value, b.value)

	out := newResult(v, a, b)
	if out.requiresGrad {
		out.backward = func() {
			a.accumulate(out.grad)
			b.accumulate(out.grad)
		}
	}
	return out
}

// AddRow adds a 1xC row vector to every row of a.
func AddRow(a, row *Tensor) *Tensor {
	r, c := a.Dims()
	rr, rc := row.Dims()
	if rr != 1 || rc != c {
		panic(fmt.Sprintf("tensor: AddRow expects 1x%d row, got %dx%d", c, rr, rc))
	}
	src := raw(a.value)
	bias := raw(row.value)
	data := make([]float64, r*c)
	copy(data, src)
	for i := 0; i < r; i++ {
		floats.Add(data[i*c:(i+1)*c], bias)
	}

	out := newResult(mat.NewDense(r, c, data), a, row)
	if out.requiresGrad {
		out.backward = func() {
			a.accumulate(out.grad)
			if row.requiresGrad {
				g := raw(out.grad)
				sum := make([]float64, c)
				for i := 0; i < r; i++ {
					floats.Add(sum, g[i*c:(i+1)*c])
				}
				row.accumulateData(sum)
			}
		}
	}
	return out
}

// Mul returns the element-wise product of a and b.
func Mul(a, b *Tensor) *Tensor {
	sameDims("Mul", a, b)
	r, c := a.Dims()
	v := mat.NewDense(r, c, nil)
	v.MulElem(a.value, b.value)

	out := newResult(v, a, b)
	if out.requiresGrad {
		out.backward = func() {
			if a.requiresGrad {
				d := mat.NewDense(r, c, nil)
				d.MulElem(out.grad, b.value)
				a.accumulate(d)
			}
			if b.requiresGrad {
				d := mat.NewDense(r, c, nil)
				d.MulElem(out.grad, a.value)
				b.accumulate(d)
			}
		}
	}
	return out
}

// Scale returns s * a.
func Scale(a *Tensor, s float64) *Tensor {
	r, c := a.Dims()
	v := mat.NewDense(r, c, nil)
	v.Scale(s, a.value)

	out := newResult(v, a)
	if out.requiresGrad {
		out.backward = func() {
			d := mat.NewDense(r, c, nil)
			d.Scale(s, out.grad)
			a.accumulate(d)
		}
	}
	return out
}

// Sum reduces a to a 1x1 tensor.
func Sum(a *Tensor) *Tensor {
	out := newResult(mat.NewDense(1, 1, []float64{mat.Sum(a.value)}), a)
	if out.requiresGrad {
		out.backward = func() {
			r, c := a.Dims()
			g := out.grad.At(0, 0)
			d := make([]float64, r*c)
			for i := range d {
				d[i] = g
			}
			a.accumulateData(d)
		}
	}
	return out
}

// ActivationFunc maps a tensor element-wise.
type ActivationFunc func(*Tensor) *Tensor

// Activation resolves an activation by name.
func Activation(name string) (ActivationFunc, error) {
	switch name {
	case "linear", "":
		return func(t *Tensor) *Tensor { return t }, nil
	case "nn.relu":
		return ReLU, nil
	case "nn.gelu":
		return GeluTanh, nil
	case "exact_gelu":
		return Gelu, nil
	default:
		return nil, fmt.Errorf("tensor: unknown activation %q", name)
	}
}

// ReLU applies max(x, 0).
func ReLU(a *Tensor) *Tensor {
	return unary(a,
		func(dst []float64) {
			for i, x := range dst {
				if x < 0 {
					dst[i] = 0
				}
			}
		},
		func(x float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		})
}

// Gelu applies the exact (erf) GELU.
func Gelu(a *Tensor) *Tensor {
	return unary(a, simd.Gelu, func(x float64) float64 {
		return 0.5*(1+math.Erf(x/math.Sqrt2)) + x*math.Exp(-0.5*x*x)/math.Sqrt(2*math.Pi)
	})
}

// GeluTanh applies the tanh approximation of GELU.
func GeluTanh(a *Tensor) *Tensor {
	const (
		k = 0.7978845608028654
		c = 0.044715
	)
	return unary(a, simd.GeluTanh, func(x float64) float64 {
		th := math.Tanh(k * (x + c*x*x*x))
		return 0.5*(1+th) + 0.5*x*(1-th*th)*k*(1+3*c*x*x)
	})
}

// unary applies an in-place kernel to a copy of a; df is the derivative in terms of the input.
func unary(a *Tensor, f func([]float64), df func(x float64) float64) *Tensor {
	r, c := a.Dims()
	src := raw(a.value)
	data := make([]float64, len(src))
	copy(data, src)
	f(data)

	out := newResult(mat.NewDense(r, c, data), a)
	if out.requiresGrad {
		out.backward = func() {
			g := raw(out.grad)
			d := make([]float64, len(src))
			for i, x := range src {
				d[i] = g[i] * df(x)
			}
			a.accumulateData(d)
		}
	}
	return out
}
