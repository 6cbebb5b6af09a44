// Package tensor implements a small reverse-mode autodiff graph over gonum
// matrices. All values are 2-D; sequence batches are stored flattened as
// (batch*seq, features), matching the layout used throughout the model.
package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a node in the autodiff graph.
type Tensor struct {
	value        *mat.Dense
	grad         *mat.Dense
	requiresGrad bool
	parents      []*Tensor
	backward     func()
	name         string
}

// New wraps a constant value. Constants never receive gradients.
func New(value *mat.Dense) *Tensor {
	return &Tensor{value: contiguous(value)}
}

// Param wraps a leaf value that accumulates gradients during Backward.
func Param(value *mat.Dense, name string) *Tensor {
	return &Tensor{value: contiguous(value), requiresGrad: true, name: name}
}

// FromSlice creates a constant from row-major data.
func FromSlice(rows, cols int, data []float64) *Tensor {
	return New(mat.NewDense(rows, cols, data))
}

// Value returns the underlying matrix. Callers must not mutate it.
func (t *Tensor) Value() *mat.Dense { return t.value }

// Dims returns (rows, cols).
func (t *Tensor) Dims() (int, int) { return t.value.Dims() }

// At returns the value at (i, j).
func (t *Tensor) At(i, j int) float64 { return t.value.At(i, j) }

// Data returns a row-major copy of the value.
func (t *Tensor) Data() []float64 {
	src := raw(t.value)
	out := make([]float64, len(src))
	copy(out, src)
	return out
}

// Scalar returns the single element of a 1x1 tensor.
func (t *Tensor) Scalar() float64 {
	r, c := t.Dims()
	if r != 1 || c != 1 {
		panic(fmt.Sprintf("tensor: Scalar on %dx%d tensor", r, c))
	}
	return t.value.At(0, 0)
}

// Grad returns the accumulated gradient, or nil if none reached this node.
func (t *Tensor) Grad() *mat.Dense { return t.grad }

// RequiresGrad reports whether gradients flow into this node.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Name returns the debug name given to a Param.
func (t *Tensor) Name() string { return t.name }

// Backward propagates gradients from a scalar tensor to every Param it
// depends on. Gradients of leaves used more than once are summed.
func (t *Tensor) Backward() error {
	r, c := t.Dims()
	if r != 1 || c != 1 {
		return fmt.Errorf("tensor: backward needs a scalar, got %dx%d", r, c)
	}
	if !t.requiresGrad {
		return fmt.Errorf("tensor: output does not depend on any parameter")
	}

	visited := make(map[*Tensor]bool)
	var order []*Tensor
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, p := range n.parents {
			if p.requiresGrad {
				visit(p)
			}
		}
		order = append(order, n)
	}
	visit(t)

	t.grad = mat.NewDense(1, 1, []float64{1})
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.backward != nil && n.grad != nil {
			n.backward()
		}
	}
	return nil
}

// newResult creates an op output that requires gradients when any parent does.
func newResult(value *mat.Dense, parents ...*Tensor) *Tensor {
	out := &Tensor{value: value}
	for _, p := range parents {
		if p != nil && p.requiresGrad {
			out.requiresGrad = true
		}
	}
	if out.requiresGrad {
		for _, p := range parents {
			if p != nil {
				out.parents = append(out.parents, p)
			}
		}
	}
	return out
}

// accumulate adds delta into the gradient of t.
func (t *Tensor) accumulate(delta mat.Matrix) {
	if !t.requiresGrad {
		return
	}
	if t.grad == nil {
		r, c := t.Dims()
		t.grad = mat.NewDense(r, c, nil)
	}
	t.grad.Add(t.grad, delta)
}

// accumulateData adds row-major data into the gradient of t.
func (t *Tensor) accumulateData(delta []float64) {
	if !t.requiresGrad {
		return
	}
	r, c := t.Dims()
	t.accumulate(mat.NewDense(r, c, delta))
}

// raw returns the backing slice of a contiguous matrix.
func raw(m *mat.Dense) []float64 {
	return m.RawMatrix().Data
}

func contiguous(m *mat.Dense) *mat.Dense {
	rm := m.RawMatrix()
	if rm.Stride == rm.Cols && len(rm.Data) == rm.Rows*rm.Cols {
		return m
	}
	return mat.DenseCopyOf(m)
}

func sameDims(op string, a, b *Tensor) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		panic(fmt.Sprintf("tensor: %s dimension mismatch: %dx%d vs %dx%d", op, ar, ac, br, bc))
	}
}
