package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Gather selects rows of table by id. The gradient is scattered back, so a
// row looked up several times receives the sum of its contributions.
func Gather(table *Tensor, ids []int) *Tensor {
	vocab, dim := table.Dims()
	src := raw(table.value)
	data := make([]float64, len(ids)*dim)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			panic(fmt.Sprintf("tensor: Gather id %d out of range [0,%d)", id, vocab))
		}
		copy(data[i*dim:(i+1)*dim], src[id*dim:(id+1)*dim])
	}

	out := newResult(mat.NewDense(len(ids), dim, data), table)
	if out.requiresGrad {
		out.backward = func() {
			g := raw(out.grad)
			d := make([]float64, vocab*dim)
			for i, id := range ids {
				floats.Add(d[id*dim:(id+1)*dim], g[i*dim:(i+1)*dim])
			}
			table.accumulateData(d)
		}
	}
	return out
}
