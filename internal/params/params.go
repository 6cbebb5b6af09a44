// Package params holds model parameter trees keyed by slash-separated paths.
package params

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// State maps a parameter path such as "encoder/emb/token_emb/weight" to its value.
type State map[string]*mat.Dense

// Init selects how a parameter is initialized.
type Init string

const (
	InitNormal Init = "normal"
	InitZeros  Init = "zeros"
	InitOnes   Init = "ones"
)

// Spec declares one parameter a model expects.
type Spec struct {
	Path string
	Rows int
	Cols int
	Init Init
	// Std is the standard deviation for InitNormal.
	Std float64
	// ZeroRows are zeroed after init (padding embeddings). Out of range
	// rows are ignored.
	ZeroRows []int
}

// Get returns the value at path.
func (s State) Get(path string) (*mat.Dense, bool) {
	m, ok := s[path]
	return m, ok
}

// Paths returns all parameter paths in sorted order.
func (s State) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Sub returns the entries under prefix with the prefix stripped.
func (s State) Sub(prefix string) State {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	out := make(State)
	for p, m := range s {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			out[rest] = m
		}
	}
	return out
}

// Clone deep-copies every value.
func (s State) Clone() State {
	out := make(State, len(s))
	for p, m := range s {
		out[p] = mat.DenseCopyOf(m)
	}
	return out
}

// NumParams counts scalar parameters.
func (s State) NumParams() int {
	var n int
	for _, m := range s {
		r, c := m.Dims()
		n += r * c
	}
	return n
}

// Validate checks that s holds exactly the parameters in specs with matching shapes.
func (s State) Validate(specs []Spec) error {
	var errs []error
	want := make(map[string]bool, len(specs))
	for _, sp := range specs {
		want[sp.Path] = true
		m, ok := s[sp.Path]
		if !ok {
			errs = append(errs, fmt.Errorf("missing parameter %q", sp.Path))
			continue
		}
		r, c := m.Dims()
		if r != sp.Rows || c != sp.Cols {
			errs = append(errs, fmt.Errorf("parameter %q has shape %dx%d, want %dx%d", sp.Path, r, c, sp.Rows, sp.Cols))
		}
	}
	for _, p := range s.Paths() {
		if !want[p] {
			errs = append(errs, fmt.Errorf("unexpected parameter %q", p))
		}
	}
	return errors.Join(errs...)
}

// Initialize builds a fresh State for specs. Each parameter draws from its
// own stream derived from seed and its path, so adding or removing one
// parameter never changes the values of the others.
func Initialize(specs []Spec, seed uint64) State {
	out := make(State, len(specs))
	for _, sp := range specs {
		data := make([]float64, sp.Rows*sp.Cols)
		switch sp.Init {
		case InitOnes:
			for i := range data {
				data[i] = 1
			}
		case InitNormal:
			dist := distuv.Normal{Mu: 0, Sigma: sp.Std, Src: rand.NewPCG(seed, xxhash.Sum64String(sp.Path))}
			for i := range data {
				data[i] = dist.Rand()
			}
		}
		for _, row := range sp.ZeroRows {
			if row >= 0 && row < sp.Rows {
				clear(data[row*sp.Cols : (row+1)*sp.Cols])
			}
		}
		out[sp.Path] = mat.NewDense(sp.Rows, sp.Cols, data)
	}
	return out
}

// Normal returns a normal-init spec.
func Normal(path string, rows, cols int, std float64) Spec {
	return Spec{Path: path, Rows: rows, Cols: cols, Init: InitNormal, Std: std}
}

// Zeros returns a zero-init spec.
func Zeros(path string, rows, cols int) Spec {
	return Spec{Path: path, Rows: rows, Cols: cols, Init: InitZeros}
}

// Ones returns a ones-init spec.
func Ones(path string, rows, cols int) Spec {
	return Spec{Path: path, Rows: rows, Cols: cols, Init: InitOnes}
}
