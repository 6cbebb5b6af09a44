// Package fixture reads and writes reference testcases: a parameter tree,
// model inputs and the outputs a reference implementation produced for them.
package fixture

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/mat"
)

// Array is a dense row-major n-dimensional array.
type Array struct {
	Shape []int     `cbor:"shape"`
	Data  []float64 `cbor:"data"`
}

// NewArray wraps data, checking that it fills shape.
func NewArray(shape []int, data []float64) (Array, error) {
	a := Array{Shape: append([]int(nil), shape...), Data: data}
	if err := a.check(); err != nil {
		return Array{}, err
	}
	return a, nil
}

// FromMatrix copies m into a 2-D array.
func FromMatrix(m mat.Matrix) Array {
	r, c := m.Dims()
	d := mat.DenseCopyOf(m)
	return Array{Shape: []int{r, c}, Data: d.RawMatrix().Data}
}

// Size is the number of elements the shape holds.
func (a Array) Size() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

func (a Array) check() error {
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", a.Shape)
		}
	}
	if n := a.Size(); n != len(a.Data) {
		return fmt.Errorf("shape %v holds %d elements, data has %d", a.Shape, n, len(a.Data))
	}
	return nil
}

// Matrix reshapes a into (prod(Shape[:split]), prod(Shape[split:])). The
// data is copied.
func (a Array) Matrix(split int) (*mat.Dense, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	if split < 0 || split > len(a.Shape) {
		return nil, fmt.Errorf("split %d out of range for shape %v", split, a.Shape)
	}
	rows, cols := 1, 1
	for _, d := range a.Shape[:split] {
		rows *= d
	}
	for _, d := range a.Shape[split:] {
		cols *= d
	}
	if rows == 0 || cols == 0 {
		return nil, fmt.Errorf("empty array of shape %v", a.Shape)
	}
	return mat.NewDense(rows, cols, append([]float64(nil), a.Data...)), nil
}

// Ints returns a 2-D array as rows of integers.
func (a Array) Ints() ([][]int, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("want a 2-D array, got shape %v", a.Shape)
	}
	out := make([][]int, a.Shape[0])
	for i := range out {
		row := a.Data[i*a.Shape[1] : (i+1)*a.Shape[1]]
		out[i] = make([]int, len(row))
		for j, v := range row {
			out[i][j] = int(v)
			if float64(out[i][j]) != v {
				return nil, fmt.Errorf("element (%d, %d) = %v is not an integer", i, j, v)
			}
		}
	}
	return out, nil
}

// Testcase is one reference run.
type Testcase struct {
	Params           map[string]Array `cbor:"params"`
	SourceIDs        Array            `cbor:"source_ids"`
	SourceSegmentIDs Array            `cbor:"source_segment_ids"`
	SourcePositions  Array            `cbor:"source_positions"`
	TargetIDs        Array            `cbor:"target_ids"`
	TargetSegmentIDs Array            `cbor:"target_segment_ids"`
	TargetPositions  Array            `cbor:"target_positions"`
	// Outputs is (batch, target length, vocab).
	Outputs Array `cbor:"outputs"`
	// PaddingMask is (batch, target length); 1 marks real target tokens.
	PaddingMask Array `cbor:"padding_mask"`
}

// Path returns <dir>/<module>/test_against_t5x_<packing>.cbor.
func Path(dir, module string, packing bool) string {
	return filepath.Join(dir, module, "test_against_t5x_"+strconv.FormatBool(packing)+".cbor")
}

// Load decodes a testcase file.
func Load(path string) (*Testcase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var tc Testcase
	if err := cbor.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("decode fixture %s: %w", path, err)
	}
	if err := tc.validate(); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return &tc, nil
}

// Save encodes tc to path, creating parent directories.
func Save(path string, tc *Testcase) error {
	if err := tc.validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return err
	}
	if err := enc.NewEncoder(&buf).Encode(tc); err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func (tc *Testcase) validate() error {
	named := []struct {
		name string
		a    Array
		dims int
	}{
		{"source_ids", tc.SourceIDs, 2},
		{"source_segment_ids", tc.SourceSegmentIDs, 2},
		{"source_positions", tc.SourcePositions, 2},
		{"target_ids", tc.TargetIDs, 2},
		{"target_segment_ids", tc.TargetSegmentIDs, 2},
		{"target_positions", tc.TargetPositions, 2},
		{"outputs", tc.Outputs, 3},
		{"padding_mask", tc.PaddingMask, 2},
	}
	for _, n := range named {
		if err := n.a.check(); err != nil {
			return fmt.Errorf("%s: %w", n.name, err)
		}
		if len(n.a.Shape) != n.dims {
			return fmt.Errorf("%s: want %d dimensions, got shape %v", n.name, n.dims, n.a.Shape)
		}
	}
	for name, a := range tc.Params {
		if err := a.check(); err != nil {
			return fmt.Errorf("params %s: %w", name, err)
		}
	}
	return nil
}
