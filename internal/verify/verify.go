// Package verify compares numeric results against references.
package verify

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tolerance bounds |got - want| by Abs + Rel*|want|.
type Tolerance struct {
	Abs float64 `yaml:"abs"`
	Rel float64 `yaml:"rel"`
}

// DefaultTolerance is used when a comparison names no tolerance.
var DefaultTolerance = Tolerance{Abs: 1e-6, Rel: 1e-3}

// Close reports whether got is within tol of want. NaNs are never close.
func (tol Tolerance) Close(got, want float64) bool {
	if math.IsInf(want, 0) || math.IsInf(got, 0) {
		return got == want
	}
	return math.Abs(got-want) <= tol.Abs+tol.Rel*math.Abs(want)
}

// MismatchError describes the first element outside tolerance.
type MismatchError struct {
	Path      string
	Index     int
	Got, Want float64
	// Mismatches counts every element outside tolerance.
	Mismatches int
	Size       int
	MaxAbsDiff float64
}

func (e *MismatchError) Error() string {
	where := fmt.Sprintf("index %d", e.Index)
	if e.Path != "" {
		where = e.Path + " " + where
	}
	return fmt.Sprintf("not close at %s: got %g, want %g (%d/%d mismatched, max abs diff %g)",
		where, e.Got, e.Want, e.Mismatches, e.Size, e.MaxAbsDiff)
}

// AllClose checks got against want element-wise.
func AllClose(got, want []float64, tol Tolerance) error {
	return allClose("", got, want, tol)
}

func allClose(path string, got, want []float64, tol Tolerance) error {
	if len(got) != len(want) {
		return fmt.Errorf("%slength %d, want %d", prefix(path), len(got), len(want))
	}
	var first *MismatchError
	for i := range got {
		if tol.Close(got[i], want[i]) {
			continue
		}
		if first == nil {
			first = &MismatchError{Path: path, Index: i, Got: got[i], Want: want[i], Size: len(got)}
		}
		first.Mismatches++
	}
	if first == nil {
		return nil
	}
	first.MaxAbsDiff = MaxAbsDiff(got, want)
	return first
}

func prefix(path string) string {
	if path == "" {
		return ""
	}
	return path + ": "
}

// MaxAbsDiff returns max |a - b|. The slices must have equal length.
func MaxAbsDiff(a, b []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	d := make([]float64, len(a))
	floats.SubTo(d, a, b)
	return math.Max(math.Abs(floats.Max(d)), math.Abs(floats.Min(d)))
}

// NestedAllClose compares two values of the same shape. Supported leaves are
// float64, []float64 and mat.Matrix; maps with string keys and slices nest.
func NestedAllClose(got, want any, tol Tolerance) error {
	return nestedAllClose("", got, want, tol)
}

func nestedAllClose(path string, got, want any, tol Tolerance) error {
	if g, ok := leaf(got); ok {
		w, ok := leaf(want)
		if !ok {
			return fmt.Errorf("%sgot a numeric leaf, want %T", prefix(path), want)
		}
		if gm, ok := got.(mat.Matrix); ok {
			wm, ok := want.(mat.Matrix)
			if ok {
				gr, gc := gm.Dims()
				wr, wc := wm.Dims()
				if gr != wr || gc != wc {
					return fmt.Errorf("%sshape %dx%d, want %dx%d", prefix(path), gr, gc, wr, wc)
				}
			}
		}
		return allClose(path, g, w, tol)
	}

	gv, wv := reflect.ValueOf(got), reflect.ValueOf(want)
	switch gv.Kind() {
	case reflect.Map:
		if wv.Kind() != reflect.Map || gv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%sgot %T, want %T", prefix(path), got, want)
		}
		if gv.Len() != wv.Len() {
			return fmt.Errorf("%s%d keys, want %d", prefix(path), gv.Len(), wv.Len())
		}
		keys := make([]string, 0, gv.Len())
		for _, k := range gv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		for _, k := range keys {
			w := wv.MapIndex(reflect.ValueOf(k).Convert(wv.Type().Key()))
			if !w.IsValid() {
				return fmt.Errorf("%smissing key %q in want", prefix(path), k)
			}
			g := gv.MapIndex(reflect.ValueOf(k).Convert(gv.Type().Key()))
			if err := nestedAllClose(join(path, k), g.Interface(), w.Interface(), tol); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice, reflect.Array:
		if wv.Kind() != reflect.Slice && wv.Kind() != reflect.Array {
			return fmt.Errorf("%sgot %T, want %T", prefix(path), got, want)
		}
		if gv.Len() != wv.Len() {
			return fmt.Errorf("%slength %d, want %d", prefix(path), gv.Len(), wv.Len())
		}
		for i := 0; i < gv.Len(); i++ {
			if err := nestedAllClose(join(path, fmt.Sprint(i)), gv.Index(i).Interface(), wv.Index(i).Interface(), tol); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%sunsupported type %T", prefix(path), got)
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "/" + key
}

func leaf(v any) ([]float64, bool) {
	switch x := v.(type) {
	case float64:
		return []float64{x}, true
	case []float64:
		return x, true
	case mat.Matrix:
		return mat.DenseCopyOf(x).RawMatrix().Data, true
	default:
		return nil, false
	}
}

// Masked multiplies every (b, t) vector of x by mask[b][t] and returns a new
// array.
func Masked(x [][][]float64, mask [][]float64) ([][][]float64, error) {
	if len(x) != len(mask) {
		return nil, fmt.Errorf("batch %d, mask batch %d", len(x), len(mask))
	}
	out := make([][][]float64, len(x))
	for b := range x {
		if len(x[b]) != len(mask[b]) {
			return nil, fmt.Errorf("row %d: length %d, mask length %d", b, len(x[b]), len(mask[b]))
		}
		out[b] = make([][]float64, len(x[b]))
		for t, v := range x[b] {
			out[b][t] = make([]float64, len(v))
			floats.ScaleTo(out[b][t], mask[b][t], v)
		}
	}
	return out, nil
}
