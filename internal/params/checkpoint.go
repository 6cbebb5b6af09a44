package params

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/mat"
)

const checkpointFormat = "quiver-params/v1"

type record struct {
	Path     string    `cbor:"path"`
	Rows     int       `cbor:"rows"`
	Cols     int       `cbor:"cols"`
	Data     []float64 `cbor:"data"`
	Checksum uint64    `cbor:"xxh64"`
}

type checkpoint struct {
	Format string   `cbor:"format"`
	Params []record `cbor:"params"`
}

func checksum(data []float64) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, v := range data {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Save writes s as a CBOR checkpoint.
func Save(w io.Writer, s State) error {
	ck := checkpoint{Format: checkpointFormat}
	for _, p := range s.Paths() {
		m := s[p]
		r, c := m.Dims()
		data := mat.DenseCopyOf(m).RawMatrix().Data
		ck.Params = append(ck.Params, record{Path: p, Rows: r, Cols: c, Data: data, Checksum: checksum(data)})
	}
	return cbor.NewEncoder(w).Encode(ck)
}

// Load reads a checkpoint written by Save.
func Load(r io.Reader) (State, error) {
	var ck checkpoint
	if err := cbor.NewDecoder(r).Decode(&ck); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if ck.Format != checkpointFormat {
		return nil, fmt.Errorf("unsupported checkpoint format %q", ck.Format)
	}
	out := make(State, len(ck.Params))
	for _, rec := range ck.Params {
		if len(rec.Data) != rec.Rows*rec.Cols {
			return nil, fmt.Errorf("parameter %q has %d values, want %d", rec.Path, len(rec.Data), rec.Rows*rec.Cols)
		}
		if sum := checksum(rec.Data); sum != rec.Checksum {
			return nil, fmt.Errorf("parameter %q checksum mismatch: %x != %x", rec.Path, sum, rec.Checksum)
		}
		out[rec.Path] = mat.NewDense(rec.Rows, rec.Cols, rec.Data)
	}
	return out, nil
}

// SaveFile writes s to path.
func SaveFile(path string, s State) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Save(f, s); err != nil {
		f.Close()
		return fmt.Errorf("failed to save checkpoint %s: %w", path, err)
	}
	return f.Close()
}

// LoadFile reads a checkpoint from path.
func LoadFile(path string) (State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
