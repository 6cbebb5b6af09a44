//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/convert"
	"github.com/23skdu/longbow-quiver/internal/fixture"
	"github.com/23skdu/longbow-quiver/internal/params"
	"github.com/23skdu/longbow-quiver/internal/parity"
)

// ParamDump summarizes one parameter for eyeballing against another tool.
type ParamDump struct {
	Name     string    `json:"name"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	FirstFew []float64 `json:"first_few"`
	LastFew  []float64 `json:"last_few"`
	Sum      float64   `json:"sum"`
}

func main() {
	checkpoint := flag.String("checkpoint", "", "Path to a CBOR parameter checkpoint")
	fixturePath := flag.String("fixture", "", "Path to a T5X fixture; its params are converted first")
	save := flag.String("save", "", "Write the loaded state as a checkpoint")
	flag.Parse()

	var state params.State
	switch {
	case *checkpoint != "":
		s, err := params.LoadFile(*checkpoint)
		if err != nil {
			log.Fatalf("Failed to load checkpoint: %v", err)
		}
		state = s
	case *fixturePath != "":
		tc, err := fixture.Load(*fixturePath)
		if err != nil {
			log.Fatalf("Failed to load fixture: %v", err)
		}
		m, err := parity.NewT5XModel(parity.DefaultT5XOptions())
		if err != nil {
			log.Fatalf("Failed to build model: %v", err)
		}
		if state, err = convert.ParametersFromT5X(tc.Params, m); err != nil {
			log.Fatalf("Failed to convert: %v", err)
		}
	default:
		log.Fatal("need -checkpoint or -fixture")
	}

	dumps := []ParamDump{}
	for _, name := range state.Paths() {
		w := state[name]
		r, c := w.Dims()
		data := mat.DenseCopyOf(w).RawMatrix().Data
		n := min(5, len(data))
		dumps = append(dumps, ParamDump{
			Name:     name,
			Rows:     r,
			Cols:     c,
			FirstFew: data[:n],
			LastFew:  data[len(data)-n:],
			Sum:      floats.Sum(data),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatalf("Failed to encode: %v", err)
	}
	log.Printf("%d parameters, %d values", len(dumps), state.NumParams())

	if *save != "" {
		if err := params.SaveFile(*save, state); err != nil {
			log.Fatalf("Failed to save checkpoint: %v", err)
		}
	}
}
