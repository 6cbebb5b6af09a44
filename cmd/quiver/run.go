package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/export"
	"github.com/23skdu/longbow-quiver/internal/parity"
)

type checkResult struct {
	Name    string
	Err     error
	Elapsed time.Duration
	Fields  map[string]any
	// Logits are (batch, length, vocab) when the check produces them.
	Logits [][][]float64
}

type checkFunc func(ctx context.Context) checkResult

// plan expands the selected checks into runnable units. The t5x check
// covers both packing modes.
func plan(cfg config.Config) []checkFunc {
	var fns []checkFunc
	if cfg.Wants("tied") {
		fns = append(fns, func(ctx context.Context) checkResult {
			r, err := parity.CheckTiedHead(ctx, cfg.TiedHead)
			res := checkResult{Name: "tied", Err: err}
			if r != nil {
				res.Fields = map[string]any{
					"logits_diff":      r.LogitsMaxAbsDiff,
					"grad_diff":        r.GradMaxAbsDiff,
					"synced_grad_diff": r.SyncedGradMaxAbsDiff,
				}
			}
			return res
		})
	}
	if cfg.Wants("hub") {
		fns = append(fns, func(ctx context.Context) checkResult {
			r, err := parity.CheckAgainstHub(ctx, cfg.Hub)
			res := checkResult{Name: "hub", Err: err}
			if r != nil {
				res.Fields = map[string]any{
					"logits_diff": r.LogitsMaxAbsDiff,
					"loss":        r.Loss,
					"hub_loss":    r.HubLoss,
				}
				res.Logits = unflatten(r.Logits, r.Batch, r.Length)
			}
			return res
		})
	}
	if cfg.Wants("t5x") {
		for _, packing := range []bool{false, true} {
			name := "t5x_unpacked"
			if packing {
				name = "t5x_packed"
			}
			fns = append(fns, func(ctx context.Context) checkResult {
				r, err := parity.CheckAgainstFixture(ctx, cfg.TestdataDir, packing, cfg.T5X)
				res := checkResult{Name: name, Err: err}
				if r != nil {
					res.Fields = map[string]any{"fixture": r.Path, "masked_diff": r.MaskedMaxAbsDiff}
					res.Logits = r.Logits
				}
				return res
			})
		}
	}
	return fns
}

// runChecks runs every planned check, at most limit at a time when limit
// is positive. Results are in plan order; the error joins all failures.
func runChecks(ctx context.Context, cfg config.Config, limit int) ([]checkResult, error) {
	fns := plan(cfg)
	results := make([]checkResult, len(fns))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, fn := range fns {
		g.Go(func() error {
			start := time.Now()
			results[i] = fn(ctx)
			results[i].Elapsed = time.Since(start)
			log.Debug().Str("check", results[i].Name).Msg("Check done")
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

func unflatten(m *mat.Dense, batch, length int) [][][]float64 {
	if m == nil {
		return nil
	}
	out := make([][][]float64, batch)
	for b := range out {
		out[b] = make([][]float64, length)
		for t := range out[b] {
			out[b][t] = mat.Row(nil, b*length+t, m)
		}
	}
	return out
}

// writeArrow writes <dir>/<check>.arrow for every result with logits.
func writeArrow(dir string, results []checkResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var errs []error
	for _, r := range results {
		if len(r.Logits) == 0 {
			continue
		}
		path := filepath.Join(dir, r.Name+".arrow")
		f, err := os.Create(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := export.WriteLogits(f, nil, r.Name, r.Logits); err != nil {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
		log.Debug().Str("path", path).Msg("Wrote logits")
	}
	return errors.Join(errs...)
}
