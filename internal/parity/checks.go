package parity

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/convert"
	"github.com/23skdu/longbow-quiver/internal/fixture"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/params"
	"github.com/23skdu/longbow-quiver/internal/reference/hub"
	"github.com/23skdu/longbow-quiver/internal/verify"
)

var tracer = otel.Tracer("quiver-parity")

var fixtures = cache.NewMapCache[*fixture.Testcase]("fixtures")

// ErrTooClose reports two results that were required to differ.
var ErrTooClose = errors.New("results are unexpectedly close")

const tokenEmbPath = "decoder/emb/token_emb/weight"

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TiedHeadReport summarizes CheckTiedHead.
type TiedHeadReport struct {
	// LogitsMaxAbsDiff compares tied and untied logits.
	LogitsMaxAbsDiff float64
	// GradMaxAbsDiff compares token embedding gradients of the logit sum.
	GradMaxAbsDiff float64
	// SyncedGradMaxAbsDiff repeats GradMaxAbsDiff after copying the tied
	// embedding into the untied head.
	SyncedGradMaxAbsDiff float64
	// SyncedLogitsMaxAbsDiff is zero when the synced models agree.
	SyncedLogitsMaxAbsDiff float64
}

// CheckTiedHead verifies that a tied lm head behaves differently from an
// untied one, even when the untied head holds the embedding weights.
func CheckTiedHead(ctx context.Context, o TiedHeadOptions) (report *TiedHeadReport, err error) {
	_, span := tracer.Start(ctx, "CheckTiedHead")
	defer func() { finishSpan(span, err) }()

	tied, untied, err := NewTiedHeadPair(o)
	if err != nil {
		return nil, err
	}
	tiedState := tied.InitializeParameters(o.InitSeed)
	untiedState := untied.InitializeParameters(o.InitSeed)
	if len(tiedState.Sub("decoder/lm_head")) != 0 {
		return nil, errors.New("tied state has an lm_head entry")
	}
	if _, ok := untiedState.Get("decoder/lm_head/weight"); !ok {
		return nil, errors.New("untied state lacks decoder/lm_head/weight")
	}

	inputs := model.Inputs{
		InputBatch: model.InputBatch{
			SourceIDs:    RandomIDs(o.DataSeed, o.BatchSize, o.SourceLen, 1, o.VocabSize),
			TargetIDs:    Constant(1, o.BatchSize, o.TargetLen),
			TargetLabels: RandomIDs(o.DataSeed, o.BatchSize, o.TargetLen, 1, o.VocabSize),
		},
		ReturnAux: true,
	}
	opts := model.Options{Seed: o.CallSeed}
	report = &TiedHeadReport{}

	tiedLogits, err := logits(tied, tiedState, inputs, opts)
	if err != nil {
		return nil, err
	}
	untiedLogits, err := logits(untied, untiedState, inputs, opts)
	if err != nil {
		return nil, err
	}
	if report.LogitsMaxAbsDiff, err = differ("tied vs untied logits", tiedLogits, untiedLogits); err != nil {
		return report, err
	}

	gradDiff := func() (float64, error) {
		tg, err := embeddingGrad(tied, tiedState, inputs, opts)
		if err != nil {
			return 0, err
		}
		ug, err := embeddingGrad(untied, untiedState, inputs, opts)
		if err != nil {
			return 0, err
		}
		return differ("token embedding gradients", tg, ug)
	}
	if report.GradMaxAbsDiff, err = gradDiff(); err != nil {
		return report, err
	}

	untiedState["decoder/lm_head/weight"] = mat.DenseCopyOf(tiedState[tokenEmbPath])
	if report.SyncedGradMaxAbsDiff, err = gradDiff(); err != nil {
		return report, fmt.Errorf("after syncing the head: %w", err)
	}
	synced, err := logits(untied, untiedState, inputs, opts)
	if err != nil {
		return nil, err
	}
	report.SyncedLogitsMaxAbsDiff = verify.MaxAbsDiff(tiedLogits, synced)

	span.SetAttributes(
		attribute.Float64("logits_max_abs_diff", report.LogitsMaxAbsDiff),
		attribute.Float64("grad_max_abs_diff", report.GradMaxAbsDiff),
	)
	log.Debug().
		Float64("logits_diff", report.LogitsMaxAbsDiff).
		Float64("grad_diff", report.GradMaxAbsDiff).
		Float64("synced_grad_diff", report.SyncedGradMaxAbsDiff).
		Msg("Tied head check passed")
	return report, nil
}

// differ returns max |a - b| and ErrTooClose when a and b are all close
// under the default tolerance.
func differ(what string, a, b []float64) (float64, error) {
	d := verify.MaxAbsDiff(a, b)
	if verify.AllClose(a, b, verify.DefaultTolerance) == nil {
		return d, fmt.Errorf("%s: %w", what, ErrTooClose)
	}
	return d, nil
}

func logits(m *model.Model, state params.State, inputs model.Inputs, opts model.Options) ([]float64, error) {
	out, err := model.Functional(m, state, inputs, opts)
	if err != nil {
		return nil, err
	}
	return out.Logits.Data(), nil
}

func embeddingGrad(m *model.Model, state params.State, inputs model.Inputs, opts model.Options) ([]float64, error) {
	grads, _, err := model.Grad(m, state, inputs, opts, model.LogitSumObjective)
	if err != nil {
		return nil, err
	}
	g, ok := grads.Get(tokenEmbPath)
	if !ok {
		return nil, fmt.Errorf("model %s has no %s gradient", m.Name(), tokenEmbPath)
	}
	return mat.DenseCopyOf(g).RawMatrix().Data, nil
}

// HubReport summarizes CheckAgainstHub.
type HubReport struct {
	LogitsMaxAbsDiff float64
	Loss, HubLoss    float64
	// Logits are the model's (batch*target_len, vocab) logits.
	Logits *mat.Dense
	Batch  int
	Length int
}

// CheckAgainstHub converts a freshly initialized hub model and compares
// logits and loss on seeded random inputs.
func CheckAgainstHub(ctx context.Context, o HubOptions) (report *HubReport, err error) {
	_, span := tracer.Start(ctx, "CheckAgainstHub")
	defer func() { finishSpan(span, err) }()

	ref, m, err := NewHubPair(o)
	if err != nil {
		return nil, err
	}
	state, err := convert.ParametersFromHub(ref.StateDict(), m)
	if err != nil {
		return nil, err
	}
	report, err = compareHub(o, ref, m, state)
	if report != nil {
		span.SetAttributes(
			attribute.Float64("logits_max_abs_diff", report.LogitsMaxAbsDiff),
			attribute.Float64("loss", report.Loss),
		)
	}
	return report, err
}

// compareHub runs m with state and ref on the seeded inputs of o.
func compareHub(o HubOptions, ref *hub.EncoderDecoderModel, m *model.Model, state params.State) (*HubReport, error) {
	sourceIDs := RandomIDs(o.SourceSeed, o.BatchSize, o.SourceLen, 0, o.VocabSize)
	tokenTypes := RandomIDs(o.TokenTypeSeed, o.BatchSize, o.SourceLen, 0, o.TypeVocabSize)
	targetIDs := RandomIDs(o.TargetSeed, o.BatchSize, o.TargetLen, 0, o.VocabSize)
	labels := RandomIDs(o.LabelSeed, o.BatchSize, o.TargetLen, 0, o.VocabSize)

	out, err := model.Functional(m, state, model.Inputs{
		InputBatch: model.InputBatch{
			SourceIDs:          sourceIDs,
			SourceTokenTypeIDs: tokenTypes,
			TargetIDs:          targetIDs,
			TargetLabels:       labels,
		},
		ReturnAux: true,
	}, model.Options{})
	if err != nil {
		return nil, err
	}
	want, err := ref.Forward(hub.ForwardInputs{
		InputIDs:        sourceIDs,
		TokenTypeIDs:    tokenTypes,
		DecoderInputIDs: targetIDs,
		Labels:          labels,
	})
	if err != nil {
		return nil, fmt.Errorf("hub forward: %w", err)
	}

	got := out.Logits.Value()
	report := &HubReport{Loss: out.Loss, HubLoss: want.Loss, Logits: got, Batch: out.Batch, Length: out.Length}
	gotData := mat.DenseCopyOf(got).RawMatrix().Data
	wantData := want.Logits.RawMatrix().Data
	report.LogitsMaxAbsDiff = verify.MaxAbsDiff(gotData, wantData)
	if err := verify.AllClose(gotData, wantData, o.LogitsTolerance); err != nil {
		return report, fmt.Errorf("logits: %w", err)
	}
	if err := verify.AllClose([]float64{out.Loss}, []float64{want.Loss}, o.LossTolerance); err != nil {
		return report, fmt.Errorf("loss: %w", err)
	}
	log.Debug().
		Float64("logits_diff", report.LogitsMaxAbsDiff).
		Float64("loss", report.Loss).
		Float64("hub_loss", report.HubLoss).
		Msg("Hub parity check passed")
	return report, nil
}

// FixtureReport summarizes CheckAgainstFixture.
type FixtureReport struct {
	Path             string
	Packing          bool
	MaskedMaxAbsDiff float64
	// Logits are (batch, target_len, vocab) predictions before masking.
	Logits [][][]float64
}

// CheckAgainstFixture predicts with parameters converted from the T5X
// fixture for packing and compares non-padding logits with the recorded
// outputs.
func CheckAgainstFixture(ctx context.Context, dir string, packing bool, o T5XOptions) (report *FixtureReport, err error) {
	_, span := tracer.Start(ctx, "CheckAgainstFixture", trace.WithAttributes(attribute.Bool("packing", packing)))
	defer func() { finishSpan(span, err) }()

	path := fixture.Path(dir, "encoder_decoder_test", packing)
	tc, err := fixtures.GetOrLoad(path, func() (*fixture.Testcase, error) { return fixture.Load(path) })
	if err != nil {
		return nil, err
	}
	m, err := NewT5XModel(o)
	if err != nil {
		return nil, err
	}
	state, err := convert.ParametersFromT5X(tc.Params, m)
	if err != nil {
		return nil, err
	}
	batch, err := fixtureBatch(tc)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}

	out, err := model.Functional(m, state, model.Inputs{InputBatch: batch}, model.Options{Seed: 123, Method: model.MethodPredict})
	if err != nil {
		return nil, err
	}
	report = &FixtureReport{Path: path, Packing: packing, Logits: out.LogitsArray()}

	want, err := nest3(tc.Outputs)
	if err != nil {
		return report, fmt.Errorf("fixture outputs: %w", err)
	}
	mask, err := nest2(tc.PaddingMask)
	if err != nil {
		return report, fmt.Errorf("fixture padding_mask: %w", err)
	}
	gotMasked, err := verify.Masked(report.Logits, mask)
	if err != nil {
		return report, err
	}
	wantMasked, err := verify.Masked(want, mask)
	if err != nil {
		return report, fmt.Errorf("fixture outputs: %w", err)
	}
	report.MaskedMaxAbsDiff = maxAbsDiff3(gotMasked, wantMasked)
	span.SetAttributes(attribute.Float64("masked_max_abs_diff", report.MaskedMaxAbsDiff))
	if err := verify.NestedAllClose(gotMasked, wantMasked, o.Tolerance); err != nil {
		return report, fmt.Errorf("masked logits: %w", err)
	}
	log.Debug().
		Str("fixture", path).
		Bool("packing", packing).
		Float64("masked_diff", report.MaskedMaxAbsDiff).
		Msg("Fixture parity check passed")
	return report, nil
}

func fixtureBatch(tc *fixture.Testcase) (model.InputBatch, error) {
	var b model.InputBatch
	fields := []struct {
		name string
		a    fixture.Array
		dst  *[][]int
	}{
		{"source_ids", tc.SourceIDs, &b.SourceIDs},
		{"source_segment_ids", tc.SourceSegmentIDs, &b.SourceSegmentIDs},
		{"source_positions", tc.SourcePositions, &b.SourcePositions},
		{"target_ids", tc.TargetIDs, &b.TargetIDs},
		{"target_segment_ids", tc.TargetSegmentIDs, &b.TargetSegmentIDs},
		{"target_positions", tc.TargetPositions, &b.TargetPositions},
	}
	for _, f := range fields {
		v, err := f.a.Ints()
		if err != nil {
			return model.InputBatch{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return b, nil
}

func nest2(a fixture.Array) ([][]float64, error) {
	if len(a.Shape) != 2 || a.Size() != len(a.Data) {
		return nil, fmt.Errorf("want a 2-D array, got shape %v", a.Shape)
	}
	out := make([][]float64, a.Shape[0])
	for i := range out {
		out[i] = a.Data[i*a.Shape[1] : (i+1)*a.Shape[1]]
	}
	return out, nil
}

func nest3(a fixture.Array) ([][][]float64, error) {
	if len(a.Shape) != 3 || a.Size() != len(a.Data) {
		return nil, fmt.Errorf("want a 3-D array, got shape %v", a.Shape)
	}
	rows, n := a.Shape[1], a.Shape[2]
	out := make([][][]float64, a.Shape[0])
	for b := range out {
		out[b] = make([][]float64, rows)
		for t := range out[b] {
			start := (b*rows + t) * n
			out[b][t] = a.Data[start : start+n]
		}
	}
	return out, nil
}

func maxAbsDiff3(a, b [][][]float64) float64 {
	var m float64
	for i := range a {
		for j := range a[i] {
			if len(a[i][j]) != len(b[i][j]) {
				continue
			}
			if d := verify.MaxAbsDiff(a[i][j], b[i][j]); d > m {
				m = d
			}
		}
	}
	return m
}
