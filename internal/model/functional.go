package model

import (
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/params"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// InputBatch holds integer inputs shaped (batch, length). Optional fields
// may be nil: segments then come from the pad id (or are all ones), positions
// count from zero and token types are zero.
type InputBatch struct {
	SourceIDs          [][]int
	SourceTokenTypeIDs [][]int
	SourceSegmentIDs   [][]int
	SourcePositions    [][]int

	TargetIDs        [][]int
	TargetSegmentIDs [][]int
	TargetPositions  [][]int
	// TargetLabels may contain negative values for positions excluded from the loss.
	TargetLabels [][]int
}

// Inputs is the argument to Functional.
type Inputs struct {
	InputBatch InputBatch
	// ReturnAux keeps logits in the forward outputs.
	ReturnAux bool
}

// Method selects what Functional computes.
type Method string

const (
	// MethodForward computes the loss (and logits with ReturnAux).
	MethodForward Method = "forward"
	// MethodPredict computes logits only; labels are not needed.
	MethodPredict Method = "predict"
)

// Options controls a single invocation.
type Options struct {
	IsTraining bool
	// Seed drives dropout when IsTraining is set.
	Seed   uint64
	Method Method
}

// Outputs holds the results of one invocation.
type Outputs struct {
	// Loss is only set by MethodForward.
	Loss float64
	// Logits is (Batch*Length, VocabSize), row b*Length+t.
	Logits    *tensor.Tensor
	Batch     int
	Length    int
	VocabSize int

	loss *tensor.Tensor
}

// LossTensor returns the graph node behind Loss, for use in a Grad objective.
func (o *Outputs) LossTensor() *tensor.Tensor { return o.loss }

// LogitsArray returns the logits as a (batch, length, vocab) nested slice.
func (o *Outputs) LogitsArray() [][][]float64 {
	if o.Logits == nil {
		return nil
	}
	data := o.Logits.Data()
	out := make([][][]float64, o.Batch)
	for b := range out {
		out[b] = make([][]float64, o.Length)
		for t := range out[b] {
			row := (b*o.Length + t) * o.VocabSize
			out[b][t] = data[row : row+o.VocabSize]
		}
	}
	return out
}

// Functional runs m over state. Errors cover invalid states and batches;
// shape panics from the graph are recovered into errors.
func Functional(m *Model, state params.State, inputs Inputs, opts Options) (*Outputs, error) {
	method := methodOf(opts)
	start := time.Now()
	defer func() {
		ForwardDuration.WithLabelValues(m.cfg.Name, string(method)).Observe(time.Since(start).Seconds())
	}()

	if err := state.Validate(m.specs); err != nil {
		return nil, fmt.Errorf("model %s: invalid state: %w", m.cfg.Name, err)
	}
	iv := newInvocation(m, state, opts, false)
	out, err := iv.run(inputs, method)
	if err != nil {
		return nil, err
	}
	if method == MethodForward && !inputs.ReturnAux {
		out.Logits = nil
	}
	return out, nil
}

// Objective reduces outputs to the scalar being differentiated.
type Objective func(*Outputs) *tensor.Tensor

// LossObjective differentiates the training loss.
func LossObjective(o *Outputs) *tensor.Tensor { return o.loss }

// LogitSumObjective differentiates the sum of all logits.
func LogitSumObjective(o *Outputs) *tensor.Tensor { return tensor.Sum(o.Logits) }

// Grad differentiates objective with respect to every parameter in state.
// Parameters the objective does not reach get zero gradients.
func Grad(m *Model, state params.State, inputs Inputs, opts Options, objective Objective) (params.State, *Outputs, error) {
	method := methodOf(opts)
	if err := state.Validate(m.specs); err != nil {
		return nil, nil, fmt.Errorf("model %s: invalid state: %w", m.cfg.Name, err)
	}
	iv := newInvocation(m, state, opts, true)
	out, err := iv.run(inputs, method)
	if err != nil {
		return nil, nil, err
	}

	target := objective(out)
	if target == nil {
		return nil, nil, fmt.Errorf("model %s: objective returned no tensor", m.cfg.Name)
	}
	if err := target.Backward(); err != nil {
		return nil, nil, fmt.Errorf("model %s: backward: %w", m.cfg.Name, err)
	}

	grads := make(params.State, len(m.specs))
	for _, sp := range m.specs {
		if leaf, ok := iv.leaves[sp.Path]; ok && leaf.Grad() != nil {
			grads[sp.Path] = leaf.Grad()
			continue
		}
		grads[sp.Path] = mat.NewDense(sp.Rows, sp.Cols, nil)
	}
	GradientEvaluations.WithLabelValues(m.cfg.Name).Inc()
	return grads, out, nil
}

func methodOf(opts Options) Method {
	if opts.Method == "" {
		return MethodForward
	}
	return opts.Method
}

func (iv *invocation) run(inputs Inputs, method Method) (out *Outputs, err error) {
	defer func() {
		if r := recover(); r != nil {
			var missing *MissingParamError
			if e, ok := r.(error); ok && errors.As(e, &missing) {
				err = fmt.Errorf("model %s: %w", iv.m.cfg.Name, missing)
				return
			}
			err = fmt.Errorf("model %s: %v", iv.m.cfg.Name, r)
		}
	}()

	if method != MethodForward && method != MethodPredict {
		return nil, fmt.Errorf("model %s: unknown method %q", iv.m.cfg.Name, method)
	}
	cfg := iv.m.cfg
	batch := inputs.InputBatch
	src, err := prepareSequence("source", cfg.Encoder.stack(), batch.SourceIDs, batch.SourceSegmentIDs, batch.SourcePositions, batch.SourceTokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", cfg.Name, err)
	}
	tgt, err := prepareSequence("target", cfg.Decoder.stack(), batch.TargetIDs, batch.TargetSegmentIDs, batch.TargetPositions, nil)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", cfg.Name, err)
	}
	if src.batch != tgt.batch {
		return nil, fmt.Errorf("model %s: source batch %d != target batch %d", cfg.Name, src.batch, tgt.batch)
	}
	var labels []int
	if method == MethodForward {
		if batch.TargetLabels == nil {
			return nil, fmt.Errorf("model %s: forward needs target labels", cfg.Name)
		}
		labels, err = flatten("target_labels", batch.TargetLabels, tgt.batch, tgt.length)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", cfg.Name, err)
		}
		for _, y := range labels {
			if y >= cfg.Decoder.VocabSize {
				return nil, fmt.Errorf("model %s: label %d outside vocab %d", cfg.Name, y, cfg.Decoder.VocabSize)
			}
		}
	}

	hidden := iv.runStack(cfg.Encoder.stack(), src, nil)
	memory := &encoded{hidden: hidden, segments: src.segments, length: src.length}
	h := iv.runStack(cfg.Decoder.stack(), tgt, memory)
	logits := iv.logits(h)

	out = &Outputs{Logits: logits, Batch: tgt.batch, Length: tgt.length, VocabSize: cfg.Decoder.VocabSize}
	if method == MethodForward {
		out.loss = tensor.CrossEntropy(logits, labels, cfg.ZLossScale)
		out.Loss = out.loss.Scalar()
	}
	return out, nil
}

// prepareSequence flattens and validates one side of the batch, filling defaults.
func prepareSequence(side string, s stack, ids, segments, positions, tokenTypes [][]int) (sequence, error) {
	if len(ids) == 0 || len(ids[0]) == 0 {
		return sequence{}, fmt.Errorf("%s_ids must be a non-empty (batch, length) array", side)
	}
	seq := sequence{batch: len(ids), length: len(ids[0])}
	var err error
	if seq.ids, err = flatten(side+"_ids", ids, seq.batch, seq.length); err != nil {
		return sequence{}, err
	}
	for _, id := range seq.ids {
		if id < 0 || id >= s.vocabSize {
			return sequence{}, fmt.Errorf("%s id %d outside vocab %d", side, id, s.vocabSize)
		}
	}

	if segments != nil {
		if seq.segments, err = flatten(side+"_segment_ids", segments, seq.batch, seq.length); err != nil {
			return sequence{}, err
		}
	} else {
		seq.segments = make([]int, len(seq.ids))
		for i, id := range seq.ids {
			if s.padTokenID < 0 || id != s.padTokenID {
				seq.segments[i] = 1
			}
		}
	}

	if positions != nil {
		if seq.positions, err = flatten(side+"_positions", positions, seq.batch, seq.length); err != nil {
			return sequence{}, err
		}
	} else {
		seq.positions = make([]int, len(seq.ids))
		for i := range seq.positions {
			seq.positions[i] = i % seq.length
		}
	}
	if n := s.emb.MaxPositionEmbeddings; n > 0 {
		for _, p := range seq.positions {
			if p < 0 || p >= n {
				return sequence{}, fmt.Errorf("%s position %d outside [0,%d)", side, p, n)
			}
		}
	}

	if n := s.emb.TypeVocabSize; n > 0 {
		if tokenTypes != nil {
			if seq.tokenTypes, err = flatten(side+"_token_type_ids", tokenTypes, seq.batch, seq.length); err != nil {
				return sequence{}, err
			}
			for _, t := range seq.tokenTypes {
				if t < 0 || t >= n {
					return sequence{}, fmt.Errorf("%s token type %d outside [0,%d)", side, t, n)
				}
			}
		} else {
			seq.tokenTypes = make([]int, len(seq.ids))
		}
	}
	return seq, nil
}

// flatten requires rows to be a (batch, length) rectangle.
func flatten(name string, rows [][]int, batch, length int) ([]int, error) {
	if len(rows) != batch {
		return nil, fmt.Errorf("%s has batch %d, want %d", name, len(rows), batch)
	}
	out := make([]int, 0, batch*length)
	for b, row := range rows {
		if len(row) != length {
			return nil, fmt.Errorf("%s row %d has length %d, want %d", name, b, len(row), length)
		}
		out = append(out, row...)
	}
	return out, nil
}
