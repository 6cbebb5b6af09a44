package model

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-quiver/internal/params"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

func bertGPTConfig(tied bool) EncoderDecoderConfig {
	enc := EncoderConfig{
		Dim:         8,
		VocabSize:   12,
		PadTokenID:  0,
		Emb:         BertEmbeddingConfig(2, 8),
		Transformer: BertTransformerConfig(1, 2),
	}
	dec := GPTDecoderConfig(GPTDecoderOptions{
		NumLayers:             1,
		HiddenDim:             8,
		NumHeads:              2,
		VocabSize:             12,
		MaxPositionEmbeddings: 6,
		ActivationFunction:    "nn.relu",
	})
	SetCrossAttention(&dec, 2)
	if !tied {
		dec.LmHead = &LmHeadConfig{}
	}
	return EncoderDecoderConfig{Name: "bert_gpt", Encoder: enc, Decoder: dec}
}

func smallT5() EncoderDecoderConfig {
	cfg := T5EncoderDecoderConfig(T5Options{
		VocabSize:        10,
		Dim:              8,
		NumHeads:         2,
		NumEncoderLayers: 1,
		NumDecoderLayers: 1,
		FFNDim:           12,
	})
	cfg.Name = "t5_small"
	return cfg
}

func paths(specs []params.Spec) []string {
	out := make([]string, len(specs))
	for i, sp := range specs {
		out[i] = sp.Path
	}
	return out
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := bertGPTConfig(true)
	cfg.Encoder.Transformer.Layer.SelfAttention.Attention.NumHeads = 3
	cfg.Decoder.Transformer.Layer.FeedForward.Activation = []string{"nn.swish"}
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not divisible")
	assert.Contains(t, err.Error(), `unknown activation "nn.swish"`)
}

func TestNewCopiesConfig(t *testing.T) {
	cfg := bertGPTConfig(true)
	m, err := New(cfg)
	require.NoError(t, err)
	cfg.Decoder.Transformer.Layer.CrossAttention.Attention.NumHeads = 4
	assert.Equal(t, 2, m.Config().Decoder.Transformer.Layer.CrossAttention.Attention.NumHeads)
}

func TestParamSpecsHead(t *testing.T) {
	tied, err := New(bertGPTConfig(true))
	require.NoError(t, err)
	untied, err := New(bertGPTConfig(false))
	require.NoError(t, err)

	assert.NotContains(t, paths(tied.ParamSpecs()), lmHeadPath)
	assert.Contains(t, paths(untied.ParamSpecs()), lmHeadPath)
	assert.Len(t, untied.ParamSpecs(), len(tied.ParamSpecs())+1)

	for _, p := range paths(tied.ParamSpecs()) {
		assert.NotContains(t, p, "lm_head")
	}
	assert.Contains(t, paths(tied.ParamSpecs()), "decoder/transformer/layer0/cross_attention/attention/q_proj/bias")
	assert.Contains(t, paths(tied.ParamSpecs()), "encoder/emb/type_emb/weight")
}

func TestT5ParamSpecs(t *testing.T) {
	m, err := New(smallT5())
	require.NoError(t, err)
	ps := paths(m.ParamSpecs())
	assert.Contains(t, ps, sharedTokenEmbPath)
	assert.Contains(t, ps, lmHeadPath)
	assert.Contains(t, ps, "decoder/transformer/layer0/feed_forward/linear1_1/weight")
	assert.Contains(t, ps, "encoder/relative_pos_emb/weight")
	for _, p := range ps {
		assert.False(t, strings.HasSuffix(p, "/bias"), "unexpected bias %s", p)
		assert.NotContains(t, p, "/emb/token_emb")
	}
}

func TestSetLayerNormEpsRecursively(t *testing.T) {
	cfg := bertGPTConfig(true)
	SetLayerNormEpsRecursively(&cfg, 1e-8)
	assert.Equal(t, 1e-8, cfg.Encoder.Emb.Norm.Eps)
	assert.Equal(t, 1e-8, cfg.Encoder.Transformer.Layer.FeedForward.Norm.Eps)
	assert.Equal(t, 1e-8, cfg.Decoder.Transformer.Layer.CrossAttention.Norm.Eps)
	assert.Equal(t, 1e-8, cfg.Decoder.OutputNorm.Eps)

	t5 := smallT5()
	SetLayerNormEpsRecursively(&t5.Encoder, 1e-3)
	assert.Equal(t, t5RMSNormEps, t5.Encoder.OutputNorm.Eps)
}

func TestFunctionalErrors(t *testing.T) {
	m, err := New(bertGPTConfig(true))
	require.NoError(t, err)
	state := m.InitializeParameters(0)
	batch := InputBatch{
		SourceIDs:    [][]int{{1, 2, 3}},
		TargetIDs:    [][]int{{1, 2}},
		TargetLabels: [][]int{{2, 3}},
	}

	_, err = Functional(m, state, Inputs{InputBatch: batch}, Options{})
	require.NoError(t, err)

	missing := state.Clone()
	delete(missing, "decoder/output_norm/scale")
	_, err = Functional(m, missing, Inputs{InputBatch: batch}, Options{})
	assert.ErrorContains(t, err, `missing parameter "decoder/output_norm/scale"`)

	noLabels := batch
	noLabels.TargetLabels = nil
	_, err = Functional(m, state, Inputs{InputBatch: noLabels}, Options{})
	assert.ErrorContains(t, err, "target labels")
	_, err = Functional(m, state, Inputs{InputBatch: noLabels}, Options{Method: MethodPredict})
	assert.NoError(t, err)

	badID := batch
	badID.SourceIDs = [][]int{{1, 2, 12}}
	_, err = Functional(m, state, Inputs{InputBatch: badID}, Options{})
	assert.ErrorContains(t, err, "outside vocab")

	ragged := batch
	ragged.TargetLabels = [][]int{{1}}
	_, err = Functional(m, state, Inputs{InputBatch: ragged}, Options{})
	assert.ErrorContains(t, err, "length 1, want 2")

	tooLong := batch
	tooLong.TargetIDs = [][]int{{1, 1, 1, 1, 1, 1, 1}}
	_, err = Functional(m, state, Inputs{InputBatch: tooLong}, Options{Method: MethodPredict})
	assert.ErrorContains(t, err, "position 6 outside")

	_, err = Functional(m, state, Inputs{InputBatch: batch}, Options{Method: "sample"})
	assert.ErrorContains(t, err, "unknown method")
}

func TestForwardReturnAux(t *testing.T) {
	m, err := New(bertGPTConfig(true))
	require.NoError(t, err)
	state := m.InitializeParameters(0)
	batch := InputBatch{SourceIDs: [][]int{{1, 2}}, TargetIDs: [][]int{{3}}, TargetLabels: [][]int{{4}}}

	out, err := Functional(m, state, Inputs{InputBatch: batch}, Options{})
	require.NoError(t, err)
	assert.Nil(t, out.Logits)
	assert.Greater(t, out.Loss, 0.0)

	aux, err := Functional(m, state, Inputs{InputBatch: batch, ReturnAux: true}, Options{})
	require.NoError(t, err)
	require.NotNil(t, aux.Logits)
	row := aux.LogitsArray()[0][0]
	assert.InDelta(t, floats.LogSumExp(row)-row[4], aux.Loss, 1e-12)
}

func TestDecoderIsCausal(t *testing.T) {
	m, err := New(bertGPTConfig(false))
	require.NoError(t, err)
	state := m.InitializeParameters(3)
	predict := func(target []int) [][]float64 {
		out, err := Functional(m, state, Inputs{InputBatch: InputBatch{
			SourceIDs: [][]int{{4, 5, 6, 7}},
			TargetIDs: [][]int{target},
		}}, Options{Method: MethodPredict})
		require.NoError(t, err)
		return out.LogitsArray()[0]
	}

	a := predict([]int{1, 2, 3, 4})
	b := predict([]int{1, 2, 9, 10})
	assert.InDeltaSlice(t, a[0], b[0], 1e-12)
	assert.InDeltaSlice(t, a[1], b[1], 1e-12)
	assert.NotEqual(t, a[2], b[2])
}

func TestEncoderPaddingIsIgnored(t *testing.T) {
	m, err := New(bertGPTConfig(true))
	require.NoError(t, err)
	state := m.InitializeParameters(4)
	predict := func(source []int) [][]float64 {
		out, err := Functional(m, state, Inputs{InputBatch: InputBatch{
			SourceIDs: [][]int{source},
			TargetIDs: [][]int{{1, 2, 3}},
		}}, Options{Method: MethodPredict})
		require.NoError(t, err)
		return out.LogitsArray()[0]
	}

	short := predict([]int{5, 6, 7})
	padded := predict([]int{5, 6, 7, 0, 0})
	for i := range short {
		assert.InDeltaSlice(t, short[i], padded[i], 1e-12)
	}
}

func TestPackedMatchesSeparate(t *testing.T) {
	m, err := New(smallT5())
	require.NoError(t, err)
	state := m.InitializeParameters(5)

	predict := func(batch InputBatch) [][]float64 {
		out, err := Functional(m, state, Inputs{InputBatch: batch}, Options{Method: MethodPredict})
		require.NoError(t, err)
		return out.LogitsArray()[0]
	}

	first := predict(InputBatch{SourceIDs: [][]int{{3, 4, 5}}, TargetIDs: [][]int{{1, 6}}})
	second := predict(InputBatch{SourceIDs: [][]int{{7, 8}}, TargetIDs: [][]int{{1, 9, 2}}})
	packed := predict(InputBatch{
		SourceIDs:        [][]int{{3, 4, 5, 7, 8, 0}},
		SourceSegmentIDs: [][]int{{1, 1, 1, 2, 2, 0}},
		SourcePositions:  [][]int{{0, 1, 2, 0, 1, 0}},
		TargetIDs:        [][]int{{1, 6, 1, 9, 2, 0}},
		TargetSegmentIDs: [][]int{{1, 1, 2, 2, 2, 0}},
		TargetPositions:  [][]int{{0, 1, 0, 1, 2, 0}},
	})

	assert.InDeltaSlice(t, first[0], packed[0], 1e-10)
	assert.InDeltaSlice(t, first[1], packed[1], 1e-10)
	assert.InDeltaSlice(t, second[0], packed[2], 1e-10)
	assert.InDeltaSlice(t, second[1], packed[3], 1e-10)
	assert.InDeltaSlice(t, second[2], packed[4], 1e-10)
}

func TestZLoss(t *testing.T) {
	cfg := smallT5()
	plain, err := New(cfg)
	require.NoError(t, err)
	cfg.ZLossScale = 0.1
	withZ, err := New(cfg)
	require.NoError(t, err)

	state := plain.InitializeParameters(6)
	batch := InputBatch{
		SourceIDs:    [][]int{{3, 4}, {5, 6}},
		TargetIDs:    [][]int{{1, 2}, {1, 3}},
		TargetLabels: [][]int{{2, -1}, {3, 4}},
	}
	a, err := Functional(plain, state, Inputs{InputBatch: batch, ReturnAux: true}, Options{})
	require.NoError(t, err)
	b, err := Functional(withZ, state, Inputs{InputBatch: batch}, Options{})
	require.NoError(t, err)

	logits := a.LogitsArray()
	var z float64
	for _, r := range [][2]int{{0, 0}, {1, 0}, {1, 1}} {
		lse := floats.LogSumExp(logits[r[0]][r[1]])
		z += lse * lse
	}
	assert.InDelta(t, a.Loss+0.1*z/3, b.Loss, 1e-12)
}

func TestDropoutOnlyInTraining(t *testing.T) {
	cfg := bertGPTConfig(true)
	m, err := New(cfg)
	require.NoError(t, err)
	state := m.InitializeParameters(7)
	batch := InputBatch{SourceIDs: [][]int{{1, 2, 3}}, TargetIDs: [][]int{{1, 2}}, TargetLabels: [][]int{{2, 3}}}
	run := func(opts Options) float64 {
		out, err := Functional(m, state, Inputs{InputBatch: batch}, opts)
		require.NoError(t, err)
		return out.Loss
	}

	eval1 := run(Options{Seed: 1})
	eval2 := run(Options{Seed: 2})
	assert.Equal(t, eval1, eval2)

	train1 := run(Options{IsTraining: true, Seed: 1})
	assert.Equal(t, train1, run(Options{IsTraining: true, Seed: 1}))
	assert.NotEqual(t, eval1, train1)
}

func TestGradMatchesFiniteDifference(t *testing.T) {
	cfg := smallT5()
	cfg.ZLossScale = 1e-2
	m, err := New(cfg)
	require.NoError(t, err)
	state := m.InitializeParameters(8)
	// Larger values give the loss a non-trivial slope.
	for _, v := range state {
		v.Scale(10, v)
	}
	inputs := Inputs{InputBatch: InputBatch{
		SourceIDs:    [][]int{{3, 4, 5}, {6, 7, 0}},
		TargetIDs:    [][]int{{1, 2}, {1, 8}},
		TargetLabels: [][]int{{2, 9}, {8, -1}},
	}}

	grads, out, err := Grad(m, state, inputs, Options{}, LossObjective)
	require.NoError(t, err)
	require.NoError(t, grads.Validate(m.ParamSpecs()))
	assert.Greater(t, out.Loss, 0.0)

	loss := func() float64 {
		o, err := Functional(m, state, inputs, Options{})
		require.NoError(t, err)
		return o.Loss
	}
	const h = 1e-6
	for _, path := range []string{
		sharedTokenEmbPath,
		lmHeadPath,
		"encoder/relative_pos_emb/weight",
		"decoder/transformer/layer0/cross_attention/attention/k_proj/weight",
		"decoder/transformer/layer0/feed_forward/linear1_0/weight",
		"encoder/output_norm/scale",
	} {
		data := state[path].RawMatrix().Data
		g := grads[path].RawMatrix().Data
		for _, j := range []int{0, len(data) / 2, len(data) - 1} {
			orig := data[j]
			data[j] = orig + h
			plus := loss()
			data[j] = orig - h
			minus := loss()
			data[j] = orig
			numeric := (plus - minus) / (2 * h)
			assert.InDelta(t, numeric, g[j], 1e-5*(1+math.Abs(numeric)), "%s[%d]", path, j)
		}
	}
}

func TestGradObjectiveErrors(t *testing.T) {
	m, err := New(smallT5())
	require.NoError(t, err)
	state := m.InitializeParameters(9)
	inputs := Inputs{InputBatch: InputBatch{SourceIDs: [][]int{{3}}, TargetIDs: [][]int{{1}}}}

	_, _, err = Grad(m, state, inputs, Options{Method: MethodPredict}, func(*Outputs) *tensor.Tensor { return nil })
	assert.ErrorContains(t, err, "objective returned no tensor")

	grads, _, err := Grad(m, state, inputs, Options{Method: MethodPredict}, LogitSumObjective)
	require.NoError(t, err)
	assert.NotZero(t, grads[lmHeadPath].At(0, 0))
}
