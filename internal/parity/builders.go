// Package parity runs the encoder-decoder verification checks: tied versus
// untied output heads, parity with the hub reference, and parity with
// T5X-style fixtures. The test suite and the quiver CLI share these entry
// points.
package parity

import (
	"fmt"
	"math/rand/v2"

	"github.com/23skdu/longbow-quiver/internal/convert"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/reference/hub"
	"github.com/23skdu/longbow-quiver/internal/verify"
)

// TiedHeadOptions sizes the tied versus untied comparison.
type TiedHeadOptions struct {
	HiddenDim  int     `yaml:"hidden_dim"`
	NumHeads   int     `yaml:"num_heads"`
	NumLayers  int     `yaml:"num_layers"`
	VocabSize  int     `yaml:"vocab_size"`
	SourceLen  int     `yaml:"source_len"`
	TargetLen  int     `yaml:"target_len"`
	BatchSize  int     `yaml:"batch_size"`
	EncoderEps float64 `yaml:"encoder_eps"`
	InitSeed   uint64  `yaml:"init_seed"`
	DataSeed   uint64  `yaml:"data_seed"`
	CallSeed   uint64  `yaml:"call_seed"`
}

// DefaultTiedHeadOptions returns the reference sizes.
func DefaultTiedHeadOptions() TiedHeadOptions {
	return TiedHeadOptions{
		HiddenDim:  12,
		NumHeads:   4,
		NumLayers:  2,
		VocabSize:  24,
		SourceLen:  11,
		TargetLen:  5,
		BatchSize:  3,
		EncoderEps: 1e-8,
		InitSeed:   0,
		DataSeed:   1,
		CallSeed:   2,
	}
}

// NewTiedHeadPair builds two models that differ only in whether the decoder
// has its own lm head.
func NewTiedHeadPair(o TiedHeadOptions) (tied, untied *model.Model, err error) {
	build := func(name string, withHead bool) (*model.Model, error) {
		enc := model.EncoderConfig{
			Dim:         o.HiddenDim,
			VocabSize:   o.VocabSize,
			PadTokenID:  0,
			Emb:         model.BertEmbeddingConfig(1, o.SourceLen),
			Transformer: model.BertTransformerConfig(o.NumLayers, o.NumHeads),
		}
		model.SetLayerNormEpsRecursively(&enc, o.EncoderEps)
		dec := model.GPTDecoderConfig(model.GPTDecoderOptions{
			NumLayers:             o.NumLayers,
			HiddenDim:             o.HiddenDim,
			NumHeads:              o.NumHeads,
			VocabSize:             o.VocabSize,
			ActivationFunction:    "nn.relu",
			MaxPositionEmbeddings: o.TargetLen,
		})
		model.SetCrossAttention(&dec, o.NumHeads)
		if withHead {
			dec.LmHead = &model.LmHeadConfig{}
		}
		return model.New(model.EncoderDecoderConfig{Name: name, Encoder: enc, Decoder: dec})
	}
	if tied, err = build("test_tied", false); err != nil {
		return nil, nil, err
	}
	if untied, err = build("test_untied", true); err != nil {
		return nil, nil, err
	}
	return tied, untied, nil
}

// HubOptions sizes the hub parity comparison.
type HubOptions struct {
	VocabSize        int     `yaml:"vocab_size"`
	HiddenSize       int     `yaml:"hidden_size"`
	NumLayers        int     `yaml:"num_layers"`
	NumHeads         int     `yaml:"num_heads"`
	IntermediateSize int     `yaml:"intermediate_size"`
	SourceLen        int     `yaml:"source_len"`
	TargetLen        int     `yaml:"target_len"`
	TypeVocabSize    int     `yaml:"type_vocab_size"`
	LayerNormEps     float64 `yaml:"layer_norm_eps"`
	BatchSize        int     `yaml:"batch_size"`
	// DecoderActivation is a hub activation name.
	DecoderActivation string `yaml:"decoder_activation"`
	InitSeed          uint64 `yaml:"init_seed"`
	// Seeds for source ids, token types, target ids and labels.
	SourceSeed    uint64 `yaml:"source_seed"`
	TokenTypeSeed uint64 `yaml:"token_type_seed"`
	TargetSeed    uint64 `yaml:"target_seed"`
	LabelSeed     uint64 `yaml:"label_seed"`

	LogitsTolerance verify.Tolerance `yaml:"logits_tolerance"`
	LossTolerance   verify.Tolerance `yaml:"loss_tolerance"`
}

// DefaultHubOptions returns the reference sizes.
func DefaultHubOptions() HubOptions {
	return HubOptions{
		VocabSize:         24,
		HiddenSize:        16,
		NumLayers:         2,
		NumHeads:          4,
		IntermediateSize:  64,
		SourceLen:         11,
		TargetLen:         4,
		TypeVocabSize:     2,
		LayerNormEps:      1e-5,
		BatchSize:         3,
		DecoderActivation: "relu",
		InitSeed:          0,
		SourceSeed:        101,
		TokenTypeSeed:     102,
		TargetSeed:        103,
		LabelSeed:         104,
		LogitsTolerance:   verify.Tolerance{Abs: 5e-6, Rel: verify.DefaultTolerance.Rel},
		LossTolerance:     verify.DefaultTolerance,
	}
}

// HubConfig returns the hub encoder-decoder config for o with dropout off.
func (o HubOptions) HubConfig() hub.EncoderDecoderConfig {
	enc := hub.DefaultBertConfig()
	enc.VocabSize = o.VocabSize
	enc.HiddenSize = o.HiddenSize
	enc.NumHiddenLayers = o.NumLayers
	enc.NumAttentionHeads = o.NumHeads
	enc.IntermediateSize = o.IntermediateSize
	enc.MaxPositionEmbeddings = o.SourceLen
	enc.TypeVocabSize = o.TypeVocabSize
	enc.HiddenDropoutProb = 0
	enc.AttentionProbsDropoutProb = 0
	enc.LayerNormEps = o.LayerNormEps

	dec := hub.DefaultGPT2Config()
	dec.NEmbd = o.HiddenSize
	dec.NHead = o.NumHeads
	dec.NLayer = o.NumLayers
	dec.NPositions = o.TargetLen
	dec.VocabSize = o.VocabSize
	dec.ActivationFunc = o.DecoderActivation
	dec.BosTokenID = 1
	dec.EosTokenID = 2
	dec.LayerNormEpsilon = o.LayerNormEps
	dec.ResidPdrop, dec.EmbdPdrop, dec.AttnPdrop = 0, 0, 0

	cfg := hub.FromEncoderDecoderConfigs(enc, dec)
	cfg.PadTokenID = enc.PadTokenID
	cfg.DecoderStartTokenID = dec.BosTokenID
	return cfg
}

// NewHubPair builds a hub reference and the equivalent model.
func NewHubPair(o HubOptions) (*hub.EncoderDecoderModel, *model.Model, error) {
	cfg := o.HubConfig()
	ref, err := hub.NewEncoderDecoderModel(cfg, o.InitSeed)
	if err != nil {
		return nil, nil, fmt.Errorf("hub reference: %w", err)
	}
	mcfg, err := convert.ConfigFromHub("layer_test", cfg)
	if err != nil {
		return nil, nil, err
	}
	m, err := model.New(mcfg)
	if err != nil {
		return nil, nil, err
	}
	return ref, m, nil
}

// T5XOptions sizes the fixture comparison. The sizes must match the
// fixture's parameters.
type T5XOptions struct {
	VocabSize        int              `yaml:"vocab_size"`
	Dim              int              `yaml:"dim"`
	NumHeads         int              `yaml:"num_heads"`
	NumEncoderLayers int              `yaml:"num_encoder_layers"`
	NumDecoderLayers int              `yaml:"num_decoder_layers"`
	Tolerance        verify.Tolerance `yaml:"tolerance"`
}

// DefaultT5XOptions matches the checked-in fixtures.
func DefaultT5XOptions() T5XOptions {
	return T5XOptions{
		VocabSize:        48,
		Dim:              16,
		NumHeads:         4,
		NumEncoderLayers: 4,
		NumDecoderLayers: 4,
		Tolerance:        verify.DefaultTolerance,
	}
}

// NewT5XModel builds the T5 v1.1 model the fixtures were produced with.
func NewT5XModel(o T5XOptions) (*model.Model, error) {
	cfg := model.T5EncoderDecoderConfig(model.T5Options{
		VocabSize:        o.VocabSize,
		Dim:              o.Dim,
		NumHeads:         o.NumHeads,
		NumEncoderLayers: o.NumEncoderLayers,
		NumDecoderLayers: o.NumDecoderLayers,
	})
	cfg.Name = "test"
	return model.New(cfg)
}

// RandomIDs draws a (batch, length) array of integers in [lo, hi) from seed.
func RandomIDs(seed uint64, batch, length, lo, hi int) [][]int {
	rng := rand.New(rand.NewPCG(seed, 0))
	out := make([][]int, batch)
	for b := range out {
		out[b] = make([]int, length)
		for t := range out[b] {
			out[b][t] = lo + rng.IntN(hi-lo)
		}
	}
	return out
}

// Constant returns a (batch, length) array filled with v.
func Constant(v, batch, length int) [][]int {
	out := make([][]int, batch)
	for b := range out {
		out[b] = make([]int, length)
		for t := range out[b] {
			out[b][t] = v
		}
	}
	return out
}
