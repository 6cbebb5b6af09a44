// Package model implements a configurable encoder-decoder transformer on top
// of the tensor autodiff graph. A Model holds no weights; every call takes a
// params.State so the same model can be evaluated against converted states.
package model

import (
	"errors"
	"fmt"
	"math"
)

// NormKind selects a normalization layer.
type NormKind string

const (
	NormNone      NormKind = "none"
	NormLayerNorm NormKind = "layer_norm"
	NormRMSNorm   NormKind = "rms_norm"
)

// Structure controls where the norm sits relative to the residual.
type Structure string

const (
	// StructurePrenorm computes x + f(norm(x)).
	StructurePrenorm Structure = "prenorm"
	// StructurePostnorm computes norm(x + f(x)).
	StructurePostnorm Structure = "postnorm"
)

// NormConfig configures a normalization layer. The zero value is no norm.
type NormConfig struct {
	Kind NormKind `yaml:"kind"`
	Eps  float64  `yaml:"eps"`
	// Bias adds a learned offset (layer_norm only).
	Bias bool `yaml:"bias"`
}

// EmbeddingConfig configures token, position and token-type embeddings.
type EmbeddingConfig struct {
	// TypeVocabSize is the number of token types; 0 disables the table.
	TypeVocabSize int `yaml:"type_vocab_size"`
	// MaxPositionEmbeddings sizes the learned position table; 0 disables it.
	MaxPositionEmbeddings int        `yaml:"max_position_embeddings"`
	Norm                  NormConfig `yaml:"norm"`
	DropoutRate           float64    `yaml:"dropout_rate"`
}

// AttentionConfig configures a multi-head attention block.
type AttentionConfig struct {
	NumHeads int  `yaml:"num_heads"`
	Bias     bool `yaml:"bias"`
	// ScaleQuery multiplies scores by 1/sqrt(head_dim).
	ScaleQuery bool `yaml:"scale_query"`
}

// AttentionLayerConfig wraps attention with a norm and residual.
type AttentionLayerConfig struct {
	Attention   AttentionConfig `yaml:"attention"`
	Norm        NormConfig      `yaml:"norm"`
	Structure   Structure       `yaml:"structure"`
	DropoutRate float64         `yaml:"dropout_rate"`
}

// FeedForwardConfig configures the position-wise feed-forward block.
type FeedForwardConfig struct {
	// HiddenDim is the inner width; when 0 it is HiddenDimScale * input dim.
	HiddenDim      int     `yaml:"hidden_dim"`
	HiddenDimScale float64 `yaml:"hidden_dim_scale"`
	// Activation has one entry for a plain FFN, or two for a gated FFN whose
	// branches are multiplied element-wise.
	Activation  []string   `yaml:"activation"`
	Bias        bool       `yaml:"bias"`
	Norm        NormConfig `yaml:"norm"`
	Structure   Structure  `yaml:"structure"`
	DropoutRate float64    `yaml:"dropout_rate"`
}

// LayerConfig configures one transformer layer.
type LayerConfig struct {
	SelfAttention AttentionLayerConfig `yaml:"self_attention"`
	// CrossAttention is nil for layers that do not attend to an encoder.
	CrossAttention *AttentionLayerConfig `yaml:"cross_attention"`
	FeedForward    FeedForwardConfig     `yaml:"feed_forward"`
}

// StackConfig repeats one layer config.
type StackConfig struct {
	NumLayers int         `yaml:"num_layers"`
	Layer     LayerConfig `yaml:"layer"`
}

// RelativePositionConfig enables T5-style bucketed relative attention bias.
type RelativePositionConfig struct {
	NumBuckets  int `yaml:"num_buckets"`
	MaxDistance int `yaml:"max_distance"`
}

// EncoderConfig configures the source-side stack.
type EncoderConfig struct {
	Dim       int `yaml:"dim"`
	VocabSize int `yaml:"vocab_size"`
	// PadTokenID derives segment ids from source ids when none are given.
	// A negative value disables padding detection.
	PadTokenID     int                     `yaml:"pad_token_id"`
	Emb            EmbeddingConfig         `yaml:"emb"`
	Transformer    StackConfig             `yaml:"transformer"`
	OutputNorm     NormConfig              `yaml:"output_norm"`
	RelativePosEmb *RelativePositionConfig `yaml:"relative_pos_emb"`
}

// LmHeadConfig requests an output projection separate from the token embedding.
type LmHeadConfig struct{}

// DecoderConfig configures the target-side stack.
type DecoderConfig struct {
	Dim            int                     `yaml:"dim"`
	VocabSize      int                     `yaml:"vocab_size"`
	PadTokenID     int                     `yaml:"pad_token_id"`
	Emb            EmbeddingConfig         `yaml:"emb"`
	Transformer    StackConfig             `yaml:"transformer"`
	OutputNorm     NormConfig              `yaml:"output_norm"`
	RelativePosEmb *RelativePositionConfig `yaml:"relative_pos_emb"`
	// LmHead is nil when logits are computed against the token embedding.
	LmHead *LmHeadConfig `yaml:"lm_head"`
}

// EncoderDecoderConfig configures the full model.
type EncoderDecoderConfig struct {
	Name    string        `yaml:"name"`
	Encoder EncoderConfig `yaml:"encoder"`
	Decoder DecoderConfig `yaml:"decoder"`
	// SharedTokenEmbedding makes both stacks read one token table.
	SharedTokenEmbedding bool    `yaml:"shared_token_embedding"`
	ZLossScale           float64 `yaml:"z_loss_scale"`
}

// Clone deep-copies the pointer fields so later edits cannot reach a built model.
func (c EncoderDecoderConfig) Clone() EncoderDecoderConfig {
	out := c
	out.Encoder.Transformer.Layer = c.Encoder.Transformer.Layer.clone()
	out.Decoder.Transformer.Layer = c.Decoder.Transformer.Layer.clone()
	if c.Encoder.RelativePosEmb != nil {
		rp := *c.Encoder.RelativePosEmb
		out.Encoder.RelativePosEmb = &rp
	}
	if c.Decoder.RelativePosEmb != nil {
		rp := *c.Decoder.RelativePosEmb
		out.Decoder.RelativePosEmb = &rp
	}
	if c.Decoder.LmHead != nil {
		out.Decoder.LmHead = &LmHeadConfig{}
	}
	return out
}

func (l LayerConfig) clone() LayerConfig {
	out := l
	if l.CrossAttention != nil {
		ca := *l.CrossAttention
		out.CrossAttention = &ca
	}
	out.FeedForward.Activation = append([]string(nil), l.FeedForward.Activation...)
	return out
}

// stack is the view shared by encoder and decoder configs.
type stack struct {
	prefix         string
	dim            int
	vocabSize      int
	padTokenID     int
	emb            EmbeddingConfig
	transformer    StackConfig
	outputNorm     NormConfig
	relativePosEmb *RelativePositionConfig
	causal         bool
}

func (c EncoderConfig) stack() stack {
	return stack{
		prefix: "encoder", dim: c.Dim, vocabSize: c.VocabSize, padTokenID: c.PadTokenID,
		emb: c.Emb, transformer: c.Transformer, outputNorm: c.OutputNorm, relativePosEmb: c.RelativePosEmb,
	}
}

func (c DecoderConfig) stack() stack {
	return stack{
		prefix: "decoder", dim: c.Dim, vocabSize: c.VocabSize, padTokenID: c.PadTokenID,
		emb: c.Emb, transformer: c.Transformer, outputNorm: c.OutputNorm, relativePosEmb: c.RelativePosEmb,
		causal: true,
	}
}

// Validate reports every inconsistency in the config.
func (c EncoderDecoderConfig) Validate() error {
	var errs []error
	enc, dec := c.Encoder.stack(), c.Decoder.stack()
	errs = append(errs, enc.validate(false)...)
	errs = append(errs, dec.validate(true)...)
	if c.SharedTokenEmbedding {
		if enc.vocabSize != dec.vocabSize || enc.dim != dec.dim {
			errs = append(errs, fmt.Errorf("shared token embedding needs matching encoder/decoder vocab and dim"))
		}
	}
	if c.ZLossScale < 0 {
		errs = append(errs, fmt.Errorf("z_loss_scale must be non-negative, got %v", c.ZLossScale))
	}
	if dec.transformer.Layer.CrossAttention != nil && enc.dim != dec.dim {
		errs = append(errs, fmt.Errorf("cross attention needs encoder dim %d to equal decoder dim %d", enc.dim, dec.dim))
	}
	return errors.Join(errs...)
}

func (s stack) validate(decoder bool) []error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", s.prefix, fmt.Sprintf(format, args...)))
	}
	if s.dim <= 0 {
		bad("dim must be positive, got %d", s.dim)
	}
	if s.vocabSize <= 0 {
		bad("vocab_size must be positive, got %d", s.vocabSize)
	}
	if s.padTokenID >= s.vocabSize {
		bad("pad_token_id %d outside vocab %d", s.padTokenID, s.vocabSize)
	}
	if s.transformer.NumLayers < 0 {
		bad("num_layers must be non-negative, got %d", s.transformer.NumLayers)
	}
	errs = append(errs, s.validateNorm("emb.norm", s.emb.Norm)...)
	errs = append(errs, s.validateNorm("output_norm", s.outputNorm)...)
	errs = append(errs, s.validateDropout("emb", s.emb.DropoutRate)...)

	layer := s.transformer.Layer
	errs = append(errs, s.validateAttentionLayer("self_attention", layer.SelfAttention)...)
	if layer.CrossAttention != nil {
		if !decoder {
			bad("cross_attention is only supported in the decoder")
		}
		errs = append(errs, s.validateAttentionLayer("cross_attention", *layer.CrossAttention)...)
	}
	ff := layer.FeedForward
	if ff.HiddenDim <= 0 && ff.HiddenDimScale <= 0 {
		bad("feed_forward needs hidden_dim or hidden_dim_scale")
	}
	if n := len(ff.Activation); n != 1 && n != 2 {
		bad("feed_forward needs one or two activations, got %d", n)
	}
	for _, a := range ff.Activation {
		if !knownActivation(a) {
			bad("unknown activation %q", a)
		}
	}
	errs = append(errs, s.validateNorm("feed_forward.norm", ff.Norm)...)
	errs = append(errs, s.validateStructure("feed_forward", ff.Structure)...)
	errs = append(errs, s.validateDropout("feed_forward", ff.DropoutRate)...)

	if rp := s.relativePosEmb; rp != nil {
		if rp.NumBuckets <= 0 || rp.MaxDistance <= 0 {
			bad("relative_pos_emb needs positive num_buckets and max_distance")
		}
	}
	return errs
}

func (s stack) validateAttentionLayer(name string, c AttentionLayerConfig) []error {
	var errs []error
	if c.Attention.NumHeads <= 0 {
		errs = append(errs, fmt.Errorf("%s: %s.num_heads must be positive", s.prefix, name))
	} else if s.dim%c.Attention.NumHeads != 0 {
		errs = append(errs, fmt.Errorf("%s: dim %d not divisible by %s.num_heads %d", s.prefix, s.dim, name, c.Attention.NumHeads))
	}
	errs = append(errs, s.validateNorm(name+".norm", c.Norm)...)
	errs = append(errs, s.validateStructure(name, c.Structure)...)
	errs = append(errs, s.validateDropout(name, c.DropoutRate)...)
	return errs
}

func (s stack) validateNorm(name string, n NormConfig) []error {
	switch n.Kind {
	case NormNone, "":
		return nil
	case NormLayerNorm, NormRMSNorm:
		if n.Eps < 0 || math.IsNaN(n.Eps) {
			return []error{fmt.Errorf("%s: %s eps must be non-negative", s.prefix, name)}
		}
		return nil
	default:
		return []error{fmt.Errorf("%s: %s has unknown kind %q", s.prefix, name, n.Kind)}
	}
}

func (s stack) validateStructure(name string, st Structure) []error {
	if st != StructurePrenorm && st != StructurePostnorm {
		return []error{fmt.Errorf("%s: %s has unknown structure %q", s.prefix, name, st)}
	}
	return nil
}

func (s stack) validateDropout(name string, rate float64) []error {
	if rate < 0 || rate >= 1 {
		return []error{fmt.Errorf("%s: %s dropout rate %v outside [0, 1)", s.prefix, name, rate)}
	}
	return nil
}

func knownActivation(name string) bool {
	switch name {
	case "linear", "nn.relu", "nn.gelu", "exact_gelu":
		return true
	}
	return false
}

func (f FeedForwardConfig) hiddenDim(inputDim int) int {
	if f.HiddenDim > 0 {
		return f.HiddenDim
	}
	return int(math.Round(f.HiddenDimScale * float64(inputDim)))
}
