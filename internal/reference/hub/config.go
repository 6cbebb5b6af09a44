// Package hub is an eval-mode float64 reference for the model hub's BERT,
// GPT-2 and EncoderDecoder modules. Parameters keep the hub's layouts and
// names so state dicts can be converted exactly as a hub checkpoint would be.
package hub

import "fmt"

// BertConfig mirrors the hub's BertConfig fields used by the encoder.
type BertConfig struct {
	VocabSize                 int     `yaml:"vocab_size"`
	HiddenSize                int     `yaml:"hidden_size"`
	NumHiddenLayers           int     `yaml:"num_hidden_layers"`
	NumAttentionHeads         int     `yaml:"num_attention_heads"`
	IntermediateSize          int     `yaml:"intermediate_size"`
	HiddenAct                 string  `yaml:"hidden_act"`
	HiddenDropoutProb         float64 `yaml:"hidden_dropout_prob"`
	AttentionProbsDropoutProb float64 `yaml:"attention_probs_dropout_prob"`
	MaxPositionEmbeddings     int     `yaml:"max_position_embeddings"`
	TypeVocabSize             int     `yaml:"type_vocab_size"`
	InitializerRange          float64 `yaml:"initializer_range"`
	LayerNormEps              float64 `yaml:"layer_norm_eps"`
	PadTokenID                int     `yaml:"pad_token_id"`
}

// DefaultBertConfig returns the hub defaults (bert-base sizes).
func DefaultBertConfig() BertConfig {
	return BertConfig{
		VocabSize:                 30522,
		HiddenSize:                768,
		NumHiddenLayers:           12,
		NumAttentionHeads:         12,
		IntermediateSize:          3072,
		HiddenAct:                 "gelu",
		HiddenDropoutProb:         0.1,
		AttentionProbsDropoutProb: 0.1,
		MaxPositionEmbeddings:     512,
		TypeVocabSize:             2,
		InitializerRange:          0.02,
		LayerNormEps:              1e-12,
		PadTokenID:                0,
	}
}

// GPT2Config mirrors the hub's GPT2Config fields used by the decoder.
type GPT2Config struct {
	VocabSize         int     `yaml:"vocab_size"`
	NPositions        int     `yaml:"n_positions"`
	NEmbd             int     `yaml:"n_embd"`
	NLayer            int     `yaml:"n_layer"`
	NHead             int     `yaml:"n_head"`
	NInner            int     `yaml:"n_inner"`
	ActivationFunc    string  `yaml:"activation_function"`
	ResidPdrop        float64 `yaml:"resid_pdrop"`
	EmbdPdrop         float64 `yaml:"embd_pdrop"`
	AttnPdrop         float64 `yaml:"attn_pdrop"`
	LayerNormEpsilon  float64 `yaml:"layer_norm_epsilon"`
	InitializerRange  float64 `yaml:"initializer_range"`
	AddCrossAttention bool    `yaml:"add_cross_attention"`
	IsDecoder         bool    `yaml:"is_decoder"`
	BosTokenID        int     `yaml:"bos_token_id"`
	EosTokenID        int     `yaml:"eos_token_id"`
}

// DefaultGPT2Config returns the hub defaults (gpt2 small sizes).
func DefaultGPT2Config() GPT2Config {
	return GPT2Config{
		VocabSize:        50257,
		NPositions:       1024,
		NEmbd:            768,
		NLayer:           12,
		NHead:            12,
		ActivationFunc:   "gelu_new",
		ResidPdrop:       0.1,
		EmbdPdrop:        0.1,
		AttnPdrop:        0.1,
		LayerNormEpsilon: 1e-5,
		InitializerRange: 0.02,
		BosTokenID:       50256,
		EosTokenID:       50256,
	}
}

func (c GPT2Config) inner() int {
	if c.NInner > 0 {
		return c.NInner
	}
	return 4 * c.NEmbd
}

// EncoderDecoderConfig pairs an encoder and decoder config.
type EncoderDecoderConfig struct {
	Encoder             BertConfig `yaml:"encoder"`
	Decoder             GPT2Config `yaml:"decoder"`
	PadTokenID          int        `yaml:"pad_token_id"`
	DecoderStartTokenID int        `yaml:"decoder_start_token_id"`
}

// FromEncoderDecoderConfigs combines the two configs, marking the decoder as
// a cross-attending decoder the way the hub does.
func FromEncoderDecoderConfigs(enc BertConfig, dec GPT2Config) EncoderDecoderConfig {
	dec.IsDecoder = true
	dec.AddCrossAttention = true
	return EncoderDecoderConfig{Encoder: enc, Decoder: dec, PadTokenID: enc.PadTokenID, DecoderStartTokenID: dec.BosTokenID}
}

// Validate checks sizes the reference relies on.
func (c EncoderDecoderConfig) Validate() error {
	e, d := c.Encoder, c.Decoder
	switch {
	case e.HiddenSize <= 0 || e.NumAttentionHeads <= 0 || e.HiddenSize%e.NumAttentionHeads != 0:
		return fmt.Errorf("bert: hidden size %d must be a positive multiple of %d heads", e.HiddenSize, e.NumAttentionHeads)
	case d.NEmbd <= 0 || d.NHead <= 0 || d.NEmbd%d.NHead != 0:
		return fmt.Errorf("gpt2: n_embd %d must be a positive multiple of %d heads", d.NEmbd, d.NHead)
	case e.HiddenSize != d.NEmbd:
		return fmt.Errorf("encoder hidden size %d != decoder n_embd %d", e.HiddenSize, d.NEmbd)
	case !d.AddCrossAttention:
		return fmt.Errorf("gpt2: decoder needs add_cross_attention")
	}
	if _, err := activation(e.HiddenAct); err != nil {
		return err
	}
	_, err := activation(d.ActivationFunc)
	return err
}
