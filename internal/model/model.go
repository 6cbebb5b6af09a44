package model

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/params"
)

const (
	initStd = 0.02

	sharedTokenEmbPath = "shared_token_emb/weight"
	lmHeadPath         = "decoder/lm_head/weight"
)

// Model is an instantiated, immutable encoder-decoder.
type Model struct {
	cfg   EncoderDecoderConfig
	specs []params.Spec
}

// New validates cfg and builds the parameter layout.
func New(cfg EncoderDecoderConfig) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", cfg.Name, err)
	}
	m := &Model{cfg: cfg.Clone()}
	m.specs = m.buildSpecs()

	var n int
	for _, sp := range m.specs {
		n += sp.Rows * sp.Cols
	}
	log.Debug().
		Str("model", cfg.Name).
		Int("tensors", len(m.specs)).
		Int("params", n).
		Bool("tied_head", cfg.Decoder.LmHead == nil).
		Msg("Built encoder-decoder")
	return m, nil
}

// Name returns the configured model name.
func (m *Model) Name() string { return m.cfg.Name }

// Config returns a copy of the model config.
func (m *Model) Config() EncoderDecoderConfig { return m.cfg.Clone() }

// ParamSpecs lists every parameter the model reads.
func (m *Model) ParamSpecs() []params.Spec {
	return append([]params.Spec(nil), m.specs...)
}

// InitializeParameters draws a fresh state from seed.
func (m *Model) InitializeParameters(seed uint64) params.State {
	return params.Initialize(m.specs, seed)
}

// tokenEmbPath returns the token table a stack reads.
func (m *Model) tokenEmbPath(s stack) string {
	if m.cfg.SharedTokenEmbedding {
		return sharedTokenEmbPath
	}
	return s.prefix + "/emb/token_emb/weight"
}

func (m *Model) buildSpecs() []params.Spec {
	var specs []params.Spec
	if m.cfg.SharedTokenEmbedding {
		specs = append(specs, params.Normal(sharedTokenEmbPath, m.cfg.Encoder.VocabSize, m.cfg.Encoder.Dim, initStd))
	}
	specs = append(specs, m.stackSpecs(m.cfg.Encoder.stack())...)
	specs = append(specs, m.stackSpecs(m.cfg.Decoder.stack())...)
	if m.cfg.Decoder.LmHead != nil {
		specs = append(specs, params.Normal(lmHeadPath, m.cfg.Decoder.VocabSize, m.cfg.Decoder.Dim, initStd))
	}
	return specs
}

func (m *Model) stackSpecs(s stack) []params.Spec {
	var specs []params.Spec
	p := s.prefix
	if !m.cfg.SharedTokenEmbedding {
		specs = append(specs, params.Normal(m.tokenEmbPath(s), s.vocabSize, s.dim, initStd))
	}
	if n := s.emb.MaxPositionEmbeddings; n > 0 {
		specs = append(specs, params.Normal(p+"/emb/pos_emb/weight", n, s.dim, initStd))
	}
	if n := s.emb.TypeVocabSize; n > 0 {
		specs = append(specs, params.Normal(p+"/emb/type_emb/weight", n, s.dim, initStd))
	}
	specs = append(specs, normSpecs(p+"/emb/norm", s.emb.Norm, s.dim)...)

	layer := s.transformer.Layer
	for i := 0; i < s.transformer.NumLayers; i++ {
		lp := layerPrefix(p, i)
		specs = append(specs, attentionLayerSpecs(lp+"/self_attention", layer.SelfAttention, s.dim)...)
		if layer.CrossAttention != nil {
			specs = append(specs, attentionLayerSpecs(lp+"/cross_attention", *layer.CrossAttention, s.dim)...)
		}
		specs = append(specs, feedForwardSpecs(lp+"/feed_forward", layer.FeedForward, s.dim)...)
	}
	specs = append(specs, normSpecs(p+"/output_norm", s.outputNorm, s.dim)...)
	if rp := s.relativePosEmb; rp != nil {
		specs = append(specs, params.Normal(p+"/relative_pos_emb/weight", layer.SelfAttention.Attention.NumHeads, rp.NumBuckets, initStd))
	}
	return specs
}

func layerPrefix(stackPrefix string, i int) string {
	return fmt.Sprintf("%s/transformer/layer%d", stackPrefix, i)
}

func normSpecs(prefix string, n NormConfig, dim int) []params.Spec {
	switch n.Kind {
	case NormLayerNorm:
		specs := []params.Spec{params.Ones(prefix+"/scale", 1, dim)}
		if n.Bias {
			specs = append(specs, params.Zeros(prefix+"/bias", 1, dim))
		}
		return specs
	case NormRMSNorm:
		return []params.Spec{params.Ones(prefix+"/scale", 1, dim)}
	default:
		return nil
	}
}

func linearSpecs(prefix string, in, out int, bias bool) []params.Spec {
	specs := []params.Spec{params.Normal(prefix+"/weight", in, out, initStd)}
	if bias {
		specs = append(specs, params.Zeros(prefix+"/bias", 1, out))
	}
	return specs
}

func attentionLayerSpecs(prefix string, c AttentionLayerConfig, dim int) []params.Spec {
	specs := normSpecs(prefix+"/norm", c.Norm, dim)
	for _, proj := range []string{"q_proj", "k_proj", "v_proj", "o_proj"} {
		specs = append(specs, linearSpecs(prefix+"/attention/"+proj, dim, dim, c.Attention.Bias)...)
	}
	return specs
}

func feedForwardSpecs(prefix string, c FeedForwardConfig, dim int) []params.Spec {
	hidden := c.hiddenDim(dim)
	specs := normSpecs(prefix+"/norm", c.Norm, dim)
	if len(c.Activation) == 1 {
		specs = append(specs, linearSpecs(prefix+"/linear1", dim, hidden, c.Bias)...)
	} else {
		for j := range c.Activation {
			specs = append(specs, linearSpecs(fmt.Sprintf("%s/linear1_%d", prefix, j), dim, hidden, c.Bias)...)
		}
	}
	return append(specs, linearSpecs(prefix+"/linear2", hidden, dim, c.Bias)...)
}
