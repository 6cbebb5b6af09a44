package model

const (
	bertLayerNormEps = 1e-12
	bertDropoutRate  = 0.1
	gptLayerNormEps  = 1e-5
	t5RMSNormEps     = 1e-6
)

// BertEmbeddingConfig returns summed token, position and token-type
// embeddings followed by layer norm and dropout.
func BertEmbeddingConfig(typeVocabSize, maxPositionEmbeddings int) EmbeddingConfig {
	return EmbeddingConfig{
		TypeVocabSize:         typeVocabSize,
		MaxPositionEmbeddings: maxPositionEmbeddings,
		Norm:                  NormConfig{Kind: NormLayerNorm, Eps: bertLayerNormEps, Bias: true},
		DropoutRate:           bertDropoutRate,
	}
}

// BertTransformerConfig returns a post-norm stack with biased, scaled
// attention and an exact-GELU feed-forward four times the model width.
func BertTransformerConfig(numLayers, numHeads int) StackConfig {
	norm := NormConfig{Kind: NormLayerNorm, Eps: bertLayerNormEps, Bias: true}
	return StackConfig{
		NumLayers: numLayers,
		Layer: LayerConfig{
			SelfAttention: AttentionLayerConfig{
				Attention:   AttentionConfig{NumHeads: numHeads, Bias: true, ScaleQuery: true},
				Norm:        norm,
				Structure:   StructurePostnorm,
				DropoutRate: bertDropoutRate,
			},
			FeedForward: FeedForwardConfig{
				HiddenDimScale: 4,
				Activation:     []string{"exact_gelu"},
				Bias:           true,
				Norm:           norm,
				Structure:      StructurePostnorm,
				DropoutRate:    bertDropoutRate,
			},
		},
	}
}

// GPTDecoderOptions parameterizes GPTDecoderConfig.
type GPTDecoderOptions struct {
	NumLayers             int
	HiddenDim             int
	NumHeads              int
	VocabSize             int
	MaxPositionEmbeddings int
	// ActivationFunction defaults to "nn.gelu".
	ActivationFunction string
	// LayerNormEpsilon defaults to 1e-5.
	LayerNormEpsilon float64
	DropoutRate      float64
}

// GPTDecoderConfig returns a pre-norm causal decoder with learned positions,
// a final layer norm and logits tied to the token embedding.
func GPTDecoderConfig(o GPTDecoderOptions) DecoderConfig {
	if o.ActivationFunction == "" {
		o.ActivationFunction = "nn.gelu"
	}
	if o.LayerNormEpsilon == 0 {
		o.LayerNormEpsilon = gptLayerNormEps
	}
	norm := NormConfig{Kind: NormLayerNorm, Eps: o.LayerNormEpsilon, Bias: true}
	return DecoderConfig{
		Dim:        o.HiddenDim,
		VocabSize:  o.VocabSize,
		PadTokenID: -1,
		Emb: EmbeddingConfig{
			MaxPositionEmbeddings: o.MaxPositionEmbeddings,
			Norm:                  NormConfig{Kind: NormNone},
			DropoutRate:           o.DropoutRate,
		},
		Transformer: StackConfig{
			NumLayers: o.NumLayers,
			Layer: LayerConfig{
				SelfAttention: AttentionLayerConfig{
					Attention:   AttentionConfig{NumHeads: o.NumHeads, Bias: true, ScaleQuery: true},
					Norm:        norm,
					Structure:   StructurePrenorm,
					DropoutRate: o.DropoutRate,
				},
				FeedForward: FeedForwardConfig{
					HiddenDimScale: 4,
					Activation:     []string{o.ActivationFunction},
					Bias:           true,
					Norm:           norm,
					Structure:      StructurePrenorm,
					DropoutRate:    o.DropoutRate,
				},
			},
		},
		OutputNorm: norm,
	}
}

// SetCrossAttention adds encoder attention to every decoder layer. The new
// sublayer copies the self-attention norm, structure and dropout.
func SetCrossAttention(cfg *DecoderConfig, numHeads int) {
	ca := cfg.Transformer.Layer.SelfAttention
	ca.Attention.NumHeads = numHeads
	cfg.Transformer.Layer.CrossAttention = &ca
}

// SetLayerNormEpsRecursively overrides the epsilon of every layer norm in cfg.
// RMS norms are left untouched.
func SetLayerNormEpsRecursively[T *EncoderConfig | *DecoderConfig | *EncoderDecoderConfig](cfg T, eps float64) {
	switch c := any(cfg).(type) {
	case *EncoderDecoderConfig:
		SetLayerNormEpsRecursively(&c.Encoder, eps)
		SetLayerNormEpsRecursively(&c.Decoder, eps)
	case *EncoderConfig:
		setStackEps(&c.Emb, &c.Transformer, &c.OutputNorm, eps)
	case *DecoderConfig:
		setStackEps(&c.Emb, &c.Transformer, &c.OutputNorm, eps)
	}
}

func setStackEps(emb *EmbeddingConfig, st *StackConfig, out *NormConfig, eps float64) {
	set := func(n *NormConfig) {
		if n.Kind == NormLayerNorm {
			n.Eps = eps
		}
	}
	set(&emb.Norm)
	set(&st.Layer.SelfAttention.Norm)
	if st.Layer.CrossAttention != nil {
		set(&st.Layer.CrossAttention.Norm)
	}
	set(&st.Layer.FeedForward.Norm)
	set(out)
}

// T5Options parameterizes T5EncoderDecoderConfig.
type T5Options struct {
	VocabSize        int
	Dim              int
	NumHeads         int
	NumEncoderLayers int
	NumDecoderLayers int
	// FFNDim defaults to 4 * Dim.
	FFNDim      int
	DropoutRate float64
	ZLossScale  float64
	// NumBuckets and MaxDistance default to 32 and 128.
	NumBuckets  int
	MaxDistance int
}

// T5EncoderDecoderConfig returns a T5 v1.1 style model: a shared token
// embedding, pre-norm RMS layers, unscaled attention without biases,
// bucketed relative position bias, a gated GELU feed-forward and an untied
// output projection.
func T5EncoderDecoderConfig(o T5Options) EncoderDecoderConfig {
	if o.FFNDim == 0 {
		o.FFNDim = 4 * o.Dim
	}
	if o.NumBuckets == 0 {
		o.NumBuckets = 32
	}
	if o.MaxDistance == 0 {
		o.MaxDistance = 128
	}
	norm := NormConfig{Kind: NormRMSNorm, Eps: t5RMSNormEps}
	attention := AttentionLayerConfig{
		Attention:   AttentionConfig{NumHeads: o.NumHeads},
		Norm:        norm,
		Structure:   StructurePrenorm,
		DropoutRate: o.DropoutRate,
	}
	layer := LayerConfig{
		SelfAttention: attention,
		FeedForward: FeedForwardConfig{
			HiddenDim:   o.FFNDim,
			Activation:  []string{"nn.gelu", "linear"},
			Norm:        norm,
			Structure:   StructurePrenorm,
			DropoutRate: o.DropoutRate,
		},
	}
	emb := EmbeddingConfig{Norm: NormConfig{Kind: NormNone}, DropoutRate: o.DropoutRate}

	decoderLayer := layer.clone()
	cross := attention
	decoderLayer.CrossAttention = &cross

	return EncoderDecoderConfig{
		Encoder: EncoderConfig{
			Dim:            o.Dim,
			VocabSize:      o.VocabSize,
			Emb:            emb,
			Transformer:    StackConfig{NumLayers: o.NumEncoderLayers, Layer: layer.clone()},
			OutputNorm:     norm,
			RelativePosEmb: &RelativePositionConfig{NumBuckets: o.NumBuckets, MaxDistance: o.MaxDistance},
		},
		Decoder: DecoderConfig{
			Dim:            o.Dim,
			VocabSize:      o.VocabSize,
			Emb:            emb,
			Transformer:    StackConfig{NumLayers: o.NumDecoderLayers, Layer: decoderLayer},
			OutputNorm:     norm,
			RelativePosEmb: &RelativePositionConfig{NumBuckets: o.NumBuckets, MaxDistance: o.MaxDistance},
			LmHead:         &LmHeadConfig{},
		},
		SharedTokenEmbedding: true,
		ZLossScale:           o.ZLossScale,
	}
}
