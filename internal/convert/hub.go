// Package convert translates configs and weights from reference layouts into
// model configs and params.State.
package convert

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/params"
	"github.com/23skdu/longbow-quiver/internal/reference/hub"
)

// hubActivation maps a hub activation name onto a tensor activation name.
func hubActivation(name string) (string, error) {
	switch name {
	case "relu":
		return "nn.relu", nil
	case "gelu":
		return "exact_gelu", nil
	case "gelu_new", "gelu_pytorch_tanh":
		return "nn.gelu", nil
	default:
		return "", fmt.Errorf("no model activation for hub activation %q", name)
	}
}

// EncoderConfigFromHub builds a BERT encoder config equivalent to c. The
// hub encoder attends to every source token unless it is given a mask, so
// padding detection is disabled.
func EncoderConfigFromHub(c hub.BertConfig) (model.EncoderConfig, error) {
	act, err := hubActivation(c.HiddenAct)
	if err != nil {
		return model.EncoderConfig{}, err
	}
	emb := model.BertEmbeddingConfig(c.TypeVocabSize, c.MaxPositionEmbeddings)
	emb.DropoutRate = c.HiddenDropoutProb
	transformer := model.BertTransformerConfig(c.NumHiddenLayers, c.NumAttentionHeads)
	ff := &transformer.Layer.FeedForward
	ff.Activation = []string{act}
	ff.HiddenDim = c.IntermediateSize
	ff.DropoutRate = c.HiddenDropoutProb
	transformer.Layer.SelfAttention.DropoutRate = c.HiddenDropoutProb

	cfg := model.EncoderConfig{
		Dim:         c.HiddenSize,
		VocabSize:   c.VocabSize,
		PadTokenID:  -1,
		Emb:         emb,
		Transformer: transformer,
		OutputNorm:  model.NormConfig{Kind: model.NormNone},
	}
	model.SetLayerNormEpsRecursively(&cfg, c.LayerNormEps)
	return cfg, nil
}

// DecoderConfigFromHub builds a GPT-2 decoder config with cross attention.
func DecoderConfigFromHub(c hub.GPT2Config) (model.DecoderConfig, error) {
	act, err := hubActivation(c.ActivationFunc)
	if err != nil {
		return model.DecoderConfig{}, err
	}
	cfg := model.GPTDecoderConfig(model.GPTDecoderOptions{
		NumLayers:             c.NLayer,
		HiddenDim:             c.NEmbd,
		NumHeads:              c.NHead,
		VocabSize:             c.VocabSize,
		MaxPositionEmbeddings: c.NPositions,
		ActivationFunction:    act,
		LayerNormEpsilon:      c.LayerNormEpsilon,
		DropoutRate:           c.EmbdPdrop,
	})
	if c.NInner > 0 {
		cfg.Transformer.Layer.FeedForward.HiddenDim = c.NInner
	}
	if c.AddCrossAttention {
		model.SetCrossAttention(&cfg, c.NHead)
	}
	return cfg, nil
}

// ConfigFromHub builds the full encoder-decoder config with a tied head.
func ConfigFromHub(name string, c hub.EncoderDecoderConfig) (model.EncoderDecoderConfig, error) {
	enc, err := EncoderConfigFromHub(c.Encoder)
	if err != nil {
		return model.EncoderDecoderConfig{}, fmt.Errorf("encoder: %w", err)
	}
	dec, err := DecoderConfigFromHub(c.Decoder)
	if err != nil {
		return model.EncoderDecoderConfig{}, fmt.Errorf("decoder: %w", err)
	}
	return model.EncoderDecoderConfig{Name: name, Encoder: enc, Decoder: dec}, nil
}

// ParametersFromHub converts a hub state dict into a state for m. Torch
// linear weights are transposed to input-major and GPT-2's fused c_attn
// projections are split. The tied lm_head entry is dropped.
func ParametersFromHub(sd hub.StateDict, m *model.Model) (params.State, error) {
	c := &hubConverter{sd: sd, state: params.State{}, used: map[string]bool{"decoder.lm_head.weight": true}}
	cfg := m.Config()

	c.copy("encoder/emb/token_emb/weight", "encoder.embeddings.word_embeddings.weight")
	c.copy("encoder/emb/pos_emb/weight", "encoder.embeddings.position_embeddings.weight")
	c.copy("encoder/emb/type_emb/weight", "encoder.embeddings.token_type_embeddings.weight")
	c.norm("encoder/emb/norm", "encoder.embeddings.LayerNorm")
	for i := 0; i < cfg.Encoder.Transformer.NumLayers; i++ {
		dst := fmt.Sprintf("encoder/transformer/layer%d", i)
		src := fmt.Sprintf("encoder.encoder.layer.%d", i)
		c.linear(dst+"/self_attention/attention/q_proj", src+".attention.self.query")
		c.linear(dst+"/self_attention/attention/k_proj", src+".attention.self.key")
		c.linear(dst+"/self_attention/attention/v_proj", src+".attention.self.value")
		c.linear(dst+"/self_attention/attention/o_proj", src+".attention.output.dense")
		c.norm(dst+"/self_attention/norm", src+".attention.output.LayerNorm")
		c.linear(dst+"/feed_forward/linear1", src+".intermediate.dense")
		c.linear(dst+"/feed_forward/linear2", src+".output.dense")
		c.norm(dst+"/feed_forward/norm", src+".output.LayerNorm")
	}

	c.copy("decoder/emb/token_emb/weight", "decoder.transformer.wte.weight")
	c.copy("decoder/emb/pos_emb/weight", "decoder.transformer.wpe.weight")
	for i := 0; i < cfg.Decoder.Transformer.NumLayers; i++ {
		dst := fmt.Sprintf("decoder/transformer/layer%d", i)
		src := fmt.Sprintf("decoder.transformer.h.%d", i)
		c.norm(dst+"/self_attention/norm", src+".ln_1")
		c.split(dst+"/self_attention/attention", src+".attn.c_attn", "q_proj", "k_proj", "v_proj")
		c.conv(dst+"/self_attention/attention/o_proj", src+".attn.c_proj")
		if cfg.Decoder.Transformer.Layer.CrossAttention != nil {
			c.norm(dst+"/cross_attention/norm", src+".ln_cross_attn")
			c.conv(dst+"/cross_attention/attention/q_proj", src+".crossattention.q_attn")
			c.split(dst+"/cross_attention/attention", src+".crossattention.c_attn", "k_proj", "v_proj")
			c.conv(dst+"/cross_attention/attention/o_proj", src+".crossattention.c_proj")
		}
		c.norm(dst+"/feed_forward/norm", src+".ln_2")
		c.conv(dst+"/feed_forward/linear1", src+".mlp.c_fc")
		c.conv(dst+"/feed_forward/linear2", src+".mlp.c_proj")
	}
	c.norm("decoder/output_norm", "decoder.transformer.ln_f")

	return c.finish(m, "hub")
}

type hubConverter struct {
	sd    hub.StateDict
	state params.State
	used  map[string]bool
	errs  []error
}

func (c *hubConverter) get(name string) *mat.Dense {
	w, ok := c.sd[name]
	if !ok {
		c.errs = append(c.errs, fmt.Errorf("state dict lacks %q", name))
		return nil
	}
	c.used[name] = true
	return w
}

func (c *hubConverter) copy(dst, src string) {
	if w := c.get(src); w != nil {
		c.state[dst] = mat.DenseCopyOf(w)
	}
}

func (c *hubConverter) norm(dst, src string) {
	c.copy(dst+"/scale", src+".weight")
	c.copy(dst+"/bias", src+".bias")
}

func (c *hubConverter) linear(dst, src string) {
	if w := c.get(src + ".weight"); w != nil {
		c.state[dst+"/weight"] = mat.DenseCopyOf(w.T())
	}
	c.copy(dst+"/bias", src+".bias")
}

func (c *hubConverter) conv(dst, src string) {
	c.copy(dst+"/weight", src+".weight")
	c.copy(dst+"/bias", src+".bias")
}

// split cuts a fused (in, n*out) projection into n consecutive column blocks.
func (c *hubConverter) split(dst, src string, names ...string) {
	w, b := c.get(src+".weight"), c.get(src+".bias")
	if w == nil || b == nil {
		return
	}
	rows, cols := w.Dims()
	if cols%len(names) != 0 {
		c.errs = append(c.errs, fmt.Errorf("%q: %d columns do not split into %d", src, cols, len(names)))
		return
	}
	width := cols / len(names)
	for i, name := range names {
		c.state[dst+"/"+name+"/weight"] = mat.DenseCopyOf(w.Slice(0, rows, i*width, (i+1)*width))
		c.state[dst+"/"+name+"/bias"] = mat.DenseCopyOf(b.Slice(0, 1, i*width, (i+1)*width))
	}
}

func (c *hubConverter) finish(m *model.Model, source string) (params.State, error) {
	for _, name := range c.sd.Keys() {
		if !c.used[name] {
			c.errs = append(c.errs, fmt.Errorf("state dict entry %q has no destination", name))
		}
	}
	return finish(c.state, c.errs, m, source)
}

func finish(state params.State, errs []error, m *model.Model, source string) (params.State, error) {
	if err := state.Validate(m.ParamSpecs()); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("convert %s parameters for %q: %w", source, m.Name(), errors.Join(errs...))
	}
	log.Debug().
		Str("model", m.Name()).
		Str("source", source).
		Int("tensors", len(state)).
		Msg("Converted parameters")
	return state, nil
}
