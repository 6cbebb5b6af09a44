package hub

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// StateDict maps hub parameter names to weights in hub layout.
type StateDict map[string]*mat.Dense

// Keys returns the names in sorted order.
func (s StateDict) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StateDict returns the model's parameters by reference. The decoder's
// lm_head entry aliases the token embedding.
func (m *EncoderDecoderModel) StateDict() StateDict {
	sd := StateDict{}
	for name, w := range m.bindings() {
		sd[name] = w
	}
	sd["decoder.lm_head.weight"] = m.Decoder.LMHeadWeight()
	return sd
}

// LoadStateDict copies sd into the model. Every parameter must be present
// with the right shape and no unknown names are accepted.
func (m *EncoderDecoderModel) LoadStateDict(sd StateDict) error {
	bindings := m.bindings()
	var errs []error
	for _, name := range sd.Keys() {
		if name == "decoder.lm_head.weight" {
			continue
		}
		if _, ok := bindings[name]; !ok {
			errs = append(errs, fmt.Errorf("unexpected key %q", name))
		}
	}
	for name, dst := range bindings {
		src, ok := sd[name]
		if !ok {
			errs = append(errs, fmt.Errorf("missing key %q", name))
			continue
		}
		dr, dc := dst.Dims()
		sr, sc := src.Dims()
		if dr != sr || dc != sc {
			errs = append(errs, fmt.Errorf("%q: shape (%d, %d), want (%d, %d)", name, sr, sc, dr, dc))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	for name, dst := range bindings {
		dst.Copy(sd[name])
	}
	return nil
}

func (m *EncoderDecoderModel) bindings() map[string]*mat.Dense {
	b := map[string]*mat.Dense{}
	linear := func(prefix string, l *Linear) {
		b[prefix+".weight"] = l.Weight
		b[prefix+".bias"] = l.Bias
	}
	conv := func(prefix string, c *Conv1D) {
		b[prefix+".weight"] = c.Weight
		b[prefix+".bias"] = c.Bias
	}
	norm := func(prefix string, n *LayerNorm) {
		b[prefix+".weight"] = n.Weight
		b[prefix+".bias"] = n.Bias
	}

	emb := m.Encoder.Embeddings
	b["encoder.embeddings.word_embeddings.weight"] = emb.WordEmbeddings.Weight
	b["encoder.embeddings.position_embeddings.weight"] = emb.PositionEmbeddings.Weight
	b["encoder.embeddings.token_type_embeddings.weight"] = emb.TokenTypeEmbeddings.Weight
	norm("encoder.embeddings.LayerNorm", emb.LayerNorm)
	for i, layer := range m.Encoder.Encoder.Layers {
		p := fmt.Sprintf("encoder.encoder.layer.%d", i)
		linear(p+".attention.self.query", layer.Attention.Self.Query)
		linear(p+".attention.self.key", layer.Attention.Self.Key)
		linear(p+".attention.self.value", layer.Attention.Self.Value)
		linear(p+".attention.output.dense", layer.Attention.Output.Dense)
		norm(p+".attention.output.LayerNorm", layer.Attention.Output.LayerNorm)
		linear(p+".intermediate.dense", layer.Intermediate.Dense)
		linear(p+".output.dense", layer.Output.Dense)
		norm(p+".output.LayerNorm", layer.Output.LayerNorm)
	}

	gpt := m.Decoder.Transformer
	b["decoder.transformer.wte.weight"] = gpt.WTE.Weight
	b["decoder.transformer.wpe.weight"] = gpt.WPE.Weight
	for i, block := range gpt.H {
		p := fmt.Sprintf("decoder.transformer.h.%d", i)
		norm(p+".ln_1", block.Ln1)
		conv(p+".attn.c_attn", block.Attn.CAttn)
		conv(p+".attn.c_proj", block.Attn.CProj)
		if block.CrossAttention != nil {
			norm(p+".ln_cross_attn", block.LnCrossAttn)
			conv(p+".crossattention.c_attn", block.CrossAttention.CAttn)
			conv(p+".crossattention.q_attn", block.CrossAttention.QAttn)
			conv(p+".crossattention.c_proj", block.CrossAttention.CProj)
		}
		norm(p+".ln_2", block.Ln2)
		conv(p+".mlp.c_fc", block.MLP.CFc)
		conv(p+".mlp.c_proj", block.MLP.CProj)
	}
	norm("decoder.transformer.ln_f", gpt.LnF)
	return b
}
