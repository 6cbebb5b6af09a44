package convert

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-quiver/internal/fixture"
	"github.com/23skdu/longbow-quiver/internal/model"
	"github.com/23skdu/longbow-quiver/internal/params"
)

// ParametersFromT5X converts a flattened T5X encoder-decoder parameter tree
// into a state for m. Attention kernels (in, heads, head_dim) and
// (heads, head_dim, out) collapse to 2-D, and the logits kernel is
// transposed into the (vocab, dim) lm head.
func ParametersFromT5X(tree map[string]fixture.Array, m *model.Model) (params.State, error) {
	c := &t5xConverter{tree: tree, state: params.State{}, used: map[string]bool{}}
	cfg := m.Config()

	c.put(sharedTokenEmb, "token_embedder/embedding", 1)
	for _, side := range []struct {
		prefix, norm string
		layers       int
		sublayers    []t5xSublayer
	}{
		{"encoder", "encoder_norm", cfg.Encoder.Transformer.NumLayers, []t5xSublayer{
			{"self_attention", "pre_attention_layer_norm", "attention"},
		}},
		{"decoder", "decoder_norm", cfg.Decoder.Transformer.NumLayers, []t5xSublayer{
			{"self_attention", "pre_self_attention_layer_norm", "self_attention"},
			{"cross_attention", "pre_cross_attention_layer_norm", "encoder_decoder_attention"},
		}},
	} {
		c.put(side.prefix+"/relative_pos_emb/weight", side.prefix+"/relpos_bias/rel_embedding", 1)
		for i := 0; i < side.layers; i++ {
			dst := fmt.Sprintf("%s/transformer/layer%d", side.prefix, i)
			src := fmt.Sprintf("%s/layers_%d", side.prefix, i)
			for _, sl := range side.sublayers {
				c.put(dst+"/"+sl.name+"/norm/scale", src+"/"+sl.norm+"/scale", 0)
				c.put(dst+"/"+sl.name+"/attention/q_proj/weight", src+"/"+sl.t5x+"/query/kernel", 1)
				c.put(dst+"/"+sl.name+"/attention/k_proj/weight", src+"/"+sl.t5x+"/key/kernel", 1)
				c.put(dst+"/"+sl.name+"/attention/v_proj/weight", src+"/"+sl.t5x+"/value/kernel", 1)
				c.put(dst+"/"+sl.name+"/attention/o_proj/weight", src+"/"+sl.t5x+"/out/kernel", 2)
			}
			c.put(dst+"/feed_forward/norm/scale", src+"/pre_mlp_layer_norm/scale", 0)
			c.put(dst+"/feed_forward/linear1_0/weight", src+"/mlp/wi_0/kernel", 1)
			c.put(dst+"/feed_forward/linear1_1/weight", src+"/mlp/wi_1/kernel", 1)
			c.put(dst+"/feed_forward/linear2/weight", src+"/mlp/wo/kernel", 1)
		}
		c.put(side.prefix+"/output_norm/scale", side.prefix+"/"+side.norm+"/scale", 0)
	}
	if w := c.get("decoder/logits_dense/kernel", 1); w != nil {
		c.state[lmHead] = mat.DenseCopyOf(w.T())
	}

	var names []string
	for name := range tree {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !c.used[name] {
			c.errs = append(c.errs, fmt.Errorf("t5x parameter %q has no destination", name))
		}
	}
	return finish(c.state, c.errs, m, "t5x")
}

const (
	sharedTokenEmb = "shared_token_emb/weight"
	lmHead         = "decoder/lm_head/weight"
)

type t5xSublayer struct {
	name, norm, t5x string
}

type t5xConverter struct {
	tree  map[string]fixture.Array
	state params.State
	used  map[string]bool
	errs  []error
}

func (c *t5xConverter) get(name string, split int) *mat.Dense {
	a, ok := c.tree[name]
	if !ok {
		c.errs = append(c.errs, fmt.Errorf("t5x tree lacks %q", name))
		return nil
	}
	c.used[name] = true
	w, err := a.Matrix(split)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("%q: %w", name, err))
		return nil
	}
	return w
}

func (c *t5xConverter) put(dst, src string, split int) {
	if w := c.get(src, split); w != nil {
		c.state[dst] = w
	}
}
