package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-quiver/internal/params"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// MissingParamError is raised when a state lacks a path the model reads.
type MissingParamError struct {
	Path string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("missing parameter %q", e.Path)
}

// invocation binds a model to one state for a single call. Leaves are
// cached by path so a parameter read twice is one graph node.
type invocation struct {
	m         *Model
	state     params.State
	leaves    map[string]*tensor.Tensor
	trainable bool
	training  bool
	rng       *rand.Rand
}

func newInvocation(m *Model, state params.State, opts Options, trainable bool) *invocation {
	iv := &invocation{
		m:         m,
		state:     state,
		leaves:    make(map[string]*tensor.Tensor),
		trainable: trainable,
		training:  opts.IsTraining,
	}
	if opts.IsTraining {
		iv.rng = rand.New(rand.NewPCG(opts.Seed, 0x5eed))
	}
	return iv
}

func (iv *invocation) param(path string) *tensor.Tensor {
	if t, ok := iv.leaves[path]; ok {
		return t
	}
	v, ok := iv.state[path]
	if !ok {
		panic(&MissingParamError{Path: path})
	}
	var t *tensor.Tensor
	if iv.trainable {
		t = tensor.Param(v, path)
	} else {
		t = tensor.New(v)
	}
	iv.leaves[path] = t
	return t
}

func (iv *invocation) dropout(x *tensor.Tensor, rate float64) *tensor.Tensor {
	if !iv.training {
		return x
	}
	return tensor.Dropout(x, rate, iv.rng)
}

func (iv *invocation) norm(prefix string, c NormConfig, x *tensor.Tensor) *tensor.Tensor {
	switch c.Kind {
	case NormLayerNorm:
		var bias *tensor.Tensor
		if c.Bias {
			bias = iv.param(prefix + "/bias")
		}
		return tensor.LayerNorm(x, iv.param(prefix+"/scale"), bias, c.Eps)
	case NormRMSNorm:
		return tensor.RMSNorm(x, iv.param(prefix+"/scale"), c.Eps)
	default:
		return x
	}
}

func (iv *invocation) linear(prefix string, x *tensor.Tensor, bias bool) *tensor.Tensor {
	y := tensor.MatMul(x, iv.param(prefix+"/weight"))
	if bias {
		y = tensor.AddRow(y, iv.param(prefix+"/bias"))
	}
	return y
}

// geometry carries the batch layout and masking of one attention call.
type geometry struct {
	batch, queryLen, keyLen int
	mask                    []bool
	bias                    *tensor.Tensor
}

func (iv *invocation) attention(prefix string, c AttentionConfig, query, kv *tensor.Tensor, g geometry) *tensor.Tensor {
	q := iv.linear(prefix+"/q_proj", query, c.Bias)
	k := iv.linear(prefix+"/k_proj", kv, c.Bias)
	v := iv.linear(prefix+"/v_proj", kv, c.Bias)
	_, dim := q.Dims()
	scale := 1.0
	if c.ScaleQuery {
		scale = 1 / math.Sqrt(float64(dim/c.NumHeads))
	}
	o := tensor.Attention(q, k, v, g.bias, tensor.AttentionSpec{
		Batch:    g.batch,
		QueryLen: g.queryLen,
		KeyLen:   g.keyLen,
		NumHeads: c.NumHeads,
		Scale:    scale,
		Mask:     g.mask,
	})
	return iv.linear(prefix+"/o_proj", o, c.Bias)
}

// attentionLayer applies attention with its norm and residual. A nil memory
// means self-attention.
func (iv *invocation) attentionLayer(prefix string, c AttentionLayerConfig, x, memory *tensor.Tensor, g geometry) *tensor.Tensor {
	switch c.Structure {
	case StructurePrenorm:
		h := iv.norm(prefix+"/norm", c.Norm, x)
		kv := memory
		if kv == nil {
			kv = h
		}
		a := iv.attention(prefix+"/attention", c.Attention, h, kv, g)
		return tensor.Add(x, iv.dropout(a, c.DropoutRate))
	default:
		kv := memory
		if kv == nil {
			kv = x
		}
		a := iv.attention(prefix+"/attention", c.Attention, x, kv, g)
		return iv.norm(prefix+"/norm", c.Norm, tensor.Add(x, iv.dropout(a, c.DropoutRate)))
	}
}

func (iv *invocation) feedForward(prefix string, c FeedForwardConfig, x *tensor.Tensor) *tensor.Tensor {
	switch c.Structure {
	case StructurePrenorm:
		h := iv.norm(prefix+"/norm", c.Norm, x)
		return tensor.Add(x, iv.dropout(iv.ffn(prefix, c, h), c.DropoutRate))
	default:
		y := iv.ffn(prefix, c, x)
		return iv.norm(prefix+"/norm", c.Norm, tensor.Add(x, iv.dropout(y, c.DropoutRate)))
	}
}

func (iv *invocation) ffn(prefix string, c FeedForwardConfig, x *tensor.Tensor) *tensor.Tensor {
	var h *tensor.Tensor
	if len(c.Activation) == 1 {
		h = activate(c.Activation[0], iv.linear(prefix+"/linear1", x, c.Bias))
	} else {
		for j, name := range c.Activation {
			branch := activate(name, iv.linear(fmt.Sprintf("%s/linear1_%d", prefix, j), x, c.Bias))
			if h == nil {
				h = branch
			} else {
				h = tensor.Mul(h, branch)
			}
		}
	}
	h = iv.dropout(h, c.DropoutRate)
	return iv.linear(prefix+"/linear2", h, c.Bias)
}

func activate(name string, x *tensor.Tensor) *tensor.Tensor {
	f, err := tensor.Activation(name)
	if err != nil {
		panic(err)
	}
	return f(x)
}

// sequence is one flattened side of the batch.
type sequence struct {
	batch, length int
	ids           []int
	segments      []int
	positions     []int
	tokenTypes    []int
}

// encoded is the encoder output the decoder attends to.
type encoded struct {
	hidden   *tensor.Tensor
	segments []int
	length   int
}

func (iv *invocation) embed(s stack, seq sequence) *tensor.Tensor {
	x := tensor.Gather(iv.param(iv.m.tokenEmbPath(s)), seq.ids)
	if s.emb.MaxPositionEmbeddings > 0 {
		x = tensor.Add(x, tensor.Gather(iv.param(s.prefix+"/emb/pos_emb/weight"), seq.positions))
	}
	if s.emb.TypeVocabSize > 0 {
		x = tensor.Add(x, tensor.Gather(iv.param(s.prefix+"/emb/type_emb/weight"), seq.tokenTypes))
	}
	x = iv.norm(s.prefix+"/emb/norm", s.emb.Norm, x)
	return iv.dropout(x, s.emb.DropoutRate)
}

// runStack embeds seq and applies every layer of s. memory is nil for the encoder.
func (iv *invocation) runStack(s stack, seq sequence, memory *encoded) *tensor.Tensor {
	x := iv.embed(s, seq)

	self := geometry{
		batch:    seq.batch,
		queryLen: seq.length,
		keyLen:   seq.length,
		mask:     attentionMask(seq.segments, seq.segments, seq.batch, seq.length, seq.length, s.causal),
	}
	if rp := s.relativePosEmb; rp != nil {
		buckets := relativeBuckets(seq.positions, seq.positions, seq.batch, seq.length, seq.length, !s.causal, *rp)
		self.bias = tensor.RelativeBias(iv.param(s.prefix+"/relative_pos_emb/weight"), buckets, seq.batch, seq.length, seq.length)
	}

	layer := s.transformer.Layer
	var cross geometry
	if layer.CrossAttention != nil {
		cross = geometry{
			batch:    seq.batch,
			queryLen: seq.length,
			keyLen:   memory.length,
			mask:     attentionMask(seq.segments, memory.segments, seq.batch, seq.length, memory.length, false),
		}
	}

	for i := 0; i < s.transformer.NumLayers; i++ {
		lp := layerPrefix(s.prefix, i)
		x = iv.attentionLayer(lp+"/self_attention", layer.SelfAttention, x, nil, self)
		if layer.CrossAttention != nil {
			x = iv.attentionLayer(lp+"/cross_attention", *layer.CrossAttention, x, memory.hidden, cross)
		}
		x = iv.feedForward(lp+"/feed_forward", layer.FeedForward, x)
	}
	return iv.norm(s.prefix+"/output_norm", s.outputNorm, x)
}

// logits projects decoder states onto the vocabulary.
func (iv *invocation) logits(h *tensor.Tensor) *tensor.Tensor {
	if iv.m.cfg.Decoder.LmHead != nil {
		return tensor.MatMulT(h, iv.param(lmHeadPath))
	}
	return tensor.MatMulT(h, iv.param(iv.m.tokenEmbPath(iv.m.cfg.Decoder.stack())))
}
