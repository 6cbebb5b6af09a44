package hub

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// GPT2LMHeadModel is GPT-2 with a language-model head tied to the token
// embedding.
type GPT2LMHeadModel struct {
	Config      GPT2Config
	Transformer *GPT2Model
}

// NewGPT2LMHeadModel builds GPT-2 with hub initialization. Residual output
// projections use a std scaled by 1/sqrt(2*n_layer).
func NewGPT2LMHeadModel(config GPT2Config, rng *rand.Rand) *GPT2LMHeadModel {
	return &GPT2LMHeadModel{Config: config, Transformer: NewGPT2Model(config, rng)}
}

// LMHeadWeight returns the (vocab, n_embd) output projection.
func (m *GPT2LMHeadModel) LMHeadWeight() *mat.Dense {
	return m.Transformer.WTE.Weight
}

// Forward returns (len(inputIDs), vocab) logits. encoderHidden is required
// when the config adds cross attention.
func (m *GPT2LMHeadModel) Forward(inputIDs []int, encoderHidden *mat.Dense, encoderMask []float64) (*mat.Dense, error) {
	h, err := m.Transformer.Forward(inputIDs, encoderHidden, encoderMask)
	if err != nil {
		return nil, err
	}
	r, _ := h.Dims()
	logits := mat.NewDense(r, m.Config.VocabSize, nil)
	logits.Mul(h, m.LMHeadWeight().T())
	return logits, nil
}

// GPT2Model is the GPT-2 transformer body.
type GPT2Model struct {
	Config GPT2Config
	WTE    *Embedding
	WPE    *Embedding
	H      []*GPT2Block
	LnF    *LayerNorm
}

func NewGPT2Model(config GPT2Config, rng *rand.Rand) *GPT2Model {
	std := config.InitializerRange
	m := &GPT2Model{
		Config: config,
		WTE:    newEmbedding(rng, config.VocabSize, config.NEmbd, std, -1),
		WPE:    newEmbedding(rng, config.NPositions, config.NEmbd, std, -1),
		H:      make([]*GPT2Block, config.NLayer),
		LnF:    newLayerNorm(config.NEmbd, config.LayerNormEpsilon),
	}
	for i := range m.H {
		m.H[i] = NewGPT2Block(config, rng)
	}
	return m
}

func (m *GPT2Model) Forward(inputIDs []int, encoderHidden *mat.Dense, encoderMask []float64) (*mat.Dense, error) {
	n := len(inputIDs)
	if n > m.Config.NPositions {
		return nil, fmt.Errorf("sequence length %d exceeds n_positions %d", n, m.Config.NPositions)
	}
	if m.Config.AddCrossAttention && encoderHidden == nil {
		return nil, fmt.Errorf("cross attention needs encoder hidden states")
	}
	positions := make([]int, n)
	for i := range positions {
		positions[i] = i
	}
	h, err := m.WTE.Forward(inputIDs)
	if err != nil {
		return nil, fmt.Errorf("wte: %w", err)
	}
	p, err := m.WPE.Forward(positions)
	if err != nil {
		return nil, fmt.Errorf("wpe: %w", err)
	}
	h.Add(h, p)
	for _, block := range m.H {
		h = block.Forward(h, encoderHidden, encoderMask)
	}
	return m.LnF.Forward(h), nil
}

// GPT2Block is a pre-norm block with optional cross attention.
type GPT2Block struct {
	Ln1            *LayerNorm
	Attn           *GPT2Attention
	LnCrossAttn    *LayerNorm
	CrossAttention *GPT2Attention
	Ln2            *LayerNorm
	MLP            *GPT2MLP
}

func NewGPT2Block(config GPT2Config, rng *rand.Rand) *GPT2Block {
	b := &GPT2Block{
		Ln1:  newLayerNorm(config.NEmbd, config.LayerNormEpsilon),
		Attn: NewGPT2Attention(config, rng, false),
		Ln2:  newLayerNorm(config.NEmbd, config.LayerNormEpsilon),
	}
	if config.AddCrossAttention {
		b.CrossAttention = NewGPT2Attention(config, rng, true)
		b.LnCrossAttn = newLayerNorm(config.NEmbd, config.LayerNormEpsilon)
	}
	b.MLP = NewGPT2MLP(config, rng)
	return b
}

func (b *GPT2Block) Forward(h, encoderHidden *mat.Dense, encoderMask []float64) *mat.Dense {
	a := b.Attn.Forward(b.Ln1.Forward(h), nil, nil)
	a.Add(a, h)
	h = a
	if b.CrossAttention != nil {
		c := b.CrossAttention.Forward(b.LnCrossAttn.Forward(h), encoderHidden, encoderMask)
		c.Add(h, c)
		h = c
	}
	f := b.MLP.Forward(b.Ln2.Forward(h))
	f.Add(h, f)
	return f
}

// GPT2Attention is causal self-attention with a fused c_attn, or cross
// attention with a q_attn projection and c_attn producing keys and values.
type GPT2Attention struct {
	NumHeads         int
	IsCrossAttention bool
	CAttn            *Conv1D
	QAttn            *Conv1D
	CProj            *Conv1D
}

func NewGPT2Attention(config GPT2Config, rng *rand.Rand, cross bool) *GPT2Attention {
	d, std := config.NEmbd, config.InitializerRange
	a := &GPT2Attention{NumHeads: config.NHead, IsCrossAttention: cross}
	if cross {
		a.CAttn = newConv1D(rng, d, 2*d, std)
		a.QAttn = newConv1D(rng, d, d, std)
	} else {
		a.CAttn = newConv1D(rng, d, 3*d, std)
	}
	a.CProj = newConv1D(rng, d, d, std/math.Sqrt(2*float64(config.NLayer)))
	return a
}

func (a *GPT2Attention) Forward(h, encoderHidden *mat.Dense, encoderMask []float64) *mat.Dense {
	_, d := h.Dims()
	var q, k, v *mat.Dense
	if a.IsCrossAttention {
		q = a.QAttn.Forward(h)
		kv := a.CAttn.Forward(encoderHidden)
		r, _ := kv.Dims()
		k = mat.DenseCopyOf(kv.Slice(0, r, 0, d))
		v = mat.DenseCopyOf(kv.Slice(0, r, d, 2*d))
	} else {
		qkv := a.CAttn.Forward(h)
		r, _ := qkv.Dims()
		q = mat.DenseCopyOf(qkv.Slice(0, r, 0, d))
		k = mat.DenseCopyOf(qkv.Slice(0, r, d, 2*d))
		v = mat.DenseCopyOf(qkv.Slice(0, r, 2*d, 3*d))
	}
	ctx := attend(q, k, v, a.NumHeads, encoderMask, !a.IsCrossAttention)
	return a.CProj.Forward(ctx)
}

type GPT2MLP struct {
	CFc            *Conv1D
	CProj          *Conv1D
	ActivationFunc string
}

func NewGPT2MLP(config GPT2Config, rng *rand.Rand) *GPT2MLP {
	std := config.InitializerRange
	return &GPT2MLP{
		CFc:            newConv1D(rng, config.NEmbd, config.inner(), std),
		CProj:          newConv1D(rng, config.inner(), config.NEmbd, std/math.Sqrt(2*float64(config.NLayer))),
		ActivationFunc: config.ActivationFunc,
	}
}

func (m *GPT2MLP) Forward(h *mat.Dense) *mat.Dense {
	x := m.CFc.Forward(h)
	applyActivation(m.ActivationFunc, x)
	return m.CProj.Forward(x)
}
