package hub

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// BertModel is the BERT encoder without the pooling layer.
type BertModel struct {
	Config     BertConfig
	Embeddings *BertEmbeddings
	Encoder    *BertEncoder
}

// NewBertModel builds a BERT encoder with hub initialization: normal weights
// with the configured range, zero biases, unit layer norms and a zeroed
// padding embedding.
func NewBertModel(config BertConfig, rng *rand.Rand) *BertModel {
	return &BertModel{
		Config:     config,
		Embeddings: NewBertEmbeddings(config, rng),
		Encoder:    NewBertEncoder(config, rng),
	}
}

// Forward encodes one sequence. attentionMask and tokenTypeIDs may be nil.
func (m *BertModel) Forward(inputIDs, tokenTypeIDs []int, attentionMask []float64) (*mat.Dense, error) {
	embeddings, err := m.Embeddings.Forward(inputIDs, tokenTypeIDs)
	if err != nil {
		return nil, err
	}
	return m.Encoder.Forward(embeddings, attentionMask), nil
}

// BertEmbeddings sums word, token type and position embeddings.
type BertEmbeddings struct {
	Config              BertConfig
	WordEmbeddings      *Embedding
	PositionEmbeddings  *Embedding
	TokenTypeEmbeddings *Embedding
	LayerNorm           *LayerNorm
}

func NewBertEmbeddings(config BertConfig, rng *rand.Rand) *BertEmbeddings {
	std := config.InitializerRange
	return &BertEmbeddings{
		Config:              config,
		WordEmbeddings:      newEmbedding(rng, config.VocabSize, config.HiddenSize, std, config.PadTokenID),
		PositionEmbeddings:  newEmbedding(rng, config.MaxPositionEmbeddings, config.HiddenSize, std, -1),
		TokenTypeEmbeddings: newEmbedding(rng, config.TypeVocabSize, config.HiddenSize, std, -1),
		LayerNorm:           newLayerNorm(config.HiddenSize, config.LayerNormEps),
	}
}

func (e *BertEmbeddings) Forward(inputIDs, tokenTypeIDs []int) (*mat.Dense, error) {
	n := len(inputIDs)
	if n > e.Config.MaxPositionEmbeddings {
		return nil, fmt.Errorf("sequence length %d exceeds max_position_embeddings %d", n, e.Config.MaxPositionEmbeddings)
	}
	if tokenTypeIDs == nil {
		tokenTypeIDs = make([]int, n)
	}
	positions := make([]int, n)
	for i := range positions {
		positions[i] = i
	}

	embeddings, err := e.WordEmbeddings.Forward(inputIDs)
	if err != nil {
		return nil, fmt.Errorf("word embeddings: %w", err)
	}
	tokenTypes, err := e.TokenTypeEmbeddings.Forward(tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("token type embeddings: %w", err)
	}
	positionEmbeds, err := e.PositionEmbeddings.Forward(positions)
	if err != nil {
		return nil, fmt.Errorf("position embeddings: %w", err)
	}
	embeddings.Add(embeddings, tokenTypes)
	embeddings.Add(embeddings, positionEmbeds)
	return e.LayerNorm.Forward(embeddings), nil
}

// BertEncoder is a stack of transformer layers.
type BertEncoder struct {
	Layers []*BertLayer
}

func NewBertEncoder(config BertConfig, rng *rand.Rand) *BertEncoder {
	layers := make([]*BertLayer, config.NumHiddenLayers)
	for i := range layers {
		layers[i] = NewBertLayer(config, rng)
	}
	return &BertEncoder{Layers: layers}
}

func (e *BertEncoder) Forward(hiddenStates *mat.Dense, attentionMask []float64) *mat.Dense {
	for _, layer := range e.Layers {
		hiddenStates = layer.Forward(hiddenStates, attentionMask)
	}
	return hiddenStates
}

// BertLayer is a single post-norm transformer block.
type BertLayer struct {
	Attention    *BertAttention
	Intermediate *BertIntermediate
	Output       *BertOutput
}

func NewBertLayer(config BertConfig, rng *rand.Rand) *BertLayer {
	return &BertLayer{
		Attention:    NewBertAttention(config, rng),
		Intermediate: NewBertIntermediate(config, rng),
		Output:       NewBertOutput(config, rng),
	}
}

func (l *BertLayer) Forward(hiddenStates *mat.Dense, attentionMask []float64) *mat.Dense {
	attentionOutput := l.Attention.Forward(hiddenStates, attentionMask)
	intermediate := l.Intermediate.Forward(attentionOutput)
	return l.Output.Forward(intermediate, attentionOutput)
}

// BertAttention is self-attention plus its output projection.
type BertAttention struct {
	Self   *BertSelfAttention
	Output *BertSelfOutput
}

func NewBertAttention(config BertConfig, rng *rand.Rand) *BertAttention {
	return &BertAttention{
		Self:   NewBertSelfAttention(config, rng),
		Output: NewBertSelfOutput(config, rng),
	}
}

func (a *BertAttention) Forward(hiddenStates *mat.Dense, attentionMask []float64) *mat.Dense {
	selfOutput := a.Self.Forward(hiddenStates, attentionMask)
	return a.Output.Forward(selfOutput, hiddenStates)
}

type BertSelfAttention struct {
	NumAttentionHeads int
	Query             *Linear
	Key               *Linear
	Value             *Linear
}

func NewBertSelfAttention(config BertConfig, rng *rand.Rand) *BertSelfAttention {
	h, std := config.HiddenSize, config.InitializerRange
	return &BertSelfAttention{
		NumAttentionHeads: config.NumAttentionHeads,
		Query:             newLinear(rng, h, h, std),
		Key:               newLinear(rng, h, h, std),
		Value:             newLinear(rng, h, h, std),
	}
}

func (s *BertSelfAttention) Forward(hiddenStates *mat.Dense, attentionMask []float64) *mat.Dense {
	q := s.Query.Forward(hiddenStates)
	k := s.Key.Forward(hiddenStates)
	v := s.Value.Forward(hiddenStates)
	return attend(q, k, v, s.NumAttentionHeads, attentionMask, false)
}

// BertSelfOutput projects attention output and applies the residual norm.
type BertSelfOutput struct {
	Dense     *Linear
	LayerNorm *LayerNorm
}

func NewBertSelfOutput(config BertConfig, rng *rand.Rand) *BertSelfOutput {
	return &BertSelfOutput{
		Dense:     newLinear(rng, config.HiddenSize, config.HiddenSize, config.InitializerRange),
		LayerNorm: newLayerNorm(config.HiddenSize, config.LayerNormEps),
	}
}

func (o *BertSelfOutput) Forward(hiddenStates, input *mat.Dense) *mat.Dense {
	h := o.Dense.Forward(hiddenStates)
	h.Add(h, input)
	return o.LayerNorm.Forward(h)
}

type BertIntermediate struct {
	Dense     *Linear
	HiddenAct string
}

func NewBertIntermediate(config BertConfig, rng *rand.Rand) *BertIntermediate {
	return &BertIntermediate{
		Dense:     newLinear(rng, config.HiddenSize, config.IntermediateSize, config.InitializerRange),
		HiddenAct: config.HiddenAct,
	}
}

func (i *BertIntermediate) Forward(hiddenStates *mat.Dense) *mat.Dense {
	h := i.Dense.Forward(hiddenStates)
	applyActivation(i.HiddenAct, h)
	return h
}

type BertOutput struct {
	Dense     *Linear
	LayerNorm *LayerNorm
}

func NewBertOutput(config BertConfig, rng *rand.Rand) *BertOutput {
	return &BertOutput{
		Dense:     newLinear(rng, config.IntermediateSize, config.HiddenSize, config.InitializerRange),
		LayerNorm: newLayerNorm(config.HiddenSize, config.LayerNormEps),
	}
}

func (o *BertOutput) Forward(hiddenStates, input *mat.Dense) *mat.Dense {
	h := o.Dense.Forward(hiddenStates)
	h.Add(h, input)
	return o.LayerNorm.Forward(h)
}
