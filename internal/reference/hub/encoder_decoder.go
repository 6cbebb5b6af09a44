package hub

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// IgnoreIndex is the label value excluded from the loss.
const IgnoreIndex = -100

// EncoderDecoderModel is a BERT encoder feeding a cross-attending GPT-2
// decoder.
type EncoderDecoderModel struct {
	Config  EncoderDecoderConfig
	Encoder *BertModel
	Decoder *GPT2LMHeadModel
}

// NewEncoderDecoderModel validates config and initializes weights from seed.
func NewEncoderDecoderModel(config EncoderDecoderConfig, seed uint64) (*EncoderDecoderModel, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &EncoderDecoderModel{
		Config:  config,
		Encoder: NewBertModel(config.Encoder, rng),
		Decoder: NewGPT2LMHeadModel(config.Decoder, rng),
	}, nil
}

// ForwardInputs are batched inputs. Only InputIDs is required; the decoder
// inputs default to Labels shifted right.
type ForwardInputs struct {
	InputIDs        [][]int
	TokenTypeIDs    [][]int
	AttentionMask   [][]float64
	DecoderInputIDs [][]int
	Labels          [][]int
}

// Seq2SeqLMOutput holds decoder logits flattened to (Batch*Length, vocab).
type Seq2SeqLMOutput struct {
	Logits  *mat.Dense
	Loss    float64
	HasLoss bool
	Batch   int
	Length  int
}

// Forward runs the model in eval mode.
func (m *EncoderDecoderModel) Forward(in ForwardInputs) (*Seq2SeqLMOutput, error) {
	batch := len(in.InputIDs)
	if batch == 0 {
		return nil, errors.New("empty batch")
	}
	decoderInputs := in.DecoderInputIDs
	if decoderInputs == nil {
		if in.Labels == nil {
			return nil, errors.New("need decoder_input_ids or labels")
		}
		var err error
		if decoderInputs, err = m.shiftRight(in.Labels); err != nil {
			return nil, err
		}
	}
	if len(decoderInputs) != batch {
		return nil, fmt.Errorf("decoder batch %d != encoder batch %d", len(decoderInputs), batch)
	}
	length := len(decoderInputs[0])
	vocab := m.Config.Decoder.VocabSize
	logits := mat.NewDense(batch*length, vocab, nil)

	for b := 0; b < batch; b++ {
		if len(decoderInputs[b]) != length {
			return nil, fmt.Errorf("decoder row %d has length %d, want %d", b, len(decoderInputs[b]), length)
		}
		var tokenTypes []int
		if in.TokenTypeIDs != nil {
			tokenTypes = in.TokenTypeIDs[b]
		}
		var mask []float64
		if in.AttentionMask != nil {
			mask = in.AttentionMask[b]
		}
		hidden, err := m.Encoder.Forward(in.InputIDs[b], tokenTypes, mask)
		if err != nil {
			return nil, fmt.Errorf("encoder row %d: %w", b, err)
		}
		out, err := m.Decoder.Forward(decoderInputs[b], hidden, mask)
		if err != nil {
			return nil, fmt.Errorf("decoder row %d: %w", b, err)
		}
		logits.Slice(b*length, (b+1)*length, 0, vocab).(*mat.Dense).Copy(out)
	}

	res := &Seq2SeqLMOutput{Logits: logits, Batch: batch, Length: length}
	if in.Labels != nil {
		loss, err := crossEntropy(logits, in.Labels, length)
		if err != nil {
			return nil, err
		}
		res.Loss, res.HasLoss = loss, true
	}
	return res, nil
}

func (m *EncoderDecoderModel) shiftRight(labels [][]int) ([][]int, error) {
	out := make([][]int, len(labels))
	for b, row := range labels {
		shifted := make([]int, len(row))
		if len(row) > 0 {
			shifted[0] = m.Config.DecoderStartTokenID
			copy(shifted[1:], row[:len(row)-1])
		}
		for i, id := range shifted {
			if id != IgnoreIndex {
				continue
			}
			if m.Config.PadTokenID < 0 {
				return nil, errors.New("labels contain -100 but pad_token_id is unset")
			}
			shifted[i] = m.Config.PadTokenID
		}
		out[b] = shifted
	}
	return out, nil
}

// crossEntropy is the mean token loss over labels that are not IgnoreIndex.
func crossEntropy(logits *mat.Dense, labels [][]int, length int) (float64, error) {
	var total float64
	var n int
	for b, row := range labels {
		if len(row) != length {
			return 0, fmt.Errorf("label row %d has length %d, want %d", b, len(row), length)
		}
		for t, y := range row {
			if y == IgnoreIndex {
				continue
			}
			x := logits.RawRowView(b*length + t)
			if y < 0 || y >= len(x) {
				return 0, fmt.Errorf("label %d out of range for vocab %d", y, len(x))
			}
			total += floats.LogSumExp(x) - x[y]
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}
