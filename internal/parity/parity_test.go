package parity

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/convert"
	"github.com/23skdu/longbow-quiver/internal/fixture"
	"github.com/23skdu/longbow-quiver/internal/verify"
)

const testdataDir = "testdata"

func TestEncoderDecoder_TiedLmHeadDiffersFromUntied(t *testing.T) {
	o := DefaultTiedHeadOptions()

	tied, untied, err := NewTiedHeadPair(o)
	require.NoError(t, err)
	assert.NotContains(t, tied.InitializeParameters(o.InitSeed).Paths(), "decoder/lm_head/weight")
	assert.Contains(t, untied.InitializeParameters(o.InitSeed).Paths(), "decoder/lm_head/weight")

	report, err := CheckTiedHead(context.Background(), o)
	require.NoError(t, err)
	assert.Greater(t, report.LogitsMaxAbsDiff, 1e-3)
	assert.Greater(t, report.GradMaxAbsDiff, 1e-3)
	assert.Greater(t, report.SyncedGradMaxAbsDiff, 1e-3)
	// Every other parameter is drawn from the same per-path stream, so a
	// synced head reproduces the tied logits exactly.
	assert.Zero(t, report.SyncedLogitsMaxAbsDiff)
}

func TestAgainstHub_Basic(t *testing.T) {
	o := DefaultHubOptions()
	report, err := CheckAgainstHub(context.Background(), o)
	require.NoError(t, err)

	r, c := report.Logits.Dims()
	assert.Equal(t, o.BatchSize*o.TargetLen, r)
	assert.Equal(t, o.VocabSize, c)
	assert.Equal(t, 3, report.Batch)
	assert.Equal(t, 4, report.Length)
	assert.Less(t, report.LogitsMaxAbsDiff, 5e-6)
	assert.InDelta(t, report.HubLoss, report.Loss, 1e-6)
	assert.Greater(t, report.Loss, 0.0)
}

func TestAgainstHub_Gelu(t *testing.T) {
	o := DefaultHubOptions()
	o.DecoderActivation = "gelu_new"
	o.InitSeed = 9
	_, err := CheckAgainstHub(context.Background(), o)
	require.NoError(t, err)
}

func TestAgainstHub_DetectsPerturbedParameter(t *testing.T) {
	o := DefaultHubOptions()
	ref, m, err := NewHubPair(o)
	require.NoError(t, err)
	state, err := convert.ParametersFromHub(ref.StateDict(), m)
	require.NoError(t, err)

	_, err = compareHub(o, ref, m, state)
	require.NoError(t, err)

	// The head is tied, so vocabulary entry 0 moves at every position.
	emb := state[tokenEmbPath]
	emb.Set(0, 0, emb.At(0, 0)+0.5)
	report, err := compareHub(o, ref, m, state)
	require.Error(t, err)
	assert.ErrorContains(t, err, "logits:")
	var mismatch *verify.MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Greater(t, mismatch.Mismatches, 0)
	assert.Greater(t, report.LogitsMaxAbsDiff, 1e-3)
}

func TestDiffer(t *testing.T) {
	a := []float64{0.1, 0.2, 0.3}
	d, err := differ("logits", a, []float64{0.1, 0.2, 0.3 + 1e-9})
	assert.ErrorIs(t, err, ErrTooClose)
	assert.ErrorContains(t, err, "logits: results are unexpectedly close")
	assert.InDelta(t, 1e-9, d, 1e-12)

	d, err = differ("logits", a, []float64{0.1, 0.25, 0.3})
	assert.NoError(t, err)
	assert.InDelta(t, 0.05, d, 1e-12)
}

func TestAgainstT5X(t *testing.T) {
	for _, packing := range []bool{false, true} {
		t.Run(map[bool]string{false: "unpacked", true: "packed"}[packing], func(t *testing.T) {
			report, err := CheckAgainstFixture(context.Background(), testdataDir, packing, DefaultT5XOptions())
			require.NoError(t, err)
			assert.Equal(t, packing, report.Packing)
			assert.Len(t, report.Logits, 2)
			assert.Len(t, report.Logits[0], 8)
			assert.Len(t, report.Logits[0][0], 48)
			assert.Less(t, report.MaskedMaxAbsDiff, 1e-6)
		})
	}
}

func TestAgainstT5X_MaskedComparison(t *testing.T) {
	src, err := fixture.Load(fixture.Path(testdataDir, "encoder_decoder_test", false))
	require.NoError(t, err)
	batch, length := src.PaddingMask.Shape[0], src.PaddingMask.Shape[1]
	vocab := src.Outputs.Shape[2]

	// First padded and first live target position.
	padded, live := -1, -1
	for i, v := range src.PaddingMask.Data {
		if v == 0 && padded < 0 {
			padded = i
		}
		if v != 0 && live < 0 {
			live = i
		}
	}
	require.GreaterOrEqual(t, padded, 0, "fixture has no padding")
	require.GreaterOrEqual(t, live, 0)
	require.Less(t, padded, batch*length)

	tests := []struct {
		name     string
		position int
		wantErr  bool
	}{
		{"padded position ignored", padded, false},
		{"live position compared", live, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, err := fixture.Load(fixture.Path(testdataDir, "encoder_decoder_test", false))
			require.NoError(t, err)
			tc.Outputs.Data[tt.position*vocab+3] += 10

			dir := t.TempDir()
			require.NoError(t, fixture.Save(fixture.Path(dir, "encoder_decoder_test", false), tc))

			report, err := CheckAgainstFixture(context.Background(), dir, false, DefaultT5XOptions())
			if !tt.wantErr {
				require.NoError(t, err)
				assert.Less(t, report.MaskedMaxAbsDiff, 1e-6)
				return
			}
			require.Error(t, err)
			assert.ErrorContains(t, err, "masked logits")
			var mismatch *verify.MismatchError
			require.True(t, errors.As(err, &mismatch))
			assert.InDelta(t, 10, report.MaskedMaxAbsDiff, 1e-3)
		})
	}
}

func TestAgainstT5X_MissingFixture(t *testing.T) {
	_, err := CheckAgainstFixture(context.Background(), t.TempDir(), true, DefaultT5XOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestAgainstT5X_WrongSizes(t *testing.T) {
	o := DefaultT5XOptions()
	o.NumEncoderLayers = 3
	_, err := CheckAgainstFixture(context.Background(), testdataDir, false, o)
	assert.ErrorContains(t, err, `"encoder/layers_3/mlp/wo/kernel" has no destination`)
}

func TestRandomIDs(t *testing.T) {
	a := RandomIDs(101, 3, 11, 0, 24)
	b := RandomIDs(101, 3, 11, 0, 24)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, RandomIDs(102, 3, 11, 0, 24))
	require.Len(t, a, 3)
	for _, row := range a {
		require.Len(t, row, 11)
		for _, id := range row {
			assert.GreaterOrEqual(t, id, 0)
			assert.Less(t, id, 24)
		}
	}
	for _, row := range RandomIDs(1, 2, 50, 1, 3) {
		for _, id := range row {
			assert.Contains(t, []int{1, 2}, id)
		}
	}
	assert.Equal(t, [][]int{{1, 1}, {1, 1}}, Constant(1, 2, 2))
}
