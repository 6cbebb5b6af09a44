package export

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLogits() [][][]float64 {
	return [][][]float64{
		{{1, 2, 3}, {4, 5, 6}},
		{{-1, 0, 1}, {0.5, 0.25, 0.125}},
	}
}

func TestBuild(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	builder := NewLogitsBuilder(mem)

	t.Run("Empty input", func(t *testing.T) {
		_, err := builder.Build("hub", nil)
		assert.ErrorContains(t, err, "no logits")
	})

	t.Run("Ragged input", func(t *testing.T) {
		_, err := builder.Build("hub", [][][]float64{{{1, 2}, {3}}})
		assert.ErrorContains(t, err, "logits[0][1] has 1 entries, want 2")
	})

	t.Run("Valid input", func(t *testing.T) {
		rec, err := builder.Build("hub", sampleLogits())
		require.NoError(t, err)
		defer rec.Release()

		assert.Equal(t, int64(4), rec.NumRows())
		assert.Equal(t, int64(4), rec.NumCols())
		assert.Equal(t, ColLogits, rec.ColumnName(3))
		v, ok := rec.Schema().Metadata().GetValue("vocab_size")
		assert.True(t, ok)
		assert.Equal(t, "3", v)

		pos := rec.Column(2).(*array.Int32)
		assert.Equal(t, []int32{0, 1, 0, 1}, pos.Int32Values())
		list := rec.Column(3).(*array.FixedSizeList)
		assert.Equal(t, int32(3), list.DataType().(*arrow.FixedSizeListType).Len())
		values := list.ListValues().(*array.Float64)
		assert.Equal(t, 12, values.Len())
		assert.Equal(t, 0.125, values.Value(11))
	})
}

func TestWriteReadLogits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLogits(&buf, nil, "t5x_packed", sampleLogits()))

	check, got, err := ReadLogits(&buf)
	require.NoError(t, err)
	assert.Equal(t, "t5x_packed", check)
	assert.Equal(t, sampleLogits(), got)
}

func TestWriteLogitsError(t *testing.T) {
	var buf bytes.Buffer
	err := WriteLogits(&buf, nil, "tied", [][][]float64{{{}}})
	assert.ErrorContains(t, err, "export tied logits")
	assert.Zero(t, buf.Len())
}
