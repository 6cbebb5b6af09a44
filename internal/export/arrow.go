// Package export writes check logits as Arrow IPC streams, one row per
// (batch, position) with the vocabulary logits as a fixed size list.
package export

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Column names of a logits record.
const (
	ColCheck    = "check"
	ColBatch    = "batch"
	ColPosition = "position"
	ColLogits   = "logits"
)

// LogitsBuilder creates logits records.
type LogitsBuilder struct {
	mem memory.Allocator
}

// NewLogitsBuilder creates a builder. A nil allocator uses the Go allocator.
func NewLogitsBuilder(mem memory.Allocator) *LogitsBuilder {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return &LogitsBuilder{mem: mem}
}

// Schema returns the logits schema for a vocabulary of size vocab.
func Schema(vocab int) *arrow.Schema {
	md := arrow.NewMetadata([]string{"vocab_size"}, []string{strconv.Itoa(vocab)})
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: ColCheck, Type: arrow.BinaryTypes.String},
			{Name: ColBatch, Type: arrow.PrimitiveTypes.Int32},
			{Name: ColPosition, Type: arrow.PrimitiveTypes.Int32},
			{Name: ColLogits, Type: arrow.FixedSizeListOf(int32(vocab), arrow.PrimitiveTypes.Float64)},
		},
		&md,
	)
}

// Build converts (batch, length, vocab) logits into a record. The caller
// releases the result.
func (b *LogitsBuilder) Build(check string, logits [][][]float64) (arrow.RecordBatch, error) {
	if len(logits) == 0 || len(logits[0]) == 0 {
		return nil, errors.New("no logits to export")
	}
	vocab := len(logits[0][0])
	if vocab == 0 {
		return nil, errors.New("logits have an empty vocabulary axis")
	}
	schema := Schema(vocab)

	checkB := array.NewStringBuilder(b.mem)
	defer checkB.Release()
	batchB := array.NewInt32Builder(b.mem)
	defer batchB.Release()
	posB := array.NewInt32Builder(b.mem)
	defer posB.Release()
	listB := array.NewFixedSizeListBuilder(b.mem, int32(vocab), arrow.PrimitiveTypes.Float64)
	defer listB.Release()
	valB := listB.ValueBuilder().(*array.Float64Builder)

	var rows int64
	for i, seq := range logits {
		for t, row := range seq {
			if len(row) != vocab {
				return nil, fmt.Errorf("logits[%d][%d] has %d entries, want %d", i, t, len(row), vocab)
			}
			checkB.Append(check)
			batchB.Append(int32(i))
			posB.Append(int32(t))
			listB.Append(true)
			valB.AppendValues(row, nil)
			rows++
		}
	}

	cols := []arrow.Array{checkB.NewArray(), batchB.NewArray(), posB.NewArray(), listB.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(schema, cols, rows), nil
}

// WriteStream writes rec as an IPC stream to w.
func WriteStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// WriteLogits builds and writes one logits stream.
func WriteLogits(w io.Writer, mem memory.Allocator, check string, logits [][][]float64) error {
	rec, err := NewLogitsBuilder(mem).Build(check, logits)
	if err != nil {
		return fmt.Errorf("export %s logits: %w", check, err)
	}
	defer rec.Release()
	if err := WriteStream(w, rec); err != nil {
		return fmt.Errorf("write %s logits: %w", check, err)
	}
	return nil
}

// ReadLogits reads a stream written by WriteLogits back into nested form.
func ReadLogits(r io.Reader) (check string, logits [][][]float64, err error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return "", nil, err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()
		checks := rec.Column(0).(*array.String)
		batches := rec.Column(1).(*array.Int32)
		positions := rec.Column(2).(*array.Int32)
		list := rec.Column(3).(*array.FixedSizeList)
		values := list.ListValues().(*array.Float64)
		vocab := int(list.DataType().(*arrow.FixedSizeListType).Len())

		for i := 0; i < int(rec.NumRows()); i++ {
			check = checks.Value(i)
			b, t := int(batches.Value(i)), int(positions.Value(i))
			for len(logits) <= b {
				logits = append(logits, nil)
			}
			for len(logits[b]) <= t {
				logits[b] = append(logits[b], nil)
			}
			row := make([]float64, vocab)
			off := list.Offset() + i
			for v := range row {
				row[v] = values.Value(off*vocab + v)
			}
			logits[b][t] = row
		}
	}
	return check, logits, reader.Err()
}
