// Package export encodes analysis results as Arrow records for visualizers.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-surprisal/internal/analysis"
	"github.com/23skdu/longbow-surprisal/internal/stats"
)

// ContentType is the media type of an Arrow IPC stream.
const ContentType = "application/vnd.apache.arrow.stream"

// MetadataStatistics is the schema metadata key holding the JSON statistics.
const MetadataStatistics = "surprisal.statistics"

var fields = []arrow.Field{
	{Name: "position", Type: arrow.PrimitiveTypes.Int64},
	{Name: "token_id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "token_text", Type: arrow.BinaryTypes.String},
	{Name: "is_initial", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "rank", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "probability", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "cumulative_probability", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}

// Schema returns the results schema with st attached as metadata.
func Schema(st stats.Statistics) (*arrow.Schema, error) {
	body, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode statistics: %w", err)
	}
	md := arrow.NewMetadata([]string{MetadataStatistics}, []string{string(body)})
	return arrow.NewSchema(fields, &md), nil
}

// Record builds one record holding every result. The caller releases it.
func Record(mem memory.Allocator, results []analysis.Result, st stats.Statistics) (arrow.Record, error) {
	schema, err := Schema(st)
	if err != nil {
		return nil, err
	}

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	position := b.Field(0).(*array.Int64Builder)
	tokenID := b.Field(1).(*array.Int64Builder)
	text := b.Field(2).(*array.StringBuilder)
	initial := b.Field(3).(*array.BooleanBuilder)
	rk := b.Field(4).(*array.Int64Builder)
	prob := b.Field(5).(*array.Float64Builder)
	cum := b.Field(6).(*array.Float64Builder)

	for _, r := range results {
		position.Append(int64(r.Position))
		tokenID.Append(int64(r.TokenID))
		text.Append(r.TokenText)
		initial.Append(r.IsInitial)
		if p := r.Prediction; p != nil {
			rk.Append(int64(p.Rank))
			prob.Append(p.Probability)
			cum.Append(p.CumulativeProbability)
		} else {
			rk.AppendNull()
			prob.AppendNull()
			cum.AppendNull()
		}
	}

	return b.NewRecord(), nil
}

// WriteStream writes results as a single-batch Arrow IPC stream.
func WriteStream(w io.Writer, results []analysis.Result, st stats.Statistics) error {
	mem := memory.NewGoAllocator()
	rec, err := Record(mem, results, st)
	if err != nil {
		return err
	}
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("write record: %w", err)
	}
	return iw.Close()
}

// ReadStream decodes a stream written by WriteStream.
func ReadStream(r io.Reader) ([]analysis.Result, stats.Statistics, error) {
	var st stats.Statistics

	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, st, fmt.Errorf("open stream: %w", err)
	}
	defer rdr.Release()

	md := rdr.Schema().Metadata()
	if i := md.FindKey(MetadataStatistics); i >= 0 {
		if err := json.Unmarshal([]byte(md.Values()[i]), &st); err != nil {
			return nil, st, fmt.Errorf("decode statistics: %w", err)
		}
	}

	var results []analysis.Result
	for rdr.Next() {
		batch, err := decode(rdr.Record())
		if err != nil {
			return nil, st, err
		}
		results = append(results, batch...)
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, st, fmt.Errorf("read stream: %w", err)
	}
	return results, st, nil
}

func decode(rec arrow.Record) ([]analysis.Result, error) {
	if rec.NumCols() != int64(len(fields)) {
		return nil, fmt.Errorf("unexpected column count %d", rec.NumCols())
	}
	position, ok1 := rec.Column(0).(*array.Int64)
	tokenID, ok2 := rec.Column(1).(*array.Int64)
	text, ok3 := rec.Column(2).(*array.String)
	initial, ok4 := rec.Column(3).(*array.Boolean)
	rk, ok5 := rec.Column(4).(*array.Int64)
	prob, ok6 := rec.Column(5).(*array.Float64)
	cum, ok7 := rec.Column(6).(*array.Float64)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return nil, fmt.Errorf("unexpected schema: %s", rec.Schema())
	}

	out := make([]analysis.Result, rec.NumRows())
	for i := range out {
		out[i] = analysis.Result{
			Position:  int(position.Value(i)),
			TokenID:   int(tokenID.Value(i)),
			TokenText: strings.Clone(text.Value(i)),
			IsInitial: initial.Value(i),
		}
		if !rk.IsNull(i) {
			out[i].Prediction = &analysis.Prediction{
				Rank:                  int(rk.Value(i)),
				Probability:           prob.Value(i),
				CumulativeProbability: cum.Value(i),
			}
		}
	}
	return out, nil
}
