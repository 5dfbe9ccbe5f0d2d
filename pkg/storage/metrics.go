package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"

	"github.com/trackflow/trackflow/internal/model"
)

// The columnar store is a sequence of immutable Parquet part files.
// Each AppendMetrics call writes exactly one part (temp file + rename),
// so readers only ever see complete parts and nothing already written
// is rewritten. The schema grows as new metric names appear: a name's
// column type is pinned when it is first seen, and rows without a name
// carry a null in that column.

// metricsWriter tracks the run's evolving schema and part sequence.
type metricsWriter struct {
	dir     string
	nextIdx int
	schema  *schemaTracker
}

func newMetricsWriter(dir string) *metricsWriter {
	return &metricsWriter{dir: dir, schema: newSchemaTracker()}
}

func (w *metricsWriter) appendPart(rows []model.MetricRow) error {
	if len(rows) == 0 {
		return nil
	}
	w.schema.observe(rows)

	rec := w.schema.buildRecord(rows)
	defer rec.Release()

	path := filepath.Join(w.dir, fmt.Sprintf("part-%05d.parquet", w.nextIdx))
	if err := writeParquetAtomic(path, rec); err != nil {
		return err
	}
	w.nextIdx++
	return nil
}

// schemaTracker pins one Arrow type per metric name, in first-seen
// order. Numeric values map to float64, the rest keep their own type.
type schemaTracker struct {
	order []string
	types map[string]arrow.DataType
}

func newSchemaTracker() *schemaTracker {
	return &schemaTracker{types: make(map[string]arrow.DataType)}
}

func (t *schemaTracker) observe(rows []model.MetricRow) {
	for _, row := range rows {
		// Map iteration is unordered; sort the fresh names so column
		// order is deterministic.
		var fresh []string
		for name := range row.Values {
			if _, ok := t.types[name]; !ok {
				fresh = append(fresh, name)
			}
		}
		sort.Strings(fresh)
		for _, name := range fresh {
			t.order = append(t.order, name)
			t.types[name] = columnType(row.Values[name])
		}
	}
}

func columnType(v model.Value) arrow.DataType {
	switch v.Kind() {
	case model.KindFloat, model.KindInt:
		return arrow.PrimitiveTypes.Float64
	case model.KindBool:
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

func (t *schemaTracker) arrowSchema() *arrow.Schema {
	fields := []arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "timestamp", Type: &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}, Nullable: false},
	}
	for _, name := range t.order {
		fields = append(fields, arrow.Field{Name: name, Type: t.types[name], Nullable: true})
	}
	return arrow.NewSchema(fields, nil)
}

func (t *schemaTracker) buildRecord(rows []model.MetricRow) arrow.Record {
	alloc := memory.NewGoAllocator()
	schema := t.arrowSchema()

	stepB := array.NewInt64Builder(alloc)
	defer stepB.Release()
	tsB := array.NewTimestampBuilder(alloc, &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"})
	defer tsB.Release()

	builders := make([]array.Builder, len(t.order))
	for i, name := range t.order {
		switch t.types[name] {
		case arrow.PrimitiveTypes.Float64:
			builders[i] = array.NewFloat64Builder(alloc)
		case arrow.FixedWidthTypes.Boolean:
			builders[i] = array.NewBooleanBuilder(alloc)
		default:
			builders[i] = array.NewStringBuilder(alloc)
		}
		defer builders[i].Release()
	}

	for _, row := range rows {
		if row.Step != nil {
			stepB.Append(*row.Step)
		} else {
			stepB.AppendNull()
		}
		tsB.Append(arrow.Timestamp(row.Timestamp.UnixMicro()))

		for i, name := range t.order {
			v, ok := row.Values[name]
			if !ok {
				builders[i].AppendNull()
				continue
			}
			switch b := builders[i].(type) {
			case *array.Float64Builder:
				if f, ok := v.AsFloat(); ok {
					b.Append(f)
				} else {
					b.AppendNull()
				}
			case *array.BooleanBuilder:
				if bv, ok := v.AsBool(); ok {
					b.Append(bv)
				} else {
					b.AppendNull()
				}
			case *array.StringBuilder:
				b.Append(v.String())
			}
		}
	}

	cols := make([]arrow.Array, 0, len(builders)+2)
	cols = append(cols, stepB.NewArray(), tsB.NewArray())
	for _, b := range builders {
		cols = append(cols, b.NewArray())
	}
	rec := array.NewRecord(schema, cols, int64(len(rows)))
	for _, c := range cols {
		c.Release()
	}
	return rec
}

func writeParquetAtomic(path string, rec arrow.Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	w, err := pqarrow.NewFileWriter(rec.Schema(), tmp, writerProps, arrowProps)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("create parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write record batch: %w", err)
	}
	if err := w.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return os.Rename(tmpPath, path)
}

// WriteMetricsFile writes rows as a single parquet file with a schema
// derived from the union of their metric names. Used by compaction.
func WriteMetricsFile(path string, rows []model.MetricRow) error {
	tracker := newSchemaTracker()
	tracker.observe(rows)
	rec := tracker.buildRecord(rows)
	defer rec.Release()
	return writeParquetAtomic(path, rec)
}

// StoredRow is one metric row read back from the columnar store.
// Metrics that were absent for the row do not appear in Values at all.
type StoredRow struct {
	Step      *int64
	Timestamp time.Time
	Values    map[string]any
}

// ReadMetrics reads the run's full metric history in persisted row
// order, across the compacted file and any live part files.
func ReadMetrics(runPath string) ([]StoredRow, error) {
	files, err := MetricsFiles(runPath)
	if err != nil {
		return nil, err
	}
	var rows []StoredRow
	for _, path := range files {
		part, err := readParquetRows(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
		rows = append(rows, part...)
	}
	return rows, nil
}

// ToMetricRows converts stored rows back into loggable rows, for
// compaction.
func ToMetricRows(stored []StoredRow) []model.MetricRow {
	rows := make([]model.MetricRow, len(stored))
	for i, s := range stored {
		values := make(map[string]model.Value, len(s.Values))
		for k, v := range s.Values {
			values[k] = model.ValueOf(v)
		}
		rows[i] = model.MetricRow{Step: s.Step, Timestamp: s.Timestamp, Values: values}
	}
	return rows
}

// ReadMetricsFile reads the rows of a single parquet file, in order.
func ReadMetricsFile(path string) ([]StoredRow, error) {
	return readParquetRows(path)
}

func readParquetRows(path string) ([]StoredRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader, err := file.NewParquetReader(f)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	arrowReader, err := pqarrow.NewFileReader(reader, pqarrow.ArrowReadProperties{BatchSize: 8192}, memory.DefaultAllocator)
	if err != nil {
		return nil, err
	}
	table, err := arrowReader.ReadTable(context.Background())
	if err != nil {
		return nil, err
	}
	defer table.Release()

	n := int(table.NumRows())
	rows := make([]StoredRow, n)
	for i := range rows {
		rows[i].Values = make(map[string]any)
	}

	for ci := 0; ci < int(table.NumCols()); ci++ {
		name := table.Schema().Field(ci).Name
		ri := 0
		for _, chunk := range table.Column(ci).Data().Chunks() {
			for i := 0; i < chunk.Len(); i++ {
				if !chunk.IsNull(i) {
					setCell(&rows[ri], name, chunk, i)
				}
				ri++
			}
		}
	}
	return rows, nil
}

func setCell(row *StoredRow, name string, chunk arrow.Array, i int) {
	switch name {
	case "step":
		if a, ok := chunk.(*array.Int64); ok {
			s := a.Value(i)
			row.Step = &s
			return
		}
	case "timestamp":
		if a, ok := chunk.(*array.Timestamp); ok {
			row.Timestamp = time.UnixMicro(int64(a.Value(i))).UTC()
			return
		}
	}
	switch a := chunk.(type) {
	case *array.Float64:
		row.Values[name] = a.Value(i)
	case *array.Int64:
		row.Values[name] = a.Value(i)
	case *array.Boolean:
		row.Values[name] = a.Value(i)
	case *array.String:
		row.Values[name] = a.Value(i)
	}
}
