package columnar

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/errors"
)

// parquetWriter serializes gold records through an Arrow record builder
// into a Parquet file.
type parquetWriter struct {
	config         *WriterConfig
	fields         []consolidate.Field
	arrowSchema    *arrow.Schema
	fileWriter     *pqarrow.FileWriter
	recordBuilder  *array.RecordBuilder
	currentBatch   int
	recordsWritten int64
	mu             sync.Mutex
}

func newParquetWriter(w io.Writer, config *WriterConfig) (*parquetWriter, error) {
	fields := effectiveFields(config)
	arrowSchema, err := arrowSchemaFor(fields)
	if err != nil {
		return nil, err
	}

	pool := memory.NewGoAllocator()
	props := parquet.NewWriterProperties(
		parquet.WithCompression(parquetCompression(config.Compression)),
		parquet.WithDictionaryDefault(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(pool))

	fw, err := pqarrow.NewFileWriter(arrowSchema, w, props, arrowProps)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "creating parquet writer")
	}

	return &parquetWriter{
		config:        config,
		fields:        fields,
		arrowSchema:   arrowSchema,
		fileWriter:    fw,
		recordBuilder: array.NewRecordBuilder(pool, arrowSchema),
	}, nil
}

func (pw *parquetWriter) WriteRecord(record *consolidate.GoldRecord) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	for i, field := range pw.fields {
		if err := pw.appendValue(i, record.Values[field.Name]); err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "appending parquet value").
				WithDetail("field", field.Name)
		}
	}
	pw.currentBatch++

	if pw.currentBatch >= pw.config.BatchSize {
		return pw.flushBatch()
	}
	return nil
}

func (pw *parquetWriter) WriteRecords(records []*consolidate.GoldRecord) error {
	for _, record := range records {
		if err := pw.WriteRecord(record); err != nil {
			return err
		}
	}
	return nil
}

func (pw *parquetWriter) Flush() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.flushBatch()
}

func (pw *parquetWriter) Close() error {
	if err := pw.Flush(); err != nil {
		return err
	}
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if err := pw.fileWriter.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "closing parquet writer")
	}
	return nil
}

func (pw *parquetWriter) Format() Format { return Parquet }

func (pw *parquetWriter) RecordsWritten() int64 {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return pw.recordsWritten + int64(pw.currentBatch)
}

func (pw *parquetWriter) flushBatch() error {
	if pw.currentBatch == 0 {
		return nil
	}
	record := pw.recordBuilder.NewRecord()
	defer record.Release()

	if err := pw.fileWriter.WriteBuffered(record); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "writing parquet batch")
	}
	pw.recordsWritten += int64(pw.currentBatch)
	pw.currentBatch = 0
	return nil
}

func (pw *parquetWriter) appendValue(colIdx int, value interface{}) error {
	builder := pw.recordBuilder.Field(colIdx)
	if value == nil {
		builder.AppendNull()
		return nil
	}

	switch b := builder.(type) {
	case *array.StringBuilder:
		if v, ok := value.(string); ok {
			b.Append(v)
		} else {
			b.Append(fmt.Sprintf("%v", value))
		}

	case *array.Int64Builder:
		switch v := value.(type) {
		case int:
			b.Append(int64(v))
		case int32:
			b.Append(int64(v))
		case int64:
			b.Append(v)
		default:
			b.AppendNull()
		}

	case *array.Float64Builder:
		switch v := value.(type) {
		case float32:
			b.Append(float64(v))
		case float64:
			b.Append(v)
		default:
			b.AppendNull()
		}

	case *array.BooleanBuilder:
		if v, ok := value.(bool); ok {
			b.Append(v)
		} else {
			b.AppendNull()
		}

	case *array.Date32Builder:
		if v, ok := value.(time.Time); ok {
			b.Append(arrow.Date32FromTime(v))
		} else {
			b.AppendNull()
		}

	case *array.TimestampBuilder:
		if v, ok := value.(time.Time); ok {
			b.Append(arrow.Timestamp(v.UnixNano()))
		} else {
			b.AppendNull()
		}

	default:
		return errors.Newf(errors.ErrorTypeInternal, "unsupported builder type: %T", builder)
	}
	return nil
}

// arrowSchemaFor maps gold-table fields to an Arrow schema. Identifier-like
// types (cnpj, enum) serialize as strings.
func arrowSchemaFor(fields []consolidate.Field) (*arrow.Schema, error) {
	arrowFields := make([]arrow.Field, 0, len(fields))
	for _, field := range fields {
		dt, err := arrowTypeFor(field.Type)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "converting schema field").
				WithDetail("field", field.Name)
		}
		arrowFields = append(arrowFields, arrow.Field{
			Name:     field.Name,
			Type:     dt,
			Nullable: field.Nullable,
		})
	}
	return arrow.NewSchema(arrowFields, nil), nil
}

func arrowTypeFor(t consolidate.FieldType) (arrow.DataType, error) {
	switch t {
	case consolidate.FieldTypeString, consolidate.FieldTypeCNPJ, consolidate.FieldTypeEnum:
		return arrow.BinaryTypes.String, nil
	case consolidate.FieldTypeInt:
		return arrow.PrimitiveTypes.Int64, nil
	case consolidate.FieldTypeFloat:
		return arrow.PrimitiveTypes.Float64, nil
	case consolidate.FieldTypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case consolidate.FieldTypeDate:
		return arrow.FixedWidthTypes.Date32, nil
	case consolidate.FieldTypeTimestamp:
		return arrow.FixedWidthTypes.Timestamp_ns, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported field type: %s", t)
}

func parquetCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "none":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Snappy
	}
}
