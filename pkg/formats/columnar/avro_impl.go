package columnar

import (
	"io"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"

	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/errors"
)

// avroWriter serializes gold records into an Avro object container file.
// Dates and timestamps are encoded as ISO-8601 strings, keeping the export
// readable without logical-type support on the consumer side.
type avroWriter struct {
	config         *WriterConfig
	fields         []consolidate.Field
	ocfWriter      *goavro.OCFWriter
	buffer         []map[string]interface{}
	recordsWritten int64
	mu             sync.Mutex
}

func newAvroWriter(w io.Writer, config *WriterConfig) (*avroWriter, error) {
	fields := effectiveFields(config)
	schema, err := avroSchemaFor(config.Schema.Name, fields)
	if err != nil {
		return nil, err
	}

	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "creating avro codec")
	}
	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           codec,
		CompressionName: avroCompression(config.Compression),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "creating avro writer")
	}

	return &avroWriter{
		config:    config,
		fields:    fields,
		ocfWriter: ocfWriter,
		buffer:    make([]map[string]interface{}, 0, config.BatchSize),
	}, nil
}

func (aw *avroWriter) WriteRecord(record *consolidate.GoldRecord) error {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	native := make(map[string]interface{}, len(aw.fields))
	for _, field := range aw.fields {
		native[field.Name] = avroValue(field, record.Values[field.Name])
	}
	aw.buffer = append(aw.buffer, native)

	if len(aw.buffer) >= aw.config.BatchSize {
		return aw.flushBatch()
	}
	return nil
}

func (aw *avroWriter) WriteRecords(records []*consolidate.GoldRecord) error {
	for _, record := range records {
		if err := aw.WriteRecord(record); err != nil {
			return err
		}
	}
	return nil
}

func (aw *avroWriter) Flush() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.flushBatch()
}

func (aw *avroWriter) Close() error {
	return aw.Flush()
}

func (aw *avroWriter) Format() Format { return Avro }

func (aw *avroWriter) RecordsWritten() int64 {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.recordsWritten + int64(len(aw.buffer))
}

func (aw *avroWriter) flushBatch() error {
	if len(aw.buffer) == 0 {
		return nil
	}
	batch := make([]interface{}, len(aw.buffer))
	for i, native := range aw.buffer {
		batch[i] = native
	}
	if err := aw.ocfWriter.Append(batch); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "writing avro batch")
	}
	aw.recordsWritten += int64(len(aw.buffer))
	aw.buffer = aw.buffer[:0]
	return nil
}

// avroSchemaFor builds the record schema JSON. Nullable fields become
// ["null", type] unions.
func avroSchemaFor(name string, fields []consolidate.Field) (string, error) {
	avroFields := make([]map[string]interface{}, 0, len(fields))
	for _, field := range fields {
		t := avroTypeFor(field.Type)
		avroField := map[string]interface{}{
			"name": field.Name,
			"type": t,
		}
		if field.Nullable {
			avroField["type"] = []interface{}{"null", t}
			avroField["default"] = nil
		}
		avroFields = append(avroFields, avroField)
	}

	schema, err := json.Marshal(map[string]interface{}{
		"type":   "record",
		"name":   name,
		"fields": avroFields,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "encoding avro schema")
	}
	return string(schema), nil
}

func avroTypeFor(t consolidate.FieldType) string {
	switch t {
	case consolidate.FieldTypeInt:
		return "long"
	case consolidate.FieldTypeFloat:
		return "double"
	case consolidate.FieldTypeBool:
		return "boolean"
	}
	return "string"
}

// avroValue converts a coerced value to goavro's native form. Union fields
// wrap non-null values as {"type": value} per the goavro contract.
func avroValue(field consolidate.Field, value interface{}) interface{} {
	if value == nil {
		return nil
	}

	var native interface{}
	switch field.Type {
	case consolidate.FieldTypeInt:
		switch v := value.(type) {
		case int64:
			native = v
		case int:
			native = int64(v)
		default:
			return nil
		}
	case consolidate.FieldTypeFloat:
		switch v := value.(type) {
		case float64:
			native = v
		case float32:
			native = float64(v)
		default:
			return nil
		}
	case consolidate.FieldTypeBool:
		v, ok := value.(bool)
		if !ok {
			return nil
		}
		native = v
	case consolidate.FieldTypeDate:
		v, ok := value.(time.Time)
		if !ok {
			return nil
		}
		native = v.Format("2006-01-02")
	case consolidate.FieldTypeTimestamp:
		v, ok := value.(time.Time)
		if !ok {
			return nil
		}
		native = v.Format(time.RFC3339)
	default:
		native = renderValue(value)
	}

	if field.Nullable {
		return map[string]interface{}{avroTypeFor(field.Type): native}
	}
	return native
}

func avroCompression(name string) string {
	switch name {
	case "deflate":
		return "deflate"
	case "none":
		return "null"
	default:
		return "snappy"
	}
}
