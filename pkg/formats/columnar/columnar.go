// Package columnar serializes consolidated gold records to the formats the
// artifact writer publishes: Parquet for the serving layer, Avro and CSV as
// export encodings. Writers derive their column layout from the gold-table
// schema plus any enrichment passthrough columns present in the records.
package columnar

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/errors"
)

// Format identifies a serialization format.
type Format string

const (
	// Parquet is the serving-layer columnar format.
	Parquet Format = "parquet"
	// Avro is a row-oriented export encoding.
	Avro Format = "avro"
	// CSV is a plain-text export encoding.
	CSV Format = "csv"
)

// Writer serializes gold records into one output artifact.
type Writer interface {
	// WriteRecord appends a single record.
	WriteRecord(record *consolidate.GoldRecord) error
	// WriteRecords appends records in order.
	WriteRecords(records []*consolidate.GoldRecord) error
	// Flush forces buffered rows out to the underlying writer.
	Flush() error
	// Close flushes and finalizes the artifact. The output is not a valid
	// file until Close returns.
	Close() error
	// Format returns the writer's serialization format.
	Format() Format
	// RecordsWritten returns the number of records appended so far.
	RecordsWritten() int64
}

// WriterConfig configures a columnar writer.
type WriterConfig struct {
	Format Format
	Schema *consolidate.TableSchema

	// ExtraColumns lists passthrough columns beyond the declared schema,
	// serialized as nullable strings after the declared fields.
	ExtraColumns []string

	// Compression applies where the format supports it (parquet, avro).
	Compression string

	// BatchSize bounds the rows buffered before a flush.
	BatchSize int
}

// DefaultWriterConfig returns the writer defaults: snappy-compressed
// Parquet in 4096-row batches.
func DefaultWriterConfig() *WriterConfig {
	return &WriterConfig{
		Format:      Parquet,
		Compression: "snappy",
		BatchSize:   4096,
	}
}

// NewWriter creates a writer for the configured format targeting w.
func NewWriter(w io.Writer, config *WriterConfig) (Writer, error) {
	if config == nil {
		config = DefaultWriterConfig()
	}
	if config.Schema == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "writer config requires a table schema")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultWriterConfig().BatchSize
	}

	switch config.Format {
	case Parquet:
		return newParquetWriter(w, config)
	case Avro:
		return newAvroWriter(w, config)
	case CSV:
		return newCSVWriter(w, config)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported columnar format: %s", config.Format)
	}
}

// ParseFormat maps a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case Parquet, "":
		return Parquet, nil
	case Avro:
		return Avro, nil
	case CSV:
		return CSV, nil
	}
	return "", errors.Newf(errors.ErrorTypeConfig, "unsupported columnar format: %s", s)
}

// Extension returns the file extension for a format, dot included.
func Extension(f Format) string {
	switch f {
	case Avro:
		return ".avro"
	case CSV:
		return ".csv"
	default:
		return ".parquet"
	}
}

// ContentType returns the MIME type recorded on published objects.
func ContentType(f Format) string {
	switch f {
	case Avro:
		return "application/avro"
	case CSV:
		return "text/csv"
	default:
		return "application/x-parquet"
	}
}

// ExtraColumns collects the passthrough column names present in records but
// absent from the declared schema, sorted for a stable layout.
func ExtraColumns(schema *consolidate.TableSchema, records []*consolidate.GoldRecord) []string {
	seen := make(map[string]bool)
	for _, rec := range records {
		for name := range rec.Values {
			if _, declared := schema.Field(name); !declared && !seen[name] {
				seen[name] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// effectiveFields returns the full column layout: declared fields followed
// by extra passthrough columns as nullable strings.
func effectiveFields(config *WriterConfig) []consolidate.Field {
	fields := make([]consolidate.Field, 0, len(config.Schema.Fields)+len(config.ExtraColumns))
	fields = append(fields, config.Schema.Fields...)
	for _, name := range config.ExtraColumns {
		fields = append(fields, consolidate.Field{
			Name:     name,
			Type:     consolidate.FieldTypeString,
			Nullable: true,
		})
	}
	return fields
}

// renderValue formats a value for the text-oriented encodings. Dates render
// as ISO dates, timestamps as RFC 3339.
func renderValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprintf("%v", v)
}
