package columnar

import (
	"encoding/csv"
	"io"
	"sync"

	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/errors"
)

// csvWriter serializes gold records as a header-led CSV export. Absent
// values render as empty cells.
type csvWriter struct {
	config         *WriterConfig
	fields         []consolidate.Field
	w              *csv.Writer
	headerWritten  bool
	recordsWritten int64
	mu             sync.Mutex
}

func newCSVWriter(w io.Writer, config *WriterConfig) (*csvWriter, error) {
	return &csvWriter{
		config: config,
		fields: effectiveFields(config),
		w:      csv.NewWriter(w),
	}, nil
}

func (cw *csvWriter) WriteRecord(record *consolidate.GoldRecord) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := cw.writeHeader(); err != nil {
		return err
	}

	row := make([]string, len(cw.fields))
	for i, field := range cw.fields {
		row[i] = renderValue(record.Values[field.Name])
	}
	if err := cw.w.Write(row); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "writing csv row")
	}
	cw.recordsWritten++
	return nil
}

func (cw *csvWriter) WriteRecords(records []*consolidate.GoldRecord) error {
	for _, record := range records {
		if err := cw.WriteRecord(record); err != nil {
			return err
		}
	}
	return nil
}

func (cw *csvWriter) Flush() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.w.Flush()
	if err := cw.w.Error(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "flushing csv")
	}
	return nil
}

func (cw *csvWriter) Close() error {
	cw.mu.Lock()
	if err := cw.writeHeader(); err != nil {
		cw.mu.Unlock()
		return err
	}
	cw.mu.Unlock()
	return cw.Flush()
}

func (cw *csvWriter) Format() Format { return CSV }

func (cw *csvWriter) RecordsWritten() int64 {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return cw.recordsWritten
}

// writeHeader emits the column header once, so even an empty table yields
// a well-formed file.
func (cw *csvWriter) writeHeader() error {
	if cw.headerWritten {
		return nil
	}
	header := make([]string, len(cw.fields))
	for i, field := range cw.fields {
		header[i] = field.Name
	}
	if err := cw.w.Write(header); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "writing csv header")
	}
	cw.headerWritten = true
	return nil
}
