package consolidate

import (
	"time"

	"github.com/garimpo-io/garimpo/pkg/errors"
)

// FieldType identifies the canonical type of a gold-table column.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInt       FieldType = "int"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBool      FieldType = "bool"
	FieldTypeDate      FieldType = "date"
	FieldTypeTimestamp FieldType = "timestamp"
	// FieldTypeCNPJ is a string column holding a Brazilian corporate tax id,
	// canonicalized to NN.NNN.NNN/NNNN-NN during coercion.
	FieldTypeCNPJ FieldType = "cnpj"
	// FieldTypeEnum is a string column restricted to the closed set listed
	// in Field.Values.
	FieldTypeEnum FieldType = "enum"
)

func (t FieldType) valid() bool {
	switch t {
	case FieldTypeString, FieldTypeInt, FieldTypeFloat, FieldTypeBool,
		FieldTypeDate, FieldTypeTimestamp, FieldTypeCNPJ, FieldTypeEnum:
		return true
	}
	return false
}

// Field describes one column of a gold table.
type Field struct {
	Name        string    `yaml:"name"`
	Type        FieldType `yaml:"type"`
	Description string    `yaml:"description,omitempty"`

	// Key marks the field as part of the table's business key. Key fields
	// are never null; rows missing one are dropped.
	Key bool `yaml:"key,omitempty"`

	// Nullable fields may carry no value; empty source cells become nulls.
	Nullable bool `yaml:"nullable,omitempty"`

	// Values constrains enum fields to a closed set.
	Values []string `yaml:"values,omitempty"`

	// Precedence overrides the table-level origin order for this field.
	Precedence []string `yaml:"precedence,omitempty"`
}

// TableSchema declares one canonical gold table: its columns, business key
// and the precedence order used when several document families contribute
// the same field for one key.
type TableSchema struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// DocumentType is the canonical type tag stamped on published artifacts.
	DocumentType string `yaml:"document_type"`

	// Source is the originating authority code recorded in artifact metadata.
	Source string `yaml:"source"`

	Fields []Field `yaml:"fields"`

	// Precedence ranks contributing origins best-first. Origins absent from
	// the list rank below every listed one.
	Precedence []string `yaml:"precedence,omitempty"`

	// RefDateField names a date field whose maximum consolidated value
	// becomes the published artifact's reference date. Tables without one
	// publish under the run date.
	RefDateField string `yaml:"ref_date_field,omitempty"`
}

// Validate reports the first structural problem with the schema.
func (s *TableSchema) Validate() error {
	if s.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "table schema missing name")
	}
	if s.DocumentType == "" {
		return errors.Newf(errors.ErrorTypeConfig, "table %s missing document_type", s.Name)
	}
	if s.Source == "" {
		return errors.Newf(errors.ErrorTypeConfig, "table %s missing source", s.Name)
	}
	if len(s.Fields) == 0 {
		return errors.Newf(errors.ErrorTypeConfig, "table %s has no fields", s.Name)
	}

	seen := make(map[string]bool, len(s.Fields))
	keys := 0
	for _, f := range s.Fields {
		if f.Name == "" {
			return errors.Newf(errors.ErrorTypeConfig, "table %s has an unnamed field", s.Name)
		}
		if seen[f.Name] {
			return errors.Newf(errors.ErrorTypeConfig, "table %s declares field %s twice", s.Name, f.Name)
		}
		seen[f.Name] = true
		if !f.Type.valid() {
			return errors.Newf(errors.ErrorTypeConfig, "table %s field %s has unknown type %q", s.Name, f.Name, f.Type)
		}
		if f.Type == FieldTypeEnum && len(f.Values) == 0 {
			return errors.Newf(errors.ErrorTypeConfig, "table %s enum field %s lists no values", s.Name, f.Name)
		}
		if f.Key {
			keys++
			if f.Nullable {
				return errors.Newf(errors.ErrorTypeConfig, "table %s key field %s cannot be nullable", s.Name, f.Name)
			}
		}
	}
	if keys == 0 {
		return errors.Newf(errors.ErrorTypeConfig, "table %s declares no business-key fields", s.Name)
	}
	if s.RefDateField != "" {
		f, ok := s.Field(s.RefDateField)
		if !ok {
			return errors.Newf(errors.ErrorTypeConfig, "table %s ref_date_field %s is not declared", s.Name, s.RefDateField)
		}
		if f.Type != FieldTypeDate {
			return errors.Newf(errors.ErrorTypeConfig, "table %s ref_date_field %s must be a date field", s.Name, s.RefDateField)
		}
	}
	return nil
}

// Keys returns the business-key field names in declaration order.
func (s *TableSchema) Keys() []string {
	var keys []string
	for _, f := range s.Fields {
		if f.Key {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// Field returns the declared field with the given name.
func (s *TableSchema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ReferenceDate resolves the artifact reference date for a consolidated
// record set: the maximum RefDateField value when the table declares one
// and at least one record carries it, otherwise the fallback.
func (s *TableSchema) ReferenceDate(records []*GoldRecord, fallback time.Time) time.Time {
	if s.RefDateField == "" {
		return fallback
	}
	var latest time.Time
	for _, rec := range records {
		if t, ok := rec.Values[s.RefDateField].(time.Time); ok && t.After(latest) {
			latest = t
		}
	}
	if latest.IsZero() {
		return fallback
	}
	return latest
}

// FieldPrecedence returns the origin order governing the named field: the
// field's own list when set, otherwise the table default.
func (s *TableSchema) FieldPrecedence(name string) []string {
	if f, ok := s.Field(name); ok && len(f.Precedence) > 0 {
		return f.Precedence
	}
	return s.Precedence
}

// originRank orders origins best-first under the given precedence list.
// Listed origins rank by position; unlisted ones rank below all listed
// entries and among themselves by name, so resolution never depends on
// input order.
func originRank(precedence []string, origin string) (int, bool) {
	for i, p := range precedence {
		if p == origin {
			return i, true
		}
	}
	return len(precedence), false
}
