package consolidate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	cat, err := DefaultCatalog()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"b3_indicators",
		"cvm_financials",
		"snd_events",
		"snd_prices",
		"snd_terms",
	}, cat.Names())

	for _, name := range cat.Names() {
		table, ok := cat.Table(name)
		require.True(t, ok, name)
		assert.NotEmpty(t, table.Keys(), name)
		assert.NotEmpty(t, table.DocumentType, name)
		assert.NotEmpty(t, table.Source, name)
	}
}

func TestDefaultCatalogFinancials(t *testing.T) {
	cat, err := DefaultCatalog()
	require.NoError(t, err)

	fin, ok := cat.Table("cvm_financials")
	require.True(t, ok)

	assert.Equal(t, []string{"issuer_cnpj", "year", "quarter"}, fin.Keys())
	assert.Equal(t, []string{"dfp", "itr"}, fin.Precedence)
	assert.Equal(t, "cvm", fin.Source)
	assert.Equal(t, "date", fin.RefDateField)

	cnpj, ok := fin.Field("issuer_cnpj")
	require.True(t, ok)
	assert.Equal(t, FieldTypeCNPJ, cnpj.Type)

	for _, metric := range []string{
		"revenue", "ebitda", "ebit", "depreciation",
		"net_debt", "total_debt", "debt_short_term", "debt_long_term",
		"cash", "interest_paid", "capex", "wc_change",
	} {
		f, ok := fin.Field(metric)
		require.True(t, ok, metric)
		assert.Equal(t, FieldTypeFloat, f.Type, metric)
		assert.True(t, f.Nullable, metric)
	}
}

func TestCatalogUnknownTable(t *testing.T) {
	cat, err := DefaultCatalog()
	require.NoError(t, err)

	_, ok := cat.Table("no_such_table")
	assert.False(t, ok)
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty catalog", "tables: []"},
		{"unparseable", "{{bad"},
		{
			"no key fields",
			`tables:
  - name: t
    document_type: d
    source: s
    fields:
      - {name: a, type: string}`,
		},
		{
			"nullable key",
			`tables:
  - name: t
    document_type: d
    source: s
    fields:
      - {name: a, type: string, key: true, nullable: true}`,
		},
		{
			"duplicate field",
			`tables:
  - name: t
    document_type: d
    source: s
    fields:
      - {name: a, type: string, key: true}
      - {name: a, type: int}`,
		},
		{
			"unknown type",
			`tables:
  - name: t
    document_type: d
    source: s
    fields:
      - {name: a, type: decimal, key: true}`,
		},
		{
			"enum without values",
			`tables:
  - name: t
    document_type: d
    source: s
    fields:
      - {name: a, type: string, key: true}
      - {name: b, type: enum}`,
		},
		{
			"missing document type",
			`tables:
  - name: t
    source: s
    fields:
      - {name: a, type: string, key: true}`,
		},
		{
			"duplicate table",
			`tables:
  - name: t
    document_type: d
    source: s
    fields:
      - {name: a, type: string, key: true}
  - name: t
    document_type: d
    source: s
    fields:
      - {name: a, type: string, key: true}`,
		},
		{
			"undeclared ref_date_field",
			`tables:
  - name: t
    document_type: d
    source: s
    ref_date_field: when
    fields:
      - {name: a, type: string, key: true}`,
		},
		{
			"non-date ref_date_field",
			`tables:
  - name: t
    document_type: d
    source: s
    ref_date_field: a
    fields:
      - {name: a, type: string, key: true}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`tables:
  - name: custom
    document_type: custom_docs
    source: acme
    fields:
      - {name: id, type: string, key: true}
      - {name: amount, type: float, nullable: true}
`), 0o644))

	cat, err := LoadCatalog(path)
	require.NoError(t, err)

	table, ok := cat.Table("custom")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, table.Keys())

	_, err = LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFieldPrecedenceFallback(t *testing.T) {
	table := &TableSchema{
		Name:         "t",
		DocumentType: "d",
		Source:       "s",
		Precedence:   []string{"dfp", "itr"},
		Fields: []Field{
			{Name: "id", Type: FieldTypeString, Key: true},
			{Name: "plain", Type: FieldTypeFloat, Nullable: true},
			{Name: "special", Type: FieldTypeFloat, Nullable: true, Precedence: []string{"itr", "dfp"}},
		},
	}
	require.NoError(t, table.Validate())

	assert.Equal(t, []string{"dfp", "itr"}, table.FieldPrecedence("plain"))
	assert.Equal(t, []string{"itr", "dfp"}, table.FieldPrecedence("special"))
	assert.Equal(t, []string{"dfp", "itr"}, table.FieldPrecedence("unknown"))
}

func TestReferenceDate(t *testing.T) {
	table := &TableSchema{
		Name:         "t",
		DocumentType: "d",
		Source:       "s",
		RefDateField: "period_end",
		Fields: []Field{
			{Name: "id", Type: FieldTypeString, Key: true},
			{Name: "period_end", Type: FieldTypeDate},
		},
	}
	require.NoError(t, table.Validate())

	fallback := time.Date(2025, 8, 22, 0, 0, 0, 0, time.UTC)
	records := []*GoldRecord{
		{Key: "a", Values: map[string]interface{}{"period_end": time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)}},
		{Key: "b", Values: map[string]interface{}{"period_end": time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)}},
		{Key: "c", Values: map[string]interface{}{}},
	}

	// The latest period across the record set wins over the run date.
	assert.Equal(t, time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC), table.ReferenceDate(records, fallback))

	// No usable values falls back to the run date, as does a table that
	// never declared a reference field.
	assert.Equal(t, fallback, table.ReferenceDate(nil, fallback))
	plain := &TableSchema{Name: "p", DocumentType: "d", Source: "s",
		Fields: []Field{{Name: "id", Type: FieldTypeString, Key: true}}}
	require.NoError(t, plain.Validate())
	assert.Equal(t, fallback, plain.ReferenceDate(records, fallback))
}
