package consolidate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBrazilianFloat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{"full brazilian form", "1.234.567,89", 1234567.89, false},
		{"comma decimal only", "0,5", 0.5, false},
		{"negative", "-1.234,56", -1234.56, false},
		{"grouped integer without comma", "1.234", 1234, false},
		{"deep grouping without comma", "12.345.678", 12345678, false},
		{"plain float passes through", "1234.56", 1234.56, false},
		{"short dot decimal stays decimal", "12.34", 12.34, false},
		{"plain integer", "2024", 2024, false},
		{"padded", "  10,00  ", 10, false},
		{"empty", "", 0, true},
		{"garbage", "abc", 0, true},
		{"double comma", "1,2,3", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseBrazilianFloat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	got, err := ParseDate("31/03/2024")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = ParseDate("2024-03-31")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ParseDate("03-31-2024")
	assert.Error(t, err)
	_, err = ParseDate("")
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 8, 23, 18, 40, 0, 0, time.UTC)

	got, err := ParseTimestamp("23/08/2025 18:40:00")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = ParseTimestamp("2025-08-23T18:40:00Z")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = ParseTimestamp("23/08/2025")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 23, 0, 0, 0, 0, time.UTC), got)

	_, err = ParseTimestamp("later today")
	assert.Error(t, err)
}

func TestCanonicalCNPJ(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"digits only", "11111111000111", "11.111.111/0001-11", false},
		{"already formatted", "11.111.111/0001-11", "11.111.111/0001-11", false},
		{"leading zero restored", "1111111000111", "01.111.111/0001-11", false},
		{"surrounding noise", "  19.131.243/0001-97 ", "19.131.243/0001-97", false},
		{"empty", "", "", true},
		{"no digits", "n/a", "", true},
		{"too many digits", "111111110001112", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalCNPJ(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerce(t *testing.T) {
	enum := Field{Name: "category", Type: FieldTypeEnum, Values: []string{"FX", "OTHER"}}

	tests := []struct {
		name    string
		field   Field
		input   interface{}
		want    interface{}
		wantErr bool
	}{
		{"nil stays nil", Field{Type: FieldTypeFloat}, nil, nil, false},
		{"blank string is absent", Field{Type: FieldTypeFloat}, "   ", nil, false},
		{"string", Field{Type: FieldTypeString}, "Energia S.A.", "Energia S.A.", false},
		{"float from brazilian string", Field{Type: FieldTypeFloat}, "1.234,5", 1234.5, false},
		{"float from int", Field{Type: FieldTypeFloat}, 7, 7.0, false},
		{"int from grouped string", Field{Type: FieldTypeInt}, "1.234", int64(1234), false},
		{"int from whole float", Field{Type: FieldTypeInt}, 7.0, int64(7), false},
		{"int rejects fraction", Field{Type: FieldTypeInt}, 7.5, nil, true},
		{"bool from string", Field{Type: FieldTypeBool}, "true", true, false},
		{"date from string", Field{Type: FieldTypeDate}, "30/06/2024", time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), false},
		{"cnpj canonicalized", Field{Type: FieldTypeCNPJ}, "11111111000111", "11.111.111/0001-11", false},
		{"enum member", enum, "FX", "FX", false},
		{"enum outsider", enum, "CRYPTO", nil, true},
		{"float rejects garbage", Field{Type: FieldTypeFloat}, "n/d", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerce(tt.field, tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceNaNIsAbsent(t *testing.T) {
	got, err := coerce(Field{Type: FieldTypeFloat}, math.NaN())
	require.NoError(t, err)
	assert.Nil(t, got)
}
