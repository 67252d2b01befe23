package snd

import (
	"regexp"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"github.com/garimpo-io/garimpo/pkg/errors"
)

// naMarkers are the registry's ways of writing "no value".
var naMarkers = map[string]struct{}{
	"nan":  {},
	"None": {},
	"-":    {},
	"":     {},
}

// table is one decoded TSV export: a header and the data rows below it.
type table struct {
	header []string
	rows   [][]string
}

// readTable decodes an ISO-8859-1 TSV payload and locates the header row,
// identified as the first line whose tab-split fields include every anchor.
// The exports carry title and filter-echo lines above the header and
// occasional footer lines below, so rows shorter than the header are
// dropped rather than treated as structural errors.
func readTable(payload []byte, anchors ...string) (*table, error) {
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "decoding tsv payload")
	}

	lines := strings.Split(strings.ReplaceAll(string(decoded), "\r\n", "\n"), "\n")
	headerAt := -1
	var header []string
	for i, line := range lines {
		fields := strings.Split(line, "\t")
		if containsAll(fields, anchors) {
			headerAt = i
			header = trimAll(fields)
			break
		}
	}
	if headerAt < 0 {
		return nil, errors.Newf(errors.ErrorTypeParse, "header row not found (looking for %s)", strings.Join(anchors, ", "))
	}

	t := &table{header: header}
	for _, line := range lines[headerAt+1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < len(header) {
			continue
		}
		t.rows = append(t.rows, trimAll(fields[:len(header)]))
	}
	return t, nil
}

// cell returns the named column of a row, empty when the column is unknown.
func (t *table) cell(row []string, column string) string {
	for i, name := range t.header {
		if name == column {
			return row[i]
		}
	}
	return ""
}

func containsAll(fields, anchors []string) bool {
	for _, anchor := range anchors {
		found := false
		for _, f := range fields {
			if strings.TrimSpace(f) == anchor {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func trimAll(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = strings.TrimSpace(f)
	}
	return out
}

// naString trims a cell and maps the registry's absence markers to "".
func naString(s string) string {
	t := strings.TrimSpace(s)
	if _, na := naMarkers[t]; na {
		return ""
	}
	return t
}

// halveDoubled undoes the registry's habit of concatenating a value with
// itself ("DIDI" for "DI"). Values that are not exact doubles pass through.
func halveDoubled(s string) string {
	if len(s)%2 != 0 {
		return s
	}
	half := len(s) / 2
	if s[:half] == s[half:] {
		return s[:half]
	}
	return s
}

var accentReplacer = strings.NewReplacer(
	"á", "a", "à", "a", "ã", "a", "â", "a",
	"é", "e", "ê", "e",
	"í", "i",
	"ó", "o", "ô", "o", "õ", "o",
	"ú", "u", "ü", "u",
	"ç", "c",
)

var (
	punctPattern      = regexp.MustCompile(`[/()\-]`)
	nonWordPattern    = regexp.MustCompile(`[^\w\s]`)
	spacesPattern     = regexp.MustCompile(`\s+`)
	underscorePattern = regexp.MustCompile(`_+`)
)

// cleanColumnName folds a registry column label to snake_case:
// "Ato Societario (1)" becomes "ato_societario_1".
func cleanColumnName(name string) string {
	name = accentReplacer.Replace(strings.ToLower(name))
	name = punctPattern.ReplaceAllString(name, "_")
	name = nonWordPattern.ReplaceAllString(name, "")
	name = spacesPattern.ReplaceAllString(name, "_")
	name = underscorePattern.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}
