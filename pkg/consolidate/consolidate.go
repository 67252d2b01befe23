// Package consolidate turns raw connector rows into canonical gold records:
// values are coerced to the table schema's declared types, identifiers are
// canonicalized so one real-world entity maps to one business key, and rows
// from overlapping document families are merged with per-field precedence.
//
// Merging never averages. When two origins disagree on a field, the origin
// ranking higher in the field's precedence order wins and the override is
// logged and counted. Rows missing business-key fields are dropped and
// counted, never silently discarded.
package consolidate

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/garimpo-io/garimpo/pkg/logger"
	"github.com/garimpo-io/garimpo/pkg/metrics"

	"github.com/garimpo-io/garimpo/pkg/connector"
)

// enrichmentPrefix marks passthrough columns the source exposes beyond the
// declared schema. They are kept verbatim as strings.
const enrichmentPrefix = "enr_"

// keySeparator joins business-key parts into the record key.
const keySeparator = "\x1f"

// GoldRecord is one consolidated row of a canonical table. Key joins the
// business-key values; Values holds only the fields a source actually
// provided, so absent fields stay absent rather than becoming zeros.
type GoldRecord struct {
	Key    string
	Values map[string]interface{}
}

// Result is the outcome of consolidating one table's rows.
type Result struct {
	Table   string
	Records []*GoldRecord

	// Dropped counts rows rejected for missing or malformed business-key
	// fields, plus merged records missing a non-nullable field.
	Dropped int

	// Overrides counts field-level conflicts resolved by precedence.
	Overrides int
}

// record accumulates one business key's merged state during consolidation.
type record struct {
	values map[string]interface{}
	origin map[string]string
}

// Consolidate merges rows targeting the schema's table into gold records.
// Rows addressed to other tables are ignored. The result is deterministic:
// the same input set yields the same records in the same order regardless
// of row ordering.
func Consolidate(ctx context.Context, schema *TableSchema, rows []connector.ParsedRow) *Result {
	log := logger.WithContext(ctx).With(zap.String("table", schema.Name))
	result := &Result{Table: schema.Name}
	merged := make(map[string]*record)

	for _, row := range rows {
		if row.Table != schema.Name {
			continue
		}
		key, keyValues, ok := businessKey(schema, row, log)
		if !ok {
			result.Dropped++
			continue
		}

		rec := merged[key]
		if rec == nil {
			rec = &record{
				values: make(map[string]interface{}, len(schema.Fields)),
				origin: make(map[string]string, len(schema.Fields)),
			}
			for name, v := range keyValues {
				rec.values[name] = v
			}
			merged[key] = rec
		}
		result.Overrides += mergeRow(schema, rec, key, row, log)
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rec := merged[key]
		if missing := missingMandatory(schema, rec); missing != "" {
			log.Warn("record dropped: mandatory field absent",
				zap.String("key", key),
				zap.String("field", missing))
			result.Dropped++
			continue
		}
		result.Records = append(result.Records, &GoldRecord{Key: key, Values: rec.values})
	}

	if result.Dropped > 0 {
		metrics.RowsDropped.WithLabelValues(schema.Name).Add(float64(result.Dropped))
	}
	if result.Overrides > 0 {
		metrics.FieldOverrides.WithLabelValues(schema.Name).Add(float64(result.Overrides))
	}
	log.Debug("table consolidated",
		zap.Int("records", len(result.Records)),
		zap.Int("dropped", result.Dropped),
		zap.Int("overrides", result.Overrides))
	return result
}

// businessKey coerces the row's key fields and joins them. A missing or
// malformed key field invalidates the whole row. The coerced key values
// are returned so they can seed the merged record's columns.
func businessKey(schema *TableSchema, row connector.ParsedRow, log *zap.Logger) (string, map[string]interface{}, bool) {
	var parts []string
	values := make(map[string]interface{})
	for _, f := range schema.Fields {
		if !f.Key {
			continue
		}
		v, err := coerce(f, row.Values[f.Name])
		if err != nil || v == nil {
			log.Warn("row dropped: bad business key",
				zap.String("field", f.Name),
				zap.String("origin", row.Origin),
				zap.Error(err))
			return "", nil, false
		}
		parts = append(parts, keyString(v))
		values[f.Name] = v
	}
	return strings.Join(parts, keySeparator), values, true
}

// mergeRow folds one row into the record, resolving conflicts by origin
// precedence. It returns the number of overrides performed.
func mergeRow(schema *TableSchema, rec *record, key string, row connector.ParsedRow, log *zap.Logger) int {
	overrides := 0
	for name, raw := range row.Values {
		f, declared := schema.Field(name)
		switch {
		case declared && f.Key:
			continue
		case !declared && strings.HasPrefix(name, enrichmentPrefix):
			// Passthrough enrichment columns stay strings.
			f = Field{Name: name, Type: FieldTypeString, Nullable: true}
		case !declared:
			continue
		}

		v, err := coerce(f, raw)
		if err != nil {
			log.Warn("field value discarded",
				zap.String("key", key),
				zap.String("field", name),
				zap.String("origin", row.Origin),
				zap.Error(err))
			continue
		}
		if v == nil {
			continue
		}

		existing, set := rec.values[name]
		if !set {
			rec.values[name] = v
			rec.origin[name] = row.Origin
			continue
		}
		if keyString(existing) == keyString(v) {
			continue
		}

		kept, dropped := resolveConflict(schema.FieldPrecedence(name), rec.origin[name], existing, row.Origin, v)
		rec.values[name] = kept.value
		rec.origin[name] = kept.origin
		overrides++
		log.Info("field override",
			zap.String("key", key),
			zap.String("field", name),
			zap.String("kept_origin", kept.origin),
			zap.String("kept_value", keyString(kept.value)),
			zap.String("dropped_origin", dropped.origin),
			zap.String("dropped_value", keyString(dropped.value)))
	}
	return overrides
}

type contribution struct {
	origin string
	value  interface{}
}

// resolveConflict picks the surviving value for a contested field. Higher
// precedence rank wins; between equally ranked origins the smaller
// canonical string form survives, so the outcome never depends on the
// order rows arrived in.
func resolveConflict(precedence []string, curOrigin string, curValue interface{}, newOrigin string, newValue interface{}) (kept, dropped contribution) {
	cur := contribution{origin: curOrigin, value: curValue}
	incoming := contribution{origin: newOrigin, value: newValue}

	// Equal ranks mean the same listed origin or two unlisted ones, so the
	// current side's listing alone decides which tiebreak applies.
	curRank, curListed := originRank(precedence, curOrigin)
	newRank, _ := originRank(precedence, newOrigin)

	switch {
	case newRank < curRank:
		return incoming, cur
	case newRank > curRank:
		return cur, incoming
	case !curListed && newOrigin < curOrigin:
		return incoming, cur
	case !curListed && newOrigin > curOrigin:
		return cur, incoming
	case keyString(newValue) < keyString(curValue):
		return incoming, cur
	default:
		return cur, incoming
	}
}

// missingMandatory returns the name of the first non-nullable field the
// merged record still lacks, or "" when the record is complete.
func missingMandatory(schema *TableSchema, rec *record) string {
	for _, f := range schema.Fields {
		if f.Key || f.Nullable {
			continue
		}
		if _, ok := rec.values[f.Name]; !ok {
			return f.Name
		}
	}
	return ""
}
