package snd

import (
	"fmt"
	"strings"

	"github.com/garimpo-io/garimpo/pkg/connector"
)

// eventColumns maps the events-schedule export to snd_events fields.
var eventColumns = map[string]string{
	"Data do Evento":    "event_date",
	"Data do Pagamento": "payment_date",
	"Emissor":           "issuer",
	"Ativo":             "asset_code",
	"Evento":            "event",
	"Tipo":              "yield_type",
	"Taxa/Percentual":   "rate_or_percent",
	"Liquidação":        "settlement_date",
}

// priceColumns maps the traded-prices export to snd_prices fields.
var priceColumns = map[string]string{
	"Data":               "ref_date",
	"Emissor":            "issuer",
	"Código do Ativo":    "asset_code",
	"Quantidade":         "quantity",
	"Número de Negócios": "trade_count",
	"PU Mínimo":          "min_unit_price",
	"PU Médio":           "avg_unit_price",
	"PU Máximo":          "max_unit_price",
	"% PU da Curva":      "curve_price_pct",
}

// termsColumns maps the issue-terms export to snd_terms fields. The
// alternate coupon column backs the primary when the issue predates the
// current rate criteria. Everything unmapped is kept as an enr_ column.
var termsColumns = map[string]string{
	"Empresa":                                "issuer",
	"Serie Emissao":                          "series",
	"Data de Emissao":                        "issue_date",
	"Data de Vencimento":                     "maturity",
	"indice":                                 "indexer",
	"Juros Criterio Novo - Taxa":             "coupon",
	"Percentual Multiplicador/Rentabilidade": "couponAlt",
	"Criterio de Calculo":                    "day_count",
	"Tipo de Amortizacao":                    "amort_type",
	"Garantia/Especie":                       "guarantees",
}

// covenantColumns are folded into the single covenants text field.
var covenantColumns = []string{"Resgate Antecipado", "Escritura Padronizada", "Classe"}

func parseEvents(payload []byte) ([]connector.ParsedRow, error) {
	t, err := readTable(payload, "Data do Evento", "Ativo", "Tipo")
	if err != nil {
		return nil, err
	}

	var rows []connector.ParsedRow
	for _, row := range t.rows {
		values := make(map[string]interface{})
		for column, field := range eventColumns {
			v := naString(t.cell(row, column))
			if v == "" {
				continue
			}
			if field == "yield_type" {
				v = halveDoubled(v)
			}
			values[field] = v
		}
		if len(values) == 0 {
			continue
		}
		rows = append(rows, connector.ParsedRow{Table: tableEvents, Origin: SourceID, Values: values})
	}
	return rows, nil
}

func parsePrices(payload []byte) ([]connector.ParsedRow, error) {
	t, err := readTable(payload, "Data", "Código do Ativo")
	if err != nil {
		return nil, err
	}

	var rows []connector.ParsedRow
	for _, row := range t.rows {
		values := make(map[string]interface{})
		for column, field := range priceColumns {
			if v := naString(t.cell(row, column)); v != "" {
				values[field] = v
			}
		}
		if len(values) == 0 {
			continue
		}
		rows = append(rows, connector.ParsedRow{Table: tablePrices, Origin: SourceID, Values: values})
	}
	return rows, nil
}

func parseTerms(payload []byte, assetCode string) ([]connector.ParsedRow, error) {
	t, err := readTable(payload, "Data de Emissao", "Data de Vencimento")
	if err != nil {
		return nil, err
	}

	mapped := make(map[string]struct{}, len(termsColumns)+len(covenantColumns))
	for column := range termsColumns {
		mapped[column] = struct{}{}
	}
	for _, column := range covenantColumns {
		mapped[column] = struct{}{}
	}

	var rows []connector.ParsedRow
	for _, row := range t.rows {
		values := map[string]interface{}{
			"asset_code": assetCode,
		}
		for column, field := range termsColumns {
			if v := naString(t.cell(row, column)); v != "" {
				values[field] = v
			}
		}
		if _, ok := values["coupon"]; !ok {
			if alt, ok := values["couponAlt"]; ok {
				values["coupon"] = alt
			}
		}
		delete(values, "couponAlt")

		var covenants []string
		for _, column := range covenantColumns {
			if v := naString(t.cell(row, column)); v != "" {
				covenants = append(covenants, fmt.Sprintf("%s: %s", column, v))
			}
		}
		if len(covenants) > 0 {
			values["covenants"] = strings.Join(covenants, "; ")
		}

		for i, column := range t.header {
			if _, known := mapped[column]; known || column == "" {
				continue
			}
			if v := naString(row[i]); v != "" {
				values["enr_"+cleanColumnName(column)] = v
			}
		}

		rows = append(rows, connector.ParsedRow{Table: tableTerms, Origin: SourceID, Values: values})
	}
	return rows, nil
}
