package cvm

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/garimpo-io/garimpo/pkg/connector"
	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/errors"
	"github.com/garimpo-io/garimpo/pkg/logger"
)

// statementParts are the statement files read from each year archive:
// balance sheet assets and liabilities, indirect cash flow, income
// statement. Only consolidated ("con") aggregation feeds the gold table.
var statementParts = []string{"BPA", "BPP", "DFC_MI", "DRE"}

// moedaScale maps ESCALA_MOEDA to a multiplier. MILHOES is undocumented in
// the portal's schema but shows up in older archives.
var moedaScale = map[string]float64{
	"UNIDADE": 1,
	"MIL":     1_000,
	"MILHOES": 1_000_000,
	"MILHÕES": 1_000_000,
}

// currentExercise marks the reporting-period rows; the other rows repeat the
// prior year for comparison and are discarded.
const currentExercise = "ÚLTIMO"

const cvmDateLayout = "2006-01-02"

// account is one statement line after scale normalization.
type account struct {
	code  string
	value float64
}

// statementGroup accumulates the account lines of one issuer and reference
// date across all statement files of the archive.
type statementGroup struct {
	cnpj     string
	refDate  time.Time
	accounts []account
}

// readStatements walks the year archive and groups scaled account lines by
// (issuer, reference date). Groups come back sorted so downstream output is
// stable regardless of zip member order.
func readStatements(ctx context.Context, payload []byte, year int, issuers map[string]struct{}) ([]*statementGroup, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "opening statement archive")
	}

	groups := make(map[string]*statementGroup)
	matched := 0
	for _, part := range statementParts {
		want := fmt.Sprintf("%s_con_%d", part, year)
		for _, f := range zr.File {
			if !strings.Contains(f.Name, want) {
				continue
			}
			matched++
			rc, err := f.Open()
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeParse, fmt.Sprintf("opening %s", f.Name))
			}
			err = readStatementFile(ctx, rc, f.Name, issuers, groups)
			rc.Close()
			if err != nil {
				return nil, err
			}
		}
	}
	if matched == 0 {
		return nil, errors.Newf(errors.ErrorTypeParse, "archive has no consolidated statement files for %d", year)
	}

	out := make([]*statementGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].cnpj != out[j].cnpj {
			return out[i].cnpj < out[j].cnpj
		}
		return out[i].refDate.Before(out[j].refDate)
	})
	return out, nil
}

func readStatementFile(ctx context.Context, r io.Reader, name string, issuers map[string]struct{}, groups map[string]*statementGroup) error {
	reader := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(r))
	reader.Comma = ';'
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeParse, fmt.Sprintf("reading header of %s", name))
	}
	idx := make(map[string]int, len(header))
	for i, col := range header {
		idx[strings.TrimSpace(col)] = i
	}
	for _, col := range []string{"CNPJ_CIA", "DT_REFER", "ORDEM_EXERC", "ESCALA_MOEDA", "CD_CONTA", "VL_CONTA"} {
		if _, ok := idx[col]; !ok {
			return errors.Newf(errors.ErrorTypeParse, "%s is missing column %s", name, col)
		}
	}

	unknownScale := 0
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeParse, fmt.Sprintf("%s line %d", name, line))
		}
		if record[idx["ORDEM_EXERC"]] != currentExercise {
			continue
		}

		cnpj := strings.TrimSpace(record[idx["CNPJ_CIA"]])
		if len(issuers) > 0 {
			canonical, err := consolidate.CanonicalCNPJ(cnpj)
			if err != nil {
				continue
			}
			if _, wanted := issuers[canonical]; !wanted {
				continue
			}
		}

		refDate, err := time.Parse(cvmDateLayout, record[idx["DT_REFER"]])
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeParse, fmt.Sprintf("%s line %d: bad DT_REFER", name, line))
		}

		scale, known := moedaScale[record[idx["ESCALA_MOEDA"]]]
		if !known {
			unknownScale++
			continue
		}

		rawValue := strings.TrimSpace(record[idx["VL_CONTA"]])
		if rawValue == "" {
			continue
		}
		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeParse, fmt.Sprintf("%s line %d: bad VL_CONTA", name, line))
		}

		key := cnpj + "\x00" + record[idx["DT_REFER"]]
		g, ok := groups[key]
		if !ok {
			g = &statementGroup{cnpj: cnpj, refDate: refDate}
			groups[key] = g
		}
		g.accounts = append(g.accounts, account{
			code:  strings.TrimSpace(record[idx["CD_CONTA"]]),
			value: value * scale,
		})
	}

	if unknownScale > 0 {
		logger.WithContext(ctx).Warn("statement rows with unknown monetary scale skipped",
			zap.String("file", name),
			zap.Int("rows", unknownScale))
	}
	return nil
}

// row computes the quarterly metrics of one group. A metric is present only
// when at least one account line fed it; a family that never reported a
// component leaves the field absent so another family's value survives the
// merge instead of being zeroed out.
func (g *statementGroup) row(origin string) connector.ParsedRow {
	values := map[string]interface{}{
		"issuer_cnpj": g.cnpj,
		"date":        g.refDate.Format(cvmDateLayout),
		"quarter":     quarterOf(g.refDate),
		"year":        g.refDate.Year(),
	}

	revenue, hasRevenue := g.sum("3.01", true)
	ebit, hasEBIT := g.sum("3.05", true)
	depreciation, hasDepreciation := g.sum("3.04.04", true)
	debtST, hasDebtST := g.sum("2.01.04", false)
	debtLT, hasDebtLT := g.sum("2.02.01", false)
	cash, hasCash := g.sum("1.01.01", true)
	interestCF, hasInterestCF := g.sum("6.01.02.02", false)
	interestIS, hasInterestIS := g.sum("3.06.02", true)
	capex, hasCapex := g.sum("6.02.01", false)
	wcChange, hasWCChange := g.sum("6.01.02", false)

	if hasRevenue {
		values["revenue"] = revenue
	}
	if hasEBIT {
		values["ebit"] = ebit
	}
	if hasDepreciation {
		values["depreciation"] = depreciation
	}
	if hasEBIT || hasDepreciation {
		values["ebitda"] = ebit + depreciation
	}
	if hasDebtST {
		values["debt_short_term"] = debtST
	}
	if hasDebtLT {
		values["debt_long_term"] = debtLT
	}
	if hasCash {
		values["cash"] = cash
	}
	if hasDebtST || hasDebtLT {
		values["total_debt"] = debtST + debtLT
	}
	if hasDebtST || hasDebtLT || hasCash {
		values["net_debt"] = debtST + debtLT - cash
	}
	if hasInterestCF || hasInterestIS {
		// Interest shows up in the cash-flow statement when paid; the
		// income-statement accrual is the fallback.
		interest := interestCF
		if interest == 0 {
			interest = interestIS
		}
		values["interest_paid"] = math.Abs(interest)
	}
	if hasCapex {
		values["capex"] = math.Abs(capex)
	}
	if hasWCChange {
		values["wc_change"] = wcChange
	}

	return connector.ParsedRow{Table: tableFinancials, Origin: origin, Values: values}
}

// sum totals the account lines selected by code, exact or by prefix, and
// reports whether any line matched.
func (g *statementGroup) sum(code string, exact bool) (float64, bool) {
	total := 0.0
	found := false
	for _, a := range g.accounts {
		if exact {
			if a.code != code {
				continue
			}
		} else if !strings.HasPrefix(a.code, code) {
			continue
		}
		total += a.value
		found = true
	}
	return total, found
}

func quarterOf(t time.Time) int {
	return (int(t.Month()) + 2) / 3
}
