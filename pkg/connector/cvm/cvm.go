// Package cvm ingests ITR (quarterly) and DFP (annual) corporate filings from
// the CVM open-data portal. Each candidate is one year's zip archive of
// statement CSVs; parsing aggregates account lines into one quarterly metrics
// row per (issuer, reference date) for the cvm_financials table.
package cvm

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garimpo-io/garimpo/pkg/config"
	"github.com/garimpo-io/garimpo/pkg/connector"
	"github.com/garimpo-io/garimpo/pkg/connector/registry"
	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/errors"
	"github.com/garimpo-io/garimpo/pkg/fetch"
	"github.com/garimpo-io/garimpo/pkg/ledger"
	"github.com/garimpo-io/garimpo/pkg/logger"
)

// SourceID is the registry id of this family.
const SourceID = "cvm"

const (
	defaultBaseURL = "https://dados.cvm.gov.br/dados/CIA_ABERTA/DOC"
	// The portal republishes whole-year archives, so a short window already
	// covers every quarter that can still change.
	defaultYears = 3

	defaultCrawlDelay = 2 * time.Second

	tableFinancials = "cvm_financials"
	documentType    = "financial_statements"
)

// families are the statement archives ingested per year. The portal keeps
// one directory per family with one zip per covered year.
var families = []string{"itr", "dfp"}

func init() {
	registry.MustRegister(SourceID, New)
}

// Connector implements connector.Connector for CVM filings.
type Connector struct {
	client     *fetch.Client
	baseURL    string
	years      int
	issuers    map[string]struct{}
	crawlDelay time.Duration
	retry      fetch.Policy
	now        func() time.Time
}

// New builds the CVM connector from per-source configuration.
func New(client *fetch.Client, cfg config.SourceConfig) (connector.Connector, error) {
	years := cfg.Years
	if years <= 0 {
		years = defaultYears
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	crawlDelay := cfg.CrawlDelay
	if crawlDelay <= 0 {
		crawlDelay = defaultCrawlDelay
	}

	issuers := make(map[string]struct{}, len(cfg.Issuers))
	for _, raw := range cfg.Issuers {
		cnpj, err := consolidate.CanonicalCNPJ(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("invalid issuer cnpj %q", raw))
		}
		issuers[cnpj] = struct{}{}
	}

	return &Connector{
		client:     client,
		baseURL:    baseURL,
		years:      years,
		issuers:    issuers,
		crawlDelay: crawlDelay,
		retry:      fetch.PolicyFromConfig(cfg.Retry),
		now:        time.Now,
	}, nil
}

func (c *Connector) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		ID:         SourceID,
		Name:       "CVM Companhias Abertas",
		BaseURL:    c.baseURL,
		CrawlDelay: c.crawlDelay,
		Retry:      c.retry,
		Tables:     []string{tableFinancials},
	}
}

// Discover reads the DADOS directory listing of each family and emits one
// candidate per year archive inside the configured window. The listing's
// last-modified column doubles as the change validator, so an unchanged
// archive is skipped without downloading it. Archives the portal does not
// list yet (the running year's DFP) produce no candidate.
func (c *Connector) Discover(ctx context.Context) ([]connector.Candidate, error) {
	currentYear := c.now().UTC().Year()
	fromYear := currentYear - c.years + 1

	var candidates []connector.Candidate
	for _, family := range families {
		listingURL := fmt.Sprintf("%s/%s/DADOS/", c.baseURL, strings.ToUpper(family))
		doc, err := c.client.Fetch(ctx, fetch.Request{
			Source:     SourceID,
			DocumentID: family + "_dados_listing",
			URL:        listingURL,
			RefDate:    c.now().UTC(),
		}, c.retry)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeHTTP, fmt.Sprintf("fetching %s directory listing", family))
		}

		entries, err := parseDirectoryListing(bytes.NewReader(doc.Payload))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeParse, fmt.Sprintf("parsing %s directory listing", family))
		}

		for year := fromYear; year <= currentYear; year++ {
			name := fmt.Sprintf("%s_cia_aberta_%d.zip", family, year)
			lastModified, listed := entries[name]
			if !listed {
				logger.WithContext(ctx).Debug("archive not offered by portal",
					zap.String("archive", name))
				continue
			}
			candidates = append(candidates, connector.Candidate{
				Request: fetch.Request{
					Source:     SourceID,
					DocumentID: fmt.Sprintf("%s_cia_aberta_%d", family, year),
					URL:        listingURL + name,
					RefDate:    time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
				},
				Validators:   ledger.Validators{LastModified: lastModified},
				DocumentType: documentType,
			})
		}
	}
	return candidates, nil
}

// Parse expands one year archive into quarterly metric rows.
func (c *Connector) Parse(ctx context.Context, doc *fetch.RawDocument) ([]connector.ParsedRow, error) {
	family, year, err := splitDocumentID(doc.DocumentID)
	if err != nil {
		return nil, err
	}

	groups, err := readStatements(ctx, doc.Payload, year, c.issuers)
	if err != nil {
		return nil, err
	}

	rows := make([]connector.ParsedRow, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, g.row(family))
	}
	return rows, nil
}

// splitDocumentID recovers the family and year from ids shaped like
// "itr_cia_aberta_2024".
func splitDocumentID(id string) (family string, year int, err error) {
	parts := strings.Split(id, "_")
	if len(parts) < 2 {
		return "", 0, errors.Newf(errors.ErrorTypeValidation, "malformed document id: %q", id)
	}
	family = parts[0]
	if family != "itr" && family != "dfp" {
		return "", 0, errors.Newf(errors.ErrorTypeValidation, "unknown filing family in document id: %q", id)
	}
	year, err = strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "", 0, errors.Newf(errors.ErrorTypeValidation, "missing year in document id: %q", id)
	}
	return family, year, nil
}
