// Package snd ingests the debenture registry at debentures.com.br: the
// financial events schedule, secondary-market traded prices and per-issue
// terms. The registry serves legacy ASP form endpoints returning ISO-8859-1
// tab-separated exports with decorative preamble lines, so parsing seeks the
// header row instead of trusting offsets.
package snd

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garimpo-io/garimpo/pkg/config"
	"github.com/garimpo-io/garimpo/pkg/connector"
	"github.com/garimpo-io/garimpo/pkg/connector/registry"
	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/errors"
	"github.com/garimpo-io/garimpo/pkg/fetch"
	"github.com/garimpo-io/garimpo/pkg/logger"
)

// SourceID is the registry id of this family.
const SourceID = "snd"

const (
	defaultBaseURL = "https://www.debentures.com.br"

	listingPath = "/exploreosnd/consultaadados/emissoesdedebentures/caracteristicas_r.asp"
	eventsPath  = "/exploreosnd/consultaadados/agendadeeventos/agenda_e.asp"
	pricesPath  = "/exploreosnd/consultaadados/mercadosecundario/precosdenegociacao_e.asp"
	termsPath   = "/exploreosnd/consultaadados/emissoesdedebentures/caracteristicas_e.asp"

	defaultCrawlDelay = 2 * time.Second
)

const (
	tableEvents = "snd_events"
	tablePrices = "snd_prices"
	tableTerms  = "snd_terms"

	docTypeEvents = "debenture_events"
	docTypePrices = "debenture_prices"
	docTypeTerms  = "debenture_terms"
)

func init() {
	registry.MustRegister(SourceID, New)
}

// Connector implements connector.Connector for the debenture registry.
type Connector struct {
	client     *fetch.Client
	baseURL    string
	issuers    []string
	crawlDelay time.Duration
	retry      fetch.Policy
	now        func() time.Time
}

// New builds the SND connector. The registry can only be queried per issuer,
// so at least one issuer CNPJ is required.
func New(client *fetch.Client, cfg config.SourceConfig) (connector.Connector, error) {
	if len(cfg.Issuers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "snd requires at least one issuer cnpj")
	}

	issuers := make([]string, 0, len(cfg.Issuers))
	for _, raw := range cfg.Issuers {
		cnpj, err := consolidate.CanonicalCNPJ(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("invalid issuer cnpj %q", raw))
		}
		issuers = append(issuers, digits(cnpj))
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	crawlDelay := cfg.CrawlDelay
	if crawlDelay <= 0 {
		crawlDelay = defaultCrawlDelay
	}

	return &Connector{
		client:     client,
		baseURL:    baseURL,
		issuers:    issuers,
		crawlDelay: crawlDelay,
		retry:      fetch.PolicyFromConfig(cfg.Retry),
		now:        time.Now,
	}, nil
}

func (c *Connector) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		ID:         SourceID,
		Name:       "SND Sistema Nacional de Debêntures",
		BaseURL:    c.baseURL,
		CrawlDelay: c.crawlDelay,
		Retry:      c.retry,
		Tables:     []string{tableEvents, tablePrices, tableTerms},
	}
}

// Discover emits, per configured issuer, one events candidate, one prices
// candidate, and one terms candidate per debenture code found in the
// registry's issue listing. The endpoints expose no HTTP validators, so
// change detection rides entirely on payload fingerprints.
func (c *Connector) Discover(ctx context.Context) ([]connector.Candidate, error) {
	refDate := c.today()

	var candidates []connector.Candidate
	for _, cnpj := range c.issuers {
		candidates = append(candidates,
			c.eventsCandidate(cnpj, refDate),
			c.pricesCandidate(cnpj, refDate),
		)

		codes, err := c.listDebentures(ctx, cnpj)
		if err != nil {
			return nil, err
		}
		if len(codes) == 0 {
			logger.WithContext(ctx).Warn("issuer has no debentures in registry listing",
				zap.String("issuer_cnpj", cnpj))
			continue
		}
		for _, code := range codes {
			candidates = append(candidates, c.termsCandidate(code, refDate))
		}
	}
	return candidates, nil
}

func (c *Connector) Parse(ctx context.Context, doc *fetch.RawDocument) ([]connector.ParsedRow, error) {
	switch {
	case strings.HasPrefix(doc.DocumentID, "events_"):
		return parseEvents(doc.Payload)
	case strings.HasPrefix(doc.DocumentID, "prices_"):
		return parsePrices(doc.Payload)
	case strings.HasPrefix(doc.DocumentID, "terms_"):
		return parseTerms(doc.Payload, strings.TrimPrefix(doc.DocumentID, "terms_"))
	}
	return nil, errors.Newf(errors.ErrorTypeValidation, "unknown document id: %q", doc.DocumentID)
}

func (c *Connector) eventsCandidate(cnpj string, refDate time.Time) connector.Candidate {
	return connector.Candidate{
		Request: fetch.Request{
			Source:     SourceID,
			DocumentID: "events_" + cnpj,
			URL:        c.baseURL + eventsPath,
			Form: url.Values{
				"emissor":     {cnpj},
				"ativo":       {""},
				"evento":      {""},
				"dt_ini":      {""},
				"dt_fim":      {""},
				"dt_pgto_ini": {""},
				"dt_pgto_fim": {""},
			},
			RefDate: refDate,
		},
		DocumentType: docTypeEvents,
	}
}

func (c *Connector) pricesCandidate(cnpj string, refDate time.Time) connector.Candidate {
	return connector.Candidate{
		Request: fetch.Request{
			Source:     SourceID,
			DocumentID: "prices_" + cnpj,
			URL:        c.baseURL + pricesPath,
			Form: url.Values{
				"op_exc":  {"False"},
				"emissor": {cnpj},
				"ativo":   {""},
				"ISIN":    {""},
				"dt_ini":  {""},
				"dt_fim":  {""},
			},
			RefDate: refDate,
		},
		DocumentType: docTypePrices,
	}
}

func (c *Connector) termsCandidate(code string, refDate time.Time) connector.Candidate {
	query := url.Values{
		"tip_deb": {"publicas"},
		"selecao": {code},
	}
	return connector.Candidate{
		Request: fetch.Request{
			Source:     SourceID,
			DocumentID: "terms_" + code,
			URL:        c.baseURL + termsPath + "?" + query.Encode(),
			RefDate:    refDate,
		},
		DocumentType: docTypeTerms,
	}
}

// listDebentures queries the issue listing for one issuer and returns the
// debenture codes in listing order.
func (c *Connector) listDebentures(ctx context.Context, cnpj string) ([]string, error) {
	doc, err := c.client.Fetch(ctx, fetch.Request{
		Source:     SourceID,
		DocumentID: "listing_" + cnpj,
		URL:        c.baseURL + listingPath,
		Form: url.Values{
			"op_exc": {"False"},
			"mnome":  {cnpj},
			"ativo":  {""},
		},
		RefDate: c.today(),
	}, c.retry)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeHTTP, fmt.Sprintf("fetching debenture listing for %s", cnpj))
	}

	refs, err := parseDebentureListing(doc.Payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, fmt.Sprintf("parsing debenture listing for %s", cnpj))
	}

	codes := make([]string, 0, len(refs))
	for _, ref := range refs {
		codes = append(codes, ref.code)
	}
	return codes, nil
}

func (c *Connector) today() time.Time {
	now := c.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
