// Package b3 ingests the exchange's financial indicators feed: daily FX,
// domestic and international reference rates published as one JSON document.
// The endpoint fronts a browser application and expects browser-shaped
// request headers.
package b3

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
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
const SourceID = "b3"

const (
	// defaultFeedURL is the indicators proxy behind the exchange's market
	// data page. The trailing segment is a base64 {"language":"pt-br"}.
	defaultFeedURL = "https://sistemaswebb3-derivativos.b3.com.br/financialIndicatorsProxy/FinancialIndicators/GetFinancialIndicators/eyJsYW5ndWFnZSI6InB0LWJyIn0="

	defaultCrawlDelay = 1 * time.Second

	tableIndicators = "b3_indicators"
	documentType    = "macro_indicators"
	documentID      = "financial_indicators"
)

// categoryOther absorbs indicator groups the feed adds without notice.
const categoryOther = "OTHER"

var groupCategories = map[string]string{
	"TAXAS DE CÂMBIO":              "FX",
	"TAXAS DE JUROS INTERNACIONAL": "INTERNATIONAL_RATES",
	"TAXAS DE JUROS NACIONAL":      "DOMESTIC_RATES",
}

func init() {
	registry.MustRegister(SourceID, New)
}

// Connector implements connector.Connector for the exchange indicator feed.
type Connector struct {
	client     *fetch.Client
	feedURL    string
	crawlDelay time.Duration
	retry      fetch.Policy
	now        func() time.Time
}

func New(client *fetch.Client, cfg config.SourceConfig) (connector.Connector, error) {
	feedURL := strings.TrimSpace(cfg.BaseURL)
	if feedURL == "" {
		feedURL = defaultFeedURL
	}
	crawlDelay := cfg.CrawlDelay
	if crawlDelay <= 0 {
		crawlDelay = defaultCrawlDelay
	}

	return &Connector{
		client:     client,
		feedURL:    feedURL,
		crawlDelay: crawlDelay,
		retry:      fetch.PolicyFromConfig(cfg.Retry),
		now:        time.Now,
	}, nil
}

func (c *Connector) Descriptor() connector.Descriptor {
	return connector.Descriptor{
		ID:         SourceID,
		Name:       "B3 Indicadores Financeiros",
		BaseURL:    c.feedURL,
		CrawlDelay: c.crawlDelay,
		Retry:      c.retry,
		Tables:     []string{tableIndicators},
	}
}

// Discover emits the single feed candidate under a stable document id, so
// an unchanged payload is skipped on fingerprint alone. The API publishes
// no HTTP validators.
func (c *Connector) Discover(ctx context.Context) ([]connector.Candidate, error) {
	now := c.now().UTC()
	return []connector.Candidate{{
		Request: fetch.Request{
			Source:     SourceID,
			DocumentID: documentID,
			URL:        c.feedURL,
			Header:     feedHeaders(),
			RefDate:    time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		},
		DocumentType: documentType,
	}}, nil
}

// indicator is one entry of the feed. The exchange always serializes both
// value and rate but fills only one of them, sometimes as a Brazilian
// formatted string rather than a JSON number.
type indicator struct {
	SecurityID  string      `json:"securityIdentificationCode"`
	Description string      `json:"description"`
	Group       string      `json:"groupDescription"`
	Value       interface{} `json:"value"`
	Rate        interface{} `json:"rate"`
	LastUpdate  string      `json:"lastUpdate"`
}

func (c *Connector) Parse(ctx context.Context, doc *fetch.RawDocument) ([]connector.ParsedRow, error) {
	var indicators []indicator
	if err := json.Unmarshal(doc.Payload, &indicators); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "decoding indicators feed")
	}

	refDate := doc.RefDate.Format("2006-01-02")
	rows := make([]connector.ParsedRow, 0, len(indicators))
	for _, ind := range indicators {
		category, known := groupCategories[ind.Group]
		if !known {
			category = categoryOther
			logger.WithContext(ctx).Warn("unknown indicator group",
				zap.String("group", ind.Group),
				zap.String("security_id", ind.SecurityID))
		}

		values := map[string]interface{}{
			"security_id": ind.SecurityID,
			"ref_date":    refDate,
			"category":    category,
		}
		if d := strings.TrimSpace(ind.Description); d != "" {
			values["description"] = d
		}
		if v, ok := effectiveValue(ind.Value, ind.Rate); ok {
			values["value"] = v
		}
		if u := strings.TrimSpace(ind.LastUpdate); u != "" {
			values["last_update"] = u
		}

		rows = append(rows, connector.ParsedRow{Table: tableIndicators, Origin: SourceID, Values: values})
	}
	return rows, nil
}

// effectiveValue picks the filled side of the value/rate pair. Both fields
// are always present and the unused one is zero, so the larger magnitude
// wins when the pair disagrees.
func effectiveValue(value, rate interface{}) (float64, bool) {
	v, vok := numeric(value)
	r, rok := numeric(rate)
	switch {
	case vok && rok:
		if r > v {
			return r, true
		}
		return v, true
	case vok:
		return v, true
	case rok:
		return r, true
	}
	return 0, false
}

func numeric(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := consolidate.ParseBrazilianFloat(s)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func feedHeaders() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	return h
}
