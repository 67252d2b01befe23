package pipeline

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/garimpo-io/garimpo/pkg/connector"
	"github.com/garimpo-io/garimpo/pkg/connector/registry"
	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/errors"
	"github.com/garimpo-io/garimpo/pkg/fetch"
	"github.com/garimpo-io/garimpo/pkg/ledger"
	"github.com/garimpo-io/garimpo/pkg/logger"
	"github.com/garimpo-io/garimpo/pkg/metrics"
	"github.com/garimpo-io/garimpo/pkg/trace"
)

// document is one fetched-and-kept unit flowing through a run.
type document struct {
	id           string
	documentType string
	raw          *fetch.RawDocument

	// validators are what gets committed after publication. Discovery-time
	// validators win over response headers so the next run's pre-fetch
	// check compares like with like.
	validators ledger.Validators

	rows   []connector.ParsedRow
	parsed bool
}

// run is the mutable state of one executing JobRun.
type run struct {
	runner *Runner
	source string
	trace  trace.Context
	result *Result

	conn connector.Connector
	desc connector.Descriptor

	mu        sync.Mutex
	documents []*document
	skipped   int
}

func (ru *run) execute(ctx context.Context) {
	candidates, ok := ru.discover(ctx)
	if !ok {
		return
	}
	ru.fetchAll(ctx, candidates)
	if !ru.checkBudget(ctx) {
		return
	}
	ru.parseAll(ctx)
	if !ru.checkBudget(ctx) {
		return
	}
	tables := ru.transform(ctx)
	if !ru.checkBudget(ctx) {
		return
	}
	ru.write(ctx, tables)
}

func (ru *run) discover(ctx context.Context) ([]connector.Candidate, bool) {
	ru.result.State = StateDiscovering

	conn, err := registry.Create(ru.source, ru.runner.client, ru.runner.config.Source(ru.source))
	if err != nil {
		ru.fail(string(StateDiscovering), err)
		return nil, false
	}
	ru.conn = conn
	ru.desc = conn.Descriptor()

	// Catalog listings hit the source host too, so the politeness interval
	// must be live before the first discovery request goes out.
	ru.bindHost(ru.desc.BaseURL)

	candidates, err := conn.Discover(ctx)
	if err != nil {
		ru.fail(string(StateDiscovering), err)
		return nil, false
	}
	if len(candidates) == 0 {
		ru.fail(string(StateDiscovering),
			errors.Newf(errors.ErrorTypeNotFound, "source %s discovered no documents", ru.source))
		return nil, false
	}

	ru.applyCrawlDelay(candidates)

	logger.WithContext(ctx).Info("discovery finished", zap.Int("candidates", len(candidates)))
	return candidates, true
}

// applyCrawlDelay binds the family's politeness interval to every host the
// run will touch.
func (ru *run) applyCrawlDelay(candidates []connector.Candidate) {
	for _, cand := range candidates {
		ru.bindHost(cand.Request.URL)
	}
}

// bindHost throttles one URL's host at the family's crawl delay. Re-binding
// an already throttled host keeps its spacing watermark.
func (ru *run) bindHost(rawURL string) {
	if ru.desc.CrawlDelay <= 0 || rawURL == "" {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return
	}
	ru.runner.client.Gate().SetDelay(u.Host, ru.desc.CrawlDelay)
}

// fetchAll runs the fetch stage: the ledger pre-check on discovery
// validators, the fetch itself, the post-fetch fingerprint check and
// optional raw archival. Budget expiry stops dispatching new documents;
// in-flight ones drain on a detached context bounded by the retry policy's
// attempt budget.
func (ru *run) fetchAll(ctx context.Context, candidates []connector.Candidate) {
	ru.result.State = StateFetching

	var g errgroup.Group
	g.SetLimit(ru.runner.workers())
	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ru.fetchOne(ctx, cand)
			return nil
		})
	}
	_ = g.Wait()
}

func (ru *run) fetchOne(ctx context.Context, cand connector.Candidate) {
	id := cand.Request.DocumentID
	ctx = context.WithValue(ctx, logger.DocumentIDKey, id)

	if cand.Validators != (ledger.Validators{}) {
		proceed, err := ru.runner.ledger.ShouldProcess(ctx, ru.source, id, cand.Validators)
		if err != nil {
			ru.recordFailure(id, StateFetching, err)
			return
		}
		if !proceed {
			ru.recordSkip(ctx, id, "validators")
			return
		}
	}

	// In-flight work survives run cancellation so payloads are never torn
	// mid-read; every attempt stays bounded by the client request timeout.
	fetchCtx := context.WithoutCancel(ctx)

	doc, err := ru.runner.client.Fetch(fetchCtx, cand.Request, ru.desc.Retry)
	if err != nil {
		ru.recordFailure(id, StateFetching, err)
		return
	}

	proceed, err := ru.runner.ledger.ShouldProcess(ctx, ru.source, id,
		ledger.Validators{Fingerprint: doc.Fingerprint})
	if err != nil {
		ru.recordFailure(id, StateFetching, err)
		return
	}
	if !proceed {
		ru.recordSkip(ctx, id, "fingerprint")
		return
	}

	if ru.runner.config.Run.ArchiveRaw {
		if _, err := ru.runner.writer.ArchiveRaw(fetchCtx, doc, cand.DocumentType, ru.trace.ID); err != nil {
			ru.recordFailure(id, StateFetching, err)
			return
		}
	}

	v := ledger.Validators{
		Fingerprint:  doc.Fingerprint,
		ETag:         doc.ETag,
		LastModified: doc.LastModified,
	}
	if cand.Validators.ETag != "" {
		v.ETag = cand.Validators.ETag
	}
	if cand.Validators.LastModified != "" {
		v.LastModified = cand.Validators.LastModified
	}

	ru.mu.Lock()
	ru.documents = append(ru.documents, &document{
		id:           id,
		documentType: cand.DocumentType,
		raw:          doc,
		validators:   v,
	})
	ru.mu.Unlock()
}

// parseAll turns every fetched document into rows. Documents are ordered by
// id first so downstream consolidation sees a deterministic row sequence
// regardless of fetch completion order.
func (ru *run) parseAll(ctx context.Context) {
	ru.result.State = StateParsing

	ru.mu.Lock()
	sort.Slice(ru.documents, func(i, j int) bool { return ru.documents[i].id < ru.documents[j].id })
	docs := ru.documents
	ru.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(ru.runner.workers())
	for _, d := range docs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			docCtx := context.WithValue(ctx, logger.DocumentIDKey, d.id)
			rows, err := ru.conn.Parse(docCtx, d.raw)
			if err != nil {
				metrics.DocumentsParsed.WithLabelValues(ru.source, "failure").Inc()
				ru.recordFailure(d.id, StateParsing, err)
				return nil
			}
			metrics.DocumentsParsed.WithLabelValues(ru.source, "success").Inc()
			for i := range rows {
				rows[i].DocumentID = d.id
				rows[i].RefDate = d.raw.RefDate
			}
			d.parsed = true
			d.rows = rows
			return nil
		})
	}
	_ = g.Wait()
}

// tableOutput pairs one table's consolidated records with the fingerprints
// of the documents that contributed rows to it.
type tableOutput struct {
	name         string
	schema       *consolidate.TableSchema
	records      []*consolidate.GoldRecord
	fingerprints []string
}

func (ru *run) transform(ctx context.Context) []*tableOutput {
	ru.result.State = StateTransforming

	rowsByTable := make(map[string][]connector.ParsedRow)
	printsByTable := make(map[string][]string)
	seen := make(map[string]map[string]struct{})
	for _, d := range ru.documents {
		if !d.parsed {
			continue
		}
		for _, row := range d.rows {
			rowsByTable[row.Table] = append(rowsByTable[row.Table], row)
			if seen[row.Table] == nil {
				seen[row.Table] = make(map[string]struct{})
			}
			if _, done := seen[row.Table][d.raw.Fingerprint]; !done {
				seen[row.Table][d.raw.Fingerprint] = struct{}{}
				printsByTable[row.Table] = append(printsByTable[row.Table], d.raw.Fingerprint)
			}
		}
	}

	names := make([]string, 0, len(rowsByTable))
	for name := range rowsByTable {
		names = append(names, name)
	}
	sort.Strings(names)

	outputs := make([]*tableOutput, 0, len(names))
	for _, name := range names {
		schema, ok := ru.runner.catalog.Table(name)
		if !ok {
			logger.WithContext(ctx).Warn("parsed rows target a table missing from the catalog",
				zap.String("table", name),
				zap.Int("rows", len(rowsByTable[name])))
			continue
		}
		result := consolidate.Consolidate(ctx, schema, rowsByTable[name])
		outputs = append(outputs, &tableOutput{
			name:         name,
			schema:       schema,
			records:      result.Records,
			fingerprints: printsByTable[name],
		})
	}
	return outputs
}

// write publishes every table artifact, then commits the contributing
// documents. Commit ordering is the run's durability contract: a publish
// failure fails the run before any ledger write, so nothing is ever marked
// processed ahead of its artifact.
func (ru *run) write(ctx context.Context, tables []*tableOutput) {
	ru.result.State = StateWriting

	runDate := ru.runDate()
	for _, tbl := range tables {
		refDate := tbl.schema.ReferenceDate(tbl.records, runDate)
		loc, err := ru.runner.writer.Publish(ctx, tbl.name, refDate, tbl.records, ru.trace.ID, tbl.fingerprints)
		if err != nil {
			ru.fail(string(StateWriting), err)
			return
		}
		ru.result.Artifacts = append(ru.result.Artifacts, loc)
	}

	ru.commit(ctx)
}

func (ru *run) commit(ctx context.Context) {
	now := ru.runner.now().UTC()
	for _, d := range ru.documents {
		if !d.parsed {
			continue
		}
		entry := ledger.Entry{
			SourceID:    ru.source,
			DocumentID:  d.id,
			Validators:  d.validators,
			TraceID:     ru.trace.ID,
			CommittedAt: now,
		}
		if err := ru.runner.ledger.Commit(ctx, entry); err != nil {
			// The artifact is already live; a failed commit only costs a
			// redundant refetch on the next run.
			logger.WithContext(ctx).Error("ledger commit failed",
				zap.String("document_id", d.id), zap.Error(err))
			ru.recordFailure(d.id, StateWriting, err)
			continue
		}
		ru.result.Succeeded++
	}

	ru.result.State = StateCompleted
}

// runDate is the reference date for tables that publish under the run date.
// Config validation guarantees run.ref_date parses when set.
func (ru *run) runDate() time.Time {
	if pinned := ru.runner.config.Run.RefDate; pinned != "" {
		if t, err := time.Parse("2006-01-02", pinned); err == nil {
			return t
		}
	}
	now := ru.runner.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (ru *run) fail(stage string, err error) {
	ru.result.State = StateFailed
	ru.result.FailedStage = stage
	ru.result.Err = err
}

func (ru *run) checkBudget(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		ru.fail(StageTimeout, errors.Wrap(err, errors.ErrorTypeTimeout, "run budget exhausted"))
		return false
	}
	return true
}

func (ru *run) recordFailure(id string, stage State, err error) {
	ru.mu.Lock()
	ru.result.Failures = append(ru.result.Failures, DocumentFailure{DocumentID: id, Stage: stage, Err: err})
	ru.mu.Unlock()
}

func (ru *run) recordSkip(ctx context.Context, id, reason string) {
	ru.mu.Lock()
	ru.skipped++
	ru.mu.Unlock()
	metrics.DocumentsSkipped.WithLabelValues(ru.source).Inc()
	logger.WithContext(ctx).Debug("document unchanged, skipping",
		zap.String("document_id", id), zap.String("reason", reason))
}
