// Package pipeline drives job runs: one execution of a source family's
// ingestion, from discovery through artifact publication.
//
// Each run is an explicit state machine
//
//	Discovering → Fetching → Parsing → Transforming → Writing → Completed
//
// with a terminal Failed(stage, reason) reachable from any state. A
// per-document fetch or parse failure is recorded and the run continues;
// a publish failure, an empty discovery, or an exhausted wall-clock budget
// fails the whole run. Within a run, documents are processed by a bounded
// worker pool; the per-host politeness gate is the only cross-worker
// serialization point.
//
// Ledger commits happen strictly after every artifact publish has
// succeeded, one keyed commit per contributing document. A crash or
// failure anywhere earlier leaves the ledger untouched, so the affected
// documents are reprocessed on the next run instead of being lost.
package pipeline

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/garimpo-io/garimpo/pkg/artifact"
	"github.com/garimpo-io/garimpo/pkg/config"
	"github.com/garimpo-io/garimpo/pkg/connector/registry"
	"github.com/garimpo-io/garimpo/pkg/consolidate"
	"github.com/garimpo-io/garimpo/pkg/fetch"
	"github.com/garimpo-io/garimpo/pkg/formats/columnar"
	"github.com/garimpo-io/garimpo/pkg/ledger"
	"github.com/garimpo-io/garimpo/pkg/logger"
	"github.com/garimpo-io/garimpo/pkg/metrics"
	"github.com/garimpo-io/garimpo/pkg/storage"
	"github.com/garimpo-io/garimpo/pkg/trace"
)

// Runner executes job runs against a shared fetch client, ledger and object
// store. One Runner serves every source family of a process; the per-run
// state lives in the run type.
type Runner struct {
	config  *config.Config
	client  *fetch.Client
	ledger  ledger.Store
	catalog *consolidate.Catalog
	writer  *artifact.Writer
	now     func() time.Time
}

// NewRunner wires a runner from its collaborators. The cache is optional.
func NewRunner(cfg *config.Config, client *fetch.Client, led ledger.Store,
	store storage.ObjectStore, catalog *consolidate.Catalog, cache storage.Cache) (*Runner, error) {

	format, err := columnar.ParseFormat(cfg.Run.Format)
	if err != nil {
		return nil, err
	}

	return &Runner{
		config:  cfg,
		client:  client,
		ledger:  led,
		catalog: catalog,
		writer: artifact.NewWriter(store, catalog, artifact.Config{
			Format: format,
			Cache:  cache,
		}),
		now: time.Now,
	}, nil
}

// Sources lists the runnable source families: every registered connector
// not disabled by configuration, in stable order.
func (r *Runner) Sources() []string {
	var ids []string
	for _, id := range registry.List() {
		if r.config.Source(id).Disabled {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunAll executes one run per runnable source family, sequentially by
// default or concurrently under run.parallel. Families touch disjoint
// ledger keys and gold tables, so one family's terminal failure never
// stops the others.
func (r *Runner) RunAll(ctx context.Context) []Result {
	ids := r.Sources()
	results := make([]Result, len(ids))

	if !r.config.Run.Parallel {
		for i, id := range ids {
			results[i] = r.Run(ctx, id)
		}
		return results
	}

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			results[i] = r.Run(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run executes one job run for a source family. Terminal failures are
// reported in the Result, never as a panic or process exit.
func (r *Runner) Run(ctx context.Context, sourceID string) Result {
	tc := trace.New(sourceID)
	ctx = tc.Attach(ctx)
	log := logger.Get().With(tc.Fields()...)

	res := Result{
		Source:    sourceID,
		TraceID:   tc.ID,
		State:     StateDiscovering,
		StartedAt: tc.StartedAt,
	}

	runCtx, cancel := context.WithTimeout(ctx, r.config.Run.Timeout)
	defer cancel()

	ru := &run{runner: r, source: sourceID, trace: tc, result: &res}
	ru.execute(runCtx)

	res.Skipped = ru.skipped
	res.Failed = len(res.Failures)
	res.Duration = r.now().Sub(res.StartedAt)

	state := "completed"
	if res.State != StateCompleted {
		state = "failed"
	}
	metrics.RunsTotal.WithLabelValues(sourceID, state).Inc()
	metrics.RunDuration.WithLabelValues(sourceID, state).Observe(res.Duration.Seconds())

	if res.Completed() {
		log.Info("run completed",
			zap.Int("succeeded", res.Succeeded),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
			zap.Int("artifacts", len(res.Artifacts)),
			zap.Duration("duration", res.Duration))
	} else {
		log.Error("run failed",
			zap.String("stage", res.FailedStage),
			zap.Error(res.Err),
			zap.Duration("duration", res.Duration))
	}
	return res
}

func (r *Runner) workers() int {
	if n := r.config.Run.Workers; n > 0 {
		return n
	}
	return 4
}
