// Package trace provides run-scoped trace identifiers.
//
// A Context is created once per job run and passed explicitly through every
// stage (fetch, parse, consolidate, publish) so that concurrent runs stay
// isolated and every published artifact can be tied back to the run that
// produced it. There is no ambient/global trace state.
package trace

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/garimpo-io/garimpo/pkg/logger"
)

// Context identifies one job run end to end.
type Context struct {
	// ID is the run trace identifier. ULIDs sort by creation time, which
	// keeps artifact metadata and ledger rows naturally ordered by run.
	ID string
	// Source is the source family the run belongs to.
	Source string
	// StartedAt is when the run began.
	StartedAt time.Time
}

// New creates a trace context for one run of the given source family.
func New(source string) Context {
	return Context{
		ID:        ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		Source:    source,
		StartedAt: time.Now().UTC(),
	}
}

// Fields returns the zap fields every run-scoped log line carries.
func (t Context) Fields() []zap.Field {
	return []zap.Field{
		zap.String("trace_id", t.ID),
		zap.String("source", t.Source),
	}
}

// Attach stores the trace identifiers on a context for logger.WithContext.
func (t Context) Attach(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, logger.TraceIDKey, t.ID)
	ctx = context.WithValue(ctx, logger.SourceKey, t.Source)
	return ctx
}
