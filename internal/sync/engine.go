// Package sync provides the reconciliation engine that mirrors GitHub records into Notion databases.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/jomei/notionapi"

	"github.com/JohanCodinha/ghnotion/internal/batch"
	"github.com/JohanCodinha/ghnotion/internal/index"
	"github.com/JohanCodinha/ghnotion/internal/ledger"
	"github.com/JohanCodinha/ghnotion/internal/mapper"
	"github.com/JohanCodinha/ghnotion/internal/metrics"
	"github.com/JohanCodinha/ghnotion/internal/notion"
	"github.com/JohanCodinha/ghnotion/internal/reconcile"
	"github.com/JohanCodinha/ghnotion/internal/record"
	"github.com/JohanCodinha/ghnotion/internal/retry"
	"github.com/JohanCodinha/ghnotion/internal/source"
)

// ErrOperation marks a single create or update that could not be applied.
var ErrOperation = errors.New("mirror operation failed")

// Fetcher returns the full snapshot of one kind.
type Fetcher interface {
	Fetch(ctx context.Context, repo source.Repo, kind record.Kind) ([]record.Record, error)
}

// Mirror is the Notion surface the engine writes through. *notion.Client implements it.
type Mirror interface {
	index.Store
	CreatePage(ctx context.Context, databaseID string, props notionapi.Properties, blocks []notionapi.Block) (record.MirrorHandle, error)
	AppendBlocks(ctx context.Context, handle record.MirrorHandle, blocks []notionapi.Block) error
	UpdatePage(ctx context.Context, handle record.MirrorHandle, props notionapi.Properties) error
	Me(ctx context.Context) (string, error)
	HasCommentFrom(ctx context.Context, handle record.MirrorHandle, userID string) (bool, error)
	CreateComment(ctx context.Context, handle record.MirrorHandle, text []notionapi.RichText) error
}

// Options configures an Engine.
type Options struct {
	Repo      source.Repo
	Databases map[record.Kind]string
	Schemas   mapper.Schemas // nil for mapper.DefaultSchemas
	BatchSize int            // below 1 means batch.DefaultSize
	DryRun    bool
	Retry     retry.Config
	Metrics   *metrics.Recorder // nil for a private recorder

	// Ledger, when set, receives every failed operation under RunID.
	Ledger *ledger.Ledger
	RunID  int64

	// PropagateMergeStatus comments on the Notion task linked from a closed
	// pull request. UpdateStatus also sets StatusProperty on that page.
	PropagateMergeStatus bool
	UpdateStatus         bool
	StatusProperty       string
}

// Engine reconciles source snapshots against mirror databases.
type Engine struct {
	fetcher Fetcher
	mirror  Mirror
	opts    Options

	botOnce gosync.Once
	botID   string
	botErr  error
}

// NewEngine creates a new sync engine.
func NewEngine(fetcher Fetcher, mirror Mirror, opts Options) *Engine {
	if opts.Schemas == nil {
		opts.Schemas = mapper.DefaultSchemas()
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = batch.DefaultSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Engine{fetcher: fetcher, mirror: mirror, opts: opts}
}

// Metrics returns the recorder the engine reports into.
func (e *Engine) Metrics() *metrics.Recorder { return e.opts.Metrics }

// OpFailure is an operation that did not apply.
type OpFailure struct {
	Op  record.Operation
	Err error
}

// KindReport is the outcome of reconciling one kind.
type KindReport struct {
	Kind       record.Kind
	Fetched    int
	Indexed    int
	Skipped    int
	Duplicates []index.Duplicate

	PlannedCreates int
	PlannedUpdates int
	Created        int
	Updated        int
	CreateGroups   []int
	UpdateGroups   []int
	Failures       []OpFailure

	// Propagated counts linked tasks notified of a merge outcome.
	Propagated int

	// Err is set when the kind aborted before any operation was attempted.
	Err      error
	Duration time.Duration
}

// OK reports whether the kind completed with no failed operation.
func (r KindReport) OK() bool { return r.Err == nil && len(r.Failures) == 0 }

// Summary aggregates the reports of one run, in run order.
type Summary struct {
	Kinds  []KindReport
	DryRun bool
}

// OK reports whether every kind completed cleanly.
func (s Summary) OK() bool {
	for _, k := range s.Kinds {
		if !k.OK() {
			return false
		}
	}
	return true
}

// FailedOps returns the number of failed operations across kinds.
func (s Summary) FailedOps() int {
	n := 0
	for _, k := range s.Kinds {
		n += len(k.Failures)
	}
	return n
}

// Kind returns the report of kind, if it ran.
func (s Summary) Kind(kind record.Kind) (KindReport, bool) {
	for _, k := range s.Kinds {
		if k.Kind == kind {
			return k, true
		}
	}
	return KindReport{}, false
}

// Run reconciles kinds one after another. A kind that fails is recorded in
// its report and the next kind still runs.
func (e *Engine) Run(ctx context.Context, kinds []record.Kind) Summary {
	summary := Summary{DryRun: e.opts.DryRun}
	for _, kind := range kinds {
		if err := ctx.Err(); err != nil {
			summary.Kinds = append(summary.Kinds, KindReport{Kind: kind, Err: err})
			continue
		}
		summary.Kinds = append(summary.Kinds, e.SyncKind(ctx, kind))
	}
	return summary
}

// SyncKind builds the identity index of kind, fetches its snapshot,
// classifies every record and applies creates then updates.
func (e *Engine) SyncKind(ctx context.Context, kind record.Kind) KindReport {
	start := time.Now()
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("kind", string(kind)))
	log := clog.FromContext(ctx)

	report := e.syncKind(ctx, kind)
	report.Duration = time.Since(start)

	if report.Err != nil {
		e.opts.Metrics.KindFailed(kind)
		log.Errorf("sync: %s aborted: %v", kind, report.Err)
		return report
	}
	log.With("created", report.Created).
		With("updated", report.Updated).
		With("failed", len(report.Failures)).
		With("duration", report.Duration).
		Infof("sync: %s complete", kind)
	return report
}

func (e *Engine) syncKind(ctx context.Context, kind record.Kind) KindReport {
	log := clog.FromContext(ctx)
	report := KindReport{Kind: kind}

	databaseID := e.opts.Databases[kind]
	if databaseID == "" {
		report.Err = fmt.Errorf("no mirror database configured for %s", kind)
		return report
	}
	schema, ok := e.opts.Schemas[kind]
	if !ok {
		report.Err = fmt.Errorf("no property schema for %s", kind)
		return report
	}
	if err := schema.Validate(); err != nil {
		report.Err = fmt.Errorf("%s: %w", kind, err)
		return report
	}

	idx, err := index.Build(ctx, e.mirror, databaseID, schema.Number)
	if err != nil {
		report.Err = err
		return report
	}
	report.Indexed = idx.Len()
	report.Skipped = idx.Skipped()
	report.Duplicates = idx.Duplicates()
	e.opts.Metrics.IndexSize(kind, idx.Len())
	e.opts.Metrics.Duplicates(kind, len(report.Duplicates))

	records, err := e.fetcher.Fetch(ctx, e.opts.Repo, kind)
	if err != nil {
		report.Err = err
		return report
	}
	report.Fetched = len(records)
	e.opts.Metrics.Fetched(kind, len(records))
	log.Infof("Fetched %d %s from %s", len(records), kind, e.opts.Repo)

	plan := reconcile.Classify(idx, records)
	report.PlannedCreates = len(plan.Creates)
	report.PlannedUpdates = len(plan.Updates)
	log.Infof("%d creates, %d updates planned", report.PlannedCreates, report.PlannedUpdates)

	if e.opts.DryRun {
		for _, op := range plan.Operations() {
			log.Infof("dry-run: would %s", op)
			e.opts.Metrics.Operation(kind, op.Type, metrics.OutcomeSkipped)
		}
		return report
	}

	apply := func(ctx context.Context, op record.Operation) error {
		return e.apply(ctx, databaseID, schema, op)
	}

	creates := batch.Run(ctx, plan.CreateOps(), e.opts.BatchSize, apply)
	report.CreateGroups = creates.Groups()
	report.Created = creates.Succeeded()
	e.collect(ctx, &report, creates)

	updates := batch.Run(ctx, plan.UpdateOps(), e.opts.BatchSize, apply)
	report.UpdateGroups = updates.Groups()
	report.Updated = updates.Succeeded()
	e.collect(ctx, &report, updates)

	if kind == record.KindPullRequests && e.opts.PropagateMergeStatus {
		report.Propagated = e.propagate(ctx, records)
	}
	return report
}

// collect records per-operation outcomes into the report, metrics and ledger.
func (e *Engine) collect(ctx context.Context, report *KindReport, r batch.Report[record.Operation]) {
	for _, res := range r.Results {
		op := res.Item
		if res.Err == nil {
			e.opts.Metrics.Operation(report.Kind, op.Type, metrics.OutcomeSuccess)
			continue
		}
		e.opts.Metrics.Operation(report.Kind, op.Type, metrics.OutcomeFailure)
		report.Failures = append(report.Failures, OpFailure{Op: op, Err: res.Err})
		clog.FromContext(ctx).With("key", int(op.Record.Key)).Errorf("sync: %v", res.Err)

		if e.opts.Ledger == nil {
			continue
		}
		if err := e.opts.Ledger.RecordFailure(e.opts.RunID, ledger.Failure{
			Kind:   string(report.Kind),
			Op:     op.Type.String(),
			Number: int(op.Record.Key),
			Handle: string(op.Handle),
			Error:  res.Err.Error(),
		}); err != nil {
			clog.FromContext(ctx).Warnf("sync: failed to record failure in ledger: %v", err)
		}
	}
}

func (e *Engine) apply(ctx context.Context, databaseID string, schema mapper.Schema, op record.Operation) error {
	var err error
	switch op.Type {
	case record.OpCreate:
		err = e.create(ctx, databaseID, schema, op)
	case record.OpUpdate:
		err = e.update(ctx, schema, op)
	default:
		err = fmt.Errorf("unknown operation type %d", op.Type)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOperation, op, err)
	}
	return nil
}

// create writes the page with its first chunk of content, then appends the
// remaining chunks in order. Only a rate-limited create is retried: any
// other failure may have created the page already.
func (e *Engine) create(ctx context.Context, databaseID string, schema mapper.Schema, op record.Operation) error {
	props := mapper.Properties(schema, op.Record)
	chunks := notion.Chunks(mapper.Blocks(op.Record), notion.MaxBlocksPerRequest)

	var first []notionapi.Block
	if len(chunks) > 0 {
		first, chunks = chunks[0], chunks[1:]
	}

	var handle record.MirrorHandle
	err := retry.Do(ctx, e.opts.Retry, op.String(), notion.IsRateLimited, func() error {
		h, err := e.mirror.CreatePage(ctx, databaseID, props, first)
		handle = h
		return err
	})
	if err != nil {
		return err
	}

	for i, chunk := range chunks {
		err := retry.Do(ctx, e.opts.Retry, fmt.Sprintf("append to %s", handle), notion.IsTransient, func() error {
			return e.mirror.AppendBlocks(ctx, handle, chunk)
		})
		if err != nil {
			return fmt.Errorf("page %s created but content chunk %d of %d failed: %w", handle, i+2, len(chunks)+1, err)
		}
	}
	clog.FromContext(ctx).Debugf("sync: created %s as %s", op, handle)
	return nil
}

// update overwrites the page properties. Page content is left as created.
func (e *Engine) update(ctx context.Context, schema mapper.Schema, op record.Operation) error {
	props := mapper.Properties(schema, op.Record)
	return retry.Do(ctx, e.opts.Retry, op.String(), notion.IsTransient, func() error {
		return e.mirror.UpdatePage(ctx, op.Handle, props)
	})
}
