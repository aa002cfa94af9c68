package sync

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"

	"github.com/JohanCodinha/ghnotion/internal/batch"
	"github.com/JohanCodinha/ghnotion/internal/mapper"
	"github.com/JohanCodinha/ghnotion/internal/notion"
	"github.com/JohanCodinha/ghnotion/internal/record"
	"github.com/JohanCodinha/ghnotion/internal/retry"
)

// propagate tells the Notion task linked from each closed pull request how
// it ended. Failures are logged and never reach the kind report; the return
// value is the number of tasks handled.
func (e *Engine) propagate(ctx context.Context, records []record.Record) int {
	log := clog.FromContext(ctx)

	var linked []record.Record
	for _, r := range records {
		if r.MirrorLink == "" || r.State != record.StateClosed {
			continue
		}
		if r.Merge != record.MergeMerged && r.Merge != record.MergeClosedUnmerged {
			continue
		}
		linked = append(linked, r)
	}
	if len(linked) == 0 {
		return 0
	}

	botID, err := e.bot(ctx)
	if err != nil {
		log.Warnf("sync: skipping merge status propagation: %v", err)
		return 0
	}

	report := batch.Run(ctx, linked, e.opts.BatchSize, func(ctx context.Context, r record.Record) error {
		return e.notifyTask(ctx, botID, r)
	})
	for _, res := range report.Failed() {
		log.With("key", int(res.Item.Key)).
			With("task", res.Item.MirrorLink).
			Warnf("sync: merge status propagation failed: %v", res.Err)
	}
	return report.Succeeded()
}

// bot resolves the integration's user ID once per engine.
func (e *Engine) bot(ctx context.Context) (string, error) {
	e.botOnce.Do(func() {
		e.botID, e.botErr = e.mirror.Me(ctx)
	})
	return e.botID, e.botErr
}

func (e *Engine) notifyTask(ctx context.Context, botID string, r record.Record) error {
	task := record.MirrorHandle(r.MirrorLink)

	if e.opts.UpdateStatus && e.opts.StatusProperty != "" {
		props := mapper.StatusProperty(e.opts.StatusProperty, r.Merge)
		err := retry.Do(ctx, e.opts.Retry, fmt.Sprintf("status of %s", task), notion.IsTransient, func() error {
			return e.mirror.UpdatePage(ctx, task, props)
		})
		if err != nil {
			return fmt.Errorf("setting %q on task %s: %w", e.opts.StatusProperty, task, err)
		}
	}

	commented, err := e.mirror.HasCommentFrom(ctx, task, botID)
	if err != nil {
		return err
	}
	if commented {
		clog.FromContext(ctx).Debugf("sync: task %s already notified", task)
		return nil
	}

	text := mapper.MergeComment(r.URL, r.Merge)
	return retry.Do(ctx, e.opts.Retry, fmt.Sprintf("comment on %s", task), notion.IsRateLimited, func() error {
		return e.mirror.CreateComment(ctx, task, text)
	})
}
