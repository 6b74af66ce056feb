package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/PipeOpsHQ/agent-engine/checkpoint"
)

const RetentionJobName = "checkpoint-retention"

// Retention trims every checkpoint line to its newest Keep checkpoints.
type Retention struct {
	pruner  checkpoint.Pruner
	threads checkpoint.ThreadLister
	spaces  checkpoint.NamespaceLister
	keep    int
	logger  *slog.Logger
}

type RetentionReport struct {
	Threads int
	Lines   int
	Removed int
}

// NewRetention fails unless store can both prune and list its threads.
func NewRetention(store checkpoint.Store, keep int, logger *slog.Logger) (*Retention, error) {
	if keep < 1 {
		return nil, fmt.Errorf("keep must be >= 1")
	}
	pruner, ok := store.(checkpoint.Pruner)
	if !ok {
		return nil, fmt.Errorf("checkpoint store %T does not support pruning", store)
	}
	threads, ok := store.(checkpoint.ThreadLister)
	if !ok {
		return nil, fmt.Errorf("checkpoint store %T cannot list threads", store)
	}
	if logger == nil {
		logger = slog.Default()
	}
	spaces, _ := store.(checkpoint.NamespaceLister)
	return &Retention{pruner: pruner, threads: threads, spaces: spaces, keep: keep, logger: logger}, nil
}

// Run prunes all lines. A failing line is logged and skipped; the joined
// failures are returned after every line was attempted.
func (r *Retention) Run(ctx context.Context) (RetentionReport, error) {
	var report RetentionReport
	threads, err := r.threads.ListThreads(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list threads: %w", err)
	}
	var errs []error
	for _, threadID := range threads {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		namespaces := []string{checkpoint.DefaultNamespace}
		if r.spaces != nil {
			namespaces, err = r.spaces.ListNamespaces(ctx, threadID)
			if err != nil {
				r.logger.Warn("failed to list namespaces", "thread", threadID, "error", err)
				errs = append(errs, err)
				continue
			}
		}
		report.Threads++
		for _, ns := range namespaces {
			removed, err := r.pruner.Prune(ctx, threadID, ns, r.keep)
			if err != nil {
				r.logger.Warn("failed to prune checkpoints", "thread", threadID, "namespace", ns, "error", err)
				errs = append(errs, fmt.Errorf("thread %q: %w", threadID, err))
				continue
			}
			report.Lines++
			report.Removed += removed
		}
	}
	return report, errors.Join(errs...)
}

// Job adapts Run to the scheduler.
func (r *Retention) Job() JobFunc {
	return func(ctx context.Context) (string, error) {
		report, err := r.Run(ctx)
		return fmt.Sprintf("pruned %d checkpoints across %d threads (keep %d)", report.Removed, report.Threads, r.keep), err
	}
}
