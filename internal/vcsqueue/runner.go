package vcsqueue

import (
	"context"
	"log/slog"

	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/telemetry"
)

// OperationFailed is recorded when an executor fails without a message.
const OperationFailed = "vcs operation failed"

// Executor applies one claimed operation to a working tree.
type Executor interface {
	Execute(ctx context.Context, item *models.VCSItem) error
}

// Runner drains the queue through an Executor, one item at a time.
type Runner struct {
	queue    *Queue
	executor Executor
	logger   *slog.Logger
}

func NewRunner(queue *Queue, executor Executor, logger *slog.Logger) *Runner {
	return &Runner{queue: queue, executor: executor, logger: telemetry.Component(logger, "vcs-runner")}
}

// Drain claims and executes items until none is pending or ctx is done.
// Executor failures are recorded on the item and do not stop the drain.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		item, err := r.queue.Dequeue(ctx)
		if err != nil {
			return processed, err
		}
		if item == nil {
			return processed, nil
		}

		errText := ""
		if err := r.executor.Execute(ctx, item); err != nil {
			errText = err.Error()
			if errText == "" {
				errText = OperationFailed
			}
			r.logger.Warn("vcs operation failed", "vcs_id", item.ID, "operation", item.Operation, "error", err)
		} else {
			r.logger.Info("vcs operation applied", "vcs_id", item.ID, "operation", item.Operation)
		}

		if err := r.queue.Complete(ctx, item.ID, errText); err != nil {
			return processed, err
		}
		processed++
	}
}
