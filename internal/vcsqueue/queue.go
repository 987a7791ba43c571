// Package vcsqueue serializes version-control mutations through a shared
// FIFO. Any number of processes may enqueue; each item is claimed by
// exactly one drainer.
package vcsqueue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/storage"
	"github.com/mpataki/smithers/internal/telemetry"
)

// DefaultStaleAfter bounds how long an item may stay processing before
// ReapStale fails it.
const DefaultStaleAfter = 30 * time.Minute

// ClaimExpired is the error recorded on items failed by ReapStale.
const ClaimExpired = "claim expired"

type Queue struct {
	db       storage.DB
	logger   *slog.Logger
	tracer   trace.Tracer
	enqueued metric.Int64Counter
	claimed  metric.Int64Counter
}

func New(db storage.DB, logger *slog.Logger) *Queue {
	return &Queue{
		db:       db,
		logger:   telemetry.Component(logger, "vcsqueue"),
		tracer:   telemetry.Tracer(),
		enqueued: telemetry.Counter("smithers.vcs.enqueued", "VCS operations enqueued"),
		claimed:  telemetry.Counter("smithers.vcs.claimed", "VCS operations claimed for processing"),
	}
}

// Enqueue appends a pending operation and returns its id.
func (q *Queue) Enqueue(ctx context.Context, operation string, payload any) (int64, error) {
	var payloadText *string
	if payload != nil {
		s, err := jsonval.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize %s payload: %w", operation, err)
		}
		payloadText = &s
	}

	res, err := q.db.Execute(ctx,
		`INSERT INTO vcs_queue (operation, payload, status, created_at) VALUES (?, ?, 'pending', ?)`,
		operation, payloadText, storage.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s: %w", operation, err)
	}
	q.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	return res.LastInsertID, nil
}

// Dequeue claims the oldest pending item, or returns nil when none is pending.
func (q *Queue) Dequeue(ctx context.Context) (*models.VCSItem, error) {
	ctx, span := q.tracer.Start(ctx, "vcsqueue.dequeue")
	defer span.End()

	var item *models.VCSItem
	err := q.db.RunInTx(ctx, func(tx storage.Querier) error {
		var id int64
		found, err := tx.QueryOneRow(ctx,
			`SELECT id FROM vcs_queue WHERE status = 'pending' ORDER BY id LIMIT 1`, nil, &id)
		if err != nil || !found {
			return err
		}

		res, err := tx.Execute(ctx,
			`UPDATE vcs_queue SET status = 'processing', started_at = ? WHERE id = ? AND status = 'pending'`,
			storage.Now(), id,
		)
		if err != nil || res.RowsAffected == 0 {
			return err
		}

		item, err = getItem(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if item != nil {
		span.SetAttributes(attribute.Int64("vcs.id", item.ID), attribute.String("vcs.operation", item.Operation))
		q.claimed.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", item.Operation)))
	}
	return item, nil
}

// Complete finishes an item: done when errText is empty, failed otherwise.
// Items that already finished keep their first outcome.
func (q *Queue) Complete(ctx context.Context, id int64, errText string) error {
	status := models.VCSStatusDone
	var errVal *string
	if errText != "" {
		status = models.VCSStatusFailed
		errVal = &errText
	}

	res, err := q.db.Execute(ctx,
		`UPDATE vcs_queue SET status = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing')`,
		string(status), errVal, storage.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete vcs item %d: %w", id, err)
	}
	if res.RowsAffected == 0 {
		q.logger.Debug("complete ignored", "vcs_id", id)
	}
	return nil
}

// ReapStale fails processing items claimed longer than staleAfter ago and
// returns their ids.
func (q *Queue) ReapStale(ctx context.Context, staleAfter time.Duration) ([]int64, error) {
	cutoff := storage.FormatTime(time.Now().Add(-staleAfter))
	var reaped []int64
	err := q.db.RunInTx(ctx, func(tx storage.Querier) error {
		reaped = nil
		err := tx.QueryRows(ctx,
			`SELECT id FROM vcs_queue WHERE status = 'processing' AND COALESCE(started_at, created_at) <= ? ORDER BY id`,
			[]any{cutoff},
			func(sc storage.Scanner) error {
				var id int64
				if err := sc.Scan(&id); err != nil {
					return err
				}
				reaped = append(reaped, id)
				return nil
			},
		)
		if err != nil || len(reaped) == 0 {
			return err
		}
		_, err = tx.Execute(ctx,
			`UPDATE vcs_queue SET status = 'failed', error = ?, completed_at = ?
			 WHERE status = 'processing' AND COALESCE(started_at, created_at) <= ?`,
			ClaimExpired, storage.Now(), cutoff,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reap stale vcs items: %w", err)
	}
	if len(reaped) > 0 {
		q.logger.Warn("reaped stale vcs items", "ids", reaped, "stale_after", staleAfter)
	}
	return reaped, nil
}

// Retry enqueues a copy of a failed item and returns the new id. Items in
// any other status are not retried and yield 0.
func (q *Queue) Retry(ctx context.Context, id int64) (int64, error) {
	var newID int64
	err := q.db.RunInTx(ctx, func(tx storage.Querier) error {
		res, err := tx.Execute(ctx,
			`INSERT INTO vcs_queue (operation, payload, status, created_at)
			 SELECT operation, payload, 'pending', ? FROM vcs_queue WHERE id = ? AND status = 'failed'`,
			storage.Now(), id,
		)
		if err != nil {
			return err
		}
		if res.RowsAffected == 1 {
			newID = res.LastInsertID
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to retry vcs item %d: %w", id, err)
	}
	return newID, nil
}

// Get returns the item, or nil when it does not exist.
func (q *Queue) Get(ctx context.Context, id int64) (*models.VCSItem, error) {
	return getItem(ctx, q.db, id)
}

// GetPending lists pending items in FIFO order.
func (q *Queue) GetPending(ctx context.Context) ([]*models.VCSItem, error) {
	return q.list(ctx, `SELECT `+itemColumns+` FROM vcs_queue WHERE status = 'pending' ORDER BY id`)
}

// List returns the most recent items, newest first.
func (q *Queue) List(ctx context.Context, limit int) ([]*models.VCSItem, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.list(ctx, `SELECT `+itemColumns+` FROM vcs_queue ORDER BY id DESC LIMIT ?`, limit)
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]*models.VCSItem, error) {
	var out []*models.VCSItem
	err := q.db.QueryRows(ctx, query, args, func(sc storage.Scanner) error {
		item, err := scanItem(sc)
		if err != nil {
			return err
		}
		out = append(out, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list vcs items: %w", err)
	}
	return out, nil
}

const itemColumns = `id, operation, payload, status, created_at, started_at, completed_at, error`

func getItem(ctx context.Context, q storage.Querier, id int64) (*models.VCSItem, error) {
	var item *models.VCSItem
	err := q.QueryRows(ctx, `SELECT `+itemColumns+` FROM vcs_queue WHERE id = ?`, []any{id},
		func(sc storage.Scanner) error {
			var err error
			item, err = scanItem(sc)
			return err
		},
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func scanItem(sc storage.Scanner) (*models.VCSItem, error) {
	var item models.VCSItem
	var payload, startedAt, completedAt, errText sql.NullString
	var createdAt string
	if err := sc.Scan(&item.ID, &item.Operation, &payload, &item.Status, &createdAt,
		&startedAt, &completedAt, &errText); err != nil {
		return nil, err
	}
	item.Payload = jsonval.ParseOr(payload.String, jsonval.NullValue())
	item.CreatedAt = storage.ParseTime(createdAt)
	item.StartedAt = storage.ParseNullTime(startedAt)
	item.CompletedAt = storage.ParseNullTime(completedAt)
	item.Error = errText.String
	return &item, nil
}
