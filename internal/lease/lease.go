// Package lease arbitrates which agent may fix a broken build. The lease is
// a single row shared by every process using the database; claims are
// decided by a conditional update inside one immediate transaction.
package lease

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/storage"
	"github.com/mpataki/smithers/internal/telemetry"
)

// DefaultStaleAfter is how long a fixer may hold the lease before Cleanup
// returns it to the pool.
const DefaultStaleAfter = 15 * time.Minute

type Options struct {
	// Wait is echoed to losing callers as the suggested retry delay.
	Wait time.Duration
}

type Result struct {
	ShouldFix  bool
	State      models.BuildState
	RetryAfter time.Duration
}

type Lease struct {
	db       storage.DB
	logger   *slog.Logger
	tracer   trace.Tracer
	claims   metric.Int64Counter
	released metric.Int64Counter
}

func New(db storage.DB, logger *slog.Logger) *Lease {
	return &Lease{
		db:       db,
		logger:   telemetry.Component(logger, "lease"),
		tracer:   telemetry.Tracer(),
		claims:   telemetry.Counter("smithers.lease.claims", "Build-fix lease claim attempts"),
		released: telemetry.Counter("smithers.lease.stale_released", "Stale build-fix leases released"),
	}
}

// HandleBrokenBuild reports a broken build on behalf of agentID and tries
// to claim the fix. Exactly one concurrent caller receives ShouldFix.
func (l *Lease) HandleBrokenBuild(ctx context.Context, agentID string, opts Options) (*Result, error) {
	ctx, span := l.tracer.Start(ctx, "lease.handle_broken_build",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	result := &Result{}
	now := storage.Now()
	err := l.db.RunInTx(ctx, func(q storage.Querier) error {
		if _, err := q.Execute(ctx,
			`UPDATE build_state SET status = 'broken', broken_at = ?, released_at = NULL, last_check_at = ?
			 WHERE id = 1 AND status = 'passing'`,
			now, now,
		); err != nil {
			return fmt.Errorf("failed to mark build broken: %w", err)
		}

		// The first fixer after a break is timed from broken_at; later
		// fixers from their own claim.
		res, err := q.Execute(ctx,
			`UPDATE build_state SET status = 'fixing', fixer_agent_id = ?,
				fixing_since = CASE WHEN released_at IS NULL THEN COALESCE(broken_at, ?) ELSE ? END,
				last_check_at = ?
			 WHERE id = 1 AND status <> 'fixing'`,
			agentID, now, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to claim lease: %w", err)
		}
		result.ShouldFix = res.RowsAffected == 1

		st, err := readState(ctx, q)
		if err != nil {
			return err
		}
		result.State = *st
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Bool("lease.won", result.ShouldFix))
	l.claims.Add(ctx, 1, metric.WithAttributes(attribute.Bool("won", result.ShouldFix)))
	if result.ShouldFix {
		l.logger.Info("build-fix lease claimed", "agent_id", agentID)
	} else {
		result.RetryAfter = opts.Wait
		l.logger.Debug("build-fix lease held elsewhere",
			"agent_id", agentID, "fixer_agent_id", result.State.FixerAgentID)
	}
	return result, nil
}

// Cleanup returns a fixing lease to broken when its claim is older than
// staleAfter. The first claim after a break counts from when the build
// broke; a claim taken after a release counts from the claim. It reports
// whether a lease was released.
func (l *Lease) Cleanup(ctx context.Context, staleAfter time.Duration) (bool, error) {
	ctx, span := l.tracer.Start(ctx, "lease.cleanup")
	defer span.End()

	cutoff := storage.FormatTime(time.Now().Add(-staleAfter))
	res, err := l.db.Execute(ctx,
		`UPDATE build_state SET status = 'broken', fixer_agent_id = NULL, fixing_since = NULL, released_at = ?
		 WHERE id = 1 AND status = 'fixing' AND COALESCE(fixing_since, broken_at, '') <= ?`,
		storage.Now(), cutoff,
	)
	if err != nil {
		return false, fmt.Errorf("failed to clean up lease: %w", err)
	}
	released := res.RowsAffected == 1
	if released {
		l.released.Add(ctx, 1)
		l.logger.Warn("released stale build-fix lease", "stale_after", staleAfter)
	}
	return released, nil
}

// MarkFixed resets the lease to passing regardless of who holds it.
func (l *Lease) MarkFixed(ctx context.Context) error {
	_, err := l.db.Execute(ctx,
		`UPDATE build_state SET status = 'passing', fixer_agent_id = NULL, broken_at = NULL,
			fixing_since = NULL, released_at = NULL, last_check_at = ?
		 WHERE id = 1`,
		storage.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark build fixed: %w", err)
	}
	l.logger.Info("build marked fixed")
	return nil
}

// MarkBroken records a failing build without claiming it. A build that is
// already broken or being fixed is left alone.
func (l *Lease) MarkBroken(ctx context.Context) (bool, error) {
	now := storage.Now()
	res, err := l.db.Execute(ctx,
		`UPDATE build_state SET status = 'broken', broken_at = ?, released_at = NULL, last_check_at = ?
		 WHERE id = 1 AND status = 'passing'`,
		now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark build broken: %w", err)
	}
	return res.RowsAffected == 1, nil
}

// Release gives up the lease if agentID holds it.
func (l *Lease) Release(ctx context.Context, agentID string) (bool, error) {
	res, err := l.db.Execute(ctx,
		`UPDATE build_state SET status = 'broken', fixer_agent_id = NULL, fixing_since = NULL, released_at = ?
		 WHERE id = 1 AND status = 'fixing' AND fixer_agent_id = ?`,
		storage.Now(), agentID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release lease: %w", err)
	}
	return res.RowsAffected == 1, nil
}

// Touch records that the build was just checked.
func (l *Lease) Touch(ctx context.Context) error {
	if _, err := l.db.Execute(ctx,
		`UPDATE build_state SET last_check_at = ? WHERE id = 1`, storage.Now()); err != nil {
		return fmt.Errorf("failed to record build check: %w", err)
	}
	return nil
}

// Get returns the current lease row. A closed store yields a zero state.
func (l *Lease) Get(ctx context.Context) (*models.BuildState, error) {
	return readState(ctx, l.db)
}

func readState(ctx context.Context, q storage.Querier) (*models.BuildState, error) {
	var st models.BuildState
	var fixer, brokenAt, fixingSince, lastCheck sql.NullString
	_, err := q.QueryOneRow(ctx,
		`SELECT status, fixer_agent_id, broken_at, fixing_since, last_check_at FROM build_state WHERE id = 1`, nil,
		&st.Status, &fixer, &brokenAt, &fixingSince, &lastCheck,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read build state: %w", err)
	}
	st.FixerAgentID = fixer.String
	st.BrokenAt = storage.ParseNullTime(brokenAt)
	st.FixingSince = storage.ParseNullTime(fixingSince)
	st.LastCheckAt = storage.ParseNullTime(lastCheck)
	return &st, nil
}
