// Package state is the shared key/value store and its transition audit log.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mpataki/smithers/internal/jsonval"
	"github.com/mpataki/smithers/internal/models"
	"github.com/mpataki/smithers/internal/scope"
	"github.com/mpataki/smithers/internal/storage"
	"github.com/mpataki/smithers/internal/telemetry"
)

const DefaultHistoryLimit = 100

type Store struct {
	db     storage.DB
	logger *slog.Logger
}

func New(db storage.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: telemetry.Component(logger, "state")}
}

// Get returns the value for key. Missing keys and malformed stored values
// both yield null.
func (s *Store) Get(ctx context.Context, key string) (jsonval.Value, error) {
	var raw string
	found, err := s.db.QueryOneRow(ctx, `SELECT value FROM state WHERE key = ?`, []any{key}, &raw)
	if err != nil {
		return jsonval.NullValue(), fmt.Errorf("failed to get state %q: %w", key, err)
	}
	if !found {
		return jsonval.NullValue(), nil
	}
	return jsonval.ParseOr(raw, jsonval.NullValue()), nil
}

// All returns every key in key order.
func (s *Store) All(ctx context.Context) ([]models.StateEntry, error) {
	var out []models.StateEntry
	err := s.db.QueryRows(ctx, `SELECT key, value, updated_at FROM state ORDER BY key`, nil,
		func(sc storage.Scanner) error {
			var e models.StateEntry
			var raw, updatedAt string
			if err := sc.Scan(&e.Key, &raw, &updatedAt); err != nil {
				return err
			}
			e.Value = jsonval.ParseOr(raw, jsonval.NullValue())
			e.UpdatedAt = storage.ParseTime(updatedAt)
			out = append(out, e)
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	return out, nil
}

// Set writes key and, while sc has an active execution, appends a
// transition recording the previous value. Serialization errors are
// returned before anything is written.
func (s *Store) Set(ctx context.Context, sc *scope.Scope, key string, value any, trigger string) error {
	encoded, err := jsonval.Marshal(value)
	if err != nil {
		return fmt.Errorf("state %q: %w", key, err)
	}

	return s.db.RunInTx(ctx, func(q storage.Querier) error {
		return setOne(ctx, q, sc.ExecutionID(), key, encoded, trigger, storage.Now())
	})
}

// SetMany writes every entry in one transaction, in key order, sharing trigger.
func (s *Store) SetMany(ctx context.Context, sc *scope.Scope, values map[string]any, trigger string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	encoded := make([]string, len(keys))
	for i, k := range keys {
		v, err := jsonval.Marshal(values[k])
		if err != nil {
			return fmt.Errorf("state %q: %w", k, err)
		}
		encoded[i] = v
	}

	execID := sc.ExecutionID()
	now := storage.Now()
	return s.db.RunInTx(ctx, func(q storage.Querier) error {
		for i, k := range keys {
			if err := setOne(ctx, q, execID, k, encoded[i], trigger, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func setOne(ctx context.Context, q storage.Querier, execID, key, encoded, trigger, now string) error {
	var old sql.NullString
	if _, err := q.QueryOneRow(ctx, `SELECT value FROM state WHERE key = ?`, []any{key}, &old); err != nil {
		return fmt.Errorf("failed to read state %q: %w", key, err)
	}

	if _, err := q.Execute(ctx,
		`INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, encoded, now,
	); err != nil {
		return fmt.Errorf("failed to write state %q: %w", key, err)
	}

	if execID == "" {
		return nil
	}
	return appendTransition(ctx, q, execID, key, old, sql.NullString{String: encoded, Valid: true}, trigger, now)
}

// Delete removes key. The transition records a null new value.
func (s *Store) Delete(ctx context.Context, sc *scope.Scope, key, trigger string) error {
	execID := sc.ExecutionID()
	return s.db.RunInTx(ctx, func(q storage.Querier) error {
		var old sql.NullString
		found, err := q.QueryOneRow(ctx, `SELECT value FROM state WHERE key = ?`, []any{key}, &old)
		if err != nil {
			return fmt.Errorf("failed to read state %q: %w", key, err)
		}
		if !found {
			return nil
		}
		if _, err := q.Execute(ctx, `DELETE FROM state WHERE key = ?`, key); err != nil {
			return fmt.Errorf("failed to delete state %q: %w", key, err)
		}
		if execID == "" {
			return nil
		}
		return appendTransition(ctx, q, execID, key, old, sql.NullString{}, trigger, storage.Now())
	})
}

func appendTransition(ctx context.Context, q storage.Querier, execID, key string, old, next sql.NullString, trigger, now string) error {
	var trig *string
	if trigger != "" {
		trig = &trigger
	}
	_, err := q.Execute(ctx,
		`INSERT INTO transitions (execution_id, key, old_value, new_value, triggered_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		execID, key, old, next, trig, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record transition for %q: %w", key, err)
	}
	return nil
}

// History returns transitions newest first, optionally for a single key.
func (s *Store) History(ctx context.Context, key string, limit int) ([]models.Transition, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	query := `SELECT id, execution_id, key, old_value, new_value, triggered_by, created_at FROM transitions`
	args := []any{}
	if key != "" {
		query += ` WHERE key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var out []models.Transition
	err := s.db.QueryRows(ctx, query, args, func(sc storage.Scanner) error {
		var tr models.Transition
		var execID, oldValue, newValue, trigger sql.NullString
		var createdAt string
		if err := sc.Scan(&tr.ID, &execID, &tr.Key, &oldValue, &newValue, &trigger, &createdAt); err != nil {
			return err
		}
		tr.ExecutionID = execID.String
		tr.OldValue = jsonval.ParseOr(oldValue.String, jsonval.NullValue())
		tr.NewValue = jsonval.ParseOr(newValue.String, jsonval.NullValue())
		tr.Trigger = trigger.String
		tr.CreatedAt = storage.ParseTime(createdAt)
		out = append(out, tr)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return out, nil
}

// Reset wipes state and history and reinstalls the default keys.
func (s *Store) Reset(ctx context.Context) error {
	err := s.db.RunInTx(ctx, func(q storage.Querier) error {
		if _, err := q.Execute(ctx, `DELETE FROM state`); err != nil {
			return err
		}
		if _, err := q.Execute(ctx, `DELETE FROM transitions`); err != nil {
			return err
		}
		now := storage.Now()
		for _, d := range storage.StateDefaults {
			if _, err := q.Execute(ctx,
				`INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)`, d.Key, d.Value, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset state: %w", err)
	}
	s.logger.Info("state reset")
	return nil
}
