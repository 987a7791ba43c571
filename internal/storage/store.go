package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// TimeFormat is the fixed-width UTC layout used for every stored timestamp.
// Lexical order of values in this layout equals chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

const maxBusyRetries = 6

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Now returns the current time in TimeFormat.
func Now() string {
	return FormatTime(time.Now())
}

// ParseTime parses a stored timestamp. Empty or unparseable input yields the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return time.Time{}
		}
	}
	return t
}

// ParseNullTime converts a nullable stored timestamp into a pointer.
func ParseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := ParseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

// Result reports the effect of a write statement.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Scanner reads the current row of a result set.
type Scanner interface {
	Scan(dest ...any) error
}

// Querier is the statement-level surface shared by the store and its transactions.
type Querier interface {
	Execute(ctx context.Context, query string, args ...any) (Result, error)
	QueryRows(ctx context.Context, query string, args []any, fn func(Scanner) error) error
	QueryOneRow(ctx context.Context, query string, args []any, dest ...any) (bool, error)
}

// DB is a transactional row store. Components depend on this rather than *Store.
type DB interface {
	Querier
	RunInTx(ctx context.Context, fn func(q Querier) error) error
	Closed() bool
}

// Store is a SQLite database shared by every process that opens the same file.
type Store struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// Open creates (if needed) and migrates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database. Every later call is a no-op.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Closed() bool {
	return s.closed.Load()
}

func (s *Store) migrate(ctx context.Context) error {
	return s.RunInTx(ctx, func(q Querier) error {
		for _, raw := range strings.Split(schemaSQL, ";") {
			stmt := strings.TrimSpace(raw)
			if stmt == "" {
				continue
			}
			if _, err := q.Execute(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
			}
		}

		now := Now()
		for _, d := range StateDefaults {
			if _, err := q.Execute(ctx,
				`INSERT OR IGNORE INTO state (key, value, updated_at) VALUES (?, ?, ?)`,
				d.Key, d.Value, now,
			); err != nil {
				return fmt.Errorf("failed to seed state %q: %w", d.Key, err)
			}
		}

		if _, err := q.Execute(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, SchemaVersion)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
		return nil
	})
}

func (s *Store) Execute(ctx context.Context, query string, args ...any) (Result, error) {
	if s.closed.Load() {
		return Result{}, nil
	}
	return execute(ctx, s.db, query, args...)
}

func (s *Store) QueryRows(ctx context.Context, query string, args []any, fn func(Scanner) error) error {
	if s.closed.Load() {
		return nil
	}
	return queryRows(ctx, s.db, query, args, fn)
}

func (s *Store) QueryOneRow(ctx context.Context, query string, args []any, dest ...any) (bool, error) {
	if s.closed.Load() {
		return false, nil
	}
	return queryOneRow(ctx, s.db, query, args, dest...)
}

// RunInTx runs fn inside an immediate transaction on a dedicated connection.
// The write lock is taken at BEGIN, so reads inside fn observe a state no
// other process can change before commit. If fn returns an error the
// transaction is rolled back and the error returned unchanged.
func (s *Store) RunInTx(ctx context.Context, fn func(q Querier) error) (err error) {
	if s.closed.Load() {
		return nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	err = retryOnBusy(ctx, maxBusyRetries, func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		conn.ExecContext(context.Background(), "ROLLBACK")
		if p := recover(); p != nil {
			panic(p)
		}
	}()

	if err := fn(&txQuerier{conn: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// QueryMaps runs an arbitrary query and returns each row as a column→value map.
func (s *Store) QueryMaps(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if s.closed.Load() {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type sqlRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txQuerier struct {
	conn *sql.Conn
}

func (q *txQuerier) Execute(ctx context.Context, query string, args ...any) (Result, error) {
	return execute(ctx, q.conn, query, args...)
}

func (q *txQuerier) QueryRows(ctx context.Context, query string, args []any, fn func(Scanner) error) error {
	return queryRows(ctx, q.conn, query, args, fn)
}

func (q *txQuerier) QueryOneRow(ctx context.Context, query string, args []any, dest ...any) (bool, error) {
	return queryOneRow(ctx, q.conn, query, args, dest...)
}

func execute(ctx context.Context, r sqlRunner, query string, args ...any) (Result, error) {
	res, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	var out Result
	out.RowsAffected, _ = res.RowsAffected()
	out.LastInsertID, _ = res.LastInsertId()
	return out, nil
}

func queryRows(ctx context.Context, r sqlRunner, query string, args []any, fn func(Scanner) error) error {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func queryOneRow(ctx context.Context, r sqlRunner, query string, args []any, dest ...any) (bool, error) {
	err := r.QueryRowContext(ctx, query, args...).Scan(dest...)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
