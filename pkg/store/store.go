package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/malbeclabs/contextgraph/pkg/metrics"
)

type Dialect string

const (
	DialectDuckDB   Dialect = "duckdb"
	DialectPostgres Dialect = "postgres"
)

const (
	maxTxAttempts      = 8
	initialRetryDelay  = 50 * time.Millisecond
	maxRetryDelay      = 5 * time.Second
	retryBackoffFactor = 2.0
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	log     *slog.Logger
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database named by uri.
//
// URI formats:
//   - duckdb://<path>: DuckDB database file, created if missing
//   - duckdb:// or empty: in-memory DuckDB database
//   - postgres:// or postgresql://: PostgreSQL through pgx
func Open(ctx context.Context, log *slog.Logger, uri string) (*Store, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	driver, dsn, dialect, err := parseURI(uri)
	if err != nil {
		return nil, err
	}
	if dialect == DialectDuckDB && dsn != "" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", dialect, err)
	}
	log.Info("store: opened database", "dialect", dialect, "uri", RedactedURI(uri))
	return New(log, db, dialect), nil
}

// New wraps an already opened database.
func New(log *slog.Logger, db *sql.DB, dialect Dialect) *Store {
	return &Store{log: log, db: db, dialect: dialect}
}

func parseURI(uri string) (driver, dsn string, dialect Dialect, err error) {
	switch {
	case uri == "" || uri == "duckdb://" || uri == ":memory:":
		return "duckdb", "", DialectDuckDB, nil
	case strings.HasPrefix(uri, "duckdb://"):
		return "duckdb", strings.TrimPrefix(uri, "duckdb://"), DialectDuckDB, nil
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		u, err := url.Parse(uri)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to parse postgres URI: %w", err)
		}
		if u.Host == "" {
			return "", "", "", errors.New("postgres URI must include a host")
		}
		if strings.Trim(u.Path, "/") == "" {
			return "", "", "", errors.New("postgres URI must include a database name in the path")
		}
		return "pgx", uri, DialectPostgres, nil
	default:
		return "", "", "", fmt.Errorf("database URI must start with duckdb://, postgres:// or postgresql:// (got: %q)", uri)
	}
}

// RedactedURI strips credentials from uri for logging.
func RedactedURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn in a transaction and commits it. Write-write conflicts abort the
// transaction and run fn again from scratch with exponential backoff; any other error
// rolls back and is returned as is.
func (s *Store) WithTx(ctx context.Context, operation string, fn func(tx *sql.Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialRetryDelay
	bo.MaxInterval = maxRetryDelay
	bo.Multiplier = retryBackoffFactor

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := s.runTx(ctx, fn)
		if err == nil {
			if attempt > 1 {
				s.log.Info("store: transaction succeeded after retries", "operation", operation, "attempts", attempt)
			}
			return struct{}{}, nil
		}
		if !isConflictError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		metrics.StoreTxConflictRetriesTotal.WithLabelValues(operation).Inc()
		s.log.Warn("store: transaction conflict detected, retrying", "operation", operation, "attempt", attempt, "max_attempts", maxTxAttempts, "error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTxAttempts))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	// DuckDB checks ON CONFLICT against committed rows only, so two transactions inserting
	// the same key fail the later one with a duplicate key error.
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "Constraint Error: Duplicate key") ||
		strings.Contains(msg, "Conflict on tuple deletion") ||
		strings.Contains(msg, "write-write conflict")
}

// EncodeJSON marshals v for storage in a TEXT column.
func EncodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json: %w", err)
	}
	return string(b), nil
}

// DecodeJSON unmarshals a TEXT column. Empty input leaves v untouched.
func DecodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to decode json: %w", err)
	}
	return nil
}

// Placeholders returns "$from, $from+1, ..." for n arguments.
func Placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

// Inserted reports whether an INSERT ... ON CONFLICT DO NOTHING wrote its row.
func Inserted(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// NullString maps the empty string to SQL NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
