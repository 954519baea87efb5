package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"village/internal/domain"
	"village/internal/models"
)

// overlapMarker is raised by the no-overlap trigger.
const overlapMarker = "reservation_overlap"

// activeStatusSQL lists the statuses that hold an interval, as SQL literals.
var activeStatusSQL = quoteStatuses(models.ActiveStatuses)

func quoteStatuses(statuses []models.Status) string {
	quoted := make([]string, len(statuses))
	for i, st := range statuses {
		quoted[i] = "'" + string(st) + "'"
	}
	return strings.Join(quoted, ", ")
}

// DB is the SQLite-backed reservation store and product registry.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

// NewDB opens the database at path and creates tables if they don't exist.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Immediate transactions take the write lock up front so that the
	// overlap check and the insert see the same snapshot.
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	instance := &DB{DB: db, path: path, logger: logger}
	if err := instance.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if logger != nil {
		logger.Info().Str("path", path).Msg("Database initialized")
	}
	return instance, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			location TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,

		// Dates are unix seconds, created_at is unix nanoseconds; integer
		// columns keep range comparisons exact.
		`CREATE TABLE IF NOT EXISTS reservations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_id INTEGER NOT NULL,
			renter_id INTEGER NOT NULL,
			start_date INTEGER NOT NULL,
			end_date INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'waiting'
				CHECK (status IN ('waiting', 'accepted', 'rejected', 'cancelled')),
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			CHECK (start_date < end_date),
			FOREIGN KEY (product_id) REFERENCES products(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_products_owner ON products(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_product_active ON reservations(product_id, status, start_date, end_date)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_status ON reservations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_renter ON reservations(renter_id)`,

		// Final arbiter for the no-overlap invariant.
		`CREATE TRIGGER IF NOT EXISTS trg_reservations_no_overlap
		BEFORE INSERT ON reservations
		WHEN NEW.status IN (` + activeStatusSQL + `)
		BEGIN
			SELECT RAISE(ABORT, '` + overlapMarker + `')
			WHERE EXISTS (
				SELECT 1 FROM reservations
				WHERE product_id = NEW.product_id
				AND status IN (` + activeStatusSQL + `)
				AND start_date < NEW.end_date
				AND NEW.start_date < end_date
			);
		END`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Ping reports whether the database answers.
func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func isOverlapViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint && strings.Contains(se.Error(), overlapMarker)
}

func isForeignKeyViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func isCheckViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintCheck
}

func toUnix(t time.Time) int64 {
	return t.UTC().Unix()
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func fromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.Unavailable("rows affected", err)
	}
	return n, nil
}
