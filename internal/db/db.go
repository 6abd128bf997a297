// Package db handles database connectivity, migrations, and data access
// for the relay. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments).
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/net/idna"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("not found")

// ErrTooManyRows is returned when a delete that must affect at most one row
// would affect more. The statement has already run when this is reported.
var ErrTooManyRows = errors.New("more than one row affected")

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string

	onConfigChange func(key, value string)
}

// Open opens a database connection. The URL can be:
//   - A file path like "relay.sqlite3" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(5)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool. The database-backed cache shares it
// instead of opening a second connection to the same file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver returns "sqlite" or "postgres".
func (s *Store) Driver() string {
	return s.driver
}

// OnConfigChange registers fn to run after every successful PutConfig with
// the key and its serialized value. Used to propagate log-level changes to
// the workers and private-key changes to the signer.
func (s *Store) OnConfigChange(fn func(key, value string)) {
	s.onConfigChange = fn
}

// NormalizeDomain lowercases a hostname and converts unicode labels to
// their IDNA (punycode) form so that every table keyed by domain stores a
// single canonical spelling.
func NormalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimSuffix(domain, ".")
	if ascii, err := idna.Lookup.ToASCII(domain); err == nil && ascii != "" {
		return ascii
	}
	return domain
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// Ptr returns a pointer to v. Convenience for building partial updates.
func Ptr[T any](v T) *T { return &v }

// nowStr returns the current UTC time formatted for storage. RFC3339 with
// whole seconds keeps string comparison consistent with time order.
func nowStr() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// parseTime converts a stored timestamp back into a time.Time. PostgreSQL
// timestamps scanned through a string may carry fractional seconds, which
// the RFC3339 layout accepts.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// nullable maps the empty string to SQL NULL, keeping "" and NULL as the
// same absent value through a round-trip.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// affectedAtMostOne enforces the delete contract shared by DelInbox and the
// ban removals: zero rows is ErrNotFound, more than one is ErrTooManyRows.
func affectedAtMostOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	switch {
	case n == 0:
		return ErrNotFound
	case n > 1:
		return ErrTooManyRows
	}
	return nil
}

// ph returns the SQL placeholder token for a single-argument query.
// SQLite uses ? and PostgreSQL uses $1.
func (s *Store) ph() string {
	if s.driver == "postgres" {
		return "$1"
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
