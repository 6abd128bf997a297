package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// A migration is a numbered batch of DDL statements. Each batch runs inside
// one transaction and must be safe to re-run (IF NOT EXISTS everywhere), so
// an interrupted upgrade can simply be retried.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS inboxes (
				domain   TEXT NOT NULL PRIMARY KEY,
				actor    TEXT UNIQUE,
				inbox    TEXT NOT NULL UNIQUE,
				followid TEXT,
				software TEXT,
				accepted BOOLEAN NOT NULL DEFAULT TRUE,
				created  TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS whitelist (
				domain  TEXT NOT NULL PRIMARY KEY,
				created TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS domain_bans (
				domain  TEXT NOT NULL PRIMARY KEY,
				reason  TEXT,
				note    TEXT,
				created TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS software_bans (
				name    TEXT NOT NULL PRIMARY KEY,
				reason  TEXT,
				note    TEXT,
				created TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS inboxes_accepted ON inboxes(accepted)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS users (
				username TEXT NOT NULL PRIMARY KEY,
				hash     TEXT NOT NULL,
				handle   TEXT,
				created  TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS tokens (
				code    TEXT NOT NULL PRIMARY KEY,
				"user"  TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
				created TIMESTAMP NOT NULL
			)`,
		},
	},
	{
		version: 3,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS cache (
				namespace TEXT NOT NULL,
				key       TEXT NOT NULL,
				value     TEXT NOT NULL,
				type      TEXT NOT NULL DEFAULT 'str',
				updated   TIMESTAMP NOT NULL,
				UNIQUE (namespace, key)
			)`,
			`CREATE INDEX IF NOT EXISTS cache_updated ON cache(updated)`,
		},
	},
}

// Migrate runs all pending database migrations and records the new schema
// version in the config table.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	// The config table has to exist before the version can be read, so it
	// sits outside the numbered migrations.
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS config (
		key   TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL,
		type  TEXT NOT NULL DEFAULT 'str'
	)`); err != nil {
		return fmt.Errorf("create config table: %w", err)
	}

	current, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		slog.Info("applied migration", "version", m.version)
	}

	slog.Info("migrations complete")
	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			// PostgreSQL predates IF NOT EXISTS on some constraint
			// clauses; treat duplicates as the statement having run.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("%w\nSQL: %s", err, stmt)
		}
	}
	if err := s.putConfigTx(tx, "schema-version", strconv.Itoa(m.version)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) schemaVersion() (int, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = `+s.ph(), "schema-version").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}
