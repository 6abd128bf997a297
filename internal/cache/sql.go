package cache

import (
	"context"
	"database/sql"
	"time"

	"github.com/mastodon-ml/relay/internal/db"
)

// SQLCache stores items in the cache table created by the store's
// migrations, sharing its connection pool. Closing it is a no-op since the
// store owns the pool.
type SQLCache struct {
	db     *sql.DB
	driver string
}

// NewSQL returns a cache backed by the given store's database.
func NewSQL(store *db.Store) *SQLCache {
	return &SQLCache{db: store.DB(), driver: store.Driver()}
}

func (c *SQLCache) Get(ctx context.Context, namespace, key string) (Item, error) {
	var q string
	if c.driver == "sqlite" {
		q = `SELECT value, type, updated FROM cache WHERE namespace = ? AND key = ?`
	} else {
		q = `SELECT value, type, updated FROM cache WHERE namespace = $1 AND key = $2`
	}

	item := Item{Namespace: namespace, Key: key}
	var updated string
	err := c.db.QueryRowContext(ctx, q, namespace, key).Scan(&item.Value, &item.Type, &updated)
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}
	item.Updated = parseUpdated(updated)
	return item, nil
}

func (c *SQLCache) Set(ctx context.Context, namespace, key string, value any, valueType string) (Item, error) {
	serialized, err := serialize(value, valueType)
	if err != nil {
		return Item{}, err
	}
	item := Item{
		Namespace: namespace,
		Key:       key,
		Value:     serialized,
		Type:      valueType,
		Updated:   time.Now().UTC().Truncate(time.Second),
	}

	var q string
	if c.driver == "sqlite" {
		q = `INSERT INTO cache (namespace, key, value, type, updated) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value, type=excluded.type, updated=excluded.updated`
	} else {
		q = `INSERT INTO cache (namespace, key, value, type, updated) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT(namespace, key) DO UPDATE SET value=EXCLUDED.value, type=EXCLUDED.type, updated=EXCLUDED.updated`
	}
	if _, err := c.db.ExecContext(ctx, q, namespace, key, serialized, valueType,
		item.Updated.Format(time.RFC3339)); err != nil {
		return Item{}, err
	}
	return item, nil
}

func (c *SQLCache) Delete(ctx context.Context, namespace, key string) error {
	var q string
	if c.driver == "sqlite" {
		q = `DELETE FROM cache WHERE namespace = ? AND key = ?`
	} else {
		q = `DELETE FROM cache WHERE namespace = $1 AND key = $2`
	}
	_, err := c.db.ExecContext(ctx, q, namespace, key)
	return err
}

// DeleteOld removes every entry older than the given number of hours.
// RFC3339 timestamps compare correctly as strings.
func (c *SQLCache) DeleteOld(ctx context.Context, hours int) error {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339)

	var q string
	if c.driver == "sqlite" {
		q = `DELETE FROM cache WHERE updated < ?`
	} else {
		q = `DELETE FROM cache WHERE updated < $1`
	}
	_, err := c.db.ExecContext(ctx, q, cutoff)
	return err
}

func (c *SQLCache) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM cache ORDER BY namespace`)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (c *SQLCache) Keys(ctx context.Context, namespace string) ([]string, error) {
	var q string
	if c.driver == "sqlite" {
		q = `SELECT key FROM cache WHERE namespace = ? ORDER BY key`
	} else {
		q = `SELECT key FROM cache WHERE namespace = $1 ORDER BY key`
	}
	rows, err := c.db.QueryContext(ctx, q, namespace)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// Close is a no-op; the primary store owns the pool.
func (c *SQLCache) Close() error {
	return nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// parseUpdated tolerates both the stored RFC3339 form and the fractional
// variant PostgreSQL timestamps produce when scanned through a string.
func parseUpdated(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
