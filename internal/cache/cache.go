// Package cache provides the namespaced key-value cache behind message
// de-duplication and HTTP response caching. Values are typed and serialized
// symmetrically so either backend (the relay's own database or Redis) can
// hold them.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mastodon-ml/relay/internal/config"
	"github.com/mastodon-ml/relay/internal/db"
)

// ErrNotFound is returned by Get when the namespace/key pair is absent.
var ErrNotFound = errors.New("cache item not found")

// Value types an Item may carry.
const (
	TypeStr     = "str"
	TypeInt     = "int"
	TypeBool    = "bool"
	TypeJSON    = "json"
	TypeMessage = "message"
)

// Cache is the capability set shared by both backends. All operations are
// safe for concurrent use from the server and every push worker.
type Cache interface {
	Get(ctx context.Context, namespace, key string) (Item, error)
	Set(ctx context.Context, namespace, key string, value any, valueType string) (Item, error)
	Delete(ctx context.Context, namespace, key string) error
	DeleteOld(ctx context.Context, hours int) error
	Namespaces(ctx context.Context) ([]string, error)
	Keys(ctx context.Context, namespace string) ([]string, error)
	Close() error
}

// Item is one cached entry. Value holds the serialized form; the typed
// accessors decode it.
type Item struct {
	Namespace string
	Key       string
	Value     string
	Type      string
	Updated   time.Time
}

// OlderThan reports whether the entry was written more than the given
// number of hours ago.
func (i Item) OlderThan(hours int) bool {
	return time.Now().UTC().Sub(i.Updated) > time.Duration(hours)*time.Hour
}

// Str returns the raw serialized value.
func (i Item) Str() string {
	return i.Value
}

// Int decodes an int-typed value.
func (i Item) Int() (int, error) {
	return strconv.Atoi(i.Value)
}

// Bool decodes a bool-typed value.
func (i Item) Bool() (bool, error) {
	return strconv.ParseBool(i.Value)
}

// JSON unmarshals a json- or message-typed value into dest.
func (i Item) JSON(dest any) error {
	return json.Unmarshal([]byte(i.Value), dest)
}

// New picks the backend named by cache_type. The database backend shares
// the primary store's pool; Redis opens its own client.
func New(cfg *config.Config, store *db.Store) (Cache, error) {
	switch cfg.CacheType {
	case "redis":
		return NewRedis(cfg)
	case "", "database", "sqlite", "postgres", "postgresql":
		return NewSQL(store), nil
	}
	return nil, fmt.Errorf("unknown cache type %q", cfg.CacheType)
}

// serialize converts a value into its stored string form per the declared
// type. Strings pass through for json/message so pre-encoded payloads are
// not encoded twice.
func serialize(value any, valueType string) (string, error) {
	switch valueType {
	case TypeStr:
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("str value is %T", value)
		}
		return s, nil

	case TypeInt:
		switch n := value.(type) {
		case int:
			return strconv.Itoa(n), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		}
		return "", fmt.Errorf("int value is %T", value)

	case TypeBool:
		b, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("bool value is %T", value)
		}
		return strconv.FormatBool(b), nil

	case TypeJSON, TypeMessage:
		if s, ok := value.(string); ok {
			return s, nil
		}
		data, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	return "", fmt.Errorf("unknown value type %q", valueType)
}
