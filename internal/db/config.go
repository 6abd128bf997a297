package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/mastodon-ml/relay/internal/logging"
)

// RuntimeConfig is the full set of database-backed settings. Every key has
// a declared type and default; unknown keys are rejected on read and write.
type RuntimeConfig struct {
	SchemaVersion    int
	PrivateKey       string
	ApprovalRequired bool
	WhitelistEnabled bool
	LogLevel         string
	Name             string
	Note             string
	Theme            string
}

type configEntry struct {
	typ string // str, int, bool
	def string
}

var configSchema = map[string]configEntry{
	"schema-version":    {"int", "0"},
	"private-key":       {"str", ""},
	"approval-required": {"bool", "false"},
	"whitelist-enabled": {"bool", "false"},
	"log-level":         {"str", "INFO"},
	"name":              {"str", "ActivityRelay"},
	"note":              {"str", "Make a note about your instance here."},
	"theme":             {"str", "default"},
}

// NormalizeConfigKey folds the underscore spelling used by the admin API
// into the canonical hyphenated key.
func NormalizeConfigKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "_", "-")
}

// GetConfig returns the serialized value for a key, or its declared default
// when the key was never written. Unknown keys are an error.
func (s *Store) GetConfig(key string) (string, error) {
	key = NormalizeConfigKey(key)
	entry, ok := configSchema[key]
	if !ok {
		return "", fmt.Errorf("invalid config key %q", key)
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM config WHERE key = `+s.ph(), key).Scan(&value)
	if err == sql.ErrNoRows {
		return entry.def, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetConfigInt returns an int-typed config value.
func (s *Store) GetConfigInt(key string) (int, error) {
	value, err := s.GetConfig(key)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(value)
}

// GetConfigBool returns a bool-typed config value.
func (s *Store) GetConfigBool(key string) (bool, error) {
	value, err := s.GetConfig(key)
	if err != nil {
		return false, err
	}
	return ParseBool(value)
}

// GetConfigAll reads the whole config table, overlaying stored values on
// the declared defaults.
func (s *Store) GetConfigAll() (RuntimeConfig, error) {
	values := map[string]string{}
	for key, entry := range configSchema {
		values[key] = entry.def
	}

	rows, err := s.db.Query(`SELECT key, value FROM config`)
	if err != nil {
		return RuntimeConfig{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return RuntimeConfig{}, err
		}
		if _, ok := configSchema[key]; ok {
			values[key] = value
		}
	}
	if err := rows.Err(); err != nil {
		return RuntimeConfig{}, err
	}

	version, _ := strconv.Atoi(values["schema-version"])
	approval, _ := ParseBool(values["approval-required"])
	whitelist, _ := ParseBool(values["whitelist-enabled"])

	return RuntimeConfig{
		SchemaVersion:    version,
		PrivateKey:       values["private-key"],
		ApprovalRequired: approval,
		WhitelistEnabled: whitelist,
		LogLevel:         values["log-level"],
		Name:             values["name"],
		Note:             values["note"],
		Theme:            values["theme"],
	}, nil
}

// PutConfig validates the key, coerces the value to the declared type, and
// upserts it. The registered change hook runs after a successful write so
// log-level and private-key updates reach the workers and the signer.
func (s *Store) PutConfig(key, value string) (string, error) {
	key = NormalizeConfigKey(key)
	entry, ok := configSchema[key]
	if !ok {
		return "", fmt.Errorf("invalid config key %q", key)
	}

	serialized, err := coerceConfigValue(key, entry.typ, value)
	if err != nil {
		return "", err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := s.putConfigTx(tx, key, serialized); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	if s.onConfigChange != nil {
		s.onConfigChange(key, serialized)
	}
	return serialized, nil
}

// DelConfig removes a stored value so reads fall back to the declared
// default. The change hook fires with the default, keeping live consumers
// in sync. System keys cannot be reset.
func (s *Store) DelConfig(key string) error {
	key = NormalizeConfigKey(key)
	entry, ok := configSchema[key]
	if !ok {
		return fmt.Errorf("invalid config key %q", key)
	}
	if key == "private-key" || key == "schema-version" {
		return fmt.Errorf("config key %q cannot be reset", key)
	}

	if _, err := s.db.Exec(`DELETE FROM config WHERE key = `+s.ph(), key); err != nil {
		return err
	}
	if s.onConfigChange != nil {
		s.onConfigChange(key, entry.def)
	}
	return nil
}

// putConfigTx upserts a config row inside an existing transaction. Used by
// PutConfig and by the migration runner to bump schema-version atomically
// with its DDL.
func (s *Store) putConfigTx(tx *sql.Tx, key, value string) error {
	typ := configSchema[key].typ

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO config (key, value, type) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, type=excluded.type`
	} else {
		q = `INSERT INTO config (key, value, type) VALUES ($1, $2, $3)
			ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, type=EXCLUDED.type`
	}
	_, err := tx.Exec(q, key, value, typ)
	return err
}

// coerceConfigValue round-trips the raw value through its declared type so
// whatever lands in the table deserializes cleanly later.
func coerceConfigValue(key, typ, value string) (string, error) {
	switch typ {
	case "int":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return "", fmt.Errorf("config %s: %w", key, err)
		}
		return strconv.Itoa(n), nil

	case "bool":
		b, err := ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("config %s: %w", key, err)
		}
		return strconv.FormatBool(b), nil

	default:
		if key == "log-level" {
			if _, err := logging.ParseLevel(value); err != nil {
				return "", fmt.Errorf("config %s: %w", key, err)
			}
			return strings.ToUpper(strings.TrimSpace(value)), nil
		}
		return value, nil
	}
}

// ParseBool accepts the usual spellings of a boolean setting.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "t", "yes", "y", "on", "enable", "enabled":
		return true, nil
	case "0", "false", "f", "no", "n", "off", "disable", "disabled", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", value)
}
