// Package config loads the relay's YAML configuration file and applies
// environment overrides. The file layout matches the documented relay.yaml:
// top-level server settings plus optional postgresql and redis blocks.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all startup configuration. Runtime-tunable settings
// (relay name, note, approval mode, log level) live in the database
// instead; see the db package.
type Config struct {
	Listen       string `yaml:"listen"`
	Port         int    `yaml:"port"`
	Domain       string `yaml:"domain"`
	Workers      int    `yaml:"workers"`
	DatabaseType string `yaml:"database_type"`
	CacheType    string `yaml:"cache_type"`
	SqlitePath   string `yaml:"sqlite_path"`

	Postgres PostgresConfig `yaml:"postgresql"`
	Redis    RedisConfig    `yaml:"redis"`

	// path the config was loaded from; relative sqlite paths resolve
	// against its directory.
	path string
}

// PostgresConfig is the postgresql block. A Host beginning with "/" is
// treated as a unix socket directory.
type PostgresConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	Name string `yaml:"name"`
}

// RedisConfig is the redis block. A Host beginning with "/" or ending in
// ".sock" is treated as a unix socket path.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"pass"`
	Database int    `yaml:"database"`
	Prefix   string `yaml:"prefix"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Listen:       "0.0.0.0",
		Port:         8080,
		Domain:       "relay.example.com",
		Workers:      runtime.NumCPU(),
		DatabaseType: "sqlite",
		CacheType:    "database",
		SqlitePath:   "relay.sqlite3",
		Postgres: PostgresConfig{
			Host: "/var/run/postgresql",
			Port: 5432,
			Name: "activityrelay",
		},
		Redis: RedisConfig{
			Host:   "localhost",
			Port:   6379,
			Prefix: "activityrelay",
		},
	}
}

// Path returns the config file path: $CONFIG_FILE or "relay.yaml".
func Path() string {
	if p := os.Getenv("CONFIG_FILE"); p != "" {
		return p
	}
	return "relay.yaml"
}

// Load reads the YAML config at path. A missing file yields the defaults so
// a fresh checkout can start without a setup step. Container mode (the
// DOCKER env var) pins the bind address and the SQLite path under /data.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.normalize()

	if inDocker() {
		cfg.Listen = "0.0.0.0"
		cfg.Port = 8080
		cfg.SqlitePath = "/data/relay.sqlite3"
	}

	return cfg, nil
}

// Save writes the config back out as YAML. Used by the setup command.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// normalize clamps out-of-range numeric values back to their defaults,
// mirroring how a hand-edited file is tolerated rather than rejected.
func (c *Config) normalize() {
	if c.Port < 1 || c.Port > 65535 {
		c.Port = 8080
	}
	if c.Workers < 1 {
		c.Workers = runtime.NumCPU()
	}
	if c.Postgres.Port < 1 || c.Postgres.Port > 65535 {
		c.Postgres.Port = 5432
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		c.Redis.Port = 6379
	}
	c.DatabaseType = strings.ToLower(strings.TrimSpace(c.DatabaseType))
	c.CacheType = strings.ToLower(strings.TrimSpace(c.CacheType))
	c.Domain = strings.ToLower(strings.TrimSpace(c.Domain))
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listen, c.Port)
}

// Actor returns the relay actor URL.
func (c *Config) Actor() string {
	return "https://" + c.Domain + "/actor"
}

// Inbox returns the relay's shared inbox URL.
func (c *Config) Inbox() string {
	return "https://" + c.Domain + "/inbox"
}

// KeyID returns the signature keyId advertised in the actor document.
func (c *Config) KeyID() string {
	return c.Actor() + "#main-key"
}

// BaseURL constructs an absolute URL on the relay's domain.
func (c *Config) BaseURL(path string) string {
	return "https://" + c.Domain + path
}

// DatabaseDSN returns the connection string handed to db.Open. SQLite gets
// a bare file path, PostgreSQL a postgres:// URL (unix-socket hosts move
// into the host query parameter, which lib/pq understands).
func (c *Config) DatabaseDSN() string {
	if c.DatabaseType != "postgres" && c.DatabaseType != "postgresql" {
		return c.resolvedSqlitePath()
	}

	q := url.Values{}
	q.Set("sslmode", "disable")

	u := url.URL{
		Scheme: "postgres",
		Path:   "/" + c.Postgres.Name,
	}
	if c.Postgres.User != "" {
		if c.Postgres.Pass != "" {
			u.User = url.UserPassword(c.Postgres.User, c.Postgres.Pass)
		} else {
			u.User = url.User(c.Postgres.User)
		}
	}
	if strings.HasPrefix(c.Postgres.Host, "/") {
		q.Set("host", c.Postgres.Host)
		q.Set("port", fmt.Sprintf("%d", c.Postgres.Port))
	} else {
		u.Host = fmt.Sprintf("%s:%d", c.Postgres.Host, c.Postgres.Port)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisAddr returns the address for the Redis client along with the network
// type ("unix" or "tcp").
func (c *Config) RedisAddr() (network, addr string) {
	if strings.HasPrefix(c.Redis.Host, "/") || strings.HasSuffix(c.Redis.Host, ".sock") {
		return "unix", c.Redis.Host
	}
	return "tcp", fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// resolvedSqlitePath resolves a relative sqlite path against the config
// file's directory so the database lands next to the file that named it.
func (c *Config) resolvedSqlitePath() string {
	if filepath.IsAbs(c.SqlitePath) || c.path == "" {
		return c.SqlitePath
	}
	return filepath.Join(filepath.Dir(c.path), c.SqlitePath)
}

func inDocker() bool {
	return os.Getenv("DOCKER") != ""
}
