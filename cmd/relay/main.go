// relay is a generic LitePub message relay. It accepts follows from
// fediverse instances and rebroadcasts every public activity it receives
// to all other subscribers.
//
// Usage:
//
//	relay setup -d relay.example.com
//	relay run
//
// Management commands (config, instance, whitelist, ban, software, user)
// operate directly on the database and work while the relay is running.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mastodon-ml/relay/internal/ap"
	"github.com/mastodon-ml/relay/internal/cache"
	"github.com/mastodon-ml/relay/internal/config"
	"github.com/mastodon-ml/relay/internal/db"
	"github.com/mastodon-ml/relay/internal/logging"
	"github.com/mastodon-ml/relay/internal/relay"
	"github.com/mastodon-ml/relay/internal/server"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "ActivityPub message relay",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		// Bare invocation starts the relay, matching the container
		// entrypoint.
		RunE: runRelay,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.Path(),
		"path to the YAML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the relay",
		Args:  cobra.NoArgs,
		RunE:  runRelay,
	}

	root.AddCommand(runCmd, setupCmd(), configCmd(), instanceCmd(),
		whitelistCmd(), banCmd(), softwareCmd(), userCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runRelay(cmd *cobra.Command, _ []string) error {
	levelVar, closeLog, err := logging.Setup(logging.FromEnv())
	if err != nil {
		return err
	}
	defer closeLog()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting relay", "version", server.Version, "domain", cfg.Domain)

	store, err := db.Open(cfg.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rc, err := store.GetConfigAll()
	if err != nil {
		return err
	}

	// First boot mints the signing key and persists it alongside the rest
	// of the runtime config.
	if rc.PrivateKey == "" {
		slog.Info("generating new signing key")
		key, err := ap.GeneratePrivateKey()
		if err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		rc.PrivateKey = ap.EncodePrivateKey(key)
		if _, err := store.PutConfig("private-key", rc.PrivateKey); err != nil {
			return fmt.Errorf("store signing key: %w", err)
		}
	}

	signer := ap.NewSigner(cfg.KeyID())
	if err := signer.SetKey(rc.PrivateKey); err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	if lv, err := logging.ParseLevel(rc.LogLevel); err == nil {
		levelVar.Set(lv)
	}

	// Runtime config edits through the admin API take effect without a
	// restart.
	store.OnConfigChange(func(key, value string) {
		switch key {
		case "log-level":
			lv, err := logging.ParseLevel(value)
			if err != nil {
				slog.Warn("ignoring invalid log level", "value", value)
				return
			}
			levelVar.Set(lv)
			slog.Info("log level changed", "level", value)
		case "private-key":
			if err := signer.SetKey(value); err != nil {
				slog.Error("rejecting invalid signing key", "error", err)
			}
		}
	})

	var cacheStore cache.Cache
	switch cfg.CacheType {
	case "redis":
		cacheStore, err = cache.NewRedis(cfg)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
	default:
		cacheStore = cache.NewSQL(store)
	}
	defer cacheStore.Close()

	client := ap.NewClient(signer, cacheStore)
	defer client.Close()

	queue := relay.NewQueue()
	processor := relay.NewProcessor(cfg.Domain, store, cacheStore, client, queue)
	workers := relay.NewWorkers(queue, cfg.Workers, func() relay.Poster {
		return ap.NewClient(signer, cacheStore)
	})
	janitor := &relay.Janitor{Cache: cacheStore}

	srv := server.New(cfg, store, signer, client, processor, queue)

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		workers.Start(ctx)
	}()
	go janitor.Start(ctx)

	srv.Start(ctx) // blocks until ctx is cancelled

	// Let the pool drain whatever was queued before the server stopped.
	queue.Close()
	<-workersDone

	slog.Info("relay stopped")
	return nil
}

func setupCmd() *cobra.Command {
	var (
		domain string
		listen string
		port   int
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write a config file with the documented defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}

			cfg := config.Default()
			if domain != "" {
				cfg.Domain = domain
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if port != 0 {
				cfg.Port = port
			}
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Println("wrote", configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "public domain of the relay")
	cmd.Flags().StringVar(&listen, "listen", "", "bind address")
	cmd.Flags().IntVar(&port, "port", 0, "listen port")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// openStore loads the config file and opens a migrated database handle for
// the management commands.
func openStore() (*db.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	store, err := db.Open(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}
