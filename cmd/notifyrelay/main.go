package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/notifyrelay/internal/app"
	"github.com/shohag/notifyrelay/internal/broker"
	"github.com/shohag/notifyrelay/internal/cache"
	"github.com/shohag/notifyrelay/internal/config"
	"github.com/shohag/notifyrelay/internal/metrics"
	"github.com/shohag/notifyrelay/internal/storage"
	"github.com/shohag/notifyrelay/internal/telemetry"
)

var version = "0.1.0"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:   "notifyrelay",
		Short: "NotifyRelay: at-least-once email, SMS and WhatsApp notification pipeline",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(roleCmd(&configPath, app.RoleRouter,
		"Serve intake and run the results collector and retry scheduler"))
	rootCmd.AddCommand(roleCmd(&configPath, app.RoleDelivery,
		"Run the channel delivery workers and serve the query API"))
	rootCmd.AddCommand(roleCmd(&configPath, app.RoleAll,
		"Run every role in one process"))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func roleCmd(configPath *string, role app.Role, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(role),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*configPath, role)
		},
	}
}

func run(configPath string, role app.Role) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, out := setupLogger(cfg.Logging)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := setupStorage(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("failed to setup storage: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().Msg("Database migrations completed")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	b, err := setupBroker(ctx, cfg.Broker, log)
	if err != nil {
		return fmt.Errorf("failed to setup broker: %w", err)
	}
	defer b.Close()

	// Components log through the sink from here on. The broker keeps the
	// stdout-only logger so its own reconnect noise never loops back into it.
	var sink *telemetry.Sink
	if cfg.Telemetry.Enabled && cfg.Broker.Driver == "amqp" {
		sink = telemetry.NewSink(b, telemetry.Config{
			Service:    cfg.Telemetry.Service + "-" + string(role),
			BufferSize: cfg.Telemetry.BufferSize,
			RatePerSec: cfg.Telemetry.RatePerSec,
		}, m)
		sink.Start(ctx)
		defer sink.Close()
		log = log.Output(zerolog.MultiLevelWriter(out, sink))
	}

	deps := app.Deps{Store: store, Broker: b, Metrics: m, Log: log}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		dedup := cache.NewRedisDedup(rdb)
		if err := dedup.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, dedup falls back to the store until it recovers")
		}
		deps.Dedup = dedup
	}

	a, err := app.New(cfg, role, deps)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.Serve() }()

	log.Info().
		Str("version", version).
		Str("role", string(role)).
		Int("port", cfg.Server.Port).
		Str("storage", cfg.Storage.Driver).
		Str("broker", cfg.Broker.Driver).
		Bool("redis", cfg.Redis.Enabled).
		Msg("NotifyRelay is running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutting down...")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}

	a.Stop(10 * time.Second)
	log.Info().Msg("NotifyRelay stopped")
	return nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables, collections and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log, _ := setupLogger(cfg.Logging)
			ctx := context.Background()

			store, err := setupStorage(ctx, cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("Migrations completed successfully")
			return nil
		},
	}
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show delivery counts by status and channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log, _ := setupLogger(cfg.Logging)
			ctx := context.Background()

			store, err := setupStorage(ctx, cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			stats, err := store.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}

			out, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "NotifyRelay v%s\n", version)
		},
	}
}

// setupLogger returns the process logger and the writer it prints to, so the
// telemetry sink can be added next to it later.
func setupLogger(cfg config.LoggingConfig) (zerolog.Logger, io.Writer) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).With().Timestamp().Logger(), out
}

func setupStorage(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.SQLite.Path).Msg("Using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "mongo":
		log.Info().Str("database", cfg.Mongo.Database).Msg("Using MongoDB storage")
		return storage.NewMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupBroker(ctx context.Context, cfg config.BrokerConfig, log zerolog.Logger) (broker.Broker, error) {
	switch cfg.Driver {
	case "memory":
		log.Info().Msg("Using in-process broker")
		return broker.NewMemory(broker.DefaultTopology(), log), nil
	case "amqp":
		gw := broker.NewGateway(cfg.URL, cfg.ReconnectDelay, broker.DefaultTopology(), log,
			broker.WithDialTimeout(cfg.DialTimeout))
		if err := gw.Connect(ctx); err != nil {
			log.Warn().Err(err).Dur("retry_in", cfg.ReconnectDelay).
				Msg("Broker unreachable at startup, retrying in the background")
			gw.Reconnect()
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unsupported broker driver: %s", cfg.Driver)
	}
}
