package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pawpal/pawchat"
	"github.com/pawpal/pawchat/internal/config"
	"github.com/pawpal/pawchat/internal/logging"
	"github.com/pawpal/pawchat/internal/redisfeed"
	"github.com/pawpal/pawchat/internal/server"
	"github.com/pawpal/pawchat/internal/sqlstore"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, loader, err := loadConfig()
		if err != nil {
			return err
		}
		logger := logging.Component("pawchatd")
		if used := loader.ConfigFileUsed(); used != "" {
			logger.Debug().Str("config_file", used).Msg("loaded config file")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.Driver == config.DriverMemory {
			return fmt.Errorf("the memory store has no schema")
		}
		b, err := openBackend(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.Close()
		fmt.Printf("Schema is up to date (%s)\n", cfg.Store.Driver)
		return nil
	},
}

// ============================================================================
// Backend wiring
// ============================================================================

// backend is the store, its change feed and everything that must be closed
// on shutdown.
type backend struct {
	store   server.Backend
	feed    pawchat.Feed
	closers []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

// openBackend opens the configured store and broker. Writes go through a
// PublishingStore so every change reaches the feed.
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}

	var store server.Backend
	switch cfg.Store.Driver {
	case config.DriverMemory:
		store = pawchat.NewMemoryStore()
	case config.DriverSQLite, config.DriverPostgres:
		var (
			db  *sqlstore.DB
			err error
		)
		if cfg.Store.Driver == config.DriverSQLite {
			db, err = sqlstore.OpenSQLite(ctx, cfg.Store.SQLitePath, cfg.Store.BusyTimeoutMs)
		} else {
			db, err = sqlstore.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		}
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		store = sqlstore.New(db)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	var publisher pawchat.Publisher
	if cfg.Broker.RedisURL != "" {
		feed, err := redisfeed.Connect(ctx, cfg.Broker.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, feed.Close)
		b.feed, publisher = feed, feed
	} else {
		broker := pawchat.NewMemoryBroker()
		b.closers = append(b.closers, func() error { broker.Close(); return nil })
		b.feed, publisher = broker, broker
	}

	b.store = pawchat.NewPublishingStore(store, publisher)
	return b, nil
}

// ============================================================================
// Serve
// ============================================================================

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	srv := server.New(b.store, b.feed, cfg.Server.TokenSecret, server.WithRequestTimeout(cfg.Server.RequestTimeout))
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("store", cfg.Store.Driver).
			Bool("redis", cfg.Broker.RedisURL != "").
			Str("version", version).
			Msg("pawchatd listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		// Hijacked websocket connections are not tracked by Shutdown.
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
