package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/watchparty/internal/adapters/http"
	wsignal "github.com/dkeye/watchparty/internal/adapters/signal"
	"github.com/dkeye/watchparty/internal/app"
	"github.com/dkeye/watchparty/internal/app/orch"
	"github.com/dkeye/watchparty/internal/config"
	"github.com/dkeye/watchparty/internal/identity"
	"github.com/dkeye/watchparty/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, keeping info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !cfg.Console {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		return store.NewRedisBackend(ctx, store.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			KeyPrefix:  cfg.Redis.KeyPrefix,
			MaxRetries: cfg.Redis.MaxRetries,
			RoomTTL:    cfg.RoomTTL,
		})
	case config.DriverPostgres:
		return store.NewPostgresBackend(ctx, store.PostgresConfig{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
			ApplicationName: cfg.Postgres.ApplicationName,
			MaxRetries:      cfg.Postgres.MaxRetries,
		})
	case config.DriverMemory:
		return store.NewMemoryBackend(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func run(ctx context.Context, cfg *config.Config) error {
	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	rooms := store.New(backend, store.WithOpTimeout(cfg.Store.OpTimeout))
	defer func() {
		if err := rooms.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()

	o := orch.New(orch.Options{
		Registry: app.NewRegistry(),
		Store:    rooms,
		Identity: identity.NewResolver(identity.Options{
			Secret:           cfg.Identity.JWTSecret,
			Issuer:           cfg.Identity.Issuer,
			TrustClientIDs:   cfg.Identity.TrustClientIDs,
			AnonymousReclaim: cfg.Identity.AnonymousReclaim,
		}),
		Policy:          app.SimplePolicy{},
		PersistInterval: cfg.Sync.PersistInterval,
		ResyncTimeout:   cfg.Sync.ResyncTimeout,
		HostOnlyURL:     cfg.Sync.HostOnlyURL,
	})
	ctrl := wsignal.NewSignalWSController(o,
		wsignal.NewRoomRateLimiter(cfg.Sync.RateLimit, cfg.Sync.RateWindow),
		wsignal.Options{
			ReadLimit:  cfg.Server.ReadLimit,
			PingPeriod: cfg.Server.PingPeriod,
			SendBuffer: cfg.Server.SendBuffer,
		})

	sweeper := &app.Sweeper{
		Store:     rooms,
		Interval:  cfg.Sweeper.Interval,
		Grace:     cfg.Sweeper.Grace,
		MaxAge:    cfg.Store.RoomTTL,
		OnDeleted: o.EvictRoom,
	}

	// Websocket pumps stop with gctx, so a failing listener also releases them.
	g, gctx := errgroup.WithContext(ctx)
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(gctx, cfg, o, ctrl),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Driver).Msg("watchparty server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	err = g.Wait()
	ctrl.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
