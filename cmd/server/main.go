package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/Tyrowin/roomrelay/internal/config"
	"github.com/Tyrowin/roomrelay/internal/database"
	"github.com/Tyrowin/roomrelay/internal/hub"
	"github.com/Tyrowin/roomrelay/internal/logging"
	"github.com/Tyrowin/roomrelay/internal/media"
	"github.com/Tyrowin/roomrelay/internal/presence"
	"github.com/Tyrowin/roomrelay/internal/rooms"
	"github.com/Tyrowin/roomrelay/internal/server"
	"github.com/Tyrowin/roomrelay/internal/store"
	"github.com/Tyrowin/roomrelay/internal/users"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "roomrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_DIR"))
	if err != nil {
		return err
	}

	log := logging.Init(cfg.Log)
	log.Info().Str("addr", cfg.Server.Addr()).Msg("starting room relay")

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Warn().Err(err).Msg("error closing database")
		}
	}()

	messages, closeStore, err := openStore(db, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closeStore()

	directory, err := users.NewDirectory(db, cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}
	if len(cfg.Auth.SeedUsers) > 0 {
		created, err := directory.Seed(context.Background(), cfg.Auth.SeedUsers)
		if err != nil {
			return err
		}
		log.Info().Int("created", created).Int("configured", len(cfg.Auth.SeedUsers)).Msg("seeded users")
	}

	blobs, err := openBlobs(cfg.Media)
	if err != nil {
		return err
	}

	gateway := server.NewGateway(cfg.WebSocket, cfg.RateLimit, log)
	relay := hub.New(hub.Deps{
		Store:     messages,
		Media:     media.NewIngestor(blobs, cfg.Media.MaxBytes, log),
		Owners:    directory,
		Rooms:     rooms.NewRegistry(),
		Presence:  presence.NewRegistry(),
		Transport: gateway,
		Logger:    log,
	})
	gateway.Bind(relay)

	handlers := server.NewHandlers(server.HandlerOptions{
		Gateway:      gateway,
		Resolver:     directory,
		Presence:     relay,
		Profiles:     directory,
		Origins:      server.NewOriginPolicy(cfg.Server.AllowedOrigins, log),
		RequireToken: cfg.Auth.RequireToken,
		Logger:       log,
	})
	srv := server.CreateServer(cfg.Server.Addr(), server.SetupRoutes(handlers, log))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gateway.Run()
		return nil
	})
	g.Go(func() error {
		return server.StartServer(srv, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		if err := server.ShutdownServer(srv, cfg.Server.ShutdownTimeout, log); err != nil {
			log.Warn().Err(err).Msg("http server shutdown incomplete")
		}
		if err := gateway.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
			log.Warn().Err(err).Msg("gateway shutdown incomplete")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	log.Info().Msg("room relay stopped")
	return nil
}

// openStore builds the message store, with the redis history cache in front
// of it when an address is configured.
func openStore(db *gorm.DB, cfg config.RedisConfig, log zerolog.Logger) (store.MessageStore, func(), error) {
	base, err := store.NewGormStore(db)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Enabled() {
		return base, func() {}, nil
	}

	cached, err := store.NewCachedStore(base, store.CacheConfig{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.Prefix,
		TTL:      cfg.HistoryTTL,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("address", cfg.Address).Msg("history cache enabled")

	return cached, func() {
		if err := cached.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing history cache")
		}
	}, nil
}

func openBlobs(cfg config.MediaConfig) (media.Blobs, error) {
	switch cfg.Backend {
	case "local":
		return media.NewLocalBlobs(cfg.Local.BasePath)
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return media.NewS3Blobs(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown media backend %q", cfg.Backend)
	}
}
