package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chatline/internal/app"
	"chatline/internal/config"
	"chatline/internal/server"
	"chatline/internal/util"
	"chatline/internal/ws"
	"chatline/pkg/auth"
	"chatline/pkg/storage"
	"chatline/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := os.Getenv("CHATLINE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	util.InitLogger(cfg.LogLevel)

	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenMaker(cfg.JWTSecret, sessionTTL)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	files, avatars, err := buildFileStores(cfg)
	if err != nil {
		return err
	}

	hub := ws.NewHub(ws.Config{
		Store:         st,
		Tokens:        tokens,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
	})

	core, err := app.New(app.Config{
		Store:   st,
		Files:   files,
		Avatars: avatars,
		Push:    hub,
		Tokens:  tokens,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		App:                        core,
		WS:                         hub,
		Presence:                   func(r *http.Request) ([]string, error) { return hub.Online(r.Context()) },
		Files:                      files,
		Avatars:                    avatars,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		MaxUploadBytes:             cfg.MaxMessageFileBytes,
		MaxAvatarBytes:             cfg.MaxAvatarBytes,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildFileStores returns the message file store and the avatar store for
// the configured backend.
func buildFileStores(cfg config.FileConfig) (storage.FileStore, storage.FileStore, error) {
	switch cfg.StorageBackend {
	case config.BackendS3:
		files, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, "files", cfg.MinioUseSSL)
		if err != nil {
			return nil, nil, fmt.Errorf("init minio file store: %w", err)
		}
		avatars, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, "images", cfg.MinioUseSSL)
		if err != nil {
			return nil, nil, fmt.Errorf("init minio avatar store: %w", err)
		}
		return files, avatars, nil
	default:
		files, err := storage.NewDiskStore(filepath.Join(cfg.DataDir, "files"))
		if err != nil {
			return nil, nil, fmt.Errorf("init file store: %w", err)
		}
		avatars, err := storage.NewDiskStore(filepath.Join(cfg.DataDir, "images"))
		if err != nil {
			return nil, nil, fmt.Errorf("init avatar store: %w", err)
		}
		return files, avatars, nil
	}
}
