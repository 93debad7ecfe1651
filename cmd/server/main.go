package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gatehouse/internal/api"
	"gatehouse/internal/attach"
	"gatehouse/internal/auth"
	"gatehouse/internal/cache"
	"gatehouse/internal/config"
	"gatehouse/internal/db"
	"gatehouse/internal/email"
	"gatehouse/internal/models"
	"gatehouse/internal/request"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting server", "name", cfg.Server.Name)

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.Info("database opened", "path", cfg.Database.Path)

	attachService, err := attach.NewService(cfg.Storage.AttachmentRoot, cfg.Storage.UploadMaxBytes)
	if err != nil {
		slog.Error("failed to initialize attachment storage", "error", err)
		os.Exit(1)
	}
	slog.Info("attachment storage initialized", "root", cfg.Storage.AttachmentRoot, "upload_max_bytes", cfg.Storage.UploadMaxBytes)

	var counts cache.Store
	if cfg.Cache.RedisAddr != "" {
		redisStore, err := cache.NewRedisStore(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err, "addr", cfg.Cache.RedisAddr)
			os.Exit(1)
		}
		counts = redisStore
		slog.Info("count cache using redis", "addr", cfg.Cache.RedisAddr)
	} else {
		counts = cache.NewMemoryStore()
		slog.Info("count cache using in-process store")
	}

	emailService := email.NewSMTPService(
		cfg.Email.SMTP.Host,
		cfg.Email.SMTP.Port,
		cfg.Email.SMTP.Username,
		cfg.Email.SMTP.Password,
		cfg.Email.SMTP.From,
		cfg.Server.Name,
		cfg.Server.BaseURL,
	)
	slog.Info("email configured", "host", cfg.Email.SMTP.Host, "port", cfg.Email.SMTP.Port)

	userRepo := db.NewUserRepository(database)
	if err := ensureBootstrapAdmin(context.Background(), userRepo, cfg.Auth.Bootstrap); err != nil {
		slog.Error("failed to ensure bootstrap admin", "error", err)
		os.Exit(1)
	}

	requestService := request.NewService(
		cfg.Requests,
		cfg.Server.BaseURL,
		cfg.Email.AdminContact,
		database,
		attachService,
		counts,
		emailService,
	)

	sweeper := request.NewSweeper(requestService, cfg.Requests.SweepInterval)
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	go sweeper.Start(sweepCtx)

	server, err := api.NewServer(cfg, database, requestService, userRepo, counts)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	addr := cfg.Addr()
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}

	go func() {
		slog.Info("server listening", "addr", addr, "base_url", cfg.Server.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down")

	sweepCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// ensureBootstrapAdmin creates the configured admin account on first start,
// so a fresh install has someone able to review requests.
func ensureBootstrapAdmin(ctx context.Context, users *db.UserRepository, bootstrap config.BootstrapAdmin) error {
	if bootstrap.Username == "" {
		return nil
	}

	_, err := users.GetByUsername(ctx, bootstrap.Username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	hash, err := auth.HashPassword(bootstrap.Password)
	if err != nil {
		return err
	}

	admin := &models.User{
		Username:     bootstrap.Username,
		Email:        bootstrap.Email,
		PasswordHash: hash,
		IsAdmin:      true,
		Notify:       true,
	}
	if err := users.Create(ctx, admin); err != nil {
		return err
	}

	slog.Info("bootstrap admin created", "username", bootstrap.Username)
	return nil
}
