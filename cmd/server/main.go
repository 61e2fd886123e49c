package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	accountrepo "llm-platform-backend/internal/account/repository"
	adminhandler "llm-platform-backend/internal/admin/handler"
	authhandler "llm-platform-backend/internal/auth/handler"
	authservice "llm-platform-backend/internal/auth/service"
	chathandler "llm-platform-backend/internal/chat/handler"
	"llm-platform-backend/internal/chat/proxy"
	"llm-platform-backend/internal/chat/quota"
	chatrepo "llm-platform-backend/internal/chat/repository"
	"llm-platform-backend/internal/config"
	"llm-platform-backend/internal/db"
	"llm-platform-backend/internal/logging"
	"llm-platform-backend/internal/metrics"
	"llm-platform-backend/internal/security"
	"llm-platform-backend/internal/server"
	"llm-platform-backend/internal/server/middleware"
)

const serviceName = "llm_platform"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel, serviceName)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	tokens, err := security.NewTokenProvider([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.TokenTTL())
	if err != nil {
		log.Fatalf("token provider: %v", err)
	}
	hasher := security.NewHasher(cfg.BcryptCost)

	m := metrics.New(serviceName)
	accounts := accountrepo.NewPostgresRepository(conn)
	authSvc := authservice.NewAuthService(accounts, hasher, tokens, logger)

	var q chathandler.Quota = quota.Unmetered{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		q = quota.NewLimiter(rdb, logger)
	}

	gateway := proxy.NewGateway(cfg.GatewayURL, cfg.UpstreamTimeout(), logger)

	router := server.NewRouter(server.Deps{
		Config:  cfg,
		Metrics: m,
		Auth:    middleware.NewAuthMiddleware(authSvc, logger, m),
		AuthH:   authhandler.NewHandler(authSvc, cfg.Production(), logger, m),
		AdminH:  adminhandler.NewHandler(accounts, authSvc, hasher, logger),
		ChatH:   chathandler.NewHandler(gateway, q, chatrepo.NewPostgresRepository(conn), logger, m),
		DB:      conn,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: streaming completions hold the response open for
		// minutes; the upstream timeout bounds them instead.
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
	logger.Info("http server stopped")
}
