package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"arbiter.gg/internal/config"
	"arbiter.gg/internal/httpapi"
	"arbiter.gg/internal/obs"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("load %s: %v", *envFile, err)
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := obs.InitLogger(cfg.Development(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer app.Close()

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		logger.Fatal("trusted proxies", zap.Error(err))
	}
	api := httpapi.New(httpapi.Options{
		Tokens:      app.tokens,
		Engine:      app.engine,
		Entities:    app.entities,
		Policies:    app.policies,
		Limiter:     app.limiter,
		Audit:       app.audit,
		Events:      app.events,
		Logger:      logger,
		Version:     version,
		LoginLimit:  cfg.LoginLimit,
		LoginWindow: cfg.LoginWindow,
		RateBurst:   cfg.HTTPBurst,
		RatePerSec:  cfg.HTTPPerSecond,

		TrustedProxies: trusted,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := httpapi.NewGRPCServer(api.HealthCheck, cfg.HealthInterval, logger)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("grpc listen", zap.String("addr", cfg.GRPCAddr), zap.Error(err))
	}

	go grpcSrv.Run(ctx)
	go app.purgeLoop(ctx, cfg.PurgeInterval)
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			logger.Error("grpc serve", zap.Error(err))
			stop()
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve", zap.Error(err))
			stop()
		}
	}()

	logger.Info("arbiter started",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("storage", app.storage),
		zap.Bool("shared_cache", app.redis != nil),
		zap.Bool("kafka", len(cfg.KafkaBrokers) > 0),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	// event streams never finish on their own
	_ = app.events.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	app.engine.Wait()
	logger.Info("stopped")
}
