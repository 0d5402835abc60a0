package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"account-sync/internal/auth"
	"account-sync/internal/backend"
	"account-sync/internal/config"
	"account-sync/internal/domain"
	apphttp "account-sync/internal/http"
	"account-sync/internal/registry"
	"account-sync/internal/snapshot"
	"account-sync/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}
	if strings.TrimSpace(cfg.Auth.AdminPasswordHash) == "" {
		logger.Warn("auth admin password hash is empty; admin login is disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	reg := registry.New(store, registry.Config{
		Logger:       logger,
		UserAgent:    cfg.Sync.UserAgent,
		Source:       cfg.Sync.Source,
		MarkerTTL:    cfg.Sync.MarkerTTL,
		CompatWrites: cfg.Sync.CompatWrites,
		OnChange: func(accounts []domain.Account) {
			logger.WithField("users", len(accounts)).Debug("registry changed by another instance")
		},
	})
	if err := reg.Init(ctx); err != nil {
		logger.Fatalf("init registry: %v", err)
	}
	if cfg.Sync.Interval > 0 {
		reg.StartAutoSync(cfg.Sync.Interval)
	}

	var storageSvc storage.Service
	if cfg.Snapshot.Bucket != "" {
		storageSvc, err = buildStorage(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("setup storage: %v", err)
		}
	}
	exporter := snapshot.NewExporter(snapshot.Config{
		Bucket:     cfg.Snapshot.Bucket,
		KeyPrefix:  cfg.Snapshot.KeyPrefix,
		Interval:   cfg.Snapshot.Interval,
		Retain:     cfg.Snapshot.Retain,
		InstanceID: store.Origin(),
		Logger:     logger,
	}, reg, storageSvc)
	if err := exporter.Start(ctx); err != nil {
		logger.Fatalf("start snapshot exporter: %v", err)
	}

	authenticator := auth.NewAuthenticator(
		cfg.Auth.AdminUser,
		cfg.Auth.AdminPasswordHash,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute,
	)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(reg, authenticator, exporter)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	exporter.Shutdown()
	reg.Shutdown()

	logger.Info("bye")
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Snapshot.Bucket == "" {
		return nil, fmt.Errorf("snapshot bucket is required")
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Snapshot.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Snapshot.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Snapshot.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Snapshot.Bucket, cfg.Snapshot.Region)
	return storage.NewS3Service(client), nil
}
