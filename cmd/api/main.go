package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"custcat-prediction-api/classifier"
	"custcat-prediction-api/config"
	"custcat-prediction-api/handlers"
	"custcat-prediction-api/logger"
	"custcat-prediction-api/models"
	"custcat-prediction-api/repository"
	"custcat-prediction-api/services"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := repository.Open(cfg.Database, zlog)
	if err != nil {
		return err
	}
	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(db); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	repo := repository.NewPredictionRepository(db)
	zlog.Info("database connected", zap.String("driver", cfg.Database.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := services.NewMetrics(reg)

	cache, err := services.NewCacheService(cfg.Redis, zlog)
	if err != nil {
		zlog.Warn("redis unavailable; caching and live feed disabled", zap.Error(err))
	}
	defer cache.Close()

	publishers := services.MultiPublisher{services.NewRedisPublisher(cache, cfg.Events.Channel, metrics)}
	if cfg.MQTT.URL != "" {
		mqttPub, closeMQTT, err := services.NewMQTTPublisher(cfg.MQTT, metrics, zlog)
		if err != nil {
			zlog.Warn("mqtt unavailable; events go to redis only", zap.Error(err))
		} else {
			defer closeMQTT()
			publishers = append(publishers, mqttPub)
		}
	}

	var archiver services.Archiver
	if cfg.Minio.Endpoint != "" {
		minioArchiver, err := services.NewMinioArchiver(ctx, cfg.Minio)
		if err != nil {
			zlog.Warn("object storage unavailable; uploads will not be archived", zap.Error(err))
		} else {
			archiver = minioArchiver
		}
	}

	store := classifier.NewStore(cfg.Model.ArtifactPath(), models.FeatureNames(), zlog.Named("model"), metrics.ObserveModelLoad)
	if cfg.Model.Watch {
		watcher, err := classifier.NewWatcher(store, zlog.Named("model"))
		if err != nil {
			return fmt.Errorf("model watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			zlog.Warn("model watcher not started", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	svc := services.NewPredictionService(repo, store, publishers, metrics, zlog)
	auth := services.NewAuthService(cfg.JWT)

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(handlers.Deps{
		Config:   cfg,
		Logger:   zlog,
		Repo:     repo,
		Store:    store,
		Service:  svc,
		Auth:     auth,
		Cache:    cache,
		Archiver: archiver,
		Metrics:  metrics,
		Gatherer: reg,
	})

	timeout := time.Duration(cfg.Server.TimeoutSec) * time.Second
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info("starting server", zap.String("addr", server.Addr), zap.String("artifact", store.Path()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
