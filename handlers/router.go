package handlers

import (
	"time"

	"custcat-prediction-api/classifier"
	"custcat-prediction-api/config"
	"custcat-prediction-api/middleware"
	"custcat-prediction-api/repository"
	"custcat-prediction-api/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps is everything the HTTP layer needs.
type Deps struct {
	Config   *config.Config
	Logger   *zap.Logger
	Repo     *repository.PredictionRepository
	Store    *classifier.Store
	Service  *services.PredictionService
	Auth     *services.AuthService
	Cache    *services.CacheService
	Archiver services.Archiver
	Metrics  *services.Metrics
	Gatherer prometheus.Gatherer
}

func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	router := gin.New()
	router.MaxMultipartMemory = d.Config.Server.MaxUploadBytes
	router.Use(
		middleware.RequestID(),
		middleware.Logger(d.Logger),
		middleware.Recovery(d.Logger),
		middleware.HTTPMetrics(d.Metrics.HTTPDuration),
		middleware.SetupCORS(d.Config.CORS),
	)

	router.GET("/health", Health(d.Repo, d.Store))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	predictions := NewPredictionHandler(d.Service, d.Repo, d.Cache, d.Archiver, d.Logger)
	authHandler := NewAuthHandler(d.Auth)
	modelHandler := NewModelHandler(d.Store, d.Logger)

	api := router.Group("/api")
	{
		api.GET("/predict/fields", predictions.Fields)
		api.POST("/predict", middleware.BodyLimit(d.Config.Server.MaxUploadBytes), predictions.PredictSingle)
		api.POST("/predict/file", middleware.BodyLimit(d.Config.Server.MaxUploadBytes), predictions.PredictFile)
		api.GET("/predictions", predictions.ListPredictions)
		api.GET("/predictions/live", LiveFeed(
			d.Cache, d.Auth, d.Config.Events.Channel,
			time.Duration(d.Config.WS.PollIntervalMS)*time.Millisecond, d.Logger,
		))
		api.POST("/auth/login", authHandler.Login)

		admin := api.Group("/admin", middleware.RequireAuth(d.Auth), middleware.RequireRole(services.RoleAdmin))
		admin.GET("/model", modelHandler.Status)
		admin.POST("/model/reload", modelHandler.Reload)
	}

	return router
}
