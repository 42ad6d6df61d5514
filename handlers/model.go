package handlers

import (
	"net/http"

	"custcat-prediction-api/classifier"
	"custcat-prediction-api/middleware"
	"custcat-prediction-api/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type ModelHandler struct {
	store  *classifier.Store
	logger *zap.Logger
}

func NewModelHandler(store *classifier.Store, logger *zap.Logger) *ModelHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelHandler{store: store, logger: logger}
}

func (h *ModelHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Status())
}

// Reload re-reads the artifact. A failed reload leaves the current model in
// service and reports why.
func (h *ModelHandler) Reload(c *gin.Context) {
	if _, err := h.store.Reload(c.Request.Context()); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "Model reload failed",
			"detail": err.Error(),
			"status": h.store.Status(),
		})
		return
	}
	by := ""
	if v, ok := c.Get(middleware.ClaimsKey); ok {
		if claims, ok := v.(*services.Claims); ok {
			by = claims.Username
		}
	}
	h.logger.Info("model reloaded via admin api", zap.String("by", by))
	c.JSON(http.StatusOK, h.store.Status())
}
