package handlers

import (
	"context"
	"net/http"
	"time"

	"custcat-prediction-api/classifier"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports database reachability and model state. Only a database
// failure makes the service unhealthy; the model loads lazily.
func Health(db Pinger, store *classifier.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, code := "UP", http.StatusOK
		dbStatus := "UP"
		if err := db.Ping(ctx); err != nil {
			status, code, dbStatus = "DOWN", http.StatusServiceUnavailable, err.Error()
		}
		c.JSON(code, gin.H{
			"status":   status,
			"message":  "Customer category prediction API",
			"database": dbStatus,
			"model":    store.Status(),
		})
	}
}
