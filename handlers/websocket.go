package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"custcat-prediction-api/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// LiveFeed streams prediction events from the Redis channel to a websocket
// client. The token travels as a query parameter since browsers cannot set
// headers on the upgrade request.
func LiveFeed(cache *services.CacheService, authService *services.AuthService, channel string, pingInterval time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return func(c *gin.Context) {
		tokenStr := c.Query("token")
		if tokenStr == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token query parameter"})
			return
		}
		if _, err := authService.ValidateToken(tokenStr); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		if !cache.Available() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "live feed requires redis"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		// Read pump: detect client disconnect
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		pubsub := cache.Subscribe(ctx, channel)
		defer pubsub.Close()
		ch := pubsub.Channel()

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				deadline := time.Now().Add(5 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			case msg, ok := <-ch:
				if !ok {
					return
				}
				err := conn.WriteJSON(gin.H{
					"type": "prediction_created",
					"data": json.RawMessage(msg.Payload),
				})
				if err != nil {
					logger.Debug("ws write error", zap.Error(err))
					return
				}
			}
		}
	}
}
