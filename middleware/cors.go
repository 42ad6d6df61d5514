package middleware

import (
	"strings"
	"time"

	"custcat-prediction-api/config"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupCORS(cfg config.CORSConfig) gin.HandlerFunc {
	var allowedOrigins []string
	for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowedOrigins = append(allowedOrigins, o)
		}
	}
	methods := []string{"GET", "POST", "OPTIONS"}
	headers := []string{"Origin", "Content-Type", "Authorization", RequestIDHeader}

	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		return cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     methods,
			AllowHeaders:     headers,
			ExposeHeaders:    []string{"Content-Length", RequestIDHeader},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		})
	}

	return cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     methods,
		AllowHeaders:     headers,
		ExposeHeaders:    []string{"Content-Length", RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
