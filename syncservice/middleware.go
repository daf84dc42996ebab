package syncservice

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/crmsync_backend/utils"
	"github.com/sirupsen/logrus"
)

const CorrelationIdHeader = "x-correlation-id"

// CorrelationId attaches the caller's x-correlation-id (or a fresh one) to the request context.
func CorrelationId() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if cid := c.GetHeader(CorrelationIdHeader); cid != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, cid)
		}
		ctx, cid := utils.EnsureCorrelationId(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationIdHeader, cid)
		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		entry := logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		})
		if len(c.Errors) > 0 {
			entry.WithField("errors", c.Errors.String()).Warn("request")
			return
		}
		entry.Info("request")
	}
}

// APIKeyAuth requires "Authorization: Bearer <key>" matching the configured plain key or
// bcrypt hash. With neither configured the API is open.
func APIKeyAuth(plain, hashed string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if plain == "" && hashed == "" {
			c.Next()
			return
		}
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		var presented string
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			presented = strings.TrimSpace(auth[7:])
		}
		if err := utils.CompareAPIKey(plain, hashed, presented); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Cors allows every origin outside production; in production only CORS_ALLOWED_ORIGINS.
func Cors() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		corsConfig.AllowOrigins = utils.SplitList(allowedOrigins)
		if len(corsConfig.AllowOrigins) == 0 {
			// cors.New rejects a config that allows no origin at all
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", CorrelationIdHeader)
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition", CorrelationIdHeader)
	return cors.New(corsConfig)
}
