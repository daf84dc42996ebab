package syncservice

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type RouterConfig struct {
	APIKey     string
	APIKeyHash string
	// Webhooks is nil when webhook-triggered sync is disabled.
	Webhooks *WebhookHandler
	// PubSubPush mounts the Pub/Sub push endpoint.
	PubSubPush bool
	// Ready gates every route except /health until the backends are connected.
	Ready func() bool
}

func NewRouter(api *API, cfg RouterConfig, logger logrus.FieldLogger) *gin.Engine {
	r := gin.New()
	r.Use(CorrelationId())
	r.Use(RequestLogger(logger))
	r.Use(gin.Recovery())
	r.Use(Cors())

	r.GET("/health", api.Health())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	ready := r.Group("/")
	if cfg.Ready != nil {
		ready.Use(func(c *gin.Context) {
			if !cfg.Ready() {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "starting"})
				return
			}
			c.Next()
		})
	}

	v1 := ready.Group("/api/v1", APIKeyAuth(cfg.APIKey, cfg.APIKeyHash))
	{
		v1.GET("/status", api.Status())
		v1.POST("/sync", api.TriggerSync())
		v1.GET("/history", api.History())
		v1.GET("/history/export", api.ExportHistory())
		v1.GET("/conflicts", api.Conflicts())
		v1.GET("/conflicts/export", api.ExportConflicts())
		v1.POST("/conflicts/:id", api.ResolveConflict())
		v1.GET("/mappings", api.Mappings())
	}

	if cfg.Webhooks != nil {
		ready.POST("/webhooks/attio", cfg.Webhooks.Attio())
		ready.POST("/webhooks/salesforce", cfg.Webhooks.Salesforce())
	}
	if cfg.PubSubPush {
		ready.POST("/pubsub/sync", PubSubPushHandler(api.Service))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}
