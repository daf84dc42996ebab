package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/crmsync_backend/attio"
	"github.com/mmdatafocus/crmsync_backend/config"
	"github.com/mmdatafocus/crmsync_backend/salesforce"
	"github.com/mmdatafocus/crmsync_backend/syncservice"
	"github.com/mmdatafocus/crmsync_backend/utils"
	"github.com/sirupsen/logrus"
)

var version = "dev"

func main() {
	logger := config.GetLogger()

	settings := config.LoadSettings()
	if err := settings.Validate(); err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Fatal(err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if config.EnvString("GO_ENV", "") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Listen first so the platform health check passes while backends connect.
	var router atomic.Pointer[gin.Engine]
	srv := &http.Server{
		Addr: ":" + settings.Port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h := router.Load(); h != nil {
				h.ServeHTTP(w, r)
				return
			}
			if r.URL.Path == "/health" || r.URL.Path == "/healthz" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()
	logger.WithFields(logrus.Fields{"port": settings.Port, "version": version}).Info("crm sync service listening")

	backends, err := syncservice.OpenBackends(sigCtx, settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "storage"}).Fatal(err)
	}
	defer backends.Close()

	set, err := settings.Mappings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "mappings"}).Fatal(err)
	}
	attioClient, err := attio.NewClient(settings.AttioConfig())
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "attio"}).Fatal(err)
	}
	sfClient, err := salesforce.NewClient(settings.SalesforceConfig())
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "salesforce"}).Fatal(err)
	}
	clients := syncservice.NewClients(set, attioClient, sfClient)
	engine, err := syncservice.NewEngine(settings, set, clients, backends, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "engine"}).Fatal(err)
	}
	svc := syncservice.NewService(syncservice.Options{
		Engine:  engine,
		Store:   backends.Storage,
		Clients: clients,
		Logger:  logger,
	})

	api := &syncservice.API{Service: svc, Version: version}
	routerCfg := syncservice.RouterConfig{APIKey: settings.APIKey, APIKeyHash: settings.APIKeyHash}

	if settings.PubSubTopic != "" {
		psClient, err := config.GetPubSubClient(sigCtx)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err)
		}
		defer psClient.Close()
		publisher, err := syncservice.NewPubSubPublisher(sigCtx, psClient, settings.PubSubTopic)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err)
		}
		defer publisher.Stop()
		api.Publisher = publisher
		routerCfg.PubSubPush = config.EnvBool("ENABLE_PUBSUB_PUSH_ENDPOINT", true)

		if settings.PubSubSubscription != "" {
			sub, err := config.CreateSubscriptionIfNotExists(sigCtx, psClient, settings.PubSubSubscription, publisher.Topic())
			if err != nil {
				logger.WithFields(logrus.Fields{"field": "pubsub"}).Fatal(err)
			}
			go func() {
				if err := svc.Subscribe(sigCtx, sub); err != nil && !errors.Is(err, context.Canceled) {
					config.LogError(logger, "main", "Subscribe", "pubsub receive stopped", settings.PubSubSubscription, err)
				}
			}()
		}
	}

	if settings.ExportBucket != "" {
		uploader, err := utils.NewGCSUploader(settings.ExportBucket)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "exports"}).Fatal(err)
		}
		api.Uploader = uploader
	}

	if settings.WebhookEnabled {
		routerCfg.Webhooks = syncservice.NewWebhookHandler(svc, backends.Events, syncservice.WebhookConfig{
			AttioSecret:     settings.AttioWebhookSecret,
			SalesforceToken: settings.SFWebhookToken,
		})
	}

	if settings.ScheduledEnabled {
		scheduler := syncservice.NewScheduler(sigCtx, svc, logger)
		if _, err := scheduler.Add(settings.Schedule); err != nil {
			logger.WithFields(logrus.Fields{"field": "schedule"}).Fatal(err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	router.Store(syncservice.NewRouter(api, routerCfg, logger))
	logger.WithFields(logrus.Fields{
		"direction": settings.Direction,
		"strategy":  settings.Strategy,
		"pairs":     len(set.Enabled()),
		"webhooks":  settings.WebhookEnabled,
		"scheduled": settings.ScheduledEnabled,
	}).Info("crm sync service ready")

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}
