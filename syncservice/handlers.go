package syncservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/crmsync_backend/config"
	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/mmdatafocus/crmsync_backend/models"
	"github.com/mmdatafocus/crmsync_backend/storage"
	"github.com/mmdatafocus/crmsync_backend/syncengine"
	"github.com/mmdatafocus/crmsync_backend/utils"
)

const (
	defaultHistoryLimit  = 10
	defaultConflictLimit = 100
	signedURLExpiry      = 15 * time.Minute
)

// Uploader stores an export and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, objectName, contentType string, data []byte) (string, error)
}

// signer is implemented by uploaders that can hand out temporary download links.
type signer interface {
	SignedDownloadURL(ctx context.Context, objectName string, expires time.Duration) (string, error)
}

type SyncRequest struct {
	Objects   []string `json:"objects" binding:"omitempty,dive,required"`
	Direction string   `json:"direction"`
	Full      bool     `json:"full"`
	Async     bool     `json:"async"`
}

type ResolveRequest struct {
	Decision string `json:"decision" binding:"required"`
}

// API holds the dependencies of the HTTP handlers. Publisher and Uploader are optional.
type API struct {
	Service   *Service
	Publisher Publisher
	Uploader  Uploader
	Version   string
}

func (a *API) Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"version":   a.Version,
			"timestamp": a.Service.now().Format(time.RFC3339),
		})
	}
}

func (a *API) Status() gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := a.Service.Status(c.Request.Context())
		if err != nil {
			a.internalError(c, "Status", err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func (a *API) TriggerSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SyncRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		run := RunRequest{Objects: req.Objects, Full: req.Full, TriggeredBy: models.SyncTriggeredManual}
		if strings.TrimSpace(req.Direction) != "" {
			dir, err := mapping.ParseDirection(req.Direction)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			run.Direction = dir
		}

		if req.Async {
			if a.Publisher == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "async sync is not configured"})
				return
			}
			// reject what a worker would drop anyway
			if _, err := a.Service.direction(run.Direction); err != nil {
				a.runError(c, err)
				return
			}
			if _, err := a.Service.pairs(run.Objects); err != nil {
				a.runError(c, err)
				return
			}
			id, err := a.Publisher.Publish(c.Request.Context(), SyncMessage{Request: run})
			if err != nil {
				a.internalError(c, "TriggerSync", err)
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"status": models.SyncRunStatusQueued, "message_id": id})
			return
		}

		h, res, err := a.Service.Run(c.Request.Context(), run)
		if err != nil {
			a.runError(c, err)
			return
		}
		body := gin.H{"run": h}
		if res != nil {
			body["success_rate"] = res.Batch().SuccessRate()
		}
		c.JSON(http.StatusOK, body)
	}
}

func (a *API) History() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := queryInt(c, "limit", defaultHistoryLimit, storage.MaxHistory)
		hist, err := a.Service.store.ListSyncHistory(c.Request.Context(), limit)
		if err != nil {
			a.internalError(c, "History", err)
			return
		}
		if hist == nil {
			hist = []*storage.SyncHistory{}
		}
		c.JSON(http.StatusOK, gin.H{"history": hist, "count": len(hist)})
	}
}

func (a *API) ExportHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := queryInt(c, "limit", storage.MaxHistory, storage.MaxHistory)
		hist, err := a.Service.store.ListSyncHistory(c.Request.Context(), limit)
		if err != nil {
			a.internalError(c, "ExportHistory", err)
			return
		}
		data, err := ExportHistory(hist)
		if err != nil {
			a.internalError(c, "ExportHistory", err)
			return
		}
		a.sendExport(c, "sync-history", data)
	}
}

// Conflicts lists pending conflicts; ?status= selects another status, "all" every one.
func (a *API) Conflicts() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, ok := conflictStatus(c)
		if !ok {
			return
		}
		limit := queryInt(c, "limit", defaultConflictLimit, storage.MaxHistory)
		list, err := a.Service.store.ListConflicts(c.Request.Context(), status, limit)
		if err != nil {
			a.internalError(c, "Conflicts", err)
			return
		}
		if list == nil {
			list = []*conflict.ConflictRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"conflicts": list, "count": len(list)})
	}
}

func (a *API) ResolveConflict() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}
		decision, err := conflict.ParseDecision(req.Decision)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id := c.Param("id")
		err = a.Service.engine.ResolveConflict(c.Request.Context(), id, decision)
		switch {
		case errors.Is(err, syncengine.ErrConflictNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		case errors.Is(err, conflict.ErrConflictAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			a.internalError(c, "ResolveConflict", err)
			return
		}
		rec, err := a.Service.store.GetConflict(c.Request.Context(), id)
		if err != nil {
			a.internalError(c, "ResolveConflict", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"conflict": rec})
	}
}

// ExportConflicts downloads conflicts as xlsx, or with ?upload=true stores the file and
// answers with its location.
func (a *API) ExportConflicts() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, ok := conflictStatus(c)
		if !ok {
			return
		}
		list, err := a.Service.store.ListConflicts(c.Request.Context(), status, 0)
		if err != nil {
			a.internalError(c, "ExportConflicts", err)
			return
		}
		data, err := ExportConflicts(list)
		if err != nil {
			a.internalError(c, "ExportConflicts", err)
			return
		}
		a.sendExport(c, "conflicts", data)
	}
}

func (a *API) Mappings() gin.HandlerFunc {
	return func(c *gin.Context) {
		set := a.Service.engine.Mappings()
		c.JSON(http.StatusOK, gin.H{
			"direction": a.Service.engine.Direction(),
			"mappings":  set.All(),
		})
	}
}

func (a *API) sendExport(c *gin.Context, prefix string, data []byte) {
	name := fmt.Sprintf("%s-%s.xlsx", prefix, a.Service.now().Format("20060102-150405"))
	if upload, _ := strconv.ParseBool(c.Query("upload")); !upload {
		c.Header("Content-Disposition", "attachment; filename="+name)
		c.Data(http.StatusOK, utils.XLSXContentType, data)
		return
	}
	if a.Uploader == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "export upload is not configured"})
		return
	}
	objectName := "exports/" + name
	location, err := a.Uploader.Upload(c.Request.Context(), objectName, utils.XLSXContentType, data)
	if err != nil {
		a.internalError(c, "sendExport", err)
		return
	}
	body := gin.H{"location": location, "name": name}
	if s, ok := a.Uploader.(signer); ok {
		url, err := s.SignedDownloadURL(c.Request.Context(), objectName, signedURLExpiry)
		if err != nil {
			config.LogError(a.Service.log, "syncservice", "sendExport", "sign export url", objectName, err)
		} else {
			body["download_url"] = url
		}
	}
	c.JSON(http.StatusOK, body)
}

func (a *API) runError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSyncDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrUnknownObject), errors.Is(err, ErrDirectionBlocked), errors.Is(err, ErrInvalidDirection):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		var se *syncengine.SyncError
		if errors.As(err, &se) && se.Kind == syncengine.KindConfiguration {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		a.internalError(c, "runError", err)
	}
}

func (a *API) internalError(c *gin.Context, funcName string, err error) {
	cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	config.LogError(a.Service.log, "syncservice", funcName, c.Request.URL.Path, cid, err)
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func conflictStatus(c *gin.Context) (conflict.Status, bool) {
	raw := strings.ToLower(strings.TrimSpace(c.Query("status")))
	switch raw {
	case "":
		return conflict.StatusPending, true
	case "all":
		return "", true
	}
	s := conflict.Status(raw)
	if s != conflict.StatusPending && !s.Terminal() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status " + strconv.Quote(raw)})
		return "", false
	}
	return s, true
}

func queryInt(c *gin.Context, key string, def, max int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}
