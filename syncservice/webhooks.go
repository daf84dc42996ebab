package syncservice

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/crmsync_backend/attio"
	"github.com/mmdatafocus/crmsync_backend/config"
	"github.com/mmdatafocus/crmsync_backend/models"
	"github.com/mmdatafocus/crmsync_backend/storage"
	"github.com/sirupsen/logrus"
)

const (
	ProviderAttio      = "attio"
	ProviderSalesforce = "salesforce"

	// WebhookTokenHeader authenticates Salesforce outbound change notifications.
	WebhookTokenHeader = "X-Webhook-Token"

	maxWebhookBody = 1 << 20
)

// WebhookConfig holds the shared secrets of the two webhook endpoints.
type WebhookConfig struct {
	AttioSecret     string
	SalesforceToken string
}

// SalesforceChange is one record change pushed by a Salesforce flow or trigger.
type SalesforceChange struct {
	ID         string    `json:"id"`
	SObject    string    `json:"sobject"`
	RecordID   string    `json:"record_id"`
	ChangeType string    `json:"change_type"`
	ChangedAt  time.Time `json:"changed_at"`
}

type SalesforceNotification struct {
	Events []SalesforceChange `json:"events"`
}

func (e SalesforceChange) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s:%s:%s:%s", e.SObject, e.RecordID, e.ChangeType, e.ChangedAt.UTC().Format(time.RFC3339Nano))
}

// WebhookResponse summarizes what a delivery caused.
type WebhookResponse struct {
	Received   int      `json:"received"`
	Duplicates int      `json:"duplicates"`
	Ignored    int      `json:"ignored"`
	Synced     []string `json:"synced"`
	Errors     []string `json:"errors,omitempty"`
}

// change is a webhook event reduced to what the service acts on.
type change struct {
	key     string
	kind    string
	object  string
	id      string
	deleted bool
	at      time.Time
}

// WebhookHandler processes deliveries: idempotency by event key, tombstones for deletions
// the client cannot list, then one targeted pass per touched object.
type WebhookHandler struct {
	svc    *Service
	events storage.EventLog
	cfg    WebhookConfig
	log    logrus.FieldLogger
}

func NewWebhookHandler(svc *Service, events storage.EventLog, cfg WebhookConfig) *WebhookHandler {
	if events == nil {
		events = storage.NewMemoryEventLog()
	}
	return &WebhookHandler{svc: svc, events: events, cfg: cfg, log: svc.log}
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return nil, false
	}
	return body, true
}

func (h *WebhookHandler) Attio() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, ok := readBody(c)
		if !ok {
			return
		}
		if err := attio.VerifySignature(h.cfg.AttioSecret, body, c.GetHeader(attio.SignatureHeader)); err != nil {
			h.log.WithError(err).Warn("rejected attio webhook")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}
		hook, err := attio.ParseWebhook(body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var changes []change
		for _, ev := range hook.Events {
			changes = append(changes, change{
				key:     ev.Key(),
				kind:    string(ev.EventType),
				object:  ev.ObjectSlug(),
				id:      ev.Record(),
				deleted: ev.EventType == attio.RecordDeleted,
				at:      ev.OccurredAt(),
			})
		}
		resp := h.process(c.Request.Context(), ProviderAttio, changes, func(ch change) bool {
			return attio.EventType(ch.kind).IsRecordEvent() && ch.kind != string(attio.RecordMerged)
		})
		c.JSON(http.StatusOK, resp)
	}
}

func (h *WebhookHandler) Salesforce() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(WebhookTokenHeader)
		if h.cfg.SalesforceToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.SalesforceToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook token"})
			return
		}
		body, ok := readBody(c)
		if !ok {
			return
		}
		var n SalesforceNotification
		if err := json.Unmarshal(body, &n); err != nil || len(n.Events) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expected {\"events\": [...]}"})
			return
		}

		changes := make([]change, 0, len(n.Events))
		for _, ev := range n.Events {
			at := ev.ChangedAt
			if at.IsZero() {
				at = h.svc.now()
			}
			changes = append(changes, change{
				key:     ev.Key(),
				kind:    strings.ToLower(ev.ChangeType),
				object:  ev.SObject,
				id:      ev.RecordID,
				deleted: strings.EqualFold(ev.ChangeType, "deleted"),
				at:      at,
			})
		}
		resp := h.process(c.Request.Context(), ProviderSalesforce, changes, func(ch change) bool {
			switch ch.kind {
			case "created", "updated", "deleted", "undeleted":
				return true
			}
			return false
		})
		c.JSON(http.StatusOK, resp)
	}
}

func (h *WebhookHandler) process(ctx context.Context, provider string, changes []change, relevant func(change) bool) WebhookResponse {
	resp := WebhookResponse{Received: len(changes), Synced: []string{}}
	byObject := map[string][]change{}
	var order []string

	for _, ch := range changes {
		if !relevant(ch) || ch.object == "" {
			resp.Ignored++
			continue
		}
		if _, err := h.svc.ObjectRequest(ch.object, models.SyncTriggeredWebhook); err != nil {
			resp.Ignored++
			continue
		}
		skip, err := h.events.BeginEvent(ctx, provider, ch.key, ch.kind)
		if errors.Is(err, storage.ErrEventInProgress) || skip {
			resp.Duplicates++
			continue
		}
		if err != nil {
			config.LogError(h.log, "syncservice", "process", "begin webhook event", ch.key, err)
			resp.Errors = append(resp.Errors, err.Error())
			continue
		}
		if ch.deleted && ch.id != "" {
			h.svc.RecordDeleted(ch.object, ch.id, ch.at)
		}
		if _, seen := byObject[ch.object]; !seen {
			order = append(order, ch.object)
		}
		byObject[ch.object] = append(byObject[ch.object], ch)
	}

	for _, object := range order {
		_, err := h.svc.SyncObject(ctx, object, models.SyncTriggeredWebhook)
		for _, ch := range byObject[object] {
			if err != nil {
				_ = h.events.MarkEventFailed(context.WithoutCancel(ctx), provider, ch.key, err)
				continue
			}
			_ = h.events.MarkEventSucceeded(context.WithoutCancel(ctx), provider, ch.key)
		}
		if err != nil {
			config.LogError(h.log, "syncservice", "process", "webhook sync failed for "+object, nil, err)
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", object, err))
			continue
		}
		resp.Synced = append(resp.Synced, object)
	}
	h.log.WithFields(logrus.Fields{
		"provider":   provider,
		"received":   resp.Received,
		"duplicates": resp.Duplicates,
		"ignored":    resp.Ignored,
		"synced":     resp.Synced,
	}).Info("webhook processed")
	return resp
}
