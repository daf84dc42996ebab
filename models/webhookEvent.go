package models

import "time"

type WebhookEventStatus string

const (
	WebhookEventStarted   WebhookEventStatus = "STARTED"
	WebhookEventSucceeded WebhookEventStatus = "SUCCEEDED"
	WebhookEventFailed    WebhookEventStatus = "FAILED"
)

// WebhookEvent makes at-least-once webhook delivery idempotent.
// Unique constraint: (provider, event_id).
type WebhookEvent struct {
	ID        int                `gorm:"primary_key" json:"id"`
	Provider  string             `gorm:"size:32;not null;index:uniq_webhook_event,unique" json:"provider"`
	EventId   string             `gorm:"size:255;not null;index:uniq_webhook_event,unique" json:"event_id"`
	EventType string             `gorm:"size:64" json:"event_type"`
	Status    WebhookEventStatus `gorm:"size:20;not null;index" json:"status"`
	LastError *string            `gorm:"type:text" json:"last_error"`
	CreatedAt time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}
