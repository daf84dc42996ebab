package attio

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body, optionally prefixed "sha256=".
const SignatureHeader = "Attio-Signature"

var ErrInvalidSignature = errors.New("invalid webhook signature")

type EventType string

const (
	RecordCreated    EventType = "record.created"
	RecordUpdated    EventType = "record.updated"
	RecordDeleted    EventType = "record.deleted"
	RecordMerged     EventType = "record.merged"
	ListEntryCreated EventType = "list-entry.created"
	ListEntryUpdated EventType = "list-entry.updated"
	ListEntryDeleted EventType = "list-entry.deleted"
	EventUnknown     EventType = "unknown"
)

var eventAliases = map[string]EventType{
	"record_created":     RecordCreated,
	"record_updated":     RecordUpdated,
	"record_deleted":     RecordDeleted,
	"record_merged":      RecordMerged,
	"list_entry_created": ListEntryCreated,
	"list_entry_updated": ListEntryUpdated,
	"list_entry_deleted": ListEntryDeleted,
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.ToLower(strings.TrimSpace(s))
	switch v := EventType(s); v {
	case RecordCreated, RecordUpdated, RecordDeleted, RecordMerged, ListEntryCreated, ListEntryUpdated, ListEntryDeleted:
		*t = v
		return nil
	}
	if v, ok := eventAliases[s]; ok {
		*t = v
		return nil
	}
	*t = EventUnknown
	return nil
}

// IsRecordEvent is true for events about a record rather than a list entry.
func (t EventType) IsRecordEvent() bool {
	return strings.HasPrefix(string(t), "record.")
}

type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type Event struct {
	EventType EventType `json:"event_type"`
	ID        RecordID  `json:"id"`
	Object    string    `json:"object,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
	Actor     *Actor    `json:"actor,omitempty"`
}

// ObjectSlug is the object the event is about.
func (e Event) ObjectSlug() string {
	if e.Object != "" {
		return e.Object
	}
	return e.ID.ObjectID
}

func (e Event) Record() string {
	if e.RecordID != "" {
		return e.RecordID
	}
	return e.ID.RecordID
}

func (e Event) OccurredAt() time.Time {
	if t, ok := parseTime(e.Timestamp); ok {
		return t
	}
	return time.Now().UTC()
}

// Key identifies the event for duplicate delivery detection.
func (e Event) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s", e.EventType, e.ObjectSlug(), e.Record(), e.Timestamp)
}

type Webhook struct {
	WebhookID string  `json:"webhook_id"`
	Events    []Event `json:"events"`
}

// ParseWebhook accepts the batched form {"webhook_id", "events": [...]} and a bare event.
func ParseWebhook(body []byte) (*Webhook, error) {
	var w Webhook
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("parse attio webhook: %w", err)
	}
	if len(w.Events) > 0 {
		return &w, nil
	}
	var single Event
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("parse attio webhook: %w", err)
	}
	if single.EventType == "" {
		return nil, errors.New("parse attio webhook: no events")
	}
	w.Events = []Event{single}
	return &w, nil
}

func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the body's HMAC in constant time.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return errors.New("attio webhook secret is not configured")
	}
	provided := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	if !hmac.Equal([]byte(Sign(secret, body)), []byte(strings.ToLower(provided))) {
		return ErrInvalidSignature
	}
	return nil
}
