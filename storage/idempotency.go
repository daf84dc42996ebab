package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mmdatafocus/crmsync_backend/models"
	"gorm.io/gorm"
)

var ErrEventInProgress = errors.New("webhook event in progress")

// staleAfter is how long a STARTED event blocks redelivery before it may be retried.
const staleAfter = 5 * time.Minute

// EventLog deduplicates webhook deliveries by (provider, event id).
type EventLog interface {
	// BeginEvent returns skip=true when the event already succeeded.
	BeginEvent(ctx context.Context, provider, eventID, eventType string) (skip bool, err error)
	MarkEventSucceeded(ctx context.Context, provider, eventID string) error
	MarkEventFailed(ctx context.Context, provider, eventID string, cause error) error
}

type GormEventLog struct {
	db *gorm.DB
}

func NewGormEventLog(db *gorm.DB) *GormEventLog {
	return &GormEventLog{db: db}
}

func (l *GormEventLog) BeginEvent(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	tx := l.db.WithContext(ctx)
	ev := models.WebhookEvent{
		Provider:  provider,
		EventId:   eventID,
		EventType: eventType,
		Status:    models.WebhookEventStarted,
	}
	if err := tx.Create(&ev).Error; err == nil {
		return false, nil
	} else if !IsDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.WebhookEvent
	if err := tx.Where("provider = ? AND event_id = ?", provider, eventID).First(&existing).Error; err != nil {
		return false, err
	}
	switch existing.Status {
	case models.WebhookEventSucceeded:
		return true, nil
	case models.WebhookEventStarted:
		if time.Since(existing.UpdatedAt) < staleAfter {
			return false, ErrEventInProgress
		}
	}
	return false, tx.Model(&models.WebhookEvent{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.WebhookEventStarted, "last_error": nil}).Error
}

func (l *GormEventLog) MarkEventSucceeded(ctx context.Context, provider, eventID string) error {
	return l.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(map[string]interface{}{"status": models.WebhookEventSucceeded, "last_error": nil}).Error
}

func (l *GormEventLog) MarkEventFailed(ctx context.Context, provider, eventID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(map[string]interface{}{"status": models.WebhookEventFailed, "last_error": &msg}).Error
}

type memoryEvent struct {
	status    models.WebhookEventStatus
	updatedAt time.Time
}

// MemoryEventLog is the in-process EventLog used with the memory and redis backends.
type MemoryEventLog struct {
	mu     sync.Mutex
	events map[string]memoryEvent
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{events: map[string]memoryEvent{}}
}

func (l *MemoryEventLog) BeginEvent(_ context.Context, provider, eventID, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := provider + ":" + eventID
	if ev, ok := l.events[key]; ok {
		switch ev.status {
		case models.WebhookEventSucceeded:
			return true, nil
		case models.WebhookEventStarted:
			if time.Since(ev.updatedAt) < staleAfter {
				return false, ErrEventInProgress
			}
		}
	}
	l.events[key] = memoryEvent{status: models.WebhookEventStarted, updatedAt: time.Now()}
	return false, nil
}

func (l *MemoryEventLog) MarkEventSucceeded(_ context.Context, provider, eventID string) error {
	return l.mark(provider, eventID, models.WebhookEventSucceeded)
}

func (l *MemoryEventLog) MarkEventFailed(_ context.Context, provider, eventID string, _ error) error {
	return l.mark(provider, eventID, models.WebhookEventFailed)
}

func (l *MemoryEventLog) mark(provider, eventID string, status models.WebhookEventStatus) error {
	l.mu.Lock()
	l.events[provider+":"+eventID] = memoryEvent{status: status, updatedAt: time.Now()}
	l.mu.Unlock()
	return nil
}
