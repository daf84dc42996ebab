// Package storage persists id mappings, cursors, conflicts and run history.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/cursor"
	"github.com/mmdatafocus/crmsync_backend/reference"
)

// MaxHistory is how many sync runs are retained by the bounded backends.
const MaxHistory = 1000

// ErrDuplicateMapping is returned when either side of an id pair is already linked elsewhere.
var ErrDuplicateMapping = errors.New("id mapping already exists for a different record")

// Storage is the persistence contract of the sync engine. Getters return (nil, nil) when
// nothing is stored under the key.
type Storage interface {
	SaveIDMapping(ctx context.Context, m reference.IdMapping) error
	GetMappingBySourceID(ctx context.Context, sourceObject, sourceID string) (*reference.IdMapping, error)
	GetMappingByTargetID(ctx context.Context, targetObject, targetID string) (*reference.IdMapping, error)
	DeleteMapping(ctx context.Context, sourceObject, sourceID string) error
	ListMappings(ctx context.Context, sourceObject, targetObject string) ([]reference.IdMapping, error)

	SaveCursor(ctx context.Context, key string, c *cursor.SyncCursor) error
	GetCursor(ctx context.Context, key string) (*cursor.SyncCursor, error)

	SaveConflict(ctx context.Context, c *conflict.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*conflict.ConflictRecord, error)
	// ListConflicts returns conflicts newest first; an empty status means all of them.
	ListConflicts(ctx context.Context, status conflict.Status, limit int) ([]*conflict.ConflictRecord, error)

	SaveSyncHistory(ctx context.Context, h *SyncHistory) error
	ListSyncHistory(ctx context.Context, limit int) ([]*SyncHistory, error)
}

// SyncHistory is one recorded run of the sync service.
type SyncHistory struct {
	ID          string     `json:"id"`
	Direction   string     `json:"direction"`
	Objects     []string   `json:"objects"`
	Status      string     `json:"status"`
	TriggeredBy string     `json:"triggered_by,omitempty"`
	Processed   int        `json:"processed"`
	Created     int        `json:"created"`
	Updated     int        `json:"updated"`
	Conflicted  int        `json:"conflicted"`
	Errored     int        `json:"errored"`
	Skipped     int        `json:"skipped"`
	Errors      []string   `json:"errors,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func (h *SyncHistory) Duration() time.Duration {
	if h.FinishedAt == nil {
		return 0
	}
	return h.FinishedAt.Sub(h.StartedAt)
}

// CursorKey is the storage key of the cursor for a source/target pair.
func CursorKey(sourceObject, targetObject string) string {
	return sourceObject + ":" + targetObject
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
