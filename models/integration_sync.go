package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredWebhook  = "webhook"
	SyncTriggeredPubSub   = "pubsub"
	SyncTriggeredCommand  = "cli"
)

// IdMapping links a source record to a target record. Both id pairs are unique.
type IdMapping struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	SourceObject string    `gorm:"uniqueIndex:idx_id_mapping_source,priority:1;index:idx_id_mapping_pair,priority:1;size:64;not null" json:"source_object"`
	SourceId     string    `gorm:"uniqueIndex:idx_id_mapping_source,priority:2;size:128;not null" json:"source_id"`
	TargetObject string    `gorm:"uniqueIndex:idx_id_mapping_target,priority:1;index:idx_id_mapping_pair,priority:2;size:64;not null" json:"target_object"`
	TargetId     string    `gorm:"uniqueIndex:idx_id_mapping_target,priority:2;size:128;not null" json:"target_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncCursor stores one pair's cursor in its serialized text form.
type SyncCursor struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	CursorKey string    `gorm:"uniqueIndex;size:191;not null" json:"cursor_key"`
	State     string    `gorm:"type:text;not null" json:"state"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type SyncConflict struct {
	ID                string         `gorm:"primary_key;size:36" json:"id"`
	SourceObject      string         `gorm:"index;size:64;not null" json:"source_object"`
	SourceRecordId    string         `gorm:"size:128;not null" json:"source_record_id"`
	TargetObject      string         `gorm:"index;size:64;not null" json:"target_object"`
	TargetRecordId    string         `gorm:"size:128" json:"target_record_id"`
	SourceData        datatypes.JSON `json:"source_data"`
	TargetData        datatypes.JSON `json:"target_data"`
	ConflictingFields datatypes.JSON `json:"conflicting_fields"`
	Resolution        datatypes.JSON `json:"resolution"`
	Status            string         `gorm:"index;size:20;not null" json:"status"`
	DetectedAt        time.Time      `gorm:"index" json:"detected_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

type SyncHistory struct {
	ID          string         `gorm:"primary_key;size:36" json:"id"`
	Direction   string         `gorm:"size:32;not null" json:"direction"`
	Objects     datatypes.JSON `json:"objects"`
	Status      string         `gorm:"index;size:20;not null" json:"status"`
	TriggeredBy string         `gorm:"size:20" json:"triggered_by"`
	Processed   int            `json:"processed"`
	Created     int            `json:"created"`
	Updated     int            `json:"updated"`
	Conflicted  int            `json:"conflicted"`
	Errored     int            `json:"errored"`
	Skipped     int            `json:"skipped"`
	Errors      datatypes.JSON `json:"errors"`
	StartedAt   time.Time      `gorm:"index" json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at"`
	DurationMs  int64          `json:"duration_ms"`
}
