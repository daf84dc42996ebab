// Package conflict detects and adjudicates divergent writes to records linked across the two systems.
package conflict

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrManualResolutionRequired = errors.New("conflict requires manual resolution")
	ErrConflictAlreadyResolved  = errors.New("conflict already resolved")
)

type Status string

const (
	StatusPending          Status = "pending"
	StatusAutoResolved     Status = "auto_resolved"
	StatusManuallyResolved Status = "manually_resolved"
	StatusSkipped          Status = "skipped"
)

func (s Status) Terminal() bool {
	return s == StatusAutoResolved || s == StatusManuallyResolved || s == StatusSkipped
}

// Strategy is the configured way conflicts are settled automatically.
type Strategy string

const (
	LastWrite  Strategy = "last_write"
	SourceWins Strategy = "source_wins"
	TargetWins Strategy = "target_wins"
	Manual     Strategy = "manual"
	Merge      Strategy = "merge"
)

// ParseStrategy accepts the canonical names and the system-specific aliases used in env config.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "last_write", "last_write_wins", "lastwrite":
		return LastWrite, nil
	case "source_wins", "attio_wins":
		return SourceWins, nil
	case "target_wins", "salesforce_wins", "sf_wins":
		return TargetWins, nil
	case "manual":
		return Manual, nil
	case "merge":
		return Merge, nil
	}
	return "", fmt.Errorf("invalid conflict resolution %q", s)
}

type Winner string

const (
	WinnerSource Winner = "source"
	WinnerTarget Winner = "target"
	WinnerMerged Winner = "merged"
)

// Decision is what an operator chose for a pending conflict.
type Decision string

const (
	DecisionUseSource Decision = "use_source"
	DecisionUseTarget Decision = "use_target"
	DecisionMerge     Decision = "merge"
	DecisionSkip      Decision = "skip"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionUseSource, DecisionUseTarget, DecisionMerge, DecisionSkip:
		return d, nil
	}
	return "", fmt.Errorf("invalid conflict decision %q", s)
}

// FieldConflict is one field whose values disagree. Source and target are the read and
// write sides of the pass that found it; each value is in its own side's schema.
type FieldConflict struct {
	SourceField      string     `json:"source_field"`
	TargetField      string     `json:"target_field"`
	SourceValue      any        `json:"source_value"`
	TargetValue      any        `json:"target_value"`
	SourceModifiedAt *time.Time `json:"source_modified_at,omitempty"`
	TargetModifiedAt *time.Time `json:"target_modified_at,omitempty"`
}

type Resolution struct {
	Winner     Winner         `json:"winner"`
	Strategy   Strategy       `json:"strategy,omitempty"`
	Decision   Decision       `json:"decision,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// ConflictRecord is the same logical record observed on both sides with at least one
// diverging field. SourceData holds the read side already projected into the write side's
// schema, so it can be written as-is; TargetData is the write side's current document.
type ConflictRecord struct {
	ID                string          `json:"id"`
	SourceObject      string          `json:"source_object"`
	SourceRecordID    string          `json:"source_record_id"`
	TargetObject      string          `json:"target_object"`
	TargetRecordID    string          `json:"target_record_id"`
	SourceData        map[string]any  `json:"source_data"`
	TargetData        map[string]any  `json:"target_data"`
	ConflictingFields []FieldConflict `json:"conflicting_fields"`
	DetectedAt        time.Time       `json:"detected_at"`
	Status            Status          `json:"status"`
	Resolution        *Resolution     `json:"resolution,omitempty"`
}

func NewRecord(sourceObject, sourceID, targetObject, targetID string, sourceData, targetData map[string]any, fields []FieldConflict) *ConflictRecord {
	return &ConflictRecord{
		ID:                uuid.NewString(),
		SourceObject:      sourceObject,
		SourceRecordID:    sourceID,
		TargetObject:      targetObject,
		TargetRecordID:    targetID,
		SourceData:        sourceData,
		TargetData:        targetData,
		ConflictingFields: fields,
		DetectedAt:        time.Now().UTC(),
		Status:            StatusPending,
	}
}

// Transition moves a pending record to a terminal status. It happens exactly once.
func (c *ConflictRecord) Transition(status Status, resolution *Resolution) error {
	if c.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrConflictAlreadyResolved, c.ID, c.Status)
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid conflict transition to %q", status)
	}
	c.Status = status
	c.Resolution = resolution
	return nil
}

// Fields lists the write-side field names in conflict.
func (c *ConflictRecord) Fields() []string {
	out := make([]string, len(c.ConflictingFields))
	for i, f := range c.ConflictingFields {
		out[i] = f.TargetField
	}
	return out
}
