package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/cursor"
	"github.com/mmdatafocus/crmsync_backend/models"
	"github.com/mmdatafocus/crmsync_backend/reference"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the relational backend (MySQL or Postgres).
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DB() *gorm.DB { return s.db }

// IsDuplicateKeyErr recognizes unique violations from either supported driver.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (s *GormStore) SaveIDMapping(ctx context.Context, m reference.IdMapping) error {
	existing, err := s.GetMappingBySourceID(ctx, m.SourceObject, m.SourceID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.TargetObject == m.TargetObject && existing.TargetID == m.TargetID {
			return nil
		}
		return ErrDuplicateMapping
	}
	row := models.IdMapping{
		SourceObject: m.SourceObject,
		SourceId:     m.SourceID,
		TargetObject: m.TargetObject,
		TargetId:     m.TargetID,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return ErrDuplicateMapping
		}
		return err
	}
	return nil
}

func (s *GormStore) getMapping(ctx context.Context, query string, args ...any) (*reference.IdMapping, error) {
	var row models.IdMapping
	err := s.db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m := mappingFromRow(row)
	return &m, nil
}

func (s *GormStore) GetMappingBySourceID(ctx context.Context, sourceObject, sourceID string) (*reference.IdMapping, error) {
	return s.getMapping(ctx, "source_object = ? AND source_id = ?", sourceObject, sourceID)
}

func (s *GormStore) GetMappingByTargetID(ctx context.Context, targetObject, targetID string) (*reference.IdMapping, error) {
	return s.getMapping(ctx, "target_object = ? AND target_id = ?", targetObject, targetID)
}

func (s *GormStore) DeleteMapping(ctx context.Context, sourceObject, sourceID string) error {
	return s.db.WithContext(ctx).
		Where("source_object = ? AND source_id = ?", sourceObject, sourceID).
		Delete(&models.IdMapping{}).Error
}

func (s *GormStore) ListMappings(ctx context.Context, sourceObject, targetObject string) ([]reference.IdMapping, error) {
	var rows []models.IdMapping
	if err := s.db.WithContext(ctx).
		Where("source_object = ? AND target_object = ?", sourceObject, targetObject).
		Order("source_id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]reference.IdMapping, len(rows))
	for i, row := range rows {
		out[i] = mappingFromRow(row)
	}
	return out, nil
}

func (s *GormStore) SaveCursor(ctx context.Context, key string, c *cursor.SyncCursor) error {
	text, err := c.Marshal()
	if err != nil {
		return err
	}
	row := models.SyncCursor{CursorKey: key, State: text}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cursor_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "updated_at"}),
	}).Create(&row).Error
}

func (s *GormStore) GetCursor(ctx context.Context, key string) (*cursor.SyncCursor, error) {
	var row models.SyncCursor
	err := s.db.WithContext(ctx).Where("cursor_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cursor.Unmarshal(row.State)
}

func (s *GormStore) SaveConflict(ctx context.Context, c *conflict.ConflictRecord) error {
	row, err := conflictToRow(c)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GormStore) GetConflict(ctx context.Context, id string) (*conflict.ConflictRecord, error) {
	var row models.SyncConflict
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return conflictFromRow(row)
}

func (s *GormStore) ListConflicts(ctx context.Context, status conflict.Status, limit int) ([]*conflict.ConflictRecord, error) {
	q := s.db.WithContext(ctx).Order("detected_at DESC, id")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.SyncConflict
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*conflict.ConflictRecord, 0, len(rows))
	for _, row := range rows {
		c, err := conflictFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *GormStore) SaveSyncHistory(ctx context.Context, h *SyncHistory) error {
	row, err := historyToRow(h)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GormStore) ListSyncHistory(ctx context.Context, limit int) ([]*SyncHistory, error) {
	var rows []models.SyncHistory
	if err := s.db.WithContext(ctx).Order("started_at DESC").Limit(clampLimit(limit, 50)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*SyncHistory, 0, len(rows))
	for _, row := range rows {
		h, err := historyFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func mappingFromRow(row models.IdMapping) reference.IdMapping {
	return reference.IdMapping{
		SourceObject: row.SourceObject,
		SourceID:     row.SourceId,
		TargetObject: row.TargetObject,
		TargetID:     row.TargetId,
		CreatedAt:    row.CreatedAt,
	}
}

func toJSON(v any) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func conflictToRow(c *conflict.ConflictRecord) (models.SyncConflict, error) {
	row := models.SyncConflict{
		ID:             c.ID,
		SourceObject:   c.SourceObject,
		SourceRecordId: c.SourceRecordID,
		TargetObject:   c.TargetObject,
		TargetRecordId: c.TargetRecordID,
		Status:         string(c.Status),
		DetectedAt:     c.DetectedAt,
	}
	var err error
	if row.SourceData, err = toJSON(c.SourceData); err != nil {
		return row, fmt.Errorf("encode conflict source data: %w", err)
	}
	if row.TargetData, err = toJSON(c.TargetData); err != nil {
		return row, fmt.Errorf("encode conflict target data: %w", err)
	}
	if row.ConflictingFields, err = toJSON(c.ConflictingFields); err != nil {
		return row, fmt.Errorf("encode conflicting fields: %w", err)
	}
	if c.Resolution != nil {
		if row.Resolution, err = toJSON(c.Resolution); err != nil {
			return row, fmt.Errorf("encode conflict resolution: %w", err)
		}
	}
	return row, nil
}

func conflictFromRow(row models.SyncConflict) (*conflict.ConflictRecord, error) {
	c := &conflict.ConflictRecord{
		ID:             row.ID,
		SourceObject:   row.SourceObject,
		SourceRecordID: row.SourceRecordId,
		TargetObject:   row.TargetObject,
		TargetRecordID: row.TargetRecordId,
		Status:         conflict.Status(row.Status),
		DetectedAt:     row.DetectedAt,
	}
	if err := decodeJSON(row.SourceData, &c.SourceData); err != nil {
		return nil, err
	}
	if err := decodeJSON(row.TargetData, &c.TargetData); err != nil {
		return nil, err
	}
	if err := decodeJSON(row.ConflictingFields, &c.ConflictingFields); err != nil {
		return nil, err
	}
	if len(row.Resolution) > 0 && string(row.Resolution) != "null" {
		c.Resolution = &conflict.Resolution{}
		if err := json.Unmarshal(row.Resolution, c.Resolution); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func historyToRow(h *SyncHistory) (models.SyncHistory, error) {
	row := models.SyncHistory{
		ID:          h.ID,
		Direction:   h.Direction,
		Status:      h.Status,
		TriggeredBy: h.TriggeredBy,
		Processed:   h.Processed,
		Created:     h.Created,
		Updated:     h.Updated,
		Conflicted:  h.Conflicted,
		Errored:     h.Errored,
		Skipped:     h.Skipped,
		StartedAt:   h.StartedAt,
		FinishedAt:  h.FinishedAt,
		DurationMs:  h.Duration().Milliseconds(),
	}
	var err error
	if row.Objects, err = toJSON(h.Objects); err != nil {
		return row, err
	}
	if row.Errors, err = toJSON(h.Errors); err != nil {
		return row, err
	}
	return row, nil
}

func historyFromRow(row models.SyncHistory) (*SyncHistory, error) {
	h := &SyncHistory{
		ID:          row.ID,
		Direction:   row.Direction,
		Status:      row.Status,
		TriggeredBy: row.TriggeredBy,
		Processed:   row.Processed,
		Created:     row.Created,
		Updated:     row.Updated,
		Conflicted:  row.Conflicted,
		Errored:     row.Errored,
		Skipped:     row.Skipped,
		StartedAt:   row.StartedAt,
		FinishedAt:  row.FinishedAt,
	}
	if err := decodeJSON(row.Objects, &h.Objects); err != nil {
		return nil, err
	}
	if err := decodeJSON(row.Errors, &h.Errors); err != nil {
		return nil, err
	}
	return h, nil
}

func decodeJSON(data datatypes.JSON, dest any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dest)
}
