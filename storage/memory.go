package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/cursor"
	"github.com/mmdatafocus/crmsync_backend/reference"
)

type objectID struct {
	object string
	id     string
}

// MemoryStore keeps everything in process. Values are copied on the way in and out.
type MemoryStore struct {
	mu        sync.RWMutex
	bySource  map[objectID]reference.IdMapping
	byTarget  map[objectID]reference.IdMapping
	cursors   map[string]string
	conflicts map[string][]byte
	history   []*SyncHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bySource:  map[objectID]reference.IdMapping{},
		byTarget:  map[objectID]reference.IdMapping{},
		cursors:   map[string]string{},
		conflicts: map[string][]byte{},
	}
}

func (s *MemoryStore) SaveIDMapping(_ context.Context, m reference.IdMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := objectID{m.SourceObject, m.SourceID}
	tgt := objectID{m.TargetObject, m.TargetID}
	if existing, ok := s.bySource[src]; ok {
		if existing.TargetObject == m.TargetObject && existing.TargetID == m.TargetID {
			return nil
		}
		return ErrDuplicateMapping
	}
	if _, ok := s.byTarget[tgt]; ok {
		return ErrDuplicateMapping
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.bySource[src] = m
	s.byTarget[tgt] = m
	return nil
}

func (s *MemoryStore) GetMappingBySourceID(_ context.Context, sourceObject, sourceID string) (*reference.IdMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.bySource[objectID{sourceObject, sourceID}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryStore) GetMappingByTargetID(_ context.Context, targetObject, targetID string) (*reference.IdMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byTarget[objectID{targetObject, targetID}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryStore) DeleteMapping(_ context.Context, sourceObject, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := objectID{sourceObject, sourceID}
	m, ok := s.bySource[src]
	if !ok {
		return nil
	}
	delete(s.bySource, src)
	delete(s.byTarget, objectID{m.TargetObject, m.TargetID})
	return nil
}

func (s *MemoryStore) ListMappings(_ context.Context, sourceObject, targetObject string) ([]reference.IdMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []reference.IdMapping
	for _, m := range s.bySource {
		if m.SourceObject == sourceObject && m.TargetObject == targetObject {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, key string, c *cursor.SyncCursor) error {
	text, err := c.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cursors[key] = text
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetCursor(_ context.Context, key string) (*cursor.SyncCursor, error) {
	s.mu.RLock()
	text, ok := s.cursors[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return cursor.Unmarshal(text)
}

func (s *MemoryStore) SaveConflict(_ context.Context, c *conflict.ConflictRecord) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conflicts[c.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetConflict(_ context.Context, id string) (*conflict.ConflictRecord, error) {
	s.mu.RLock()
	data, ok := s.conflicts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeConflict(data)
}

func (s *MemoryStore) ListConflicts(_ context.Context, status conflict.Status, limit int) ([]*conflict.ConflictRecord, error) {
	s.mu.RLock()
	out := make([]*conflict.ConflictRecord, 0, len(s.conflicts))
	for _, data := range s.conflicts {
		c, err := decodeConflict(data)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sortConflicts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveSyncHistory(_ context.Context, h *SyncHistory) error {
	cp := *h
	cp.Objects = append([]string(nil), h.Objects...)
	cp.Errors = append([]string(nil), h.Errors...)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.history {
		if existing.ID == cp.ID {
			s.history[i] = &cp
			return nil
		}
	}
	s.history = append([]*SyncHistory{&cp}, s.history...)
	if len(s.history) > MaxHistory {
		s.history = s.history[:MaxHistory]
	}
	return nil
}

func (s *MemoryStore) ListSyncHistory(_ context.Context, limit int) ([]*SyncHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit, len(s.history))
	if limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]*SyncHistory, limit)
	for i := 0; i < limit; i++ {
		cp := *s.history[i]
		out[i] = &cp
	}
	return out, nil
}

func decodeConflict(data []byte) (*conflict.ConflictRecord, error) {
	var c conflict.ConflictRecord
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func sortConflicts(cs []*conflict.ConflictRecord) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].DetectedAt.Equal(cs[j].DetectedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].DetectedAt.After(cs[j].DetectedAt)
	})
}
