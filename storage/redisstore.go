package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/cursor"
	"github.com/mmdatafocus/crmsync_backend/reference"
	"github.com/redis/go-redis/v9"
)

const (
	pendingConflictsKey = "conflicts:pending"
	allConflictsKey     = "conflicts:all"
	historyKey          = "history"
)

// RedisStore is the key-value backend. Keys:
//
//	idmap:src:{object}:{id}      -> IdMapping JSON
//	idmap:tgt:{object}:{id}      -> IdMapping JSON
//	idmap:pair:{source}:{target} -> set of source ids
//	cursor:{key}                 -> cursor text
//	conflict:{id}                -> ConflictRecord JSON
//	conflicts:pending            -> set of pending conflict ids
//	conflicts:all                -> sorted set of conflict ids by detection time
//	history                      -> list of SyncHistory JSON, newest first
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 || k != "" {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *RedisStore) sourceKey(object, id string) string { return s.key("idmap", "src", object, id) }
func (s *RedisStore) targetKey(object, id string) string { return s.key("idmap", "tgt", object, id) }
func (s *RedisStore) pairKey(source, target string) string {
	return s.key("idmap", "pair", source, target)
}
func (s *RedisStore) cursorKey(key string) string { return s.key("cursor", key) }
func (s *RedisStore) conflictKey(id string) string { return s.key("conflict", id) }

func (s *RedisStore) SaveIDMapping(ctx context.Context, m reference.IdMapping) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	srcKey := s.sourceKey(m.SourceObject, m.SourceID)
	tgtKey := s.targetKey(m.TargetObject, m.TargetID)

	ok, err := s.rdb.SetNX(ctx, srcKey, payload, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		existing, err := s.readMapping(ctx, srcKey)
		if err != nil {
			return err
		}
		if existing != nil && existing.TargetObject == m.TargetObject && existing.TargetID == m.TargetID {
			return nil
		}
		return ErrDuplicateMapping
	}
	ok, err = s.rdb.SetNX(ctx, tgtKey, payload, 0).Result()
	if err != nil || !ok {
		// roll back the source half so the two indices stay in step
		_ = s.rdb.Del(ctx, srcKey).Err()
		if err != nil {
			return err
		}
		return ErrDuplicateMapping
	}
	return s.rdb.SAdd(ctx, s.pairKey(m.SourceObject, m.TargetObject), m.SourceID).Err()
}

func (s *RedisStore) readMapping(ctx context.Context, key string) (*reference.IdMapping, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m reference.IdMapping
	if err := json.Unmarshal([]byte(val), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *RedisStore) GetMappingBySourceID(ctx context.Context, sourceObject, sourceID string) (*reference.IdMapping, error) {
	return s.readMapping(ctx, s.sourceKey(sourceObject, sourceID))
}

func (s *RedisStore) GetMappingByTargetID(ctx context.Context, targetObject, targetID string) (*reference.IdMapping, error) {
	return s.readMapping(ctx, s.targetKey(targetObject, targetID))
}

func (s *RedisStore) DeleteMapping(ctx context.Context, sourceObject, sourceID string) error {
	m, err := s.GetMappingBySourceID(ctx, sourceObject, sourceID)
	if err != nil || m == nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.sourceKey(m.SourceObject, m.SourceID), s.targetKey(m.TargetObject, m.TargetID))
		p.SRem(ctx, s.pairKey(m.SourceObject, m.TargetObject), m.SourceID)
		return nil
	})
	return err
}

func (s *RedisStore) ListMappings(ctx context.Context, sourceObject, targetObject string) ([]reference.IdMapping, error) {
	ids, err := s.rdb.SMembers(ctx, s.pairKey(sourceObject, targetObject)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sourceKey(sourceObject, id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]reference.IdMapping, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var m reference.IdMapping
		if err := json.Unmarshal([]byte(str), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) SaveCursor(ctx context.Context, key string, c *cursor.SyncCursor) error {
	text, err := c.Marshal()
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.cursorKey(key), text, 0).Err()
}

func (s *RedisStore) GetCursor(ctx context.Context, key string) (*cursor.SyncCursor, error) {
	text, err := s.rdb.Get(ctx, s.cursorKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cursor.Unmarshal(text)
}

func (s *RedisStore) SaveConflict(ctx context.Context, c *conflict.ConflictRecord) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.conflictKey(c.ID), payload, 0)
		p.ZAdd(ctx, s.key(allConflictsKey), redis.Z{Score: float64(c.DetectedAt.UnixNano()), Member: c.ID})
		if c.Status == conflict.StatusPending {
			p.SAdd(ctx, s.key(pendingConflictsKey), c.ID)
		} else {
			p.SRem(ctx, s.key(pendingConflictsKey), c.ID)
		}
		return nil
	})
	return err
}

func (s *RedisStore) GetConflict(ctx context.Context, id string) (*conflict.ConflictRecord, error) {
	val, err := s.rdb.Get(ctx, s.conflictKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeConflict([]byte(val))
}

func (s *RedisStore) ListConflicts(ctx context.Context, status conflict.Status, limit int) ([]*conflict.ConflictRecord, error) {
	var ids []string
	var err error
	if status == conflict.StatusPending {
		ids, err = s.rdb.SMembers(ctx, s.key(pendingConflictsKey)).Result()
	} else {
		ids, err = s.rdb.ZRevRange(ctx, s.key(allConflictsKey), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.conflictKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*conflict.ConflictRecord, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		c, err := decodeConflict([]byte(str))
		if err != nil {
			return nil, err
		}
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	sortConflicts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveSyncHistory prepends the run and trims the list to MaxHistory entries.
// A run saved twice (started, then finished) appears twice; readers keep the first.
func (s *RedisStore) SaveSyncHistory(ctx context.Context, h *SyncHistory) error {
	payload, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key(historyKey), payload)
		p.LTrim(ctx, s.key(historyKey), 0, MaxHistory-1)
		return nil
	})
	return err
}

func (s *RedisStore) ListSyncHistory(ctx context.Context, limit int) ([]*SyncHistory, error) {
	limit = clampLimit(limit, 50)
	vals, err := s.rdb.LRange(ctx, s.key(historyKey), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := make([]*SyncHistory, 0, limit)
	for _, v := range vals {
		var h SyncHistory
		if err := json.Unmarshal([]byte(v), &h); err != nil {
			return nil, fmt.Errorf("decode sync history: %w", err)
		}
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		out = append(out, &h)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
