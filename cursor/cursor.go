// Package cursor holds the resumable incremental-sync position per object type.
package cursor

import (
	"encoding/json"
	"fmt"
	"time"
)

const Version = 1

// ObjectCursor is the high-water mark of one object type.
type ObjectCursor struct {
	Object         string    `json:"object"`
	LastSync       time.Time `json:"last_sync"`
	LastRecordID   *string   `json:"last_record_id,omitempty"`
	LastBatchCount int       `json:"last_batch_count"`
}

// SyncCursor is the persisted position of a pair of objects. Timestamp always tracks the
// most recent per-object update; Seed is where objects without an entry start.
type SyncCursor struct {
	Timestamp time.Time               `json:"timestamp"`
	Seed      time.Time               `json:"seed"`
	Objects   map[string]ObjectCursor `json:"objects"`
	Version   int                     `json:"version"`
}

var nowFunc = func() time.Time { return time.Now().UTC() }

func Now() *SyncCursor {
	return FromTimestamp(nowFunc())
}

// FromTimestamp seeds a cursor at a historical starting point.
func FromTimestamp(t time.Time) *SyncCursor {
	return &SyncCursor{
		Timestamp: t.UTC(),
		Seed:      t.UTC(),
		Objects:   map[string]ObjectCursor{},
		Version:   Version,
	}
}

func (c *SyncCursor) GetObjectCursor(object string) (ObjectCursor, bool) {
	oc, ok := c.Objects[object]
	return oc, ok
}

// UpdateObjectCursor stores oc and bumps the top-level watermark to now.
func (c *SyncCursor) UpdateObjectCursor(oc ObjectCursor) {
	if c.Objects == nil {
		c.Objects = map[string]ObjectCursor{}
	}
	oc.LastSync = oc.LastSync.UTC()
	c.Objects[oc.Object] = oc
	c.Timestamp = nowFunc()
}

// Since is where the next fetch for object should start: its own last sync, or the
// cursor's seed timestamp when the object has never been synced.
func (c *SyncCursor) Since(object string) time.Time {
	if oc, ok := c.Objects[object]; ok {
		return oc.LastSync
	}
	return c.Seed
}

// Reset drops the entry of object so its next fetch starts at the seed again.
func (c *SyncCursor) Reset(object string) {
	delete(c.Objects, object)
}

// Clone returns an independent copy so a pass can work on it without touching the caller's.
func (c *SyncCursor) Clone() *SyncCursor {
	out := &SyncCursor{Timestamp: c.Timestamp, Seed: c.Seed, Version: c.Version, Objects: make(map[string]ObjectCursor, len(c.Objects))}
	for k, v := range c.Objects {
		if v.LastRecordID != nil {
			id := *v.LastRecordID
			v.LastRecordID = &id
		}
		out.Objects[k] = v
	}
	return out
}

func (c *SyncCursor) Marshal() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Unmarshal parses the text form produced by Marshal. Only Version 1 is understood.
func Unmarshal(s string) (*SyncCursor, error) {
	var c SyncCursor
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	if c.Version != Version {
		return nil, fmt.Errorf("unsupported cursor version %d", c.Version)
	}
	if c.Objects == nil {
		c.Objects = map[string]ObjectCursor{}
	}
	if c.Seed.IsZero() {
		c.Seed = c.Timestamp
	}
	return &c, nil
}
