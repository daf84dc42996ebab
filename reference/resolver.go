// Package reference keeps the bijection between the two systems' record ids.
package reference

import (
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/crmsync_backend/mapping"
)

// IdMapping links one source record to one target record.
type IdMapping struct {
	SourceObject string    `json:"source_object"`
	SourceID     string    `json:"source_id"`
	TargetObject string    `json:"target_object"`
	TargetID     string    `json:"target_id"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

func New(sourceObject, sourceID, targetObject, targetID string) IdMapping {
	return IdMapping{SourceObject: sourceObject, SourceID: sourceID, TargetObject: targetObject, TargetID: targetID}
}

type key struct {
	object string
	id     string
}

type NotFoundError struct {
	Direction mapping.Direction
	Object    string
	ID        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s mapping for %s/%s", e.Direction, e.Object, e.ID)
}

type entry struct {
	object string
	id     string
}

// Resolver answers "which record on the other side is this one" in O(1) per direction.
// Both indices change under one lock, so readers see either both halves of a mapping or neither.
type Resolver struct {
	mu             sync.RWMutex
	sourceToTarget map[key]entry
	targetToSource map[key]entry
}

func NewResolver() *Resolver {
	return &Resolver{
		sourceToTarget: map[key]entry{},
		targetToSource: map[key]entry{},
	}
}

// Resolve looks up id of object on the side dir reads from. SourceToTarget expects a source
// object and returns the target id; TargetToSource the reverse.
func (r *Resolver) Resolve(dir mapping.Direction, object, id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		e  entry
		ok bool
	)
	switch dir {
	case mapping.SourceToTarget:
		e, ok = r.sourceToTarget[key{object, id}]
	case mapping.TargetToSource:
		e, ok = r.targetToSource[key{object, id}]
	}
	return e.id, ok
}

func (r *Resolver) RequireResolve(dir mapping.Direction, object, id string) (string, error) {
	if other, ok := r.Resolve(dir, object, id); ok {
		return other, nil
	}
	return "", &NotFoundError{Direction: dir, Object: object, ID: id}
}

// AddMapping records m in both indices. A previous pairing of either id is dropped first
// so the mapping stays one-to-one.
func (r *Resolver) AddMapping(m IdMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add(m)
}

func (r *Resolver) add(m IdMapping) {
	src := key{m.SourceObject, m.SourceID}
	tgt := key{m.TargetObject, m.TargetID}
	if old, ok := r.sourceToTarget[src]; ok {
		delete(r.targetToSource, key{old.object, old.id})
	}
	if old, ok := r.targetToSource[tgt]; ok {
		delete(r.sourceToTarget, key{old.object, old.id})
	}
	r.sourceToTarget[src] = entry{m.TargetObject, m.TargetID}
	r.targetToSource[tgt] = entry{m.SourceObject, m.SourceID}
}

// RemoveMapping unlinks a source record from whatever it was mapped to.
func (r *Resolver) RemoveMapping(sourceObject, sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := key{sourceObject, sourceID}
	if old, ok := r.sourceToTarget[src]; ok {
		delete(r.targetToSource, key{old.object, old.id})
		delete(r.sourceToTarget, src)
	}
}

// Load hydrates the resolver in bulk, typically from storage at the start of a pass.
func (r *Resolver) Load(mappings []IdMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range mappings {
		r.add(m)
	}
}

func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sourceToTarget)
}
