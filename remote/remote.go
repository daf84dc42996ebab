// Package remote is the contract the sync engine expects from each external record store.
package remote

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Record is one record as seen on a remote system, flattened to a plain JSON document.
type Record struct {
	ID              string               `json:"id"`
	Object          string               `json:"object"`
	Data            map[string]any       `json:"data"`
	ModifiedAt      time.Time            `json:"modified_at"`
	FieldModifiedAt map[string]time.Time `json:"field_modified_at,omitempty"`
	Deleted         bool                 `json:"deleted,omitempty"`
}

// FieldTime is when field (a top-level path segment or full path) last changed, falling back
// to the record's own modification time.
func (r Record) FieldTime(path string) *time.Time {
	if t, ok := r.FieldModifiedAt[path]; ok && !t.IsZero() {
		return &t
	}
	if t, ok := r.FieldModifiedAt[rootOf(path)]; ok && !t.IsZero() {
		return &t
	}
	if r.ModifiedAt.IsZero() {
		return nil
	}
	t := r.ModifiedAt
	return &t
}

func rootOf(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' || path[i] == '[' {
			return path[:i]
		}
	}
	return path
}

// Client reads and writes one object type on one remote system.
type Client interface {
	Object() string
	GetRecord(ctx context.Context, id string) (*Record, error)
	// ListChangedSince returns records modified at or after since, oldest first.
	ListChangedSince(ctx context.Context, since time.Time) ([]Record, error)
	CreateRecord(ctx context.Context, data map[string]any) (string, error)
	UpdateRecord(ctx context.Context, id string, data map[string]any) error
	DeleteRecord(ctx context.Context, id string) error
}

// Registry finds the client for an object name. Object names are unique across both systems.
type Registry map[string]Client

func NewRegistry(clients ...Client) Registry {
	r := Registry{}
	for _, c := range clients {
		r[c.Object()] = c
	}
	return r
}

func (r Registry) Get(object string) (Client, error) {
	c, ok := r[object]
	if !ok {
		return nil, fmt.Errorf("no remote client registered for object %q", object)
	}
	return c, nil
}

// SortByModified orders records oldest first, keeping the remote's order for ties.
func SortByModified(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ModifiedAt.Before(records[j].ModifiedAt)
	})
}
