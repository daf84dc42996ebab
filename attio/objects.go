package attio

import (
	"context"
	"sync"
	"time"

	"github.com/mmdatafocus/crmsync_backend/remote"
)

// Objects adapts one Attio object to remote.Client. The API does not list deleted records,
// so deletions reported by webhooks are kept as tombstones until a pass has read them.
type Objects struct {
	client *Client
	object string

	mu         sync.Mutex
	tombstones map[string]time.Time
}

func (c *Client) Objects(object string) *Objects {
	return &Objects{client: c, object: object, tombstones: map[string]time.Time{}}
}

func (o *Objects) Object() string { return o.object }

func (o *Objects) GetRecord(ctx context.Context, id string) (*remote.Record, error) {
	rec, err := o.client.GetRecord(ctx, o.object, id)
	if err != nil {
		return nil, err
	}
	flat := Flatten(o.object, *rec)
	return &flat, nil
}

func (o *Objects) ListChangedSince(ctx context.Context, since time.Time) ([]remote.Record, error) {
	recs, err := o.client.ChangedSince(ctx, o.object, since)
	if err != nil {
		return nil, err
	}
	out := make([]remote.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, Flatten(o.object, r))
	}

	o.mu.Lock()
	for id, at := range o.tombstones {
		if at.Before(since) {
			delete(o.tombstones, id)
			continue
		}
		out = append(out, remote.Record{ID: id, Object: o.object, ModifiedAt: at, Deleted: true})
	}
	o.mu.Unlock()

	remote.SortByModified(out)
	return out, nil
}

// MarkDeleted records a deletion seen out of band.
func (o *Objects) MarkDeleted(id string, at time.Time) {
	o.mu.Lock()
	o.tombstones[id] = at.UTC()
	o.mu.Unlock()
}

func (o *Objects) CreateRecord(ctx context.Context, data map[string]any) (string, error) {
	rec, err := o.client.CreateRecord(ctx, o.object, data)
	if err != nil {
		return "", err
	}
	return rec.ID.RecordID, nil
}

func (o *Objects) UpdateRecord(ctx context.Context, id string, data map[string]any) error {
	_, err := o.client.UpdateRecord(ctx, o.object, id, data)
	return err
}

func (o *Objects) DeleteRecord(ctx context.Context, id string) error {
	return o.client.DeleteRecord(ctx, o.object, id)
}
