package salesforce

import (
	"context"
	"time"

	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/mmdatafocus/crmsync_backend/remote"
)

// Objects adapts one sObject type to remote.Client. Fields is the column list read by
// queries and gets.
type Objects struct {
	client *Client
	sobject string
	fields  []string
}

func (c *Client) Objects(sobject string, fields []string) *Objects {
	return &Objects{client: c, sobject: sobject, fields: fields}
}

// FieldsFor lists the target-side columns a mapping reads or writes.
func FieldsFor(m mapping.ObjectMapping) []string {
	var out []string
	seen := map[string]bool{}
	add := func(f string) {
		if f != "" && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, f := range m.Fields {
		add(f.TargetFieldPath)
	}
	for _, r := range m.References {
		add(r.TargetFieldPath)
	}
	return out
}

func (o *Objects) Object() string { return o.sobject }

func (o *Objects) GetRecord(ctx context.Context, id string) (*remote.Record, error) {
	fields := append([]string{"Id", "IsDeleted", "LastModifiedDate"}, o.fields...)
	rec, err := o.client.GetRecord(ctx, o.sobject, id, fields)
	if err != nil {
		return nil, err
	}
	flat := Flatten(o.sobject, rec)
	return &flat, nil
}

func (o *Objects) ListChangedSince(ctx context.Context, since time.Time) ([]remote.Record, error) {
	rows, err := o.client.Query(ctx, ChangedSinceSOQL(o.sobject, o.fields, since), true)
	if err != nil {
		return nil, err
	}
	out := make([]remote.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, Flatten(o.sobject, r))
	}
	remote.SortByModified(out)
	return out, nil
}

func (o *Objects) CreateRecord(ctx context.Context, data map[string]any) (string, error) {
	return o.client.CreateRecord(ctx, o.sobject, data)
}

func (o *Objects) UpdateRecord(ctx context.Context, id string, data map[string]any) error {
	return o.client.UpdateRecord(ctx, o.sobject, id, data)
}

func (o *Objects) DeleteRecord(ctx context.Context, id string) error {
	return o.client.DeleteRecord(ctx, o.sobject, id)
}

// Flatten drops the API bookkeeping columns and keeps the rest as the record's data.
func Flatten(sobject string, rec SObject) remote.Record {
	out := remote.Record{ID: rec.ID(), Object: sobject, Data: map[string]any{}}
	if t, ok := parseAPITime(rec["LastModifiedDate"]); ok {
		out.ModifiedAt = t
	}
	out.Deleted, _ = rec["IsDeleted"].(bool)
	for k, v := range rec {
		switch k {
		case "attributes", "Id", "IsDeleted", "LastModifiedDate":
			continue
		}
		out.Data[k] = v
	}
	return out
}
