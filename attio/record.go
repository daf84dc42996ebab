package attio

import (
	"time"

	"github.com/mmdatafocus/crmsync_backend/remote"
)

type RecordID struct {
	WorkspaceID string `json:"workspace_id"`
	ObjectID    string `json:"object_id"`
	RecordID    string `json:"record_id"`
}

// Record is a record as the API returns it: every attribute holds a list of value entries.
type Record struct {
	ID        RecordID                    `json:"id"`
	CreatedAt time.Time                   `json:"created_at"`
	WebURL    string                      `json:"web_url,omitempty"`
	Values    map[string][]map[string]any `json:"values"`
}

// multiValued attributes keep their list shape even with a single entry.
var multiValued = map[string]bool{
	"domains":           true,
	"email_addresses":   true,
	"phone_numbers":     true,
	"categories":        true,
	"associated_people": true,
	"associated_deals":  true,
	"team":              true,
}

// entry keys that describe the entry itself, not its value.
var entryMeta = map[string]bool{
	"active_from":      true,
	"active_until":     true,
	"created_by_actor": true,
	"attribute_type":   true,
}

// Flatten turns the attribute lists into a plain document: single-valued attributes become
// a scalar or object, multi-valued ones a list. Each attribute's newest active_from becomes
// its field time.
func Flatten(object string, rec Record) remote.Record {
	out := remote.Record{
		ID:              rec.ID.RecordID,
		Object:          object,
		Data:            map[string]any{},
		ModifiedAt:      rec.CreatedAt.UTC(),
		FieldModifiedAt: map[string]time.Time{},
	}
	for attr, entries := range rec.Values {
		var values []any
		var changed time.Time
		for _, e := range entries {
			if e["active_until"] != nil {
				continue
			}
			values = append(values, entryValue(e))
			if t, ok := parseTime(e["active_from"]); ok && t.After(changed) {
				changed = t
			}
		}
		if !changed.IsZero() {
			out.FieldModifiedAt[attr] = changed
			if changed.After(out.ModifiedAt) {
				out.ModifiedAt = changed
			}
		}
		switch {
		case multiValued[attr]:
			if values == nil {
				values = []any{}
			}
			out.Data[attr] = values
		case len(values) == 0:
			out.Data[attr] = nil
		case len(values) == 1:
			out.Data[attr] = values[0]
		default:
			out.Data[attr] = values
		}
	}
	if t, ok := parseTime(out.Data["updated_at"]); ok && t.After(out.ModifiedAt) {
		out.ModifiedAt = t
	}
	return out
}

// entryValue picks the payload of one value entry by its attribute type.
func entryValue(e map[string]any) any {
	switch e["attribute_type"] {
	case "domain":
		return e["domain"]
	case "select":
		if opt, ok := e["option"].(map[string]any); ok {
			return opt["title"]
		}
	case "status":
		if st, ok := e["status"].(map[string]any); ok {
			return st["title"]
		}
	case "currency":
		return map[string]any{"currency_value": e["currency_value"], "currency_code": e["currency_code"]}
	}
	if v, ok := e["value"]; ok {
		return v
	}
	rest := make(map[string]any, len(e))
	for k, v := range e {
		if !entryMeta[k] {
			rest[k] = v
		}
	}
	return rest
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
