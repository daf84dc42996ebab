package conflict

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mmdatafocus/crmsync_backend/transform"
)

// ResolutionResult is the outcome of settling a conflict under a strategy.
// Tie is set when LastWrite fell back to the source because the timestamps could not decide.
type ResolutionResult struct {
	Winner   Winner         `json:"winner"`
	Strategy Strategy       `json:"strategy"`
	Data     map[string]any `json:"data"`
	Tie      bool           `json:"tie,omitempty"`
}

type Resolver struct {
	strategy Strategy
}

func NewResolver(strategy Strategy) *Resolver {
	if strategy == "" {
		strategy = LastWrite
	}
	return &Resolver{strategy: strategy}
}

func (r *Resolver) Strategy() Strategy { return r.strategy }

// Detect reports a conflict when two values are structurally different.
// Numbers compare by value whatever their Go type.
func Detect(sourceValue, targetValue any) bool {
	return !reflect.DeepEqual(canonical(sourceValue), canonical(targetValue))
}

// Resolve picks a winner for the whole record.
func (r *Resolver) Resolve(rec *ConflictRecord) (*ResolutionResult, error) {
	switch r.strategy {
	case SourceWins:
		return &ResolutionResult{Winner: WinnerSource, Strategy: r.strategy, Data: rec.SourceData}, nil
	case TargetWins:
		return &ResolutionResult{Winner: WinnerTarget, Strategy: r.strategy, Data: rec.TargetData}, nil
	case Manual:
		return nil, ErrManualResolutionRequired
	case Merge:
		return &ResolutionResult{Winner: WinnerMerged, Strategy: r.strategy, Data: MergeValues(rec)}, nil
	case LastWrite:
		return resolveLastWrite(rec), nil
	}
	return nil, fmt.Errorf("unknown conflict strategy %q", r.strategy)
}

// resolveLastWrite compares the newest field timestamp on each side. A side with no
// timestamps loses to one that has any; a tie or no timestamps at all goes to the source.
func resolveLastWrite(rec *ConflictRecord) *ResolutionResult {
	var source, target *time.Time
	for _, f := range rec.ConflictingFields {
		source = later(source, f.SourceModifiedAt)
		target = later(target, f.TargetModifiedAt)
	}
	res := &ResolutionResult{Winner: WinnerSource, Strategy: LastWrite, Data: rec.SourceData}
	switch {
	case source == nil && target == nil:
		res.Tie = true
	case source == nil:
		res.Winner, res.Data = WinnerTarget, rec.TargetData
	case target == nil:
	case target.After(*source):
		res.Winner, res.Data = WinnerTarget, rec.TargetData
	case target.Equal(*source):
		res.Tie = true
	}
	return res
}

// MergeValues does last-write-wins per field: it starts from the source data and takes the
// target's value for every conflicting field the target changed more recently.
func MergeValues(rec *ConflictRecord) map[string]any {
	merged := deepCopy(rec.SourceData)
	for _, f := range rec.ConflictingFields {
		if !targetNewer(f) {
			continue
		}
		if err := transform.Assign(merged, f.TargetField, deepCopyValue(f.TargetValue)); err != nil {
			merged[f.TargetField] = f.TargetValue
		}
	}
	return merged
}

func targetNewer(f FieldConflict) bool {
	switch {
	case f.TargetModifiedAt == nil:
		return false
	case f.SourceModifiedAt == nil:
		return true
	}
	return f.TargetModifiedAt.After(*f.SourceModifiedAt)
}

func later(cur, t *time.Time) *time.Time {
	if t == nil {
		return cur
	}
	if cur == nil || t.After(*cur) {
		return t
	}
	return cur
}

func canonical(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = canonical(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = canonical(val)
		}
		return out
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := strconv.ParseFloat(x.String(), 64); err == nil {
			return f
		}
		return x.String()
	}
	return v
}

func deepCopy(doc map[string]any) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	return deepCopyValue(doc).(map[string]any)
}

func deepCopyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = deepCopyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = deepCopyValue(val)
		}
		return out
	}
	return v
}
