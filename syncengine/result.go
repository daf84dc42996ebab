package syncengine

import (
	"time"

	"github.com/mmdatafocus/crmsync_backend/cursor"
	"github.com/mmdatafocus/crmsync_backend/mapping"
)

// State is a step of the per-pass state machine.
type State string

const (
	StateIdle                State = "idle"
	StateFetchingChanges     State = "fetching_changes"
	StateTransforming        State = "transforming"
	StateResolvingReferences State = "resolving_references"
	StateDetectingConflicts  State = "detecting_conflicts"
	StateWriting             State = "writing"
	StateAdvancingCursor     State = "advancing_cursor"
)

// RecordError is a per-record failure surfaced to operators.
type RecordError struct {
	Object    string `json:"object"`
	RecordID  string `json:"record_id"`
	Kind      Kind   `json:"kind"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
}

// BatchResult summarizes one chunk of a pass.
type BatchResult struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

func (b *BatchResult) Merge(o BatchResult) {
	b.Processed += o.Processed
	b.Succeeded += o.Succeeded
	b.Failed += o.Failed
	b.Errors = append(b.Errors, o.Errors...)
}

// SuccessRate is the share of processed records that succeeded, 1 for an empty batch.
func (b BatchResult) SuccessRate() float64 {
	if b.Processed == 0 {
		return 1
	}
	return float64(b.Succeeded) / float64(b.Processed)
}

// PassResult is what a pass reports back. Bidirectional runs sum two of them.
type PassResult struct {
	Pair       mapping.Pair       `json:"pair"`
	Direction  mapping.Direction  `json:"direction"`
	Processed  int                `json:"processed"`
	Created    int                `json:"created"`
	Updated    int                `json:"updated"`
	Deleted    int                `json:"deleted"`
	Conflicted int                `json:"conflicted"`
	Errored    int                `json:"errored"`
	Skipped    int                `json:"skipped"`
	Cursor     *cursor.SyncCursor `json:"cursor,omitempty"`
	Errors     []RecordError      `json:"errors,omitempty"`
	Batches    []BatchResult      `json:"batches,omitempty"`
	States     []State            `json:"states,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

func newPassResult(pair mapping.Pair, dir mapping.Direction, now time.Time) *PassResult {
	return &PassResult{Pair: pair, Direction: dir, StartedAt: now, States: []State{StateIdle}}
}

func (r *PassResult) enter(s State) {
	if n := len(r.States); n > 0 && r.States[n-1] == s {
		return
	}
	r.States = append(r.States, s)
}

// Add folds o into r. The cursor of o wins since it was produced later.
func (r *PassResult) Add(o *PassResult) {
	if o == nil {
		return
	}
	if r.Direction != o.Direction {
		r.Direction = mapping.Bidirectional
	}
	r.Processed += o.Processed
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
	r.Conflicted += o.Conflicted
	r.Errored += o.Errored
	r.Skipped += o.Skipped
	r.Errors = append(r.Errors, o.Errors...)
	r.Batches = append(r.Batches, o.Batches...)
	r.States = append(r.States, o.States...)
	if o.Cursor != nil {
		r.Cursor = o.Cursor
	}
	if o.StartedAt.Before(r.StartedAt) || r.StartedAt.IsZero() {
		r.StartedAt = o.StartedAt
	}
	if o.FinishedAt.After(r.FinishedAt) {
		r.FinishedAt = o.FinishedAt
	}
}

// Combine sums two passes into a new result without sharing slices with either.
func Combine(a, b *PassResult) *PassResult {
	if a == nil {
		return b
	}
	total := *a
	total.Errors = append([]RecordError(nil), a.Errors...)
	total.Batches = append([]BatchResult(nil), a.Batches...)
	total.States = append([]State(nil), a.States...)
	total.Add(b)
	return &total
}

func (r *PassResult) HasErrors() bool { return r.Errored > 0 }

// Batch is the whole pass as one BatchResult.
func (r *PassResult) Batch() BatchResult {
	var total BatchResult
	for _, b := range r.Batches {
		total.Merge(b)
	}
	return total
}

// Messages lists the error messages for operator-facing surfaces.
func (r *PassResult) Messages() []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Message
	}
	return out
}
