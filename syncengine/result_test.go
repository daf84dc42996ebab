package syncengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchResult(t *testing.T) {
	var b BatchResult
	assert.Equal(t, 1.0, b.SuccessRate())

	b.Merge(BatchResult{Processed: 3, Succeeded: 2, Failed: 1, Errors: []string{"x"}})
	b.Merge(BatchResult{Processed: 1, Succeeded: 1})
	assert.Equal(t, 4, b.Processed)
	assert.Equal(t, 0.75, b.SuccessRate())
	assert.Equal(t, []string{"x"}, b.Errors)
}

func TestPassResultAdd(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newPassResult(companiesAccount, mapping.SourceToTarget, start)
	a.Created, a.Processed = 2, 2
	a.FinishedAt = start.Add(time.Second)
	b := newPassResult(companiesAccount, mapping.TargetToSource, start.Add(2*time.Second))
	b.Updated, b.Errored, b.Processed = 1, 1, 2
	b.Errors = []RecordError{{Object: "Account", RecordID: "001", Kind: KindRemoteTransient, Retryable: true, Message: "503"}}
	b.FinishedAt = start.Add(3 * time.Second)

	a.Add(b)
	a.Add(nil)
	assert.Equal(t, mapping.Bidirectional, a.Direction)
	assert.Equal(t, 4, a.Processed)
	assert.Equal(t, 2, a.Created)
	assert.Equal(t, 1, a.Updated)
	assert.True(t, a.HasErrors())
	assert.Equal(t, []string{"503"}, a.Messages())
	assert.Equal(t, start, a.StartedAt)
	assert.Equal(t, start.Add(3*time.Second), a.FinishedAt)
}

func TestCombineLeavesInputsAlone(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newPassResult(companiesAccount, mapping.SourceToTarget, start)
	a.Errors = make([]RecordError, 1, 8)
	a.Errors[0] = RecordError{RecordID: "rec_1"}
	a.Batches = make([]BatchResult, 1, 8)
	a.States = append(make([]State, 0, 8), StateIdle)
	b := newPassResult(companiesAccount, mapping.TargetToSource, start)
	b.Errors = []RecordError{{RecordID: "001"}}
	b.Batches = []BatchResult{{Processed: 1}}

	total := Combine(a, b)
	assert.Len(t, total.Errors, 2)
	assert.Len(t, total.Batches, 2)
	assert.Equal(t, mapping.Bidirectional, total.Direction)

	a.Errors = append(a.Errors, RecordError{RecordID: "rec_2"})
	a.Batches = append(a.Batches, BatchResult{Processed: 9})
	a.States = append(a.States, StateWriting)
	assert.Equal(t, "001", total.Errors[1].RecordID)
	assert.Equal(t, 1, total.Batches[1].Processed)
	assert.NotContains(t, total.States, StateWriting)
	assert.Len(t, a.Errors, 2)

	assert.Same(t, b, Combine(nil, b))
}

func TestEnterDedupesStates(t *testing.T) {
	r := newPassResult(companiesAccount, mapping.SourceToTarget, time.Now())
	r.enter(StateWriting)
	r.enter(StateWriting)
	r.enter(StateIdle)
	assert.Equal(t, []State{StateIdle, StateWriting, StateIdle}, r.States)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, backoff(0))
	assert.Equal(t, 4*time.Second, backoff(2))
	assert.Equal(t, 16*time.Second, backoff(4))
	assert.Equal(t, maxBackoff, backoff(5))
	assert.Equal(t, maxBackoff, backoff(40))
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(sleepCtx(ctx, time.Hour), context.Canceled))
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "a:b")
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "a:b")
	assert.True(t, errors.Is(err, ErrPassInProgress))

	other, err := l.Lock(context.Background(), "c:d")
	require.NoError(t, err, "pairs lock independently")
	other()

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "a:b")
	require.NoError(t, err)
	again()
	assert.Equal(t, "lock:sync:a:b", LockKey("a:b"))
}
