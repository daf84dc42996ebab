// Package syncservice wires the sync engine to its triggers: the HTTP API, webhooks,
// Pub/Sub pushes and the cron schedule.
package syncservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/crmsync_backend/config"
	"github.com/mmdatafocus/crmsync_backend/cursor"
	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/mmdatafocus/crmsync_backend/models"
	"github.com/mmdatafocus/crmsync_backend/remote"
	"github.com/mmdatafocus/crmsync_backend/storage"
	"github.com/mmdatafocus/crmsync_backend/syncengine"
	"github.com/mmdatafocus/crmsync_backend/utils"
	"github.com/sirupsen/logrus"
)

// maxHistoryErrors caps the error messages kept on one history row.
const maxHistoryErrors = 100

var (
	ErrSyncDisabled     = errors.New("sync direction is none")
	ErrDirectionBlocked = errors.New("direction not allowed by SYNC_DIRECTION")
	ErrUnknownObject    = errors.New("no enabled mapping for object")
	ErrInvalidDirection = errors.New("invalid direction")
)

// RunRequest selects what one sync run covers. Empty Objects means every enabled pair;
// an empty Direction means the configured one.
type RunRequest struct {
	Objects     []string          `json:"objects,omitempty"`
	Direction   mapping.Direction `json:"direction,omitempty"`
	Full        bool              `json:"full,omitempty"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
}

type Options struct {
	Engine  *syncengine.Engine
	Store   storage.Storage
	Clients remote.Registry
	Logger  logrus.FieldLogger
	Clock   func() time.Time
}

type Service struct {
	engine  *syncengine.Engine
	store   storage.Storage
	clients remote.Registry
	log     logrus.FieldLogger
	now     func() time.Time

	mu      sync.Mutex
	running int
	lastRun *storage.SyncHistory
}

func NewService(opts Options) *Service {
	s := &Service{
		engine:  opts.Engine,
		store:   opts.Store,
		clients: opts.Clients,
		log:     opts.Logger,
		now:     opts.Clock,
	}
	if s.log == nil {
		s.log = config.GetLogger()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func (s *Service) Engine() *syncengine.Engine { return s.engine }

// RunAll syncs every enabled pair in the configured direction.
func (s *Service) RunAll(ctx context.Context, triggeredBy string) (*storage.SyncHistory, error) {
	h, _, err := s.Run(ctx, RunRequest{TriggeredBy: triggeredBy})
	return h, err
}

// Run executes the passes a request selects, one pair at a time, and records the run in
// the sync history. Per-pair failures are collected; the returned error is only set when
// the request itself is invalid or the history cannot be written.
func (s *Service) Run(ctx context.Context, req RunRequest) (*storage.SyncHistory, *syncengine.PassResult, error) {
	dir, err := s.direction(req.Direction)
	if err != nil {
		return nil, nil, err
	}
	pairs, err := s.pairs(req.Objects)
	if err != nil {
		return nil, nil, err
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = models.SyncTriggeredManual
	}

	ctx, cid := utils.EnsureCorrelationId(ctx)
	log := s.log.WithFields(logrus.Fields{
		"correlation_id": cid,
		"direction":      dir,
		"triggered_by":   req.TriggeredBy,
	})

	h := &storage.SyncHistory{
		ID:          uuid.NewString(),
		Direction:   string(dir),
		Status:      models.SyncRunStatusRunning,
		TriggeredBy: req.TriggeredBy,
		StartedAt:   s.now(),
	}
	for _, p := range pairs {
		h.Objects = append(h.Objects, p.String())
	}
	if err := s.store.SaveSyncHistory(ctx, h); err != nil {
		return nil, nil, fmt.Errorf("save sync history: %w", err)
	}
	s.begin()
	defer s.end(h)

	total := &syncengine.PassResult{Direction: dir, StartedAt: h.StartedAt}
	var failures []string
	for _, pair := range pairs {
		res, err := s.runPair(ctx, pair, dir, req.Full)
		total.Add(res)
		if err != nil {
			config.LogError(log, "syncservice", "Run", "pass failed for "+pair.String(), nil, err)
			failures = append(failures, fmt.Sprintf("%s: %v", pair, err))
			if errors.Is(err, context.Canceled) {
				break
			}
			continue
		}
		log.WithFields(logrus.Fields{
			"pair":       pair.String(),
			"processed":  res.Processed,
			"created":    res.Created,
			"updated":    res.Updated,
			"conflicted": res.Conflicted,
			"errored":    res.Errored,
		}).Info("sync pass finished")
	}

	finished := s.now()
	h.FinishedAt = &finished
	h.Processed = total.Processed
	h.Created = total.Created
	h.Updated = total.Updated
	h.Conflicted = total.Conflicted
	h.Errored = total.Errored + len(failures)
	h.Skipped = total.Skipped
	h.Errors = append(failures, total.Messages()...)
	if len(h.Errors) > maxHistoryErrors {
		h.Errors = h.Errors[:maxHistoryErrors]
	}
	h.Status = runStatus(total, len(failures))

	// the run is over even if the caller went away; record it regardless
	saveCtx := context.WithoutCancel(ctx)
	if err := s.store.SaveSyncHistory(saveCtx, h); err != nil {
		return h, total, fmt.Errorf("save sync history: %w", err)
	}
	return h, total, nil
}

// runPair runs one pair from its stored cursor, or from the epoch on a full resync. A full
// bidirectional resync reads both sides from the epoch; the second pass keeps the watermark
// the first one left on the source.
func (s *Service) runPair(ctx context.Context, pair mapping.Pair, dir mapping.Direction, full bool) (*syncengine.PassResult, error) {
	if !full {
		return s.engine.RunPass(ctx, pair, dir, nil)
	}
	epoch := cursor.FromTimestamp(time.Unix(0, 0))
	if dir != mapping.Bidirectional {
		return s.engine.RunPass(ctx, pair, dir, epoch)
	}
	forward, err := s.engine.RunPass(ctx, pair, mapping.SourceToTarget, epoch)
	if err != nil {
		return forward, err
	}
	next := epoch
	if forward.Cursor != nil {
		next = forward.Cursor.Clone()
		next.Reset(pair.TargetObject)
	}
	backward, err := s.engine.RunPass(ctx, pair, mapping.TargetToSource, next)
	total := syncengine.Combine(forward, backward)
	total.Direction = mapping.Bidirectional
	return total, err
}

// runStatus: success without errors, failed when nothing got through, partial otherwise.
func runStatus(total *syncengine.PassResult, failedPairs int) string {
	errorCount := total.Errored + failedPairs
	synced := total.Created + total.Updated + total.Deleted + total.Skipped + total.Conflicted
	switch {
	case errorCount == 0:
		return models.SyncRunStatusSuccess
	case synced == 0:
		return models.SyncRunStatusFailed
	}
	return models.SyncRunStatusPartial
}

// direction resolves a requested direction against the configured one.
func (s *Service) direction(requested mapping.Direction) (mapping.Direction, error) {
	configured := s.engine.Direction()
	if configured == mapping.None {
		return "", ErrSyncDisabled
	}
	if requested == "" {
		return configured, nil
	}
	if !requested.IsValid() || requested == mapping.None {
		return "", fmt.Errorf("%w %q", ErrInvalidDirection, requested)
	}
	if configured != mapping.Bidirectional && requested != configured {
		return "", fmt.Errorf("%w: %s", ErrDirectionBlocked, requested)
	}
	return requested, nil
}

// pairs lists the enabled pairs touching any of objects (by source or target name).
func (s *Service) pairs(objects []string) ([]mapping.Pair, error) {
	set := s.engine.Mappings()
	if len(objects) == 0 {
		var out []mapping.Pair
		for _, m := range set.Enabled() {
			out = append(out, m.Pair())
		}
		return out, nil
	}
	var out []mapping.Pair
	seen := map[mapping.Pair]bool{}
	for _, object := range utils.UniqueSlice(objects) {
		m, ok := set.ByObject(object)
		if !ok || !m.Enabled {
			return nil, fmt.Errorf("%w: %s", ErrUnknownObject, object)
		}
		if p := m.Pair(); !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// SyncObject runs the pass that carries changes of object to the other system. It backs
// webhook deliveries, which only ever announce changes on one side.
func (s *Service) SyncObject(ctx context.Context, object, triggeredBy string) (*storage.SyncHistory, error) {
	req, err := s.ObjectRequest(object, triggeredBy)
	if err != nil {
		return nil, err
	}
	h, _, err := s.Run(ctx, req)
	return h, err
}

// ObjectRequest builds the run request SyncObject executes, for callers that queue it instead.
func (s *Service) ObjectRequest(object, triggeredBy string) (RunRequest, error) {
	m, ok := s.engine.Mappings().ByObject(object)
	if !ok || !m.Enabled {
		return RunRequest{}, fmt.Errorf("%w: %s", ErrUnknownObject, object)
	}
	dir := mapping.SourceToTarget
	if object == m.TargetObject {
		dir = mapping.TargetToSource
	}
	if !s.engine.Direction().Allows(dir) {
		return RunRequest{}, fmt.Errorf("%w: %s", ErrDirectionBlocked, dir)
	}
	return RunRequest{Objects: []string{object}, Direction: dir, TriggeredBy: triggeredBy}, nil
}

// tombstoner is implemented by clients whose change listing cannot see deletions on its own.
type tombstoner interface {
	MarkDeleted(id string, at time.Time)
}

// RecordDeleted tells the client of object that id was deleted at at, so the next pass
// propagates it. It reports false when the client lists deletions by itself.
func (s *Service) RecordDeleted(object, id string, at time.Time) bool {
	c, err := s.clients.Get(object)
	if err != nil {
		return false
	}
	t, ok := c.(tombstoner)
	if !ok {
		return false
	}
	t.MarkDeleted(id, at)
	return true
}

func (s *Service) begin() {
	s.mu.Lock()
	s.running++
	s.mu.Unlock()
}

func (s *Service) end(h *storage.SyncHistory) {
	cp := *h
	s.mu.Lock()
	s.running--
	s.lastRun = &cp
	s.mu.Unlock()
}

// Status is the service view served by GET /api/v1/status.
type Status struct {
	Status           string                `json:"status"`
	Direction        mapping.Direction     `json:"direction"`
	Strategy         string                `json:"conflict_resolution"`
	RunningSyncs     int                   `json:"running_syncs"`
	Pairs            []mapping.Pair        `json:"pairs"`
	PendingConflicts int                   `json:"pending_conflicts"`
	LastRun          *storage.SyncHistory  `json:"last_run,omitempty"`
	Cursors          map[string]*time.Time `json:"cursors"`
}

func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		Status:    "healthy",
		Direction: s.engine.Direction(),
		Strategy:  string(s.engine.Strategy()),
		Pairs:     s.engine.Mappings().Pairs(),
		Cursors:   map[string]*time.Time{},
	}
	s.mu.Lock()
	st.RunningSyncs = s.running
	if s.lastRun != nil {
		cp := *s.lastRun
		st.LastRun = &cp
	}
	s.mu.Unlock()

	if st.LastRun == nil {
		hist, err := s.store.ListSyncHistory(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(hist) > 0 {
			st.LastRun = hist[0]
		}
	}
	pending, err := s.engine.ListPendingConflicts(ctx)
	if err != nil {
		return nil, err
	}
	st.PendingConflicts = len(pending)

	for _, p := range st.Pairs {
		cur, err := s.store.GetCursor(ctx, storage.CursorKey(p.SourceObject, p.TargetObject))
		if err != nil {
			return nil, err
		}
		if cur == nil {
			st.Cursors[p.Key()] = nil
			continue
		}
		t := cur.Timestamp
		st.Cursors[p.Key()] = &t
	}
	return st, nil
}
