// Package syncengine runs resumable, cursor-driven sync passes between two record stores.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/cursor"
	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/mmdatafocus/crmsync_backend/reference"
	"github.com/mmdatafocus/crmsync_backend/remote"
	"github.com/mmdatafocus/crmsync_backend/storage"
	"github.com/mmdatafocus/crmsync_backend/transform"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBatchSize  = 100
	DefaultMaxRetries = 3
	DefaultLookback   = 24 * time.Hour
)

type Options struct {
	Mappings *mapping.Set
	Clients  remote.Registry
	Storage  storage.Storage
	Locker   Locker
	Resolver *reference.Resolver
	Strategy conflict.Strategy
	// Direction is the configured sync direction. A one-way deployment never reads the
	// write side, so its watermark follows the engine's own writes instead.
	Direction        mapping.Direction
	BatchSize        int
	MaxRetries       int
	Lookback         time.Duration
	PropagateDeletes bool
	Logger           logrus.FieldLogger
	Clock            func() time.Time
	Sleep            func(ctx context.Context, d time.Duration) error
}

type Engine struct {
	mappings         *mapping.Set
	clients          remote.Registry
	store            storage.Storage
	locker           Locker
	resolver         *reference.Resolver
	conflicts        *conflict.Resolver
	direction        mapping.Direction
	batchSize        int
	maxRetries       int
	lookback         time.Duration
	propagateDeletes bool
	log              logrus.FieldLogger
	now              func() time.Time
	sleep            func(ctx context.Context, d time.Duration) error
	tracer           trace.Tracer
}

func New(opts Options) (*Engine, error) {
	if opts.Mappings == nil {
		return nil, configError("mapping set is required")
	}
	if opts.Storage == nil {
		return nil, configError("storage is required")
	}
	for _, m := range opts.Mappings.Enabled() {
		for _, object := range []string{m.SourceObject, m.TargetObject} {
			if _, err := opts.Clients.Get(object); err != nil {
				return nil, configError("%v", err)
			}
		}
	}
	e := &Engine{
		mappings:         opts.Mappings,
		clients:          opts.Clients,
		store:            opts.Storage,
		locker:           opts.Locker,
		resolver:         opts.Resolver,
		conflicts:        conflict.NewResolver(opts.Strategy),
		direction:        opts.Direction,
		batchSize:        opts.BatchSize,
		maxRetries:       opts.MaxRetries,
		lookback:         opts.Lookback,
		propagateDeletes: opts.PropagateDeletes,
		log:              opts.Logger,
		now:              opts.Clock,
		sleep:            opts.Sleep,
		tracer:           otel.Tracer("github.com/mmdatafocus/crmsync_backend/syncengine"),
	}
	if e.locker == nil {
		e.locker = NewLocalLocker()
	}
	if e.resolver == nil {
		e.resolver = reference.NewResolver()
	}
	if e.direction == "" {
		e.direction = mapping.Bidirectional
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.lookback <= 0 {
		e.lookback = DefaultLookback
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	return e, nil
}

func (e *Engine) Mappings() *mapping.Set { return e.mappings }

func (e *Engine) Strategy() conflict.Strategy { return e.conflicts.Strategy() }

func (e *Engine) Direction() mapping.Direction { return e.direction }

// RunPass syncs one object pair in one direction, starting from cur or, when cur is nil,
// from the stored cursor of the pair. A Bidirectional direction runs both passes.
func (e *Engine) RunPass(ctx context.Context, pair mapping.Pair, dir mapping.Direction, cur *cursor.SyncCursor) (*PassResult, error) {
	if dir == mapping.Bidirectional {
		return e.Bidirectional(ctx, pair, cur)
	}
	if dir != mapping.SourceToTarget && dir != mapping.TargetToSource {
		return nil, configError("cannot run a pass in direction %q", dir)
	}
	m, ok := e.mappings.ByPair(pair)
	if !ok {
		return nil, configError("no mapping for %s", pair)
	}
	if !m.Enabled {
		return nil, configError("mapping %s is disabled", pair)
	}

	ctx, span := e.tracer.Start(ctx, "syncengine.RunPass", trace.WithAttributes(
		attribute.String("sync.pair", pair.String()),
		attribute.String("sync.direction", dir.String()),
	))
	defer span.End()

	unlock, err := e.locker.Lock(ctx, pair.Key())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer unlock()

	res, err := e.runPass(ctx, m, dir, cur)
	if res != nil {
		span.SetAttributes(
			attribute.Int("sync.processed", res.Processed),
			attribute.Int("sync.created", res.Created),
			attribute.Int("sync.updated", res.Updated),
			attribute.Int("sync.conflicted", res.Conflicted),
			attribute.Int("sync.errored", res.Errored),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// Bidirectional runs the source to target pass and then the target to source pass,
// threading the cursor through, and sums the two results.
func (e *Engine) Bidirectional(ctx context.Context, pair mapping.Pair, cur *cursor.SyncCursor) (*PassResult, error) {
	forward, err := e.RunPass(ctx, pair, mapping.SourceToTarget, cur)
	if err != nil {
		return forward, err
	}
	backward, err := e.RunPass(ctx, pair, mapping.TargetToSource, forward.Cursor)
	total := Combine(forward, backward)
	total.Direction = mapping.Bidirectional
	return total, err
}

// LoadCursor returns the stored cursor of a pair, or a fresh one seeded at now minus the lookback.
func (e *Engine) LoadCursor(ctx context.Context, pair mapping.Pair) (*cursor.SyncCursor, error) {
	cur, err := e.store.GetCursor(ctx, storage.CursorKey(pair.SourceObject, pair.TargetObject))
	if err != nil {
		return nil, storageError(pair.String(), err)
	}
	if cur == nil {
		cur = cursor.FromTimestamp(e.now().Add(-e.lookback))
	}
	return cur, nil
}

func (e *Engine) runPass(ctx context.Context, m mapping.ObjectMapping, dir mapping.Direction, cur *cursor.SyncCursor) (*PassResult, error) {
	pair := m.Pair()
	res := newPassResult(pair, dir, e.now())
	log := e.log.WithFields(logrus.Fields{"pair": pair.String(), "direction": dir.String()})

	if cur == nil {
		var err error
		if cur, err = e.LoadCursor(ctx, pair); err != nil {
			return res, err
		}
	}
	res.Cursor = cur

	if len(m.FieldsFor(dir)) == 0 && len(m.ReferencesFor(dir)) == 0 {
		log.Debug("nothing maps in this direction, pass skipped")
		res.FinishedAt = e.now()
		return res, nil
	}
	read, err := e.clients.Get(m.ReadObject(dir))
	if err != nil {
		return res, configError("%v", err)
	}
	write, err := e.clients.Get(m.WriteObject(dir))
	if err != nil {
		return res, configError("%v", err)
	}

	p := &pass{
		e:        e,
		m:        m,
		dir:      dir,
		readObj:  m.ReadObject(dir),
		writeObj: m.WriteObject(dir),
		read:     read,
		write:    write,
		cur:      cur.Clone(),
		res:      res,
		log:      log,
	}
	p.seedObjects()
	if err := p.hydrate(ctx); err != nil {
		return res, err
	}

	res.enter(StateFetchingChanges)
	items, err := p.fetch(ctx)
	if err != nil {
		return res, err
	}

	for start := 0; start < len(items); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return res, &SyncError{Kind: KindCanceled, Object: p.readObj, Err: err}
		}
		end := start + e.batchSize
		if end > len(items) {
			end = len(items)
		}
		if err := p.runChunk(ctx, items[start:end]); err != nil {
			return res, err
		}
	}

	res.enter(StateAdvancingCursor)
	p.advance(items)
	if err := e.store.SaveCursor(ctx, storage.CursorKey(pair.SourceObject, pair.TargetObject), p.cur); err != nil {
		return res, storageError(pair.String(), err)
	}
	res.Cursor = p.cur
	res.enter(StateIdle)
	res.FinishedAt = e.now()

	log.WithFields(logrus.Fields{
		"processed":  res.Processed,
		"created":    res.Created,
		"updated":    res.Updated,
		"deleted":    res.Deleted,
		"conflicted": res.Conflicted,
		"errored":    res.Errored,
		"skipped":    res.Skipped,
	}).Info("sync pass finished")
	return res, nil
}

// counterpart finds the record linked to id on the other side of the pair.
func (e *Engine) counterpart(ctx context.Context, dir mapping.Direction, sourceObject, targetObject, id string) (string, bool, error) {
	object := sourceObject
	if dir == mapping.TargetToSource {
		object = targetObject
	}
	if other, ok := e.resolver.Resolve(dir, object, id); ok {
		return other, true, nil
	}
	var (
		m   *reference.IdMapping
		err error
	)
	if dir == mapping.SourceToTarget {
		m, err = e.store.GetMappingBySourceID(ctx, sourceObject, id)
	} else {
		m, err = e.store.GetMappingByTargetID(ctx, targetObject, id)
	}
	if err != nil {
		return "", false, storageError(object, err)
	}
	if m == nil {
		return "", false, nil
	}
	e.resolver.AddMapping(*m)
	if dir == mapping.SourceToTarget {
		return m.TargetID, true, nil
	}
	return m.SourceID, true, nil
}

// ListPendingConflicts returns the conflicts waiting for an operator, newest first.
func (e *Engine) ListPendingConflicts(ctx context.Context) ([]*conflict.ConflictRecord, error) {
	out, err := e.store.ListConflicts(ctx, conflict.StatusPending, 0)
	if err != nil {
		return nil, storageError("conflicts", err)
	}
	return out, nil
}

// ResolveConflict applies an operator decision to a pending conflict and writes the chosen
// values to whichever side needs them.
func (e *Engine) ResolveConflict(ctx context.Context, id string, decision conflict.Decision) error {
	rec, err := e.store.GetConflict(ctx, id)
	if err != nil {
		return storageError("conflicts", err)
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	if rec.Status != conflict.StatusPending {
		return fmt.Errorf("%w: %s is %s", conflict.ErrConflictAlreadyResolved, rec.ID, rec.Status)
	}

	m, dir, err := e.mappingOf(rec)
	if err != nil {
		return err
	}
	unlock, err := e.locker.Lock(ctx, m.Pair().Key())
	if err != nil {
		return err
	}
	defer unlock()

	resolution := &conflict.Resolution{Decision: decision, ResolvedAt: e.now()}
	status := conflict.StatusManuallyResolved
	switch decision {
	case conflict.DecisionUseSource:
		resolution.Winner, resolution.Data = conflict.WinnerSource, rec.SourceData
		err = e.writeSide(ctx, rec.TargetObject, rec.TargetRecordID, rec.SourceData)
	case conflict.DecisionUseTarget:
		resolution.Winner, resolution.Data = conflict.WinnerTarget, rec.TargetData
		err = e.pushBack(ctx, m, dir, rec, rec.TargetData)
	case conflict.DecisionMerge:
		merged := conflict.MergeValues(rec)
		resolution.Winner, resolution.Data = conflict.WinnerMerged, merged
		if err = e.writeSide(ctx, rec.TargetObject, rec.TargetRecordID, merged); err == nil {
			err = e.pushBack(ctx, m, dir, rec, merged)
		}
	case conflict.DecisionSkip:
		status = conflict.StatusSkipped
	default:
		return fmt.Errorf("invalid conflict decision %q", decision)
	}
	if err != nil {
		return err
	}
	if err := rec.Transition(status, resolution); err != nil {
		return err
	}
	if err := e.store.SaveConflict(ctx, rec); err != nil {
		return storageError("conflicts", err)
	}
	e.log.WithFields(logrus.Fields{
		"conflict_id": rec.ID,
		"decision":    decision,
		"status":      status,
	}).Info("conflict resolved")
	return nil
}

// mappingOf finds the mapping a conflict came from and the direction of the pass that found it.
func (e *Engine) mappingOf(rec *conflict.ConflictRecord) (mapping.ObjectMapping, mapping.Direction, error) {
	if m, ok := e.mappings.ByPair(mapping.Pair{SourceObject: rec.SourceObject, TargetObject: rec.TargetObject}); ok {
		return m, mapping.SourceToTarget, nil
	}
	if m, ok := e.mappings.ByPair(mapping.Pair{SourceObject: rec.TargetObject, TargetObject: rec.SourceObject}); ok {
		return m, mapping.TargetToSource, nil
	}
	return mapping.ObjectMapping{}, "", configError("no mapping for conflict objects %s and %s", rec.SourceObject, rec.TargetObject)
}

func (e *Engine) writeSide(ctx context.Context, object, id string, data map[string]any) error {
	client, err := e.clients.Get(object)
	if err != nil {
		return configError("%v", err)
	}
	return e.withRetry(ctx, "update "+object, func(ctx context.Context) error {
		return client.UpdateRecord(ctx, id, data)
	})
}

// pushBack converts write-side data of a conflict into the read side's schema and writes it
// there, so both sides hold the chosen values.
func (e *Engine) pushBack(ctx context.Context, m mapping.ObjectMapping, dir mapping.Direction, rec *conflict.ConflictRecord, data map[string]any) error {
	payload, err := transform.Convert(m, dir.Reverse(), data)
	if err != nil {
		return &SyncError{Kind: KindTransform, Object: rec.TargetObject, RecordID: rec.TargetRecordID, Err: err}
	}
	if len(payload) == 0 {
		return nil
	}
	return e.writeSide(ctx, rec.SourceObject, rec.SourceRecordID, payload)
}

func isAbort(err error) bool {
	switch Classify(err) {
	case KindStorage, KindCanceled, KindConfiguration:
		return true
	}
	return false
}

func wrapRecord(kind Kind, object, id string, err error) error {
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	return &SyncError{Kind: kind, Object: object, RecordID: id, Err: err}
}
