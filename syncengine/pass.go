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
)

type outcome int

const (
	pending outcome = iota
	created
	updated
	deleted
	conflictPending
	keptTarget
	skipped
	failed
)

type item struct {
	rec       remote.Record
	payload   map[string]any
	otherID   string
	linked    bool
	existing  *remote.Record
	conflict  bool
	outcome   outcome
	retryable bool
	err       error
}

func (it *item) finish(o outcome) { it.outcome = o }

func (it *item) fail(err error, retryable bool) {
	it.outcome = failed
	it.err = err
	it.retryable = retryable
}

// settled is true when the record will not need another look from a later pass.
func (it *item) settled() bool {
	return it.outcome != pending && !(it.outcome == failed && it.retryable)
}

type pass struct {
	e        *Engine
	m        mapping.ObjectMapping
	dir      mapping.Direction
	readObj  string
	writeObj string
	read     remote.Client
	write    remote.Client
	cur      *cursor.SyncCursor
	res      *PassResult
	log      logrus.FieldLogger
}

// seedObjects gives both objects of the pair an entry at the cursor's seed.
func (p *pass) seedObjects() {
	for _, object := range []string{p.readObj, p.writeObj} {
		if _, ok := p.cur.Objects[object]; !ok {
			p.cur.Objects[object] = cursor.ObjectCursor{Object: object, LastSync: p.cur.Since(object)}
		}
	}
}

// hydrate loads every id mapping this pass may consult: the pair itself and each referenced pair.
func (p *pass) hydrate(ctx context.Context) error {
	pairs := []mapping.Pair{p.m.Pair()}
	for _, r := range p.m.ReferencesFor(p.dir) {
		pairs = append(pairs, mapping.Pair{SourceObject: r.SourceObject, TargetObject: r.TargetObject})
	}
	for _, pair := range pairs {
		ms, err := p.e.store.ListMappings(ctx, pair.SourceObject, pair.TargetObject)
		if err != nil {
			return storageError(pair.String(), err)
		}
		p.e.resolver.Load(ms)
	}
	return nil
}

// fetch lists changed records oldest first, drops the one the cursor already covers and
// keeps only the latest delivery of a record seen twice.
func (p *pass) fetch(ctx context.Context) ([]*item, error) {
	since := p.cur.Since(p.readObj)
	var records []remote.Record
	err := p.e.withRetry(ctx, "list "+p.readObj, func(ctx context.Context) error {
		var err error
		records, err = p.read.ListChangedSince(ctx, since)
		return err
	})
	if err != nil {
		return nil, wrapRecord(Classify(err), p.readObj, "", err)
	}
	remote.SortByModified(records)

	oc := p.cur.Objects[p.readObj]
	latest := make(map[string]int, len(records))
	for i, r := range records {
		latest[r.ID] = i
	}
	items := make([]*item, 0, len(records))
	for i, r := range records {
		if latest[r.ID] != i {
			continue
		}
		if oc.LastRecordID != nil && r.ID == *oc.LastRecordID && r.ModifiedAt.Equal(oc.LastSync) {
			continue
		}
		items = append(items, &item{rec: r})
	}
	p.log.WithFields(logrus.Fields{"since": since.Format(time.RFC3339), "fetched": len(records), "queued": len(items)}).Debug("changes fetched")
	return items, nil
}

type phase struct {
	state State
	run   func(ctx context.Context, it *item) error
}

// runChunk takes one chunk through every phase. Only storage failures and cancellation
// escape; a panic or an authorization failure ends the chunk and leaves its records to retry.
func (p *pass) runChunk(ctx context.Context, chunk []*item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.failPending(chunk, &SyncError{Kind: KindInternal, Object: p.readObj, Err: fmt.Errorf("panic: %v", r)})
			err = nil
		}
		p.tally(chunk)
	}()

	phases := []phase{
		{StateTransforming, p.transformItem},
		{StateResolvingReferences, p.resolveItem},
		{StateDetectingConflicts, p.detectItem},
		{StateWriting, p.writeItem},
	}
	for _, ph := range phases {
		p.res.enter(ph.state)
		for _, it := range chunk {
			if it.outcome != pending {
				continue
			}
			rerr := ph.run(ctx, it)
			if rerr == nil {
				continue
			}
			if isAbort(rerr) {
				return rerr
			}
			if remote.IsUnauthorized(rerr) {
				it.fail(rerr, true)
				p.failPending(chunk, rerr)
				break
			}
			it.fail(rerr, IsRetryable(rerr))
		}
	}
	for _, it := range chunk {
		if it.outcome == pending {
			it.finish(skipped)
		}
	}
	return nil
}

func (p *pass) failPending(chunk []*item, err error) {
	for _, it := range chunk {
		if it.outcome == pending {
			it.fail(err, true)
		}
	}
}

func (p *pass) tally(chunk []*item) {
	var batch BatchResult
	for _, it := range chunk {
		if it.outcome == pending {
			continue
		}
		batch.Processed++
		p.res.Processed++
		if it.conflict {
			p.res.Conflicted++
		}
		switch it.outcome {
		case created:
			p.res.Created++
		case updated:
			p.res.Updated++
		case deleted:
			p.res.Deleted++
		case skipped, keptTarget:
			p.res.Skipped++
		case failed:
			batch.Failed++
			batch.Errors = append(batch.Errors, it.err.Error())
			p.res.Errored++
			p.res.Errors = append(p.res.Errors, RecordError{
				Object:    p.readObj,
				RecordID:  it.rec.ID,
				Kind:      Classify(it.err),
				Retryable: it.retryable,
				Message:   it.err.Error(),
			})
			p.log.WithFields(logrus.Fields{"record_id": it.rec.ID, "retryable": it.retryable}).Warn("record failed: " + it.err.Error())
			continue
		}
		batch.Succeeded++
	}
	p.res.Batches = append(p.res.Batches, batch)
}

// advance moves the read object's cursor to the last record of the longest settled prefix.
func (p *pass) advance(items []*item) {
	oc := p.cur.Objects[p.readObj]
	oc.Object = p.readObj
	oc.LastBatchCount = 0
	for _, it := range items {
		if !it.settled() {
			break
		}
		id := it.rec.ID
		oc.LastSync = it.rec.ModifiedAt
		oc.LastRecordID = &id
		oc.LastBatchCount++
	}
	p.cur.UpdateObjectCursor(oc)
	p.advanceWriteSide(items)
}

// advanceWriteSide moves the write object's watermark past this pass's own writes when no
// pass ever reads that object, so they are not taken for edits next time. It only moves
// once every record settled.
func (p *pass) advanceWriteSide(items []*item) {
	if p.e.direction == mapping.Bidirectional {
		return
	}
	var wrote bool
	for _, it := range items {
		if !it.settled() {
			return
		}
		switch it.outcome {
		case created, updated, deleted:
			wrote = true
		}
	}
	if !wrote {
		return
	}
	p.cur.UpdateObjectCursor(cursor.ObjectCursor{Object: p.writeObj, LastSync: p.e.now()})
}

func (p *pass) transformItem(_ context.Context, it *item) error {
	if it.rec.Deleted {
		return nil
	}
	payload, err := transform.Convert(p.m, p.dir, it.rec.Data)
	if err != nil {
		return &SyncError{Kind: KindTransform, Object: p.readObj, RecordID: it.rec.ID, Err: err}
	}
	p.warnLenient(it, payload)
	it.payload = payload
	return nil
}

// warnLenient flags employee ranges that silently became zero.
func (p *pass) warnLenient(it *item, payload map[string]any) {
	if p.dir != mapping.SourceToTarget {
		return
	}
	for _, f := range p.m.FieldsFor(p.dir) {
		if _, ok := f.Transform.(mapping.EmployeeRangeToNumber); !ok {
			continue
		}
		raw, ok := transform.Lookup(it.rec.Data, f.SourceFieldPath)
		if !ok || transform.IsEmpty(raw) {
			continue
		}
		if v, _ := transform.Lookup(payload, f.TargetFieldPath); v == int64(0) {
			p.log.WithFields(logrus.Fields{"record_id": it.rec.ID, "field": f.SourceFieldPath, "value": raw}).
				Warn("unparsable employee range mapped to 0")
		}
	}
}

func (p *pass) refPaths(r mapping.ReferenceMapping) (readPath, writePath, object string) {
	if p.dir == mapping.TargetToSource {
		return r.TargetFieldPath, r.SourceFieldPath, r.TargetObject
	}
	return r.SourceFieldPath, r.TargetFieldPath, r.SourceObject
}

func (p *pass) resolveItem(ctx context.Context, it *item) error {
	if it.rec.Deleted {
		return nil
	}
	for _, r := range p.m.ReferencesFor(p.dir) {
		readPath, writePath, object := p.refPaths(r)
		raw, _ := transform.Lookup(it.rec.Data, readPath)
		foreign, _ := raw.(string)
		if foreign == "" {
			if r.Required {
				return &SyncError{Kind: KindReference, Object: p.readObj, RecordID: it.rec.ID, Err: &transform.MissingRequiredFieldError{Field: readPath}}
			}
			continue
		}
		other, ok, err := p.e.counterpart(ctx, p.dir, r.SourceObject, r.TargetObject, foreign)
		if err != nil {
			return err
		}
		if !ok {
			nf := &reference.NotFoundError{Direction: p.dir, Object: object, ID: foreign}
			if r.Required {
				return &SyncError{Kind: KindReference, Object: p.readObj, RecordID: it.rec.ID, Err: nf}
			}
			p.log.WithFields(logrus.Fields{"record_id": it.rec.ID, "field": readPath}).Debug(nf.Error())
			continue
		}
		if err := transform.Assign(it.payload, writePath, other); err != nil {
			return &SyncError{Kind: KindTransform, Object: p.readObj, RecordID: it.rec.ID, Err: err}
		}
	}
	return nil
}

func (p *pass) detectItem(ctx context.Context, it *item) error {
	otherID, ok, err := p.e.counterpart(ctx, p.dir, p.m.SourceObject, p.m.TargetObject, it.rec.ID)
	if err != nil {
		return err
	}
	it.otherID, it.linked = otherID, ok
	if !ok || it.rec.Deleted {
		return nil
	}

	var existing *remote.Record
	err = p.e.withRetry(ctx, "get "+p.writeObj, func(ctx context.Context) error {
		var err error
		existing, err = p.write.GetRecord(ctx, otherID)
		return err
	})
	if remote.IsNotFound(err) || (err == nil && (existing == nil || existing.Deleted)) {
		p.log.WithFields(logrus.Fields{"record_id": it.rec.ID, "linked_id": otherID}).
			Warn("linked record is gone, relinking on create")
		it.linked = false
		return p.unlink(ctx, it)
	}
	if err != nil {
		return wrapRecord(Classify(err), p.readObj, it.rec.ID, err)
	}
	it.existing = existing

	diffs := p.diff(it)
	if len(diffs) == 0 {
		it.finish(skipped)
		return nil
	}
	if !existing.ModifiedAt.After(p.cur.Objects[p.writeObj].LastSync) {
		return nil
	}

	it.conflict = true
	rec := conflict.NewRecord(p.readObj, it.rec.ID, p.writeObj, otherID, it.payload, existing.Data, diffs)
	rec.DetectedAt = p.e.now()
	result, err := p.e.conflicts.Resolve(rec)
	if errors.Is(err, conflict.ErrManualResolutionRequired) {
		if err := p.e.store.SaveConflict(ctx, rec); err != nil {
			return storageError("conflicts", err)
		}
		p.log.WithFields(logrus.Fields{"record_id": it.rec.ID, "conflict_id": rec.ID, "fields": rec.Fields()}).
			Info("conflict held for manual resolution")
		it.finish(conflictPending)
		return nil
	}
	if err != nil {
		return &SyncError{Kind: KindConflict, Object: p.readObj, RecordID: it.rec.ID, Err: err}
	}
	if result.Tie {
		p.log.WithFields(logrus.Fields{"record_id": it.rec.ID, "conflict_id": rec.ID}).Debug("last write tie, read side wins")
	}
	if err := rec.Transition(conflict.StatusAutoResolved, &conflict.Resolution{
		Winner:     result.Winner,
		Strategy:   result.Strategy,
		Data:       result.Data,
		ResolvedAt: p.e.now(),
	}); err != nil {
		return &SyncError{Kind: KindConflict, Object: p.readObj, RecordID: it.rec.ID, Err: err}
	}
	if err := p.e.store.SaveConflict(ctx, rec); err != nil {
		return storageError("conflicts", err)
	}
	if result.Winner == conflict.WinnerTarget {
		it.finish(keptTarget)
		return nil
	}
	it.payload = result.Data
	return nil
}

// diff lists the mapped fields whose write-side value differs from what this pass would write.
// Source to target compares payload against the target; target to source projects the
// existing source record forward so both values are in target form.
func (p *pass) diff(it *item) []conflict.FieldConflict {
	var out []conflict.FieldConflict
	for _, f := range p.m.FieldsFor(p.dir) {
		if p.dir == mapping.SourceToTarget {
			desired, ok := transform.Lookup(it.payload, f.TargetFieldPath)
			if !ok {
				continue
			}
			current, _ := transform.Lookup(it.existing.Data, f.TargetFieldPath)
			if !conflict.Detect(desired, current) {
				continue
			}
			raw, _ := transform.Lookup(it.rec.Data, f.SourceFieldPath)
			out = append(out, conflict.FieldConflict{
				SourceField:      f.SourceFieldPath,
				TargetField:      f.TargetFieldPath,
				SourceValue:      raw,
				TargetValue:      current,
				SourceModifiedAt: it.rec.FieldTime(f.SourceFieldPath),
				TargetModifiedAt: it.existing.FieldTime(f.TargetFieldPath),
			})
			continue
		}

		incoming, ok := transform.Lookup(it.rec.Data, f.TargetFieldPath)
		if !ok {
			continue
		}
		var projected any
		if v, ok := transform.Lookup(it.existing.Data, f.SourceFieldPath); ok {
			if pv, err := transform.Apply(v, f.Transform); err == nil {
				projected = transform.Finish(f, pv)
			}
		}
		if !conflict.Detect(incoming, projected) {
			continue
		}
		writePath := transform.SourceWritePath(f)
		current, _ := transform.Lookup(it.existing.Data, writePath)
		out = append(out, conflict.FieldConflict{
			SourceField:      f.TargetFieldPath,
			TargetField:      writePath,
			SourceValue:      incoming,
			TargetValue:      current,
			SourceModifiedAt: it.rec.FieldTime(f.TargetFieldPath),
			TargetModifiedAt: it.existing.FieldTime(writePath),
		})
	}
	for _, r := range p.m.ReferencesFor(p.dir) {
		readPath, writePath, _ := p.refPaths(r)
		desired, ok := transform.Lookup(it.payload, writePath)
		if !ok {
			continue
		}
		current, _ := transform.Lookup(it.existing.Data, writePath)
		if !conflict.Detect(desired, current) {
			continue
		}
		raw, _ := transform.Lookup(it.rec.Data, readPath)
		out = append(out, conflict.FieldConflict{
			SourceField:      readPath,
			TargetField:      writePath,
			SourceValue:      raw,
			TargetValue:      current,
			SourceModifiedAt: it.rec.FieldTime(readPath),
			TargetModifiedAt: it.existing.FieldTime(writePath),
		})
	}
	return out
}

func (p *pass) writeItem(ctx context.Context, it *item) error {
	if it.rec.Deleted {
		return p.deleteItem(ctx, it)
	}
	if it.existing != nil {
		err := p.e.withRetry(ctx, "update "+p.writeObj, func(ctx context.Context) error {
			return p.write.UpdateRecord(ctx, it.otherID, it.payload)
		})
		if err != nil {
			return wrapRecord(Classify(err), p.readObj, it.rec.ID, err)
		}
		it.finish(updated)
		return nil
	}
	if len(it.payload) == 0 {
		it.finish(skipped)
		return nil
	}

	var id string
	err := p.e.withRetry(ctx, "create "+p.writeObj, func(ctx context.Context) error {
		var err error
		id, err = p.write.CreateRecord(ctx, it.payload)
		return err
	})
	if err != nil {
		return wrapRecord(Classify(err), p.readObj, it.rec.ID, err)
	}
	link := reference.New(p.m.SourceObject, it.rec.ID, p.m.TargetObject, id)
	if p.dir == mapping.TargetToSource {
		link = reference.New(p.m.SourceObject, id, p.m.TargetObject, it.rec.ID)
	}
	link.CreatedAt = p.e.now()
	if err := p.e.store.SaveIDMapping(ctx, link); err != nil {
		if errors.Is(err, storage.ErrDuplicateMapping) {
			return &SyncError{Kind: KindReference, Object: p.readObj, RecordID: it.rec.ID, Err: err}
		}
		p.log.WithFields(logrus.Fields{"record_id": it.rec.ID, "created_id": id}).Error("created record could not be linked")
		return storageError(p.readObj, err)
	}
	p.e.resolver.AddMapping(link)
	it.otherID = id
	it.finish(created)
	return nil
}

func (p *pass) deleteItem(ctx context.Context, it *item) error {
	if !it.linked {
		it.finish(skipped)
		return nil
	}
	if p.e.propagateDeletes {
		err := p.e.withRetry(ctx, "delete "+p.writeObj, func(ctx context.Context) error {
			return p.write.DeleteRecord(ctx, it.otherID)
		})
		if err != nil && !remote.IsNotFound(err) {
			return wrapRecord(Classify(err), p.readObj, it.rec.ID, err)
		}
	}
	if err := p.unlink(ctx, it); err != nil {
		return err
	}
	it.finish(deleted)
	return nil
}

// unlink drops the id mapping of the record in both storage and the resolver.
func (p *pass) unlink(ctx context.Context, it *item) error {
	sourceID := it.rec.ID
	if p.dir == mapping.TargetToSource {
		sourceID = it.otherID
	}
	if err := p.e.store.DeleteMapping(ctx, p.m.SourceObject, sourceID); err != nil {
		return storageError(p.readObj, err)
	}
	p.e.resolver.RemoveMapping(p.m.SourceObject, sourceID)
	return nil
}
