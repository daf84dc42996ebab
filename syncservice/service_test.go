package syncservice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/crmsync_backend/conflict"
	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/mmdatafocus/crmsync_backend/models"
	"github.com/mmdatafocus/crmsync_backend/reference"
	"github.com/mmdatafocus/crmsync_backend/remote"
	"github.com/mmdatafocus/crmsync_backend/storage"
	"github.com/mmdatafocus/crmsync_backend/syncengine"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// tombstoneClient adds out-of-band deletions to a MemoryClient, like the Attio adapter.
type tombstoneClient struct {
	*remote.MemoryClient
}

func (c tombstoneClient) MarkDeleted(id string, at time.Time) {
	c.Put(remote.Record{ID: id, ModifiedAt: at, Deleted: true})
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	hook  *logtest.Hook
	now   time.Time

	companies, people, deals          *remote.MemoryClient
	accounts, contacts, opportunities *remote.MemoryClient
}

func newFixture(t *testing.T, configure func(*syncengine.Options)) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), now: t0}
	clock := func() time.Time { return f.now }

	f.companies = remote.NewMemoryClient("attio", mapping.ObjectCompanies)
	f.people = remote.NewMemoryClient("attio", mapping.ObjectPeople)
	f.deals = remote.NewMemoryClient("attio", mapping.ObjectDeals)
	f.accounts = remote.NewMemoryClient("salesforce", mapping.ObjectAccount)
	f.contacts = remote.NewMemoryClient("salesforce", mapping.ObjectContact)
	f.opportunities = remote.NewMemoryClient("salesforce", mapping.ObjectOpportunity)
	registry := remote.Registry{}
	for _, c := range []*remote.MemoryClient{f.companies, f.people, f.deals, f.accounts, f.contacts, f.opportunities} {
		c.SetClock(clock)
		registry[c.Object()] = c
	}
	registry[mapping.ObjectCompanies] = tombstoneClient{f.companies}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f.hook = hook

	opts := syncengine.Options{
		Mappings:         mapping.DefaultSet(),
		Clients:          registry,
		Storage:          f.store,
		PropagateDeletes: true,
		Logger:           logger,
		Clock:            clock,
		Sleep:            func(context.Context, time.Duration) error { return nil },
	}
	if configure != nil {
		configure(&opts)
	}
	engine, err := syncengine.New(opts)
	require.NoError(t, err)
	f.svc = NewService(Options{Engine: engine, Store: f.store, Clients: registry, Logger: logger, Clock: clock})
	return f
}

func (f *fixture) history(t *testing.T) []*storage.SyncHistory {
	t.Helper()
	hist, err := f.store.ListSyncHistory(context.Background(), 0)
	require.NoError(t, err)
	return hist
}

func TestRunAllRecordsHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.companies.Put(remote.Record{ID: "rec_1", ModifiedAt: t0.Add(-time.Hour), Data: map[string]any{"name": "Acme"}})

	h, err := f.svc.RunAll(context.Background(), models.SyncTriggeredSchedule)
	require.NoError(t, err)

	assert.Equal(t, models.SyncRunStatusSuccess, h.Status)
	assert.Equal(t, string(mapping.Bidirectional), h.Direction)
	assert.Equal(t, models.SyncTriggeredSchedule, h.TriggeredBy)
	assert.Equal(t, []string{"companies->Account", "people->Contact", "deals->Opportunity"}, h.Objects)
	assert.Equal(t, 1, h.Created)
	require.NotNil(t, h.FinishedAt)
	assert.Equal(t, 1, f.accounts.Len())

	hist := f.history(t)
	require.Len(t, hist, 1, "the running row is replaced by the final one")
	assert.Equal(t, h.ID, hist[0].ID)
	assert.Equal(t, models.SyncRunStatusSuccess, hist[0].Status)
}

func TestRunPartialWhenOnePairFails(t *testing.T) {
	f := newFixture(t, nil)
	f.companies.Put(remote.Record{ID: "rec_1", ModifiedAt: t0.Add(-time.Hour), Data: map[string]any{"name": "Acme"}})
	f.people.FailNext("list", errors.New("boom"))

	h, err := f.svc.RunAll(context.Background(), models.SyncTriggeredManual)
	require.NoError(t, err)

	assert.Equal(t, models.SyncRunStatusPartial, h.Status)
	assert.Equal(t, 1, h.Created)
	require.NotEmpty(t, h.Errors)
	assert.Contains(t, h.Errors[0], "people->Contact")
	assert.Equal(t, 1, h.Errored)
	assert.Equal(t, 1, f.accounts.Len())
}

func TestRunFailedWhenNothingSynced(t *testing.T) {
	f := newFixture(t, nil)
	f.companies.FailNext("list", errors.New("boom"))

	h, _, err := f.svc.Run(context.Background(), RunRequest{Objects: []string{mapping.ObjectCompanies}})
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusFailed, h.Status)
	assert.Equal(t, []string{"companies->Account"}, h.Objects)
}

func TestRunSelectsPairsByEitherObject(t *testing.T) {
	f := newFixture(t, nil)

	h, _, err := f.svc.Run(context.Background(), RunRequest{Objects: []string{"Contact", "people", "deals"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"people->Contact", "deals->Opportunity"}, h.Objects)

	_, _, err = f.svc.Run(context.Background(), RunRequest{Objects: []string{"tasks"}})
	assert.ErrorIs(t, err, ErrUnknownObject)
	assert.Len(t, f.history(t), 1, "rejected requests leave no history")
}

func TestRunHonorsConfiguredDirection(t *testing.T) {
	f := newFixture(t, func(o *syncengine.Options) { o.Direction = mapping.SourceToTarget })

	_, _, err := f.svc.Run(context.Background(), RunRequest{Direction: mapping.TargetToSource})
	assert.ErrorIs(t, err, ErrDirectionBlocked)

	_, _, err = f.svc.Run(context.Background(), RunRequest{Direction: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidDirection)

	h, _, err := f.svc.Run(context.Background(), RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(mapping.SourceToTarget), h.Direction)

	off := newFixture(t, func(o *syncengine.Options) { o.Direction = mapping.None })
	_, _, err = off.svc.Run(context.Background(), RunRequest{})
	assert.ErrorIs(t, err, ErrSyncDisabled)
}

func TestFullRunIgnoresStoredCursor(t *testing.T) {
	f := newFixture(t, func(o *syncengine.Options) { o.Direction = mapping.SourceToTarget })
	old := remote.Record{ID: "rec_old", ModifiedAt: t0.AddDate(-1, 0, 0), Data: map[string]any{"name": "Old Co"}}
	f.companies.Put(old)

	h, _, err := f.svc.Run(context.Background(), RunRequest{Objects: []string{mapping.ObjectCompanies}})
	require.NoError(t, err)
	assert.Equal(t, 0, h.Processed, "older than the lookback window")

	h, _, err = f.svc.Run(context.Background(), RunRequest{Objects: []string{mapping.ObjectCompanies}, Full: true})
	require.NoError(t, err)
	assert.Equal(t, 1, h.Created)
}

func TestFullBidirectionalRunKeepsSourceWatermark(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *syncengine.Options) { o.Strategy = conflict.Manual })
	f.companies.Put(remote.Record{ID: "rec_1", ModifiedAt: t0.Add(-2 * time.Hour), Data: map[string]any{"name": "Acme"}})

	h, _, err := f.svc.Run(ctx, RunRequest{Objects: []string{mapping.ObjectCompanies}, Full: true})
	require.NoError(t, err)
	assert.Equal(t, 1, h.Created)
	assert.Equal(t, 0, h.Conflicted)

	cur, err := f.store.GetCursor(ctx, storage.CursorKey(mapping.ObjectCompanies, mapping.ObjectAccount))
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, t0.Add(-2*time.Hour), cur.Objects[mapping.ObjectCompanies].LastSync)
	assert.Equal(t, t0, cur.Objects[mapping.ObjectAccount].LastSync)

	link, err := f.store.GetMappingBySourceID(ctx, mapping.ObjectCompanies, "rec_1")
	require.NoError(t, err)
	require.NotNil(t, link)
	f.now = t0.Add(time.Hour)
	f.accounts.Put(remote.Record{ID: link.TargetID, ModifiedAt: t0.Add(30 * time.Minute), Data: map[string]any{"Name": "Acme Corp"}})

	h, _, err = f.svc.Run(ctx, RunRequest{Objects: []string{mapping.ObjectCompanies}, Direction: mapping.TargetToSource})
	require.NoError(t, err)
	assert.Equal(t, 0, h.Conflicted, "only the account changed since the full run")
	assert.Equal(t, 1, h.Updated)
	company, _ := f.companies.Record("rec_1")
	assert.Equal(t, "Acme Corp", company.Data["name"])
}

func TestSyncObjectPicksDirectionFromSide(t *testing.T) {
	f := newFixture(t, nil)
	f.accounts.Put(remote.Record{ID: "001", ModifiedAt: t0.Add(-time.Hour), Data: map[string]any{"Name": "Acme"}})

	h, err := f.svc.SyncObject(context.Background(), mapping.ObjectAccount, models.SyncTriggeredWebhook)
	require.NoError(t, err)
	assert.Equal(t, string(mapping.TargetToSource), h.Direction)
	assert.Equal(t, 1, f.companies.Len())

	oneWay := newFixture(t, func(o *syncengine.Options) { o.Direction = mapping.SourceToTarget })
	_, err = oneWay.svc.SyncObject(context.Background(), mapping.ObjectAccount, models.SyncTriggeredWebhook)
	assert.ErrorIs(t, err, ErrDirectionBlocked)
}

func TestRecordDeletedUsesTombstones(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.SaveIDMapping(context.Background(), reference.New(mapping.ObjectCompanies, "rec_1", mapping.ObjectAccount, "001")))
	f.accounts.Put(remote.Record{ID: "001", ModifiedAt: t0.Add(-48 * time.Hour), Data: map[string]any{"Name": "Acme"}})

	assert.True(t, f.svc.RecordDeleted(mapping.ObjectCompanies, "rec_1", t0.Add(-time.Minute)))
	assert.False(t, f.svc.RecordDeleted(mapping.ObjectAccount, "001", t0), "salesforce lists its own deletions")

	h, err := f.svc.SyncObject(context.Background(), mapping.ObjectCompanies, models.SyncTriggeredWebhook)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRunStatusSuccess, h.Status)
	assert.Equal(t, []string{"001"}, f.accounts.Deletes)
}

func TestStatusReportsCursorsAndLastRun(t *testing.T) {
	f := newFixture(t, nil)

	st, err := f.svc.Status(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st.LastRun)
	assert.Nil(t, st.Cursors["companies:Account"])
	assert.Len(t, st.Pairs, 3)

	_, err = f.svc.RunAll(context.Background(), models.SyncTriggeredManual)
	require.NoError(t, err)

	st, err = f.svc.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, models.SyncRunStatusSuccess, st.LastRun.Status)
	assert.Equal(t, 0, st.RunningSyncs)
	assert.NotNil(t, st.Cursors["companies:Account"])
	assert.Equal(t, "healthy", st.Status)
}

func TestSchedulerTick(t *testing.T) {
	f := newFixture(t, nil)
	s := NewScheduler(context.Background(), f.svc, nil)

	_, err := s.Add("every now and then")
	assert.Error(t, err)
	_, err = s.Add("@every 1h")
	require.NoError(t, err)
	_, err = s.Add("0 */15 * * * *")
	require.NoError(t, err)

	s.tick()
	hist := f.history(t)
	require.Len(t, hist, 1)
	assert.Equal(t, models.SyncTriggeredSchedule, hist[0].TriggeredBy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewScheduler(ctx, f.svc, nil).tick()
	assert.Len(t, f.history(t), 1, "no runs after shutdown")
}
