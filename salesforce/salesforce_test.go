package salesforce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/crmsync_backend/mapping"
	"github.com/mmdatafocus/crmsync_backend/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrg struct {
	srv      *httptest.Server
	tokens   atomic.Int32
	handlers map[string]http.HandlerFunc
}

// newFakeOrg serves the token endpoint plus the given handlers, keyed by "METHOD path".
func newFakeOrg(t *testing.T, handlers map[string]http.HandlerFunc) (*fakeOrg, *Client) {
	t.Helper()
	org := &fakeOrg{handlers: handlers}
	org.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/services/oauth2/token" {
			n := org.tokens.Add(1)
			assert.NoError(t, r.ParseForm())
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "tok" + string(rune('0'+n)),
				"token_type":   "Bearer",
				"instance_url": org.srv.URL,
			})
			return
		}
		h, ok := org.handlers[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`[{"errorCode":"NOT_FOUND","message":"The requested resource does not exist"}]`))
			return
		}
		h(w, r)
	}))
	t.Cleanup(org.srv.Close)

	c, err := NewClient(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		InstanceURL:  "https://example.my.salesforce.com",
		LoginURL:     org.srv.URL,
	})
	require.NoError(t, err)
	return org, c
}

const dataPath = "/services/data/" + DefaultAPIVersion + "/"

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(Config{ClientSecret: "s", InstanceURL: "https://x.my.salesforce.com"})
	assert.Error(t, err)
	_, err = NewClient(Config{ClientID: "i", ClientSecret: "s", InstanceURL: "http://x.my.salesforce.com"})
	assert.Error(t, err)
}

func TestLoginURLFor(t *testing.T) {
	assert.Equal(t, "https://login.salesforce.com", LoginURLFor("https://acme.my.salesforce.com"))
	assert.Equal(t, "https://test.salesforce.com", LoginURLFor("https://acme--uat.sandbox.my.salesforce.com"))
	assert.Equal(t, "https://test.salesforce.com", LoginURLFor("https://acme.test.my.salesforce.com"))
}

func TestTokenIsCachedAndInstanceAdopted(t *testing.T) {
	var auth []string
	org, c := newFakeOrg(t, map[string]http.HandlerFunc{
		"GET " + dataPath + "sobjects/Account/001": func(w http.ResponseWriter, r *http.Request) {
			auth = append(auth, r.Header.Get("Authorization"))
			w.Write([]byte(`{"attributes":{"type":"Account"},"Id":"001","Name":"Acme"}`))
		},
	})

	for i := 0; i < 2; i++ {
		rec, err := c.GetRecord(context.Background(), "Account", "001", nil)
		require.NoError(t, err)
		assert.Equal(t, "001", rec.ID())
	}
	assert.Equal(t, int32(1), org.tokens.Load())
	assert.Equal(t, []string{"Bearer tok1", "Bearer tok1"}, auth)
}

func TestUnauthorizedRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	org, c := newFakeOrg(t, map[string]http.HandlerFunc{
		"GET " + dataPath + "sobjects/Account/001": func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`[{"errorCode":"INVALID_SESSION_ID","message":"Session expired or invalid"}]`))
				return
			}
			assert.Equal(t, "Bearer tok2", r.Header.Get("Authorization"))
			w.Write([]byte(`{"Id":"001"}`))
		},
		"GET " + dataPath + "sobjects/Account/002": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
	})

	_, err := c.GetRecord(context.Background(), "Account", "001", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), org.tokens.Load())

	_, err = c.GetRecord(context.Background(), "Account", "002", nil)
	require.Error(t, err)
	assert.True(t, remote.IsUnauthorized(err))
}

func TestRequestLimitIsRateLimited(t *testing.T) {
	_, c := newFakeOrg(t, map[string]http.HandlerFunc{
		"GET " + dataPath + "sobjects/Account/001": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`[{"errorCode":"REQUEST_LIMIT_EXCEEDED","message":"TotalRequests Limit exceeded."}]`))
		},
	})
	_, err := c.GetRecord(context.Background(), "Account", "001", nil)
	require.Error(t, err)
	assert.True(t, remote.IsRateLimited(err))
	assert.Contains(t, err.Error(), "REQUEST_LIMIT_EXCEEDED")

	_, err = c.GetRecord(context.Background(), "Account", "missing", nil)
	assert.True(t, remote.IsNotFound(err))
}

func TestQueryFollowsNextRecordsURL(t *testing.T) {
	var soql string
	_, c := newFakeOrg(t, map[string]http.HandlerFunc{
		"GET " + dataPath + "queryAll": func(w http.ResponseWriter, r *http.Request) {
			soql = r.URL.Query().Get("q")
			w.Write([]byte(`{"totalSize":3,"done":false,"nextRecordsUrl":"` + dataPath + `query/01g-2000","records":[
				{"attributes":{"type":"Account"},"Id":"001","IsDeleted":false,"LastModifiedDate":"2024-05-02T10:00:00.000+0000","Name":"B"},
				{"attributes":{"type":"Account"},"Id":"002","IsDeleted":true,"LastModifiedDate":"2024-05-01T10:00:00.000+0000","Name":"A"}]}`))
		},
		"GET " + dataPath + "query/01g-2000": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"totalSize":3,"done":true,"records":[
				{"attributes":{"type":"Account"},"Id":"003","IsDeleted":false,"LastModifiedDate":"2024-05-03T10:00:00.000+0000","Name":"C","Industry":null}]}`))
		},
	})

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	recs, err := c.Objects("Account", []string{"Name", "Industry"}).ListChangedSince(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, "SELECT Id, IsDeleted, LastModifiedDate, Name, Industry FROM Account WHERE LastModifiedDate >= 2024-05-01T00:00:00.000Z ORDER BY LastModifiedDate ASC", soql)

	require.Len(t, recs, 3)
	assert.Equal(t, []string{"002", "001", "003"}, []string{recs[0].ID, recs[1].ID, recs[2].ID})
	assert.True(t, recs[0].Deleted)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), recs[0].ModifiedAt)
	assert.Equal(t, map[string]any{"Name": "C", "Industry": nil}, recs[2].Data)
}

func TestObjectsWrites(t *testing.T) {
	var patched, posted map[string]any
	var deleted bool
	_, c := newFakeOrg(t, map[string]http.HandlerFunc{
		"POST " + dataPath + "sobjects/Account": func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"001NEW","success":true,"errors":[]}`))
		},
		"PATCH " + dataPath + "sobjects/Account/001": func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
			w.WriteHeader(http.StatusNoContent)
		},
		"DELETE " + dataPath + "sobjects/Account/001": func(w http.ResponseWriter, r *http.Request) {
			deleted = true
			w.WriteHeader(http.StatusNoContent)
		},
		"PATCH " + dataPath + "sobjects/Account/Attio_Id__c/rec_1": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"001UP","success":true,"created":true}`))
		},
	})
	o := c.Objects("Account", []string{"Name"})
	ctx := context.Background()

	id, err := o.CreateRecord(ctx, map[string]any{"Name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "001NEW", id)
	assert.Equal(t, map[string]any{"Name": "Acme"}, posted)

	require.NoError(t, o.UpdateRecord(ctx, "001", map[string]any{"Name": "Acme Corp"}))
	assert.Equal(t, map[string]any{"Name": "Acme Corp"}, patched)

	require.NoError(t, o.DeleteRecord(ctx, "001"))
	assert.True(t, deleted)

	id, created, err := c.UpsertRecord(ctx, "Account", "Attio_Id__c", "rec_1", map[string]any{"Name": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "001UP", id)
	assert.True(t, created)
}

func TestFieldsFor(t *testing.T) {
	m := mapping.ObjectMapping{
		Fields: []mapping.FieldMapping{
			{SourceFieldPath: "name", TargetFieldPath: "Name"},
			{SourceFieldPath: "domains", TargetFieldPath: "Website"},
			{SourceFieldPath: "primary_domain", TargetFieldPath: "Website"},
		},
		References: []mapping.ReferenceMapping{
			{SourceFieldPath: "company", TargetFieldPath: "AccountId"},
		},
	}
	assert.Equal(t, []string{"Name", "Website", "AccountId"}, FieldsFor(m))
}

func TestBuildCSV(t *testing.T) {
	data, err := BuildCSV([]map[string]any{
		{"Name": "Acme, Inc.", "NumberOfEmployees": int64(50), "Attio_Id__c": "rec_1"},
		{"Name": `Say "hi"`, "AnnualRevenue": 1.5e6, "Attio_Id__c": "rec_2", "Active__c": true},
	}, nil)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Active__c,AnnualRevenue,Attio_Id__c,Name,NumberOfEmployees", lines[0])
	assert.Equal(t, `,,rec_1,"Acme, Inc.",50`, lines[1])
	assert.Equal(t, `true,1500000,rec_2,"Say ""hi""",`, lines[2])

	data, err = BuildCSV([]map[string]any{{"Name": "x", "Other": "y"}}, []string{"Name"})
	require.NoError(t, err)
	assert.Equal(t, "Name\nx\n", string(data))
}

func TestRunJob(t *testing.T) {
	var (
		uploaded []byte
		statuses atomic.Int32
		job      JobRequest
	)
	_, c := newFakeOrg(t, map[string]http.HandlerFunc{
		"POST " + dataPath + "jobs/ingest": func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&job))
			w.Write([]byte(`{"id":"750J","object":"Account","operation":"upsert","state":"Open"}`))
		},
		"PUT " + dataPath + "jobs/ingest/750J/batches": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "text/csv", r.Header.Get("Content-Type"))
			uploaded, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
		},
		"PATCH " + dataPath + "jobs/ingest/750J": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":"750J","state":"UploadComplete"}`))
		},
		"GET " + dataPath + "jobs/ingest/750J": func(w http.ResponseWriter, r *http.Request) {
			if statuses.Add(1) == 1 {
				w.Write([]byte(`{"id":"750J","state":"InProgress"}`))
				return
			}
			w.Write([]byte(`{"id":"750J","state":"JobComplete","numberRecordsProcessed":2,"numberRecordsFailed":0}`))
		},
	})

	res, err := c.RunJob(context.Background(), JobRequest{Object: "Account", Operation: BulkUpsert, ExternalIDFieldName: "Attio_Id__c"},
		[]byte("Attio_Id__c,Name\nrec_1,Acme\n"), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, JobComplete, res.State)
	assert.Equal(t, int64(2), res.NumberRecordsProcessed)
	assert.Equal(t, "CSV", job.ContentType)
	assert.Equal(t, "LF", job.LineEnding)
	assert.Equal(t, "Attio_Id__c,Name\nrec_1,Acme\n", string(uploaded))
}

func TestRunJobReportsFailure(t *testing.T) {
	_, c := newFakeOrg(t, map[string]http.HandlerFunc{
		"POST " + dataPath + "jobs/ingest": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":"750F","state":"Open"}`))
		},
		"PUT " + dataPath + "jobs/ingest/750F/batches": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		},
		"PATCH " + dataPath + "jobs/ingest/750F": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":"750F","state":"Failed","errorMessage":"InvalidBatch : Field name not found"}`))
		},
	})
	res, err := c.RunJob(context.Background(), JobRequest{Object: "Account", Operation: BulkInsert}, []byte("Bogus\nx\n"), time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, JobFailed, res.State)
	assert.Contains(t, err.Error(), "Field name not found")
}
