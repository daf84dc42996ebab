package remote

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(status int, header map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range header {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: status, Header: h}
}

func TestErrorFromResponse(t *testing.T) {
	cases := []struct {
		status    int
		header    map[string]string
		kind      ErrorKind
		retryable bool
		wait      time.Duration
	}{
		{http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, KindRateLimited, true, 7 * time.Second},
		{http.StatusServiceUnavailable, nil, KindTransient, true, 0},
		{http.StatusRequestTimeout, nil, KindTransient, true, 0},
		{http.StatusNotFound, nil, KindNotFound, false, 0},
		{http.StatusUnauthorized, nil, KindUnauthorized, false, 0},
		{http.StatusForbidden, nil, KindUnauthorized, false, 0},
		{http.StatusBadRequest, nil, KindRejected, false, 0},
	}
	for _, tc := range cases {
		e := ErrorFromResponse("attio", response(tc.status, tc.header), []byte(" boom \n"))
		assert.Equal(t, tc.kind, e.Kind, "status %d", tc.status)
		assert.Equal(t, tc.retryable, e.Retryable(), "status %d", tc.status)
		assert.Equal(t, tc.wait, e.RetryAfter, "status %d", tc.status)
		assert.Equal(t, "boom", e.Message)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), ParseRetryAfter(""))
	assert.Equal(t, 3*time.Second, ParseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("Mon, 02 Jan 2006 15:04:05 GMT"), "dates in the past mean no wait")

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	assert.True(t, d > 60*time.Second && d <= 90*time.Second, "got %s", d)
}

func TestErrorPredicates(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), RateLimited("salesforce", 2*time.Second))
	assert.True(t, IsRateLimited(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, 2*time.Second, RetryAfterOf(wrapped))

	nf := NotFound("attio", "companies", "rec_1")
	assert.True(t, IsNotFound(nf))
	assert.False(t, IsRetryable(nf))
	assert.False(t, IsUnauthorized(errors.New("plain")))
	assert.Equal(t, time.Duration(0), RetryAfterOf(errors.New("plain")))

	assert.Equal(t, context.Canceled, ErrorFromTransport("attio", context.Canceled))
	assert.True(t, IsRetryable(ErrorFromTransport("attio", context.DeadlineExceeded)))
}

func TestFieldTime(t *testing.T) {
	mod := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	nameAt := mod.Add(-time.Hour)
	rec := Record{ModifiedAt: mod, FieldModifiedAt: map[string]time.Time{"name": nameAt}}

	assert.Equal(t, nameAt, *rec.FieldTime("name"))
	assert.Equal(t, nameAt, *rec.FieldTime("name.first_name"))
	assert.Equal(t, mod, *rec.FieldTime("domains[0]"))
	assert.Nil(t, Record{}.FieldTime("name"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewMemoryClient("attio", "companies"))
	c, err := r.Get("companies")
	require.NoError(t, err)
	assert.Equal(t, "companies", c.Object())
	_, err = r.Get("Account")
	assert.Error(t, err)
}

func TestMemoryClient(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryClient("salesforce", "Account")
	c.SetClock(func() time.Time { return now })

	id, err := c.CreateRecord(ctx, map[string]any{"Name": "Acme"})
	require.NoError(t, err)
	require.NoError(t, c.UpdateRecord(ctx, id, map[string]any{"Website": "acme.com"}))

	rec, err := c.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"Name": "Acme", "Website": "acme.com"}, rec.Data)

	list, err := c.ListChangedSince(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, list)

	c.FailNext("get", RateLimited("salesforce", 0))
	_, err = c.GetRecord(ctx, id)
	assert.True(t, IsRateLimited(err))

	require.NoError(t, c.DeleteRecord(ctx, id))
	_, err = c.GetRecord(ctx, id)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(c.DeleteRecord(ctx, id)))
}
