package salesforce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/crmsync_backend/remote"
)

// soqlTime is the literal format SOQL accepts for datetime comparisons.
const soqlTime = "2006-01-02T15:04:05.000Z"

// apiTime is how the REST API renders datetime fields.
const apiTime = "2006-01-02T15:04:05.000-0700"

type Client struct {
	auth       *Auth
	http       *http.Client
	apiVersion string
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("salesforce client id and secret are required")
	}
	if !strings.HasPrefix(cfg.InstanceURL, "https://") {
		return nil, fmt.Errorf("salesforce instance url must start with https://")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	return &Client{auth: NewAuth(cfg, hc), http: hc, apiVersion: cfg.APIVersion}, nil
}

type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

func classify(resp *http.Response, body []byte) *remote.Error {
	e := remote.ErrorFromResponse(System, resp, body)
	var errs []apiError
	if json.Unmarshal(body, &errs) == nil && len(errs) > 0 {
		e.Message = errs[0].ErrorCode + ": " + errs[0].Message
		if errs[0].ErrorCode == "REQUEST_LIMIT_EXCEEDED" {
			e.Kind = remote.KindRateLimited
		}
	}
	return e
}

// do sends a request under /services/data/{version}/ (or to an absolute path starting with
// /services). A rejected session is refreshed and retried once.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	for attempt := 0; ; attempt++ {
		token, instance, err := c.auth.Token(ctx)
		if err != nil {
			return &remote.Error{Kind: remote.KindUnauthorized, System: System, Message: err.Error()}
		}
		endpoint := instance + path
		if !strings.HasPrefix(path, "/services/") {
			endpoint = instance + "/services/data/" + c.apiVersion + "/" + strings.TrimPrefix(path, "/")
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return remote.ErrorFromTransport(System, err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.auth.Invalidate()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return classify(resp, raw)
		}
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode salesforce response: %w", err)
		}
		return nil
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	return c.do(ctx, method, path, "application/json", body, out)
}

// SObject is one record as returned by the REST API.
type SObject map[string]any

func (s SObject) ID() string {
	id, _ := s["Id"].(string)
	return id
}

type QueryResult struct {
	TotalSize      int       `json:"totalSize"`
	Done           bool      `json:"done"`
	NextRecordsURL string    `json:"nextRecordsUrl,omitempty"`
	Records        []SObject `json:"records"`
}

// Query runs a SOQL query and follows nextRecordsUrl until done. With all set, deleted and
// archived rows are included.
func (c *Client) Query(ctx context.Context, soql string, all bool) ([]SObject, error) {
	resource := "query"
	if all {
		resource = "queryAll"
	}
	var res QueryResult
	if err := c.doJSON(ctx, http.MethodGet, resource+"?q="+url.QueryEscape(soql), nil, &res); err != nil {
		return nil, err
	}
	out := res.Records
	for !res.Done && res.NextRecordsURL != "" {
		next := res.NextRecordsURL
		res = QueryResult{}
		if err := c.doJSON(ctx, http.MethodGet, next, nil, &res); err != nil {
			return nil, err
		}
		out = append(out, res.Records...)
	}
	return out, nil
}

func (c *Client) GetRecord(ctx context.Context, sobject, id string, fields []string) (SObject, error) {
	path := "sobjects/" + url.PathEscape(sobject) + "/" + url.PathEscape(id)
	if len(fields) > 0 {
		path += "?fields=" + url.QueryEscape(strings.Join(fields, ","))
	}
	var rec SObject
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type saveResult struct {
	ID      string     `json:"id"`
	Success bool       `json:"success"`
	Errors  []apiError `json:"errors"`
}

func (c *Client) CreateRecord(ctx context.Context, sobject string, fields map[string]any) (string, error) {
	var res saveResult
	if err := c.doJSON(ctx, http.MethodPost, "sobjects/"+url.PathEscape(sobject), fields, &res); err != nil {
		return "", err
	}
	if !res.Success {
		msg := "create failed"
		if len(res.Errors) > 0 {
			msg = res.Errors[0].ErrorCode + ": " + res.Errors[0].Message
		}
		return "", &remote.Error{Kind: remote.KindRejected, System: System, Message: msg}
	}
	return res.ID, nil
}

func (c *Client) UpdateRecord(ctx context.Context, sobject, id string, fields map[string]any) error {
	return c.doJSON(ctx, http.MethodPatch, "sobjects/"+url.PathEscape(sobject)+"/"+url.PathEscape(id), fields, nil)
}

// UpsertRecord creates or updates by an external id field. It reports whether a record was created.
func (c *Client) UpsertRecord(ctx context.Context, sobject, externalIDField, externalID string, fields map[string]any) (string, bool, error) {
	path := "sobjects/" + url.PathEscape(sobject) + "/" + url.PathEscape(externalIDField) + "/" + url.PathEscape(externalID)
	var res struct {
		saveResult
		Created bool `json:"created"`
	}
	if err := c.doJSON(ctx, http.MethodPatch, path, fields, &res); err != nil {
		return "", false, err
	}
	return res.ID, res.Created, nil
}

func (c *Client) DeleteRecord(ctx context.Context, sobject, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "sobjects/"+url.PathEscape(sobject)+"/"+url.PathEscape(id), nil, nil)
}

// ChangedSinceSOQL selects fields of sobject modified at or after since, oldest first.
func ChangedSinceSOQL(sobject string, fields []string, since time.Time) string {
	cols := []string{"Id", "IsDeleted", "LastModifiedDate"}
	seen := map[string]bool{"Id": true, "IsDeleted": true, "LastModifiedDate": true}
	for _, f := range fields {
		if !seen[f] {
			seen[f] = true
			cols = append(cols, f)
		}
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE LastModifiedDate >= %s ORDER BY LastModifiedDate ASC",
		strings.Join(cols, ", "), sobject, since.UTC().Format(soqlTime))
}

func parseAPITime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{apiTime, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
