// Package attio talks to the CRM side of the sync over the Attio REST API.
package attio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/crmsync_backend/remote"
)

const (
	System          = "attio"
	DefaultBaseURL  = "https://api.attio.com"
	defaultPageSize = 500
)

type Config struct {
	APIKey          string
	BaseURL         string
	RateLimitPerMin int
	Timeout         time.Duration
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter <-chan time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("attio api key is empty")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 100
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: time.Tick(time.Minute / time.Duration(perMin)),
	}, nil
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, out any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter:
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return remote.ErrorFromTransport(System, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return remote.ErrorFromResponse(System, resp, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode attio response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode attio data: %w", err)
	}
	return nil
}

func recordPath(object string, parts ...string) string {
	p := "/v2/objects/" + url.PathEscape(object) + "/records"
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) GetRecord(ctx context.Context, object, id string) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, recordPath(object, id), nil, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Query is the body of a records query.
type Query struct {
	Filter map[string]any `json:"filter,omitempty"`
	Sorts  []Sort         `json:"sorts,omitempty"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

type Sort struct {
	Attribute string `json:"attribute"`
	Direction string `json:"direction"`
}

// QueryRecords pages through every record matching q.
func (c *Client) QueryRecords(ctx context.Context, object string, q Query) ([]Record, error) {
	if q.Limit <= 0 {
		q.Limit = defaultPageSize
	}
	var out []Record
	for {
		var page []Record
		if err := c.do(ctx, http.MethodPost, recordPath(object, "query"), nil, q, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < q.Limit {
			return out, nil
		}
		q.Offset += len(page)
	}
}

// ChangedSince lists records updated at or after since, oldest first.
func (c *Client) ChangedSince(ctx context.Context, object string, since time.Time) ([]Record, error) {
	return c.QueryRecords(ctx, object, Query{
		Filter: map[string]any{"updated_at": map[string]any{"$gte": since.UTC().Format(time.RFC3339Nano)}},
		Sorts:  []Sort{{Attribute: "updated_at", Direction: "asc"}},
	})
}

type writeBody struct {
	Data struct {
		Values map[string]any `json:"values"`
	} `json:"data"`
}

func newWriteBody(values map[string]any) writeBody {
	var b writeBody
	b.Data.Values = values
	return b
}

func (c *Client) CreateRecord(ctx context.Context, object string, values map[string]any) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodPost, recordPath(object), nil, newWriteBody(values), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateRecord patches the given attributes; multi-value attributes are appended to.
func (c *Client) UpdateRecord(ctx context.Context, object, id string, values map[string]any) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodPatch, recordPath(object, id), nil, newWriteBody(values), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) DeleteRecord(ctx context.Context, object, id string) error {
	return c.do(ctx, http.MethodDelete, recordPath(object, id), nil, nil, nil)
}

// Object describes an object of the workspace.
type Object struct {
	ID struct {
		WorkspaceID string `json:"workspace_id"`
		ObjectID    string `json:"object_id"`
	} `json:"id"`
	APISlug      string `json:"api_slug"`
	SingularNoun string `json:"singular_noun"`
	PluralNoun   string `json:"plural_noun"`
}

func (c *Client) ListObjects(ctx context.Context) ([]Object, error) {
	var out []Object
	if err := c.do(ctx, http.MethodGet, "/v2/objects", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
