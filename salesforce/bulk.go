package salesforce

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"
)

type BulkOperation string

const (
	BulkInsert BulkOperation = "insert"
	BulkUpdate BulkOperation = "update"
	BulkUpsert BulkOperation = "upsert"
	BulkDelete BulkOperation = "delete"
)

type JobState string

const (
	JobOpen           JobState = "Open"
	JobUploadComplete JobState = "UploadComplete"
	JobInProgress     JobState = "InProgress"
	JobAborted        JobState = "Aborted"
	JobComplete       JobState = "JobComplete"
	JobFailed         JobState = "Failed"
)

func (s JobState) Terminal() bool {
	return s == JobAborted || s == JobComplete || s == JobFailed
}

type JobRequest struct {
	Object              string        `json:"object"`
	Operation           BulkOperation `json:"operation"`
	ExternalIDFieldName string        `json:"externalIdFieldName,omitempty"`
	ContentType         string        `json:"contentType"`
	LineEnding          string        `json:"lineEnding"`
}

type JobInfo struct {
	ID                     string        `json:"id"`
	Object                 string        `json:"object"`
	Operation              BulkOperation `json:"operation"`
	State                  JobState      `json:"state"`
	NumberRecordsProcessed int64         `json:"numberRecordsProcessed"`
	NumberRecordsFailed    int64         `json:"numberRecordsFailed"`
	ErrorMessage           string        `json:"errorMessage,omitempty"`
}

func jobPath(parts ...string) string {
	p := "jobs/ingest"
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) CreateJob(ctx context.Context, req JobRequest) (*JobInfo, error) {
	if req.ContentType == "" {
		req.ContentType = "CSV"
	}
	if req.LineEnding == "" {
		req.LineEnding = "LF"
	}
	var job JobInfo
	if err := c.doJSON(ctx, http.MethodPost, jobPath(), req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) UploadJobData(ctx context.Context, jobID string, data []byte) error {
	return c.do(ctx, http.MethodPut, jobPath(jobID, "batches"), "text/csv", data, nil)
}

func (c *Client) setJobState(ctx context.Context, jobID string, state JobState) (*JobInfo, error) {
	var job JobInfo
	if err := c.doJSON(ctx, http.MethodPatch, jobPath(jobID), map[string]JobState{"state": state}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CloseJob marks the upload complete so Salesforce starts processing.
func (c *Client) CloseJob(ctx context.Context, jobID string) (*JobInfo, error) {
	return c.setJobState(ctx, jobID, JobUploadComplete)
}

func (c *Client) AbortJob(ctx context.Context, jobID string) (*JobInfo, error) {
	return c.setJobState(ctx, jobID, JobAborted)
}

func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobInfo, error) {
	var job JobInfo
	if err := c.doJSON(ctx, http.MethodGet, jobPath(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RunJob creates a job, uploads data, closes it and polls until it reaches a terminal state.
func (c *Client) RunJob(ctx context.Context, req JobRequest, data []byte, poll time.Duration) (*JobInfo, error) {
	job, err := c.CreateJob(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.UploadJobData(ctx, job.ID, data); err != nil {
		_, _ = c.AbortJob(ctx, job.ID)
		return nil, err
	}
	if job, err = c.CloseJob(ctx, job.ID); err != nil {
		return nil, err
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !job.State.Terminal() {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
		if job, err = c.JobStatus(ctx, job.ID); err != nil {
			return nil, err
		}
	}
	if job.State != JobComplete {
		return job, fmt.Errorf("bulk job %s ended %s: %s", job.ID, job.State, job.ErrorMessage)
	}
	return job, nil
}

// BuildCSV renders records as a Bulk API 2.0 CSV body. With no fields given the header is
// the sorted union of the records' keys. Nil values become empty cells, which leave the
// field untouched.
func BuildCSV(records []map[string]any, fields []string) ([]byte, error) {
	if len(fields) == 0 {
		seen := map[string]bool{}
		for _, r := range records {
			for k := range r {
				if !seen[k] {
					seen[k] = true
					fields = append(fields, k)
				}
			}
		}
		sort.Strings(fields)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return nil, err
	}
	row := make([]string, len(fields))
	for _, r := range records {
		for i, f := range fields {
			s, err := csvCell(r[f])
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f, err)
			}
			row[i] = s
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func csvCell(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case int:
		return strconv.Itoa(t), nil
	case json.Number:
		return t.String(), nil
	case time.Time:
		return t.UTC().Format(soqlTime), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
