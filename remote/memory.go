package remote

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryClient is an in-process Client. It backs local runs and tests; writes stamp the
// record with the client's clock so they show up in ListChangedSince.
type MemoryClient struct {
	mu      sync.Mutex
	object  string
	system  string
	records map[string]Record
	order   []string
	seq     int
	now     func() time.Time
	fail    map[string][]error

	Creates []map[string]any
	Updates map[string][]map[string]any
	Deletes []string
}

func NewMemoryClient(system, object string) *MemoryClient {
	return &MemoryClient{
		object:  object,
		system:  system,
		records: map[string]Record{},
		now:     func() time.Time { return time.Now().UTC() },
		fail:    map[string][]error{},
		Updates: map[string][]map[string]any{},
	}
}

func (c *MemoryClient) Object() string { return c.object }

// SetClock replaces the time source used to stamp writes.
func (c *MemoryClient) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Put stores rec as-is, replacing any record with the same id.
func (c *MemoryClient) Put(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.Object = c.object
	if _, ok := c.records[rec.ID]; !ok {
		c.order = append(c.order, rec.ID)
	}
	c.records[rec.ID] = rec
}

// FailNext queues errors returned by the next calls of op: get, list, create, update or delete.
func (c *MemoryClient) FailNext(op string, errs ...error) {
	c.mu.Lock()
	c.fail[op] = append(c.fail[op], errs...)
	c.mu.Unlock()
}

func (c *MemoryClient) takeFailure(op string) error {
	queue := c.fail[op]
	if len(queue) == 0 {
		return nil
	}
	c.fail[op] = queue[1:]
	return queue[0]
}

// Record returns a copy of the stored record.
func (c *MemoryClient) Record(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if ok {
		rec.Data = copyDoc(rec.Data)
	}
	return rec, ok
}

func (c *MemoryClient) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *MemoryClient) GetRecord(_ context.Context, id string) (*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure("get"); err != nil {
		return nil, err
	}
	rec, ok := c.records[id]
	if !ok || rec.Deleted {
		return nil, NotFound(c.system, c.object, id)
	}
	rec.Data = copyDoc(rec.Data)
	return &rec, nil
}

func (c *MemoryClient) ListChangedSince(_ context.Context, since time.Time) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure("list"); err != nil {
		return nil, err
	}
	var out []Record
	for _, id := range c.order {
		rec := c.records[id]
		if rec.ModifiedAt.Before(since) {
			continue
		}
		rec.Data = copyDoc(rec.Data)
		out = append(out, rec)
	}
	SortByModified(out)
	return out, nil
}

func (c *MemoryClient) CreateRecord(_ context.Context, data map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure("create"); err != nil {
		return "", err
	}
	c.seq++
	id := fmt.Sprintf("%s_%03d", c.object, c.seq)
	c.records[id] = Record{ID: id, Object: c.object, Data: copyDoc(data), ModifiedAt: c.now()}
	c.order = append(c.order, id)
	c.Creates = append(c.Creates, copyDoc(data))
	return id, nil
}

// UpdateRecord merges data into the stored document at the top level.
func (c *MemoryClient) UpdateRecord(_ context.Context, id string, data map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure("update"); err != nil {
		return err
	}
	rec, ok := c.records[id]
	if !ok || rec.Deleted {
		return NotFound(c.system, c.object, id)
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	for k, v := range copyDoc(data) {
		rec.Data[k] = v
	}
	rec.ModifiedAt = c.now()
	c.records[id] = rec
	c.Updates[id] = append(c.Updates[id], copyDoc(data))
	return nil
}

func (c *MemoryClient) DeleteRecord(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.takeFailure("delete"); err != nil {
		return err
	}
	if _, ok := c.records[id]; !ok {
		return NotFound(c.system, c.object, id)
	}
	delete(c.records, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.Deletes = append(c.Deletes, id)
	return nil
}

func copyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyDoc(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
