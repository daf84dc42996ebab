package remote

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DryRun reads through to the wrapped client and only logs writes. Created records get a
// placeholder id so a pass can still link them for the rest of the run.
type DryRun struct {
	Client
	log logrus.FieldLogger
	seq atomic.Int64
}

func NewDryRun(c Client, log logrus.FieldLogger) *DryRun {
	return &DryRun{Client: c, log: log.WithField("object", c.Object())}
}

func (d *DryRun) CreateRecord(_ context.Context, data map[string]any) (string, error) {
	id := fmt.Sprintf("dry-run-%s-%d", d.Object(), d.seq.Add(1))
	d.log.WithFields(logrus.Fields{"id": id, "data": data}).Info("dry run: create")
	return id, nil
}

func (d *DryRun) UpdateRecord(_ context.Context, id string, data map[string]any) error {
	d.log.WithFields(logrus.Fields{"id": id, "data": data}).Info("dry run: update")
	return nil
}

func (d *DryRun) DeleteRecord(_ context.Context, id string) error {
	d.log.WithField("id", id).Info("dry run: delete")
	return nil
}
