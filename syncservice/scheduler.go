package syncservice

import (
	"context"

	"github.com/mmdatafocus/crmsync_backend/config"
	"github.com/mmdatafocus/crmsync_backend/models"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler runs RunAll on a cron schedule. A tick that comes due while the previous run
// is still going is skipped.
type Scheduler struct {
	cron    *cron.Cron
	svc     *Service
	logger  logrus.FieldLogger
	baseCtx context.Context
}

func NewScheduler(baseCtx context.Context, svc *Service, logger logrus.FieldLogger) *Scheduler {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = svc.log
	}
	cronLog := cron.PrintfLogger(logger)
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		svc:     svc,
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers the sync job on spec; see config.ParseSchedule for the accepted forms.
func (s *Scheduler) Add(spec string) (cron.EntryID, error) {
	schedule, err := config.ParseSchedule(spec)
	if err != nil {
		return 0, err
	}
	return s.cron.Schedule(schedule, cron.FuncJob(s.tick)), nil
}

func (s *Scheduler) tick() {
	if s.baseCtx.Err() != nil {
		return
	}
	h, err := s.svc.RunAll(s.baseCtx, models.SyncTriggeredSchedule)
	if err != nil {
		config.LogError(s.logger, "syncservice", "Scheduler", "scheduled sync failed", nil, err)
		return
	}
	s.logger.WithFields(logrus.Fields{
		"run_id":     h.ID,
		"status":     h.Status,
		"processed":  h.Processed,
		"conflicted": h.Conflicted,
		"errored":    h.Errored,
	}).Info("scheduled sync finished")
}

func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
