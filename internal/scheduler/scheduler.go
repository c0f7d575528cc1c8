// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/asset-market/internal/config"
	"github.com/javajoker/asset-market/internal/services"
)

// Reconciler runs one settlement recovery sweep.
type Reconciler interface {
	Reconcile(ctx context.Context) (*services.ReconcileReport, error)
}

// TokenJanitor expires and purges download tokens.
type TokenJanitor interface {
	CleanupExpired(ctx context.Context) (int64, error)
	PurgeExpired(ctx context.Context) (int64, error)
}

// Scheduler runs the periodic settlement and token jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	tokens     TokenJanitor
	log        *logrus.Logger
	config     config.SchedulerConfig
}

func NewScheduler(reconciler Reconciler, tokens TokenJanitor, log *logrus.Logger, cfg config.SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(log)
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		tokens:     tokens,
		log:        log,
		config:     cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.schedule("settlement reconcile", s.config.ReconcileSchedule, s.runReconcile)
	s.schedule("download token cleanup", s.config.TokenCleanupSchedule, s.runTokenCleanup)
	s.schedule("download token purge", s.config.TokenPurgeSchedule, s.runTokenPurge)
	s.cron.Start()
}

func (s *Scheduler) schedule(name, spec string, job func()) {
	if spec == "" {
		s.log.WithField("job", name).Info("Job disabled, no schedule configured")
		return
	}
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		s.log.WithError(err).WithField("job", name).Error("Failed to schedule job")
		return
	}
	s.log.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("Scheduled job")
}

// Stop stops the scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	timeout := s.config.JobTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (s *Scheduler) runReconcile() {
	ctx, cancel := s.jobContext()
	defer cancel()

	start := time.Now()
	report, err := s.reconciler.Reconcile(ctx)
	if err != nil {
		s.log.WithError(err).Error("Settlement reconcile job failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"duration":  time.Since(start).String(),
		"scanned":   report.Scanned,
		"completed": report.Completed,
		"failed":    report.Failed,
	}).Debug("Settlement reconcile job finished")
}

func (s *Scheduler) runTokenCleanup() {
	ctx, cancel := s.jobContext()
	defer cancel()

	if _, err := s.tokens.CleanupExpired(ctx); err != nil {
		s.log.WithError(err).Error("Download token cleanup job failed")
	}
}

func (s *Scheduler) runTokenPurge() {
	ctx, cancel := s.jobContext()
	defer cancel()

	if _, err := s.tokens.PurgeExpired(ctx); err != nil {
		s.log.WithError(err).Error("Download token purge job failed")
	}
}
