// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/bookit/internal/metrics"
)

// Job is a named unit of periodic work. Run returns how many items it
// processed.
type Job struct {
	Name    string
	Spec    string // six-field cron expression (seconds first)
	Timeout time.Duration
	Run     func(ctx context.Context) (int, error)
}

// Scheduler wraps a cron runner whose jobs never overlap themselves and
// survive panics.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler running in UTC with seconds precision.
func New(logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. An invalid spec is an error.
func (s *Scheduler) Add(job Job) error {
	if job.Timeout <= 0 {
		job.Timeout = 5 * time.Minute
	}
	_, err := s.cron.AddFunc(job.Spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.logger.Info("scheduled job registered", "job", job.Name, "spec", job.Spec)
	return nil
}

func (s *Scheduler) run(job Job) {
	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout)
	defer cancel()

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		metrics.ScheduledJobRunsTotal.WithLabelValues(job.Name, "error").Inc()
		s.logger.Error("scheduled job failed", "job", job.Name, "processed", n, "error", err)
		return
	}
	metrics.ScheduledJobRunsTotal.WithLabelValues(job.Name, "ok").Inc()
	if n > 0 {
		s.logger.Info("scheduled job finished", "job", job.Name, "processed", n,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels in-flight jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Len reports how many jobs are registered.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
