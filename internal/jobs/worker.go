package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"pagecast/internal/logger"
)

const (
	DefaultSweepSchedule = "@every 1m"
	purgeSchedule        = "@every 1m"
)

// Purger drops expired duplicate-request entries.
type Purger interface {
	Purge() int
}

// Worker drives the periodic sweep and the dedup purge from a cron schedule.
type Worker struct {
	Sweeper  *Sweeper
	Guard    Purger
	Schedule string
	Log      *logger.Logger
}

func (w *Worker) log() *logger.Logger {
	if w.Log != nil {
		return w.Log
	}
	return logger.Default().Component("worker")
}

// Parser accepts the standard five fields, optional seconds and descriptors.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Run schedules the jobs and blocks until ctx is done, then waits for any
// running sweep to return.
func (w *Worker) Run(ctx context.Context) error {
	schedule := w.Schedule
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	clog := cron.PrintfLogger(w.log().Entry)
	c := cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)

	if _, err := c.AddFunc(schedule, func() { w.sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	if w.Guard != nil {
		if _, err := c.AddFunc(purgeSchedule, w.purge); err != nil {
			return fmt.Errorf("schedule purge: %w", err)
		}
	}

	w.log().WithField("schedule", schedule).Info("worker started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	w.log().Info("worker stopped")
	return nil
}

func (w *Worker) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	rep, err := w.Sweeper.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		w.log().WithError(err).Error("sweep failed")
		return
	}
	w.log().WithFields(logger.Fields{
		"due":                rep.Due,
		"stuck":              rep.Stuck,
		"idle":               rep.Idle,
		logger.FieldDuration: time.Since(start).Milliseconds(),
	}).Debug("sweep tick")
}

func (w *Worker) purge() {
	if n := w.Guard.Purge(); n > 0 {
		w.log().WithField(logger.FieldCount, n).Debug("purged duplicate-request entries")
	}
}
