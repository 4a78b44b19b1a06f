package jobs

import (
	"context"
	"errors"
	"time"

	"pagecast/internal/contacts"
	"pagecast/internal/logger"
)

const (
	DefaultScheduleBuffer = 60 * time.Second
	DefaultStuckAfter     = 30 * time.Minute
	DefaultSweepLimit     = 50
)

type JobRunner interface {
	Run(ctx context.Context, id string) (Result, error)
}

type MarkerClearer interface {
	MarkedJobs(ctx context.Context, limit int) ([]contacts.MarkedJob, error)
	ClearSendMarkers(ctx context.Context, ownerID, jobID string) (int64, error)
}

// Sweeper picks up due scheduled jobs, stuck scheduled jobs and idle
// background jobs, and hands each to the runner. It then drops the send
// markers of finished jobs once their owner has nothing left open.
type Sweeper struct {
	Store   Store
	Runner  JobRunner
	Markers MarkerClearer

	Buffer     time.Duration
	StuckAfter time.Duration
	StaleAfter time.Duration
	Limit      int
	Now        func() time.Time
	Log        *logger.Logger
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Due            int            `json:"due"`
	Stuck          int            `json:"stuck"`
	Idle           int            `json:"idle"`
	Results        map[Result]int `json:"results"`
	MarkersCleared int64          `json:"markers_cleared"`
	Errors         int            `json:"errors"`
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Sweeper) log() *logger.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logger.Default().Component("sweeper")
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// Sweep runs every selected job once, sequentially.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	rep := SweepReport{Results: map[Result]int{}}
	now := s.now()
	limit := orDefault(s.Limit, DefaultSweepLimit)

	due, err := s.Store.Query(ctx, Query{
		Kinds:           []Kind{KindScheduled},
		Statuses:        []Status{StatusPending},
		ScheduledBefore: ptr(now.Add(orDefault(s.Buffer, DefaultScheduleBuffer))),
		OrderBy:         OrderScheduledFor,
		Limit:           limit,
	})
	if err != nil {
		return rep, err
	}
	rep.Due = len(due)

	stuck, err := s.abandonStuck(ctx, now, limit)
	if err != nil {
		return rep, err
	}
	rep.Stuck = len(stuck)

	idle, err := s.idle(ctx, now, limit)
	if err != nil {
		return rep, err
	}

	seen := map[string]bool{}
	var batch []Job
	for _, list := range [][]Job{due, stuck, idle} {
		for _, j := range list {
			if !seen[j.ID] {
				seen[j.ID] = true
				batch = append(batch, j)
			}
		}
	}
	rep.Idle = len(batch) - rep.Due - rep.Stuck

	for _, j := range batch {
		if ctx.Err() != nil {
			break
		}
		res, err := s.Runner.Run(ctx, j.ID)
		if err != nil {
			rep.Errors++
			s.log().WithError(err).WithField(logger.FieldJobID, j.ID).Error("sweep run failed")
			continue
		}
		rep.Results[res]++
	}
	if ctx.Err() == nil {
		rep.MarkersCleared = s.clearMarkers(ctx, limit)
	}

	if len(batch) > 0 {
		s.log().WithFields(logger.Fields{
			"due":   rep.Due,
			"stuck": rep.Stuck,
			"idle":  rep.Idle,
		}).Info("sweep finished")
	}
	return rep, ctx.Err()
}

// abandonStuck moves scheduled jobs that sat in processing past StuckAfter
// to abandoned and returns the ones this sweep moved.
func (s *Sweeper) abandonStuck(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	stuck, err := s.Store.Query(ctx, Query{
		Kinds:         []Kind{KindScheduled},
		Statuses:      []Status{StatusProcessing},
		UpdatedBefore: ptr(now.Add(-orDefault(s.StuckAfter, DefaultStuckAfter))),
		OrderBy:       OrderLeastRecent,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}

	st := StatusAbandoned
	var out []Job
	for _, j := range stuck {
		updated, err := s.Store.ConditionalUpdate(ctx, j.ID, j.Version, Patch{Status: &st})
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.log().WithFields(logger.Fields{
			logger.FieldJobID:   j.ID,
			logger.FieldOwnerID: j.OwnerID,
			"idle_since":        j.UpdatedAt,
		}).Warn("stuck job abandoned for recovery")
		out = append(out, *updated)
	}
	return out, nil
}

// idle selects jobs of either kind nobody has touched for StaleAfter:
// yielded after a timeout, or orphaned by a crash.
func (s *Sweeper) idle(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	cutoff := ptr(now.Add(-orDefault(s.StaleAfter, DefaultStaleAfter)))
	immediate, err := s.Store.Query(ctx, Query{
		Kinds:         []Kind{KindImmediate},
		Statuses:      []Status{StatusPending, StatusRunning, StatusAbandoned},
		UpdatedBefore: cutoff,
		OrderBy:       OrderLeastRecent,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	scheduled, err := s.Store.Query(ctx, Query{
		Kinds:         []Kind{KindScheduled},
		Statuses:      []Status{StatusProcessing, StatusAbandoned},
		UpdatedBefore: cutoff,
		OrderBy:       OrderLeastRecent,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	return append(immediate, scheduled...), nil
}

// clearMarkers drops the markers left by jobs that are finished or gone,
// skipping owners that still have open jobs. Markers held back on one sweep
// are retried on the next.
func (s *Sweeper) clearMarkers(ctx context.Context, limit int) int64 {
	if s.Markers == nil {
		return 0
	}
	marked, err := s.Markers.MarkedJobs(ctx, limit)
	if err != nil {
		s.log().WithError(err).Warn("list marked jobs failed")
		return 0
	}

	var total int64
	busy := map[string]bool{}
	for _, m := range marked {
		if ctx.Err() != nil {
			break
		}
		l := s.log().WithFields(logger.Fields{logger.FieldJobID: m.JobID, logger.FieldOwnerID: m.OwnerID})
		if busy[m.OwnerID] {
			continue
		}
		job, err := s.Store.Get(ctx, m.JobID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			l.WithError(err).Warn("load marked job failed")
			continue
		case !job.Status.Terminal():
			continue
		}

		open, err := s.Store.Query(ctx, Query{
			OwnerID:   m.OwnerID,
			Statuses:  Open,
			ExcludeID: m.JobID,
			Limit:     1,
		})
		if err != nil {
			l.WithError(err).Warn("check open jobs failed")
			continue
		}
		if len(open) > 0 {
			busy[m.OwnerID] = true
			continue
		}
		n, err := s.Markers.ClearSendMarkers(ctx, m.OwnerID, m.JobID)
		if err != nil {
			l.WithError(err).Warn("clear send markers failed")
			continue
		}
		total += n
	}
	return total
}
