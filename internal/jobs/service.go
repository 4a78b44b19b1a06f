package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"pagecast/internal/dedup"
	"pagecast/internal/logger"
)

var (
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTerminal         = errors.New("job already finished")
)

const (
	maxContactIDs     = 100_000
	maxStatusAttempts = 5
)

// Guard is the duplicate-request filter in front of job creation.
type Guard interface {
	Check(key string) bool
	Forget(key string)
}

type Sweep interface {
	Sweep(ctx context.Context) (SweepReport, error)
}

// Service is the set of trigger surfaces: create, advance, cancel, pause,
// resume, inspect and sweep. It holds no engine logic of its own.
type Service struct {
	Store   Store
	Runner  JobRunner
	Sweeper Sweep
	Guard   Guard

	// Dispatch starts one execution of a new job in the background. The
	// default runs it on a fresh goroutine under Background.
	Dispatch   func(id string)
	Background context.Context
	// ScheduleBuffer is how close to now a scheduled job counts as due.
	ScheduleBuffer time.Duration
	Now            func() time.Time
	Log            *logger.Logger
}

type CreateInput struct {
	OwnerID      string
	ContactIDs   []json.RawMessage
	Message      string
	Attachment   *Attachment
	Tag          string
	ScheduledFor *time.Time
	// IdempotencyKey is the caller's key; empty means derive one from the
	// request signature.
	IdempotencyKey string
}

type ListFilter struct {
	Kind   Kind
	Status Status
	Limit  int
	Offset int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) log() *logger.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logger.Default().Component("jobs")
}

// CreateImmediate stores a pending immediate job and starts its first
// execution without waiting for it.
func (s *Service) CreateImmediate(ctx context.Context, in CreateInput) (*Job, error) {
	in.ScheduledFor = nil
	job, err := s.create(ctx, KindImmediate, in)
	if err != nil {
		return nil, err
	}
	s.dispatch(job.ID)
	return job, nil
}

// CreateScheduled stores a pending scheduled job for the sweep to pick up.
func (s *Service) CreateScheduled(ctx context.Context, in CreateInput) (*Job, error) {
	if in.ScheduledFor == nil || in.ScheduledFor.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_for required", ErrInvalidInput)
	}
	if in.ScheduledFor.Before(s.now().Add(-s.buffer())) {
		return nil, fmt.Errorf("%w: scheduled_for is in the past", ErrInvalidInput)
	}
	at := in.ScheduledFor.UTC()
	in.ScheduledFor = &at
	return s.create(ctx, KindScheduled, in)
}

func (s *Service) create(ctx context.Context, kind Kind, in CreateInput) (*Job, error) {
	in.Message = strings.TrimSpace(in.Message)
	if err := validate(in); err != nil {
		return nil, err
	}

	att := Attachment{}
	if in.Attachment != nil {
		att = *in.Attachment
	}
	if in.Tag != "" {
		if att.Meta == nil {
			att.Meta = map[string]string{}
		}
		att.Meta["tag"] = in.Tag
	}

	key := requestKey(kind, in)
	if s.Guard != nil && !s.Guard.Check(key) {
		return nil, ErrDuplicateRequest
	}

	job := &Job{
		OwnerID:        in.OwnerID,
		Kind:           kind,
		ContactIDs:     IDList(in.ContactIDs),
		Message:        in.Message,
		Attachment:     att,
		Status:         StatusPending,
		TotalCount:     len(in.ContactIDs),
		IdempotencyKey: key,
		ScheduledFor:   in.ScheduledFor,
	}
	if _, err := s.Store.Insert(ctx, job); err != nil {
		if s.Guard != nil {
			s.Guard.Forget(key)
		}
		return nil, err
	}

	s.log().WithFields(logger.Fields{
		logger.FieldJobID:   job.ID,
		logger.FieldOwnerID: job.OwnerID,
		"kind":              kind,
		logger.FieldCount:   job.TotalCount,
	}).Info("job created")
	return job, nil
}

func validate(in CreateInput) error {
	switch {
	case in.OwnerID == "":
		return fmt.Errorf("%w: owner required", ErrInvalidInput)
	case len(in.ContactIDs) == 0:
		return fmt.Errorf("%w: contact_ids required", ErrInvalidInput)
	case len(in.ContactIDs) > maxContactIDs:
		return fmt.Errorf("%w: too many contact_ids", ErrInvalidInput)
	case in.Message == "":
		return fmt.Errorf("%w: message required", ErrInvalidInput)
	}
	return nil
}

// requestKey scopes a caller key to the owner, or derives one from the
// contacts, message, schedule and attachment.
func requestKey(kind Kind, in CreateInput) string {
	if k := strings.TrimSpace(in.IdempotencyKey); k != "" {
		return dedup.Key(in.OwnerID, "key", k)
	}
	ids, _ := json.Marshal(in.ContactIDs)
	var att, when string
	if in.Attachment != nil {
		att = in.Attachment.URL + "|" + in.Attachment.Type
	}
	if in.ScheduledFor != nil {
		when = in.ScheduledFor.UTC().Format(time.RFC3339)
	}
	return dedup.Key(in.OwnerID, string(kind), string(ids), in.Message, att, in.Tag, when)
}

func (s *Service) dispatch(id string) {
	if s.Dispatch != nil {
		s.Dispatch(id)
		return
	}
	ctx := s.Background
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		res, err := s.Runner.Run(ctx, id)
		entry := s.log().WithField(logger.FieldJobID, id)
		if err != nil {
			entry.WithError(err).Error("background execution failed")
			return
		}
		entry.WithField("result", res).Debug("background execution returned")
	}()
}

func (s *Service) buffer() time.Duration {
	return orDefault(s.ScheduleBuffer, DefaultScheduleBuffer)
}

// Get returns the owner's job.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*Job, error) {
	job, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, ownerID string, f ListFilter) ([]Job, error) {
	q := Query{OwnerID: ownerID, OrderBy: OrderNewest, Limit: f.Limit, Offset: f.Offset}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 50
	}
	if f.Kind != "" {
		q.Kinds = []Kind{f.Kind}
	}
	if f.Status != "" {
		q.Statuses = []Status{f.Status}
	}
	return s.Store.Query(ctx, q)
}

// Advance runs one execution of the owner's job now. A scheduled job that
// is not yet due is skipped.
func (s *Service) Advance(ctx context.Context, ownerID, id string) (Result, error) {
	job, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return "", err
	}
	if job.Status.Terminal() {
		return "", ErrTerminal
	}
	if job.Kind == KindScheduled && job.Status == StatusPending && !s.due(job) {
		return ResultSkipped, nil
	}
	return s.Runner.Run(ctx, id)
}

func (s *Service) due(job *Job) bool {
	return job.ScheduledFor == nil || !job.ScheduledFor.After(s.now().Add(s.buffer()))
}

// Cancel flips the job to cancelled. A running execution notices at its
// next chunk boundary and saves its progress under that status.
func (s *Service) Cancel(ctx context.Context, ownerID, id string) (*Job, error) {
	return s.transition(ctx, ownerID, id, StatusCancelled, Open)
}

// Pause stops the job at its next chunk boundary until resumed.
func (s *Service) Pause(ctx context.Context, ownerID, id string) (*Job, error) {
	return s.transition(ctx, ownerID, id, StatusPaused,
		[]Status{StatusPending, StatusRunning, StatusProcessing, StatusAbandoned})
}

// Resume puts a paused job back to pending and, when it is due, starts an
// execution.
func (s *Service) Resume(ctx context.Context, ownerID, id string) (*Job, error) {
	job, err := s.transition(ctx, ownerID, id, StatusPending, []Status{StatusPaused})
	if err != nil {
		return nil, err
	}
	if job.Status == StatusPending && s.due(job) {
		s.dispatch(job.ID)
	}
	return job, nil
}

// transition moves the owner's job to target when its status is in from,
// retrying on version conflicts. A job already in target is returned as is.
func (s *Service) transition(ctx context.Context, ownerID, id string, target Status, from []Status) (*Job, error) {
	for attempt := 0; attempt < maxStatusAttempts; attempt++ {
		job, err := s.Get(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		if job.Status == target {
			return job, nil
		}
		if job.Status.Terminal() {
			return nil, ErrTerminal
		}
		if !slices.Contains(from, job.Status) {
			return nil, fmt.Errorf("%w: cannot move %s job to %s", ErrInvalidInput, job.Status, target)
		}

		patch := Patch{Status: &target}
		if target.Terminal() {
			patch.CompletedAt = ptr(s.now())
		}
		updated, err := s.Store.ConditionalUpdate(ctx, id, job.Version, patch)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.log().WithFields(logger.Fields{
			logger.FieldJobID:   id,
			logger.FieldOwnerID: ownerID,
			"from":              job.Status,
			"to":                target,
		}).Info("job status changed")
		return updated, nil
	}
	return nil, ErrConflict
}

// Sweep runs the due-job sweep once.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	return s.Sweeper.Sweep(ctx)
}
