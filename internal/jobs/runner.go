package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"pagecast/internal/contacts"
	"pagecast/internal/logger"
	"pagecast/internal/messenger"
)

const (
	DefaultChunkSize = 150
	DefaultBudget    = 280 * time.Second

	maxCommitAttempts = 3
	errNoProviderKey  = "contact has no provider key"
)

type Result string

const (
	ResultSkipped   Result = "skipped"
	ResultCompleted Result = "completed"
	ResultYielded   Result = "yielded"
	ResultCancelled Result = "cancelled"
	ResultPaused    Result = "paused"
	ResultFailed    Result = "failed"
	ResultLostLease Result = "lost_lease"
)

// Terminal reports whether the job ended for good in this execution.
func (r Result) Terminal() bool {
	return r == ResultCompleted || r == ResultCancelled || r == ResultFailed
}

var errLeaseLost = errors.New("lease lost")

type ContactResolver interface {
	Resolve(ctx context.Context, req contacts.Request) (*contacts.Resolution, error)
}

type DeliverySender interface {
	Credential(ctx context.Context, ownerID, pageID string) (string, error)
	Send(ctx context.Context, token string, c contacts.Contact, m messenger.Message) messenger.Outcome
}

type MarkerWriter interface {
	UpdateSendMarkers(ctx context.Context, ownerID string, ids []string, m contacts.Markers) error
}

// Pacer spaces out provider calls. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// NewPacer allows one send per delay. A zero delay does not throttle.
func NewPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// Runner executes one time-boxed slice of a job: claim, resolve, send chunk
// by chunk with a checkpoint after each, then finalize or yield.
type Runner struct {
	Store    Store
	Resolver ContactResolver
	Sender   DeliverySender
	Markers  MarkerWriter
	Pacer    Pacer

	ChunkSize  int
	Budget     time.Duration
	StaleAfter time.Duration
	Now        func() time.Time
	Log        *logger.Logger
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) chunkSize() int {
	if r.ChunkSize > 0 {
		return r.ChunkSize
	}
	return DefaultChunkSize
}

func (r *Runner) budget() time.Duration {
	if r.Budget > 0 {
		return r.Budget
	}
	return DefaultBudget
}

func (r *Runner) pacer() Pacer {
	if r.Pacer != nil {
		return r.Pacer
	}
	return NewPacer(0)
}

func (r *Runner) log() *logger.Logger {
	if r.Log != nil {
		return r.Log
	}
	return logger.Default().Component("runner")
}

func (r *Runner) claimer() *Claimer {
	return &Claimer{Store: r.Store, StaleAfter: r.StaleAfter, Now: r.now}
}

func (r *Runner) checkpoints() *Checkpointer {
	return &Checkpointer{Store: r.Store, Now: r.now}
}

// Run advances job id by one execution. Skips, yields and lost leases are
// results, not errors. An error means the store or a page credential lookup
// failed underneath; the job is then left abandoned for the sweep to retry.
func (r *Runner) Run(ctx context.Context, id string) (Result, error) {
	job, err := r.Store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	log := r.log().With(logger.Fields{
		logger.FieldJobID:   job.ID,
		logger.FieldOwnerID: job.OwnerID,
	})

	claimed, ok, err := r.claimer().Claim(ctx, job)
	if err != nil {
		return "", fmt.Errorf("claim job %s: %w", id, err)
	}
	if !ok {
		log.WithField(logger.FieldStatus, job.Status).Debug("job not claimable, skipping")
		return ResultSkipped, nil
	}

	e := &execution{
		r:        r,
		job:      claimed,
		progress: LoadProgress(claimed),
		total:    claimed.TotalCount,
		started:  r.now(),
		log:      log,
	}
	res, err := e.run(ctx)
	if errors.Is(err, errLeaseLost) {
		res, err = ResultLostLease, nil
	}
	if err != nil {
		e.abandon(ctx, err)
		return "", err
	}

	sent, failed := e.progress.Counts()
	log.WithFields(logger.Fields{
		"result":             res,
		"sent":               sent,
		"failed":             failed,
		logger.FieldDuration: r.now().Sub(e.started).Milliseconds(),
	}).Info("job execution finished")
	return res, nil
}

type execution struct {
	r        *Runner
	job      *Job
	progress *Progress
	total    int
	started  time.Time
	log      *logger.Logger

	chunk       int
	chunksTotal int
	page        string
}

func (e *execution) run(ctx context.Context) (Result, error) {
	job := e.job
	req := contacts.Request{OwnerID: job.OwnerID, IDs: job.ContactIDs}
	if job.Kind == KindScheduled {
		req.ExcludeDeliveredFor = job.ID
	}

	res, err := e.r.Resolver.Resolve(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			r, _, err := e.interrupt(ctx)
			return r, err
		}
		return e.fail(ctx, err)
	}

	// delivered by this job before; the cursor must say so
	for _, c := range res.Excluded {
		e.progress.MarkSent(c.Key())
	}

	firstRun := job.Checkpoint.IsZero()
	if firstRun {
		e.total = len(res.Contacts) + len(res.Excluded)
	}

	size := e.r.chunkSize()
	var work []contacts.Contact
	for _, c := range res.Contacts {
		if !e.progress.Done(c.Key()) {
			work = append(work, c)
		}
	}
	groups := contacts.GroupByPage(work)
	for _, g := range groups {
		e.chunksTotal += (len(g.Contacts) + size - 1) / size
	}

	if e.total != job.TotalCount {
		e.log.WithFields(logger.Fields{"from": job.TotalCount, "to": e.total}).Info("correcting total count")
		if r, stop, err := e.stopped(e.persist(ctx, job.Status, e.meta(""))); stop {
			return r, err
		}
	}

	for _, g := range groups {
		e.page = g.PageID
		var token string
		for i := 0; i < len(g.Contacts); i += size {
			chunk := g.Contacts[i:min(i+size, len(g.Contacts))]
			e.chunk++

			if r, stop, err := e.boundary(ctx); stop {
				return r, err
			}

			if i == 0 {
				token, err = e.r.Sender.Credential(ctx, job.OwnerID, g.PageID)
				if err != nil {
					if ctx.Err() != nil {
						r, _, err := e.interrupt(ctx)
						return r, err
					}
					if !errors.Is(err, messenger.ErrNoCredential) {
						return "", fmt.Errorf("page %s credential: %w", g.PageID, err)
					}
					e.failGroup(g, err)
					e.chunk += (len(g.Contacts) - 1) / size
					if r, stop, err := e.stopped(e.persist(ctx, e.job.Status, e.meta(""))); stop {
						return r, err
					}
					break
				}
			}

			if r, stop, err := e.sendChunk(ctx, token, chunk); stop {
				return r, err
			}
		}
	}

	return e.finalize(ctx, res)
}

// boundary runs the checks due before every chunk: an external cancel or
// pause, a lost lease, and the runtime budget.
func (e *execution) boundary(ctx context.Context) (Result, bool, error) {
	if ctx.Err() != nil {
		return e.interrupt(ctx)
	}
	cur, err := e.r.Store.Get(ctx, e.job.ID)
	if err != nil {
		return "", true, err
	}
	if cur.Version != e.job.Version {
		if cur.Status == StatusCancelled || cur.Status == StatusPaused {
			e.job = cur
			return e.stopped(e.persist(ctx, cur.Status, e.meta(string(cur.Status))))
		}
		return ResultLostLease, true, nil
	}

	if e.r.now().Sub(e.started) >= e.r.budget() {
		e.log.WithField("chunk", e.chunk).Info("runtime budget spent, yielding")
		if r, stop, err := e.stopped(e.persist(ctx, e.job.Status, e.meta(ReasonTimeout))); stop {
			return r, true, err
		}
		return ResultYielded, true, nil
	}
	return "", false, nil
}

func (e *execution) sendChunk(ctx context.Context, token string, chunk []contacts.Contact) (Result, bool, error) {
	var pending []contacts.Contact
	for _, c := range chunk {
		key := c.Key()
		if !c.HasProviderKey() {
			e.progress.Fail(key, true, Failure{Contact: key, Page: c.PageID, Error: errNoProviderKey, At: e.r.now()})
			continue
		}
		if e.progress.MarkSent(key) {
			pending = append(pending, c)
		}
	}

	// marks go to the row before any send, so a crash cannot resend them
	if len(pending) > 0 {
		job, err := e.r.checkpoints().Save(ctx, e.job, e.job.Status, e.progress, e.total, e.meta(""))
		switch {
		case err == nil:
			e.job = job
		case errors.Is(err, ErrConflict):
			e.unmark(pending)
			return e.stopped(e.persist(ctx, e.job.Status, e.meta("")))
		default:
			e.unmark(pending)
			return "", true, err
		}
	}

	msg := e.message()
	var delivered []string
	for i, c := range pending {
		if err := e.r.pacer().Wait(ctx); err != nil {
			e.unmark(pending[i:])
			e.markDelivered(context.WithoutCancel(ctx), delivered)
			return e.interrupt(ctx)
		}

		out := e.r.Sender.Send(ctx, token, c, msg)
		switch {
		case out.Delivered:
			delivered = append(delivered, c.ID)
		case out.Duplicate:
			e.log.WithField("contact", c.Key()).Debug("provider reports message already delivered")
			delivered = append(delivered, c.ID)
		case ctx.Err() != nil:
			e.unmark(pending[i:])
			e.markDelivered(context.WithoutCancel(ctx), delivered)
			return e.interrupt(ctx)
		default:
			e.progress.Unmark(c.Key())
			e.progress.Fail(c.Key(), false, Failure{Contact: c.Key(), Page: c.PageID, Error: out.Reason, At: e.r.now()})
		}
	}

	e.markDelivered(ctx, delivered)
	return e.stopped(e.persist(ctx, e.job.Status, e.meta("")))
}

func (e *execution) failGroup(g contacts.Group, err error) {
	keys := make([]string, 0, len(g.Contacts))
	for _, c := range g.Contacts {
		keys = append(keys, c.Key())
	}
	e.log.WithError(err).WithFields(logger.Fields{
		logger.FieldPageID: g.PageID,
		logger.FieldCount:  len(keys),
	}).Warn("no send credential for page, failing its contacts")
	e.progress.FailAll(keys, Failure{Page: g.PageID, Error: err.Error(), At: e.r.now()})
}

func (e *execution) finalize(ctx context.Context, res *contacts.Resolution) (Result, error) {
	var remaining []contacts.Contact
	for _, c := range res.Contacts {
		if !e.progress.Attempted(c.Key()) {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) > 0 {
		e.log.WithField(logger.FieldCount, len(remaining)).Warn("contacts left unattempted, staying resumable")
	}

	m := e.meta("")
	st, err := e.commit(ctx, func(job *Job) (*Job, error) {
		return e.r.checkpoints().Finalize(ctx, job, e.progress, e.total, remaining, m)
	})
	if r, stop, err := e.stopped(st, err); stop {
		return r, err
	}
	if st == StatusCompleted {
		return ResultCompleted, nil
	}
	return ResultYielded, nil
}

func (e *execution) fail(ctx context.Context, cause error) (Result, error) {
	e.log.WithError(cause).Warn("contact resolution failed, failing job")
	if errors.Is(cause, contacts.ErrNoContactsFound) && e.job.Checkpoint.IsZero() {
		e.total = 0
	}
	e.progress.Record(Failure{Error: cause.Error(), At: e.r.now()})
	st, err := e.persist(ctx, StatusFailed, e.meta(""))
	if r, stop, err := e.stopped(st, err); stop {
		return r, err
	}
	return ResultFailed, nil
}

// interrupt saves progress after the caller's context ended. The job stays
// active and is marked released for the next execution.
func (e *execution) interrupt(ctx context.Context) (Result, bool, error) {
	e.log.Info("execution interrupted, saving progress")
	if r, stop, err := e.stopped(e.persist(context.WithoutCancel(ctx), e.job.Status, e.meta(ReasonInterrupted))); stop {
		return r, true, err
	}
	return ResultYielded, true, nil
}

func (e *execution) abandon(ctx context.Context, cause error) {
	st := StatusAbandoned
	_, err := e.r.Store.ConditionalUpdate(context.WithoutCancel(ctx), e.job.ID, e.job.Version, Patch{Status: &st})
	entry := e.log.WithError(cause)
	if err != nil {
		entry = entry.WithField("abandon_error", err.Error())
	}
	entry.Error("execution aborted, job abandoned")
}

func (e *execution) persist(ctx context.Context, status Status, m Meta) (Status, error) {
	return e.commit(ctx, func(job *Job) (*Job, error) {
		return e.r.checkpoints().Save(ctx, job, status, e.progress, e.total, m)
	})
}

// commit performs write under the current lease. On a conflict the row is
// reloaded: if someone cancelled or paused the job, progress is saved under
// that status instead; any other change means the lease is gone.
func (e *execution) commit(ctx context.Context, write func(job *Job) (*Job, error)) (Status, error) {
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		job, err := write(e.job)
		if err == nil {
			e.job = job
			return job.Status, nil
		}
		if !errors.Is(err, ErrConflict) {
			return "", err
		}

		cur, err := e.r.Store.Get(ctx, e.job.ID)
		if err != nil {
			return "", err
		}
		if cur.Status != StatusCancelled && cur.Status != StatusPaused {
			return "", errLeaseLost
		}
		e.job = cur
		stop, m := cur.Status, e.meta(string(cur.Status))
		write = func(job *Job) (*Job, error) {
			return e.r.checkpoints().Save(ctx, job, stop, e.progress, e.total, m)
		}
	}
	return "", errLeaseLost
}

// stopped maps a persisted status to a run result. stop is false when the
// execution may carry on.
func (e *execution) stopped(st Status, err error) (Result, bool, error) {
	switch {
	case errors.Is(err, errLeaseLost):
		e.log.Info("lease lost to another execution, stopping")
		return ResultLostLease, true, nil
	case err != nil:
		return "", true, err
	case st == StatusCancelled:
		return ResultCancelled, true, nil
	case st == StatusPaused:
		return ResultPaused, true, nil
	}
	return "", false, nil
}

func (e *execution) unmark(cs []contacts.Contact) {
	for _, c := range cs {
		e.progress.Unmark(c.Key())
	}
}

func (e *execution) markDelivered(ctx context.Context, ids []string) {
	if e.job.Kind != KindScheduled || e.r.Markers == nil || len(ids) == 0 {
		return
	}
	now := e.r.now()
	err := e.r.Markers.UpdateSendMarkers(ctx, e.job.OwnerID, ids, contacts.Markers{
		Status: contacts.MarkerDelivered,
		JobID:  e.job.ID,
		At:     &now,
	})
	if err != nil {
		e.log.WithError(err).Warn("update send markers failed")
	}
}

func (e *execution) message() messenger.Message {
	m := messenger.Message{Text: e.job.Message, Tag: e.job.Attachment.Tag()}
	if a := e.job.Attachment; a.URL != "" {
		m.Attachment = &messenger.Attachment{URL: a.URL, Type: a.Type}
	}
	return m
}

func (e *execution) meta(reason string) Meta {
	return Meta{Chunk: e.chunk, ChunksTotal: e.chunksTotal, Page: e.page, Reason: reason}
}
