package jobs

import (
	"context"
	"errors"
	"slices"
	"time"
)

const DefaultStaleAfter = 90 * time.Second

// Claimer hands a job to exactly one execution using the row version as an
// optimistic lease.
type Claimer struct {
	Store      Store
	StaleAfter time.Duration
	Now        func() time.Time
}

func (c *Claimer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Claimer) staleAfter() time.Duration {
	if c.StaleAfter > 0 {
		return c.StaleAfter
	}
	return DefaultStaleAfter
}

// Fresh reports whether another execution still owns job: it is active,
// was touched within the staleness window, and was not explicitly yielded.
func (c *Claimer) Fresh(job *Job) bool {
	if !job.Status.Active() || job.Checkpoint.Released() {
		return false
	}
	return c.now().Sub(job.UpdatedAt) < c.staleAfter()
}

// Claim moves job to its kind's active status if nobody else owns it. The
// returned job carries the new lease; ok is false when the caller should
// skip.
func (c *Claimer) Claim(ctx context.Context, job *Job) (claimed *Job, ok bool, err error) {
	if !slices.Contains(Claimable, job.Status) || c.Fresh(job) {
		return nil, false, nil
	}

	status := job.Kind.ActiveStatus()
	patch := Patch{Status: &status}
	if job.StartedAt == nil {
		patch.StartedAt = ptr(c.now())
	}
	if job.Checkpoint.Released() {
		cp := job.Checkpoint
		cp.Reason = ""
		patch.Checkpoint = &cp
	}

	claimed, err = c.Store.ConditionalUpdate(ctx, job.ID, job.Version, patch)
	if errors.Is(err, ErrConflict) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return claimed, true, nil
}
