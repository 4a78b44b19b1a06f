package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrConflict is a lost optimistic race: the row's version moved.
	ErrConflict = errors.New("job version conflict")
)

// Store is the durable job table. ConditionalUpdate applies patch only when
// the row still carries expectedVersion, bumping the version and updated_at.
type Store interface {
	Get(ctx context.Context, id string) (*Job, error)
	Insert(ctx context.Context, job *Job) (string, error)
	ConditionalUpdate(ctx context.Context, id string, expectedVersion uint64, patch Patch) (*Job, error)
	Query(ctx context.Context, q Query) ([]Job, error)
}

// Patch lists the columns a conditional update writes. Nil fields are left
// untouched.
type Patch struct {
	Status       *Status
	TotalCount   *int
	SentCount    *int
	FailedCount  *int
	ContactIDs   *IDList
	Failures     *FailureLog
	Checkpoint   *Checkpoint
	ScheduledFor *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

func (p Patch) columns() map[string]any {
	cols := map[string]any{}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.TotalCount != nil {
		cols["total_count"] = *p.TotalCount
	}
	if p.SentCount != nil {
		cols["sent_count"] = *p.SentCount
	}
	if p.FailedCount != nil {
		cols["failed_count"] = *p.FailedCount
	}
	if p.ContactIDs != nil {
		cols["contact_ids"] = *p.ContactIDs
	}
	if p.Failures != nil {
		cols["failures"] = *p.Failures
	}
	if p.Checkpoint != nil {
		cols["checkpoint"] = *p.Checkpoint
	}
	if p.ScheduledFor != nil {
		cols["scheduled_for"] = *p.ScheduledFor
	}
	if p.StartedAt != nil {
		cols["started_at"] = *p.StartedAt
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = *p.CompletedAt
	}
	return cols
}

// Query filters jobs. Zero fields do not filter.
type Query struct {
	OwnerID         string
	Kinds           []Kind
	Statuses        []Status
	ScheduledBefore *time.Time
	UpdatedBefore   *time.Time
	ExcludeID       string
	OrderBy         string
	Limit           int
	Offset          int
}

// Allowed Query.OrderBy values.
const (
	OrderNewest       = "created_at desc"
	OrderOldest       = "created_at asc"
	OrderScheduledFor = "scheduled_for asc"
	OrderLeastRecent  = "updated_at asc"
)

func ptr[T any](v T) *T { return &v }
