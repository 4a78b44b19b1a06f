package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repo is the gorm-backed Store.
type Repo struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (r *Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Repo) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := r.DB.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &job, nil
}

func (r *Repo) Insert(ctx context.Context, job *Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.Kind == "" {
		job.Kind = KindImmediate
	}
	now := r.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	job.Version = 1

	if err := r.DB.WithContext(ctx).Create(job).Error; err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

func (r *Repo) ConditionalUpdate(ctx context.Context, id string, expectedVersion uint64, patch Patch) (*Job, error) {
	cols := patch.columns()
	cols["version"] = expectedVersion + 1
	cols["updated_at"] = r.now()

	var job Job
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Job{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(cols)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&Job{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		// the row is ours until commit, so this read sees exactly our write
		return tx.First(&job, "id = ?", id).Error
	})
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	return &job, nil
}

var orderings = map[string]bool{
	OrderNewest:       true,
	OrderOldest:       true,
	OrderScheduledFor: true,
	OrderLeastRecent:  true,
}

func (r *Repo) Query(ctx context.Context, q Query) ([]Job, error) {
	tx := r.DB.WithContext(ctx).Model(&Job{})
	if q.OwnerID != "" {
		tx = tx.Where("owner_id = ?", q.OwnerID)
	}
	if len(q.Kinds) > 0 {
		tx = tx.Where("kind IN ?", q.Kinds)
	}
	if len(q.Statuses) > 0 {
		tx = tx.Where("status IN ?", q.Statuses)
	}
	if q.ScheduledBefore != nil {
		tx = tx.Where("scheduled_for IS NOT NULL AND scheduled_for <= ?", q.ScheduledBefore.UTC())
	}
	if q.UpdatedBefore != nil {
		tx = tx.Where("updated_at < ?", q.UpdatedBefore.UTC())
	}
	if q.ExcludeID != "" {
		tx = tx.Where("id <> ?", q.ExcludeID)
	}

	order := q.OrderBy
	if !orderings[order] {
		order = OrderNewest
	}
	tx = tx.Order(order).Order("id")
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	if q.Offset > 0 {
		tx = tx.Offset(q.Offset)
	}

	var out []Job
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	return out, nil
}
