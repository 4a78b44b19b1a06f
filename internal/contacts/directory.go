package contacts

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Directory is the gorm-backed contact directory.
type Directory struct {
	DB *gorm.DB
}

// FindByKeys returns the owner's contacts whose database key (SpaceDatabase)
// or provider key (SpaceProvider) is in keys. Callers batch keys.
func (d *Directory) FindByKeys(ctx context.Context, ownerID string, space Space, keys []string) ([]Contact, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	column := "id"
	if space == SpaceProvider {
		column = "psid"
	}

	var out []Contact
	err := d.DB.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Where(column+" IN ?", keys).
		Order("created_at asc, id asc").
		Find(&out).Error
	return out, err
}

// Markers is the send-marker patch applied to contacts.
type Markers struct {
	Status string
	JobID  string
	At     *time.Time
}

func (d *Directory) UpdateSendMarkers(ctx context.Context, ownerID string, ids []string, m Markers) error {
	if len(ids) == 0 {
		return nil
	}
	return d.DB.WithContext(ctx).Model(&Contact{}).
		Where("owner_id = ? AND id IN ?", ownerID, ids).
		Updates(map[string]any{
			"last_send_status": m.Status,
			"last_send_job_id": m.JobID,
			"last_sent_at":     m.At,
		}).Error
}

// ClearSendMarkers resets the markers a job left on the owner's contacts.
func (d *Directory) ClearSendMarkers(ctx context.Context, ownerID, jobID string) (int64, error) {
	res := d.DB.WithContext(ctx).Model(&Contact{}).
		Where("owner_id = ? AND last_send_job_id = ?", ownerID, jobID).
		Updates(map[string]any{
			"last_send_status": MarkerNone,
			"last_send_job_id": "",
		})
	return res.RowsAffected, res.Error
}

// MarkedJob names a job that still has send markers on an owner's contacts.
type MarkedJob struct {
	OwnerID string
	JobID   string `gorm:"column:last_send_job_id"`
}

// MarkedJobs lists distinct (owner, job) pairs with markers left behind.
func (d *Directory) MarkedJobs(ctx context.Context, limit int) ([]MarkedJob, error) {
	var out []MarkedJob
	err := d.DB.WithContext(ctx).Model(&Contact{}).
		Distinct("owner_id", "last_send_job_id").
		Where("last_send_job_id <> ''").
		Order("owner_id asc, last_send_job_id asc").
		Limit(limit).
		Scan(&out).Error
	return out, err
}

// Create stores contacts. Re-importing an id the owner already has updates
// its page, provider key and name; send markers are kept.
func (d *Directory) Create(ctx context.Context, cs ...Contact) error {
	if len(cs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range cs {
		if cs[i].CreatedAt.IsZero() {
			cs[i].CreatedAt = now
		}
	}
	return d.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"page_id", "psid", "name"}),
	}).Create(&cs).Error
}

// Pages is the gorm-backed paged-account directory.
type Pages struct {
	DB *gorm.DB
}

// Credential returns the stored send token for the page, "" when absent.
func (p *Pages) Credential(ctx context.Context, ownerID, pageID string) (string, error) {
	var page Page
	err := p.DB.WithContext(ctx).Where("id = ? AND owner_id = ?", pageID, ownerID).First(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return page.AccessToken, nil
}

// Upsert stores a page discovered from the provider. An empty token never
// overwrites a stored one.
func (p *Pages) Upsert(ctx context.Context, page Page) error {
	if page.UpdatedAt.IsZero() {
		page.UpdatedAt = time.Now().UTC()
	}
	cols := []string{"name", "updated_at"}
	if page.AccessToken != "" {
		cols = append(cols, "access_token")
	}
	return p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&page).Error
}
