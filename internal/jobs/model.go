package jobs

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	// StatusAbandoned marks a job whose owner crashed mid-flight. Unlike
	// failed it is reclaimable.
	StatusAbandoned Status = "abandoned"
)

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

func (s Status) Active() bool {
	return s == StatusRunning || s == StatusProcessing
}

// Claimable lists the statuses a runner may take a job from.
var Claimable = []Status{StatusPending, StatusRunning, StatusProcessing, StatusAbandoned}

// Open lists the non-terminal statuses.
var Open = []Status{StatusPending, StatusRunning, StatusProcessing, StatusPaused, StatusAbandoned}

type Kind string

const (
	KindImmediate Kind = "immediate"
	KindScheduled Kind = "scheduled"
)

// ActiveStatus is the status a claimed job of this kind runs under.
func (k Kind) ActiveStatus() Status {
	if k == KindScheduled {
		return StatusProcessing
	}
	return StatusRunning
}

// Job is one broadcast: a message to a list of contacts. Timestamps are set
// by the store from its clock, not by gorm.
type Job struct {
	ID      string `gorm:"primaryKey;size:36" json:"id"`
	OwnerID string `gorm:"index;size:36;not null" json:"owner_id"`
	Kind    Kind   `gorm:"size:16;not null" json:"kind"`

	ContactIDs IDList     `gorm:"column:contact_ids" json:"contact_ids"`
	Message    string     `gorm:"type:text;not null;default:''" json:"message"`
	Attachment Attachment `json:"attachment"`

	Status      Status `gorm:"size:16;index;not null" json:"status"`
	TotalCount  int    `gorm:"not null;default:0" json:"total_count"`
	SentCount   int    `gorm:"not null;default:0" json:"sent_count"`
	FailedCount int    `gorm:"not null;default:0" json:"failed_count"`

	Failures   FailureLog `json:"failures"`
	Checkpoint Checkpoint `json:"checkpoint"`

	// Version is the lease token; every conditional update bumps it.
	Version        uint64 `gorm:"not null;default:1" json:"version"`
	IdempotencyKey string `gorm:"size:64;index;not null;default:''" json:"-"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime:false;not null" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime:false;index;not null" json:"updated_at"`
}

// Attachment is an optional media item sent ahead of the text. Meta carries
// auxiliary send parameters such as the delivery tag.
type Attachment struct {
	URL  string            `json:"url,omitempty"`
	Type string            `json:"type,omitempty"`
	Meta map[string]string `json:"_meta,omitempty"`
}

func (a Attachment) IsZero() bool { return a.URL == "" && len(a.Meta) == 0 }

// Tag returns the delivery tag smuggled in Meta.
func (a Attachment) Tag() string { return a.Meta["tag"] }

// Failure is one entry of a job's failure log. Count > 1 marks an entry that
// aggregates a whole page's contacts.
type Failure struct {
	Contact string    `json:"contact,omitempty"`
	Page    string    `json:"page,omitempty"`
	Error   string    `json:"error"`
	Count   int       `json:"count,omitempty"`
	At      time.Time `json:"at"`
}

type FailureLog []Failure

// Checkpoint is the resume record of a job.
type Checkpoint struct {
	SentContactIDs     []string  `json:"sent_contact_ids"`
	FailedContactIDs   []string  `json:"failed_contact_ids,omitempty"`
	PermanentFailedIDs []string  `json:"permanent_failed_ids,omitempty"`
	LastUpdated        time.Time `json:"last_updated"`
	Chunk              int       `json:"chunk,omitempty"`
	ChunksTotal        int       `json:"chunks_total,omitempty"`
	Page               string    `json:"page,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	Shortfall          int       `json:"shortfall,omitempty"`
}

// Checkpoint reasons.
const (
	ReasonTimeout     = "timeout"
	ReasonInterrupted = "interrupted"
	ReasonCancelled   = "cancelled"
	ReasonPaused      = "paused"
	ReasonShortfall   = "shortfall"
)

func (c Checkpoint) IsZero() bool {
	return c.LastUpdated.IsZero() && len(c.SentContactIDs) == 0 &&
		len(c.FailedContactIDs) == 0 && len(c.PermanentFailedIDs) == 0
}

// Released reports whether the last owner yielded the job on purpose, so a
// new execution need not wait for it to go stale.
func (c Checkpoint) Released() bool {
	return c.Reason == ReasonTimeout || c.Reason == ReasonInterrupted
}

// IDList holds the raw requested identifiers; scalars and {id} /
// {contact_id} objects are both kept as sent by the caller.
type IDList []json.RawMessage

func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return jsonValue(l)
}

func (l *IDList) Scan(src any) error { return jsonScan(src, l) }

func (IDList) GormDataType() string { return "json" }

func (IDList) GormDBDataType(db *gorm.DB, _ *schema.Field) string { return jsonType(db) }

func (f FailureLog) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	return jsonValue(f)
}

func (f *FailureLog) Scan(src any) error { return jsonScan(src, f) }

func (FailureLog) GormDataType() string { return "json" }

func (FailureLog) GormDBDataType(db *gorm.DB, _ *schema.Field) string { return jsonType(db) }

func (c Checkpoint) Value() (driver.Value, error) {
	if c.IsZero() {
		return nil, nil
	}
	return jsonValue(c)
}

func (c *Checkpoint) Scan(src any) error {
	*c = Checkpoint{}
	return jsonScan(src, c)
}

func (Checkpoint) GormDataType() string { return "json" }

func (Checkpoint) GormDBDataType(db *gorm.DB, _ *schema.Field) string { return jsonType(db) }

func (a Attachment) Value() (driver.Value, error) {
	if a.IsZero() {
		return nil, nil
	}
	return jsonValue(a)
}

func (a *Attachment) Scan(src any) error {
	*a = Attachment{}
	return jsonScan(src, a)
}

func (Attachment) GormDataType() string { return "json" }

func (Attachment) GormDBDataType(db *gorm.DB, _ *schema.Field) string { return jsonType(db) }

func jsonType(db *gorm.DB) string {
	if db.Dialector.Name() == "postgres" {
		return "jsonb"
	}
	return "text"
}

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(src, dst any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}
