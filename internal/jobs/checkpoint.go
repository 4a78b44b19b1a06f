package jobs

import (
	"context"
	"time"

	"pagecast/internal/contacts"
)

// MaxFailures caps the failure log; older entries are dropped first.
const MaxFailures = 200

type keySet struct {
	keys []string
	has  map[string]bool
}

func newKeySet(keys []string) *keySet {
	s := &keySet{has: make(map[string]bool, len(keys))}
	for _, k := range keys {
		s.add(k)
	}
	return s
}

func (s *keySet) add(k string) bool {
	if k == "" || s.has[k] {
		return false
	}
	s.has[k] = true
	s.keys = append(s.keys, k)
	return true
}

func (s *keySet) remove(k string) {
	if !s.has[k] {
		return
	}
	delete(s.has, k)
	// usually the most recent key
	for i := len(s.keys) - 1; i >= 0; i-- {
		if s.keys[i] == k {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			return
		}
	}
}

func (s *keySet) list() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Progress is a job's resume cursor plus its failure log, rebuilt from the
// persisted checkpoint at the start of every execution.
type Progress struct {
	sent      *keySet
	failed    *keySet
	permanent *keySet
	failures  FailureLog
}

func LoadProgress(job *Job) *Progress {
	cp := job.Checkpoint
	failures := make(FailureLog, len(job.Failures))
	copy(failures, job.Failures)
	return &Progress{
		sent:      newKeySet(cp.SentContactIDs),
		failed:    newKeySet(cp.FailedContactIDs),
		permanent: newKeySet(cp.PermanentFailedIDs),
		failures:  failures,
	}
}

// MarkSent adds key to the sent cursor. It reports false when the key was
// already there.
func (p *Progress) MarkSent(key string) bool { return p.sent.add(key) }

// Unmark takes key back out of the sent cursor.
func (p *Progress) Unmark(key string) { p.sent.remove(key) }

func (p *Progress) IsSent(key string) bool { return p.sent.has[key] }

// Done reports whether key needs no further attempt.
func (p *Progress) Done(key string) bool { return p.sent.has[key] || p.permanent.has[key] }

// Attempted reports whether key has been sent or has failed at least once.
func (p *Progress) Attempted(key string) bool {
	return p.sent.has[key] || p.failed.has[key] || p.permanent.has[key]
}

// Fail records a failed contact. Permanent failures are never retried.
func (p *Progress) Fail(key string, permanent bool, f Failure) {
	if permanent {
		p.permanent.add(key)
	} else {
		p.failed.add(key)
	}
	p.Record(f)
}

// FailAll records keys as failed under a single aggregated log entry. Keys
// already failed are not logged again, so a retried page that still fails
// keeps its one entry.
func (p *Progress) FailAll(keys []string, f Failure) {
	fresh := 0
	for _, k := range keys {
		if p.failed.add(k) {
			fresh++
		}
	}
	if fresh == 0 {
		return
	}
	f.Count = fresh
	p.Record(f)
}

// Record appends an entry to the failure log.
func (p *Progress) Record(f Failure) {
	p.failures = append(p.failures, f)
	if n := len(p.failures); n > MaxFailures {
		p.failures = append(FailureLog(nil), p.failures[n-MaxFailures:]...)
	}
}

func (p *Progress) Failures() FailureLog {
	out := make(FailureLog, len(p.failures))
	copy(out, p.failures)
	return out
}

// Counts returns the sent and failed counters. A contact that failed and was
// later sent counts as sent only.
func (p *Progress) Counts() (sent, failed int) {
	sent = len(p.sent.keys)
	seen := map[string]bool{}
	for _, set := range []*keySet{p.failed, p.permanent} {
		for _, k := range set.keys {
			if !p.sent.has[k] && !seen[k] {
				seen[k] = true
				failed++
			}
		}
	}
	return sent, failed
}

// Meta describes where an execution stands when a checkpoint is written.
type Meta struct {
	Chunk       int
	ChunksTotal int
	Page        string
	Reason      string
	Shortfall   int
}

func (p *Progress) Checkpoint(now time.Time, m Meta) Checkpoint {
	var failed []string
	for _, k := range p.failed.keys {
		if !p.sent.has[k] {
			failed = append(failed, k)
		}
	}
	return Checkpoint{
		SentContactIDs:     p.sent.list(),
		FailedContactIDs:   failed,
		PermanentFailedIDs: p.permanent.list(),
		LastUpdated:        now,
		Chunk:              m.Chunk,
		ChunksTotal:        m.ChunksTotal,
		Page:               m.Page,
		Reason:             m.Reason,
		Shortfall:          m.Shortfall,
	}
}

// Checkpointer writes progress back to the job row under the caller's lease.
type Checkpointer struct {
	Store Store
	Now   func() time.Time
}

func (c *Checkpointer) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// Save replaces the failure log and checkpoint and refreshes the counters.
// A negative total leaves total_count alone.
func (c *Checkpointer) Save(ctx context.Context, job *Job, status Status, p *Progress, total int, m Meta) (*Job, error) {
	patch := c.progressPatch(job, status, p, total, m)
	if status.Terminal() {
		patch.CompletedAt = ptr(c.now())
	}
	return c.Store.ConditionalUpdate(ctx, job.ID, job.Version, patch)
}

// Finalize closes out an execution that walked every chunk. With nothing
// left to attempt the job completes and its contact list is cleared;
// otherwise the remaining contacts become the job's contact list and it
// stays resumable.
func (c *Checkpointer) Finalize(ctx context.Context, job *Job, p *Progress, total int, remaining []contacts.Contact, m Meta) (*Job, error) {
	if len(remaining) == 0 {
		patch := c.progressPatch(job, StatusCompleted, p, total, m)
		patch.ContactIDs = &IDList{}
		patch.CompletedAt = ptr(c.now())
		return c.Store.ConditionalUpdate(ctx, job.ID, job.Version, patch)
	}

	ids := make(IDList, 0, len(remaining))
	for _, ct := range remaining {
		ids = append(ids, contacts.DatabaseRef(ct.ID))
	}
	m.Reason = ReasonShortfall
	m.Shortfall = len(remaining)
	patch := c.progressPatch(job, job.Kind.ActiveStatus(), p, total, m)
	patch.ContactIDs = &ids
	return c.Store.ConditionalUpdate(ctx, job.ID, job.Version, patch)
}

func (c *Checkpointer) progressPatch(job *Job, status Status, p *Progress, total int, m Meta) Patch {
	sent, failed := p.Counts()
	if total < 0 {
		total = job.TotalCount
	}
	if sent+failed > total {
		failed = max(total-sent, 0)
	}
	failures := p.Failures()
	cp := p.Checkpoint(c.now(), m)
	patch := Patch{
		Status:      &status,
		SentCount:   &sent,
		FailedCount: &failed,
		Failures:    &failures,
		Checkpoint:  &cp,
	}
	if total != job.TotalCount {
		patch.TotalCount = &total
	}
	return patch
}
