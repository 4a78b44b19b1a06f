package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagecast/internal/contacts"
	"pagecast/internal/logger"
)

func (e *env) sweeper() *Sweeper {
	return &Sweeper{
		Store:      e.repo,
		Runner:     e.runner,
		Markers:    e.dir,
		StaleAfter: 90 * time.Second,
		Now:        e.clock.now,
		Log:        logger.Discard(),
	}
}

func (e *env) markedFor(t *testing.T, owner, jobID string, ids ...string) int {
	t.Helper()
	found, err := e.dir.FindByKeys(context.Background(), owner, contacts.SpaceDatabase, ids)
	require.NoError(t, err)
	n := 0
	for _, c := range found {
		if c.LastSendStatus == contacts.MarkerDelivered && c.LastSendJobID == jobID {
			n++
		}
	}
	return n
}

func TestSweep_RunsDueScheduledJobsAndClearsMarkers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	soon := e.clock.now().Add(30 * time.Second)
	later := e.clock.now().Add(10 * time.Minute)
	due := e.insert(t, &Job{Kind: KindScheduled, ScheduledFor: &soon, ContactIDs: refs(e.seed(t, "owner", "A", "a", 3))})
	notDue := e.insert(t, &Job{OwnerID: "other", Kind: KindScheduled, ScheduledFor: &later, ContactIDs: IDList{json.RawMessage(`"x"`)}})

	rep, err := e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Due)
	assert.Zero(t, rep.Stuck)
	assert.Zero(t, rep.Idle)
	assert.Equal(t, 1, rep.Results[ResultCompleted])
	assert.EqualValues(t, 3, rep.MarkersCleared)

	got := e.get(t, due.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 3, got.SentCount)
	assert.Zero(t, e.markedFor(t, "owner", due.ID, "a1", "a2", "a3"))

	assert.Equal(t, StatusPending, e.get(t, notDue.ID).Status)
	assert.Equal(t, 3, e.sender.sends())
}

func TestSweep_KeepsMarkersWhileOwnerHasOpenJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	at := e.clock.now()
	due := e.insert(t, &Job{Kind: KindScheduled, ScheduledFor: &at, ContactIDs: refs(e.seed(t, "owner", "A", "a", 2))})
	e.insert(t, &Job{Status: StatusPaused, ContactIDs: IDList{contacts.DatabaseRef("a1")}})

	rep, err := e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Results[ResultCompleted])
	assert.Zero(t, rep.MarkersCleared)
	assert.Equal(t, 2, e.markedFor(t, "owner", due.ID, "a1", "a2"))
}

func TestSweep_ClearsMarkersOfJobsFinishedElsewhere(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	later := e.clock.now().Add(time.Hour)
	done := e.insert(t, &Job{Kind: KindScheduled, ScheduledFor: &later, ContactIDs: refs(e.seed(t, "owner", "A", "a", 2))})
	res, err := e.runner.Run(ctx, done.ID)
	require.NoError(t, err)
	require.Equal(t, ResultCompleted, res)
	require.Equal(t, 2, e.markedFor(t, "owner", done.ID, "a1", "a2"))

	rep, err := e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Due)
	assert.EqualValues(t, 2, rep.MarkersCleared)
	assert.Zero(t, e.markedFor(t, "owner", done.ID, "a1", "a2"))
}

func TestSweep_ClearsHeldBackMarkersOnceOwnerIsIdle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	at := e.clock.now()
	due := e.insert(t, &Job{Kind: KindScheduled, ScheduledFor: &at, ContactIDs: refs(e.seed(t, "owner", "A", "a", 2))})
	blocker := e.insert(t, &Job{Status: StatusPaused, ContactIDs: IDList{contacts.DatabaseRef("a1")}})

	rep, err := e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Results[ResultCompleted])
	assert.Zero(t, rep.MarkersCleared)

	rep, err = e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.MarkersCleared, "still blocked")
	assert.Equal(t, 2, e.markedFor(t, "owner", due.ID, "a1", "a2"))

	st := StatusCancelled
	_, err = e.repo.ConditionalUpdate(ctx, blocker.ID, blocker.Version, Patch{Status: &st})
	require.NoError(t, err)

	rep, err = e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rep.MarkersCleared)
	assert.Zero(t, e.markedFor(t, "owner", due.ID, "a1", "a2"))
}

func TestSweep_LeavesMarkersOfUnfinishedJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	at := e.clock.now()
	job := e.insert(t, &Job{Kind: KindScheduled, ScheduledFor: &at, ContactIDs: refs(e.seed(t, "owner", "A", "a", 4))})
	e.runner.Budget = 2500 * time.Millisecond

	rep, err := e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Results[ResultYielded])
	assert.Zero(t, rep.MarkersCleared)
	assert.Equal(t, 3, e.markedFor(t, "owner", job.ID, "a1", "a2", "a3", "a4"))
}

func TestSweep_AbandonsStuckJobsAndRecoversThem(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	at := e.clock.now()
	job := e.insert(t, &Job{Kind: KindScheduled, ScheduledFor: &at, ContactIDs: refs(e.seed(t, "owner", "A", "a", 2))})
	_, ok, err := e.runner.claimer().Claim(ctx, job)
	require.NoError(t, err)
	require.True(t, ok)

	e.clock.advance(35 * time.Minute)
	rep, err := e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Due)
	assert.Equal(t, 1, rep.Stuck)
	assert.Zero(t, rep.Idle, "an abandoned row is not counted twice")
	assert.Equal(t, 1, rep.Results[ResultCompleted])

	got := e.get(t, job.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 2, got.SentCount)

	// a paused row is never picked up however old it gets
	st := StatusPaused
	other := e.insert(t, &Job{Kind: KindScheduled, ScheduledFor: &at, Status: StatusProcessing, ContactIDs: IDList{contacts.DatabaseRef("a1")}})
	_, err = e.repo.ConditionalUpdate(ctx, other.ID, other.Version, Patch{Status: &st})
	require.NoError(t, err)
	e.clock.advance(time.Hour)
	rep, err = e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Stuck+rep.Due+rep.Idle)
	assert.Equal(t, StatusPaused, e.get(t, other.ID).Status)
}

func TestSweep_PicksUpIdleImmediateJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.insert(t, &Job{ContactIDs: refs(e.seed(t, "owner", "A", "a", 4))})

	e.runner.Budget = 2500 * time.Millisecond
	res, err := e.runner.Run(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, ResultYielded, res)

	rep, err := e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Idle, "recently touched jobs are left alone")
	assert.Equal(t, 3, e.get(t, job.ID).SentCount)

	e.clock.advance(2 * time.Minute)
	e.runner.Budget = time.Hour
	rep, err = e.sweeper().Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Idle)
	assert.Equal(t, 1, rep.Results[ResultCompleted])
	assert.Zero(t, rep.MarkersCleared, "immediate jobs leave no markers")

	got := e.get(t, job.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 4, got.SentCount)
	assert.Equal(t, 4, e.sender.sends())
}

type stubRunner struct {
	ran  []string
	fail map[string]error
}

func (s *stubRunner) Run(_ context.Context, id string) (Result, error) {
	s.ran = append(s.ran, id)
	if err := s.fail[id]; err != nil {
		return "", err
	}
	return ResultYielded, nil
}

func TestSweep_RunsJobsInOrderAndCountsErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first := e.clock.now().Add(-2 * time.Minute)
	second := e.clock.now().Add(-time.Minute)
	b := e.insert(t, &Job{Kind: KindScheduled, ScheduledFor: &second, ContactIDs: IDList{contacts.DatabaseRef("x")}})
	a := e.insert(t, &Job{Kind: KindScheduled, ScheduledFor: &first, ContactIDs: IDList{contacts.DatabaseRef("y")}})

	stub := &stubRunner{fail: map[string]error{a.ID: errors.New("db went away")}}
	sw := e.sweeper()
	sw.Runner = stub

	rep, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, stub.ran, "earliest scheduled first")
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 1, rep.Results[ResultYielded])
}
