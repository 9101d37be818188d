package settlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/storage/journal"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweeperRollsBackStaleIntents(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}

	j, err := journal.Open(journal.Config{Dir: t.TempDir()}, nil, zap.NewNop(), journal.WithClock(clock.Now))
	require.NoError(t, err)
	defer j.Close()

	receiver := uuid.New()
	stale, err := j.Begin(ctx, uuid.New(), &receiver, units(60), units(3))
	require.NoError(t, err)
	committed, err := j.Begin(ctx, uuid.New(), nil, units(1), 0)
	require.NoError(t, err)
	require.NoError(t, j.Commit(ctx, committed.ID))

	clock.Advance(200 * time.Second)
	fresh, err := j.Begin(ctx, uuid.New(), nil, units(2), 0)
	require.NoError(t, err)

	s := NewSweeper(SweeperConfig{}, j, zap.NewNop(), clock.Now)

	t.Run("nothing stale yet", func(t *testing.T) {
		n, err := s.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("after 301 seconds", func(t *testing.T) {
		clock.Advance(101 * time.Second)
		n, err := s.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, ok := j.Get(stale.ID)
		require.True(t, ok)
		assert.Equal(t, domain.IntentRolledBack, got.State)
		assert.Equal(t, domain.ReasonTimeoutSwept, got.Reason)
		assert.True(t, got.NeedsReconciliation)

		got, _ = j.Get(fresh.ID)
		assert.Equal(t, domain.IntentPending, got.State)
		got, _ = j.Get(committed.ID)
		assert.Equal(t, domain.IntentCommitted, got.State)
	})

	t.Run("idempotent", func(t *testing.T) {
		n, err := s.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

type racingJournal struct {
	pending []domain.TransferIntent
}

func (r *racingJournal) Pending(time.Time) []domain.TransferIntent { return r.pending }

func (r *racingJournal) RollBack(context.Context, string, string, bool) error {
	return journal.ErrInvalidTransition
}

func (r *racingJournal) RecordCommit(context.Context, string) error {
	return journal.ErrInvalidTransition
}

type recordingJournal struct {
	pending    []domain.TransferIntent
	rolledBack []string
	committed  []string
}

func (r *recordingJournal) Pending(time.Time) []domain.TransferIntent { return r.pending }

func (r *recordingJournal) RollBack(_ context.Context, id, reason string, recon bool) error {
	r.rolledBack = append(r.rolledBack, id+":"+reason)
	return nil
}

func (r *recordingJournal) RecordCommit(_ context.Context, id string) error {
	r.committed = append(r.committed, id)
	return nil
}

func TestSweeperRecordsUnrecordedCommits(t *testing.T) {
	j := &recordingJournal{pending: []domain.TransferIntent{
		{ID: "settled", Reason: domain.ReasonCommitUnrecorded, NeedsReconciliation: true},
		{ID: "abandoned"},
	}}
	s := NewSweeper(SweeperConfig{}, j, zap.NewNop(), nil)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"settled"}, j.committed, "funds moved, so it is never reported as rolled back")
	assert.Equal(t, []string{"abandoned:" + domain.ReasonTimeoutSwept}, j.rolledBack)
}

func TestSweeperIgnoresSettledRace(t *testing.T) {
	j := &racingJournal{pending: []domain.TransferIntent{{ID: "a"}}}
	s := NewSweeper(SweeperConfig{}, j, zap.NewNop(), nil)

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	j := &racingJournal{}
	s := NewSweeper(SweeperConfig{InitialDelay: -1, Interval: 5 * time.Millisecond}, j, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestVelocityTracker(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	id := uuid.New()
	v := newVelocityTracker(time.Minute, 5*time.Minute)

	assert.Zero(t, v.get(id, start))

	v.add(id, 100, start)
	assert.Equal(t, 100.0, v.get(id, start))
	assert.InDelta(t, 50.0, v.get(id, start.Add(time.Minute)), 1e-9)

	v.add(id, 50, start.Add(time.Minute))
	assert.InDelta(t, 50.0, v.get(id, start.Add(2*time.Minute)), 1e-9)

	t.Run("idle entries are evicted", func(t *testing.T) {
		other := uuid.New()
		v.add(other, 1, start.Add(10*time.Minute))
		assert.Equal(t, 1, v.size())
		assert.Zero(t, v.get(id, start.Add(10*time.Minute)))
	})
}
