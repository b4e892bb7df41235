package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletmail/inlet/pkg/checkpoint"
	"github.com/inletmail/inlet/pkg/credits"
	"github.com/inletmail/inlet/pkg/engine"
	"github.com/inletmail/inlet/pkg/jobs"
	"github.com/inletmail/inlet/pkg/locks"
	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/providers"
)

const summaryJSON = `{"title": "Broken invoice", "summary": "Customer cannot open invoice #4."}`

func testConfig() QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.VisibilityTimeout = time.Minute
	cfg.MaxRetries = 2
	return cfg
}

func newEngine(t *testing.T) (*engine.Engine, *jobs.MemoryStore, *credits.MemoryLedger) {
	t.Helper()

	store := jobs.NewMemoryStore()
	store.SeedJob(&jobs.Job{
		ID:       "job-1",
		OwnerID:  "owner-1",
		Subject:  "Broken invoice",
		BodyText: "The attached invoice will not open.",
	})
	store.SeedTemplates("owner-1", map[string]string{})
	store.SeedIssueConfig("owner-1", &jobs.IssueConfig{Engine: "jira", Project: "PROJ", Priority: "medium"})

	ledger := credits.NewMemoryLedger()
	ledger.Grant(context.Background(), "owner-1", 10, "signup")

	ai := &providers.FakeAI{Respond: func(prompt, content string) (string, error) {
		if prompt == "Produce a short title and summary for this message as JSON." {
			return summaryJSON, nil
		}
		return "ai: " + content, nil
	}}

	eng, err := engine.New(engine.Deps{
		Jobs:        store,
		Ledger:      ledger,
		Checkpoints: checkpoint.NewMemoryStore(time.Hour),
		OCR:         &providers.FakeOCR{},
		AI:          ai,
		Issues:      &providers.FakeIssues{},
		Logger:      logging.NewNopLogger(),
		RunCost:     1,
	})
	require.NoError(t, err)
	return eng, store, ledger
}

func drain(t *testing.T, d *Dispatcher, q *MemoryQueue) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		msgs := q.take(1)
		if len(msgs) == 0 {
			return
		}
		for _, qm := range msgs {
			d.Process(ctx, qm)
		}
	}
	t.Fatal("queue did not drain")
}

func TestDispatcher_RunsWholeChain(t *testing.T) {
	ctx := context.Background()
	eng, store, ledger := newEngine(t)
	queue := NewMemoryQueue(testConfig())
	d := NewDispatcher(queue, eng, locks.NewMemoryLocker(), DefaultDispatcherConfig(), nil, logging.NewNopLogger())

	require.NoError(t, d.Submit(ctx, "job-1", false))
	drain(t, d, queue)

	job, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)

	result := store.Result("job-1")
	require.NotNil(t, result)
	assert.Equal(t, "PROJ-1", result.IssueKey)

	balance, _ := ledger.Balance(ctx, "owner-1")
	assert.Equal(t, int64(9), balance)

	assert.Empty(t, queue.DeadLetters())
	depth, _ := queue.Depth(ctx)
	assert.Zero(t, depth)
}

func TestDispatcher_SkipWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)
	cfg := testConfig()
	cfg.MaxRetries = 1
	queue := NewMemoryQueue(cfg)
	locker := locks.NewMemoryLocker()
	d := NewDispatcher(queue, eng, locker, DefaultDispatcherConfig(), nil, logging.NewNopLogger())

	// Another worker holds the job.
	acquired, err := locker.TryAcquire(ctx, lockName("job-1"), time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, d.Submit(ctx, "job-1", false))
	msgs := queue.take(1)
	require.Len(t, msgs, 1)
	d.Process(ctx, msgs[0])

	// Contention requeues for later without consuming a retry: even with a
	// single retry budget the segment stays pending, never dead-lettered.
	assert.Empty(t, queue.DeadLetters())
	require.Len(t, queue.pending, 1)
	for _, entry := range queue.pending {
		assert.Zero(t, entry.qm.RetryCount)
	}
}

func TestDispatcher_CheckpointLossRestartsChain(t *testing.T) {
	ctx := context.Background()
	eng, store, ledger := newEngine(t)
	queue := NewMemoryQueue(testConfig())
	d := NewDispatcher(queue, eng, locks.NewMemoryLocker(), DefaultDispatcherConfig(), nil, logging.NewNopLogger())

	// A mid-chain segment arrives with no checkpoint behind it.
	require.NoError(t, queue.Enqueue(ctx, Message{JobID: "job-1", Segment: "ocr"}))
	drain(t, d, queue)

	// The chain restarted from the first step and completed.
	job, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)

	// The restart charged exactly once.
	consumes := 0
	for _, tx := range ledger.Transactions() {
		if tx.Type == credits.TypeConsume {
			consumes++
		}
	}
	assert.Equal(t, 1, consumes)
}

func TestDispatcher_FatalJobDeadLetters(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)
	cfg := testConfig()
	cfg.MaxRetries = 1
	queue := NewMemoryQueue(cfg)
	d := NewDispatcher(queue, eng, locks.NewMemoryLocker(), DefaultDispatcherConfig(), nil, logging.NewNopLogger())

	require.NoError(t, d.Submit(ctx, "ghost", false))
	drain(t, d, queue)

	require.Len(t, queue.DeadLetters(), 1)
	assert.Equal(t, "ghost", queue.DeadLetters()[0].Message.JobID)
}

func TestMemoryQueue_NackBacksOffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	queue := NewMemoryQueue(cfg)

	now := time.Now()
	queue.SetClock(func() time.Time { return now })

	require.NoError(t, queue.Enqueue(ctx, Message{JobID: "job-1"}))
	msgs := queue.take(1)
	require.Len(t, msgs, 1)

	// First failure: re-enqueued with backoff, not yet visible.
	require.NoError(t, queue.Nack(ctx, msgs[0].ID))
	assert.Empty(t, queue.take(1))

	now = now.Add(time.Hour)
	msgs = queue.take(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].RetryCount)

	// Second failure exhausts MaxRetries.
	require.NoError(t, queue.Nack(ctx, msgs[0].ID))
	require.Len(t, queue.DeadLetters(), 1)
}

func TestMemoryQueue_RequeueKeepsRetryCount(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(testConfig())

	now := time.Now()
	queue.SetClock(func() time.Time { return now })

	require.NoError(t, queue.Enqueue(ctx, Message{JobID: "job-1"}))
	msgs := queue.take(1)
	require.Len(t, msgs, 1)

	// Requeued with a delay, invisible until it lapses, retry untouched.
	require.NoError(t, queue.Requeue(ctx, msgs[0].ID, 5*time.Second))
	assert.Empty(t, queue.take(1))

	now = now.Add(6 * time.Second)
	msgs = queue.take(1)
	require.Len(t, msgs, 1)
	assert.Zero(t, msgs[0].RetryCount)
}

func TestMemoryQueue_RecoverStaleRequeues(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	queue := NewMemoryQueue(cfg)

	now := time.Now()
	queue.SetClock(func() time.Time { return now })

	require.NoError(t, queue.Enqueue(ctx, Message{JobID: "job-1"}))
	msgs := queue.take(1)
	require.Len(t, msgs, 1)

	// Visibility timeout lapses without an ack.
	now = now.Add(cfg.VisibilityTimeout + time.Second)
	require.NoError(t, queue.RecoverStale(ctx))

	msgs = queue.take(1)
	require.Len(t, msgs, 1, "stale message must be redelivered")
	assert.Equal(t, 1, msgs[0].RetryCount)
}

func TestRecovery_BootAndSweep(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	locker := locks.NewMemoryLocker()

	now := time.Now()
	store.SetClock(func() time.Time { return now })
	store.SeedJob(&jobs.Job{ID: "job-1", Status: jobs.StatusPending})
	store.SetStatus(ctx, "job-1", jobs.StatusProcessing, "")
	locker.TryAcquire(ctx, lockName("job-1"), time.Hour)

	r := NewRecovery(store, locker, nil, logging.NewNopLogger())

	// Boot recovery cancels the orphaned job and releases its lock.
	require.NoError(t, r.RecoverOnBoot(ctx))
	job, _ := store.Get(ctx, "job-1")
	assert.Equal(t, jobs.StatusCancelled, job.Status)
	held, _ := locker.IsLocked(ctx, lockName("job-1"))
	assert.False(t, held)

	// A stuck processing job is failed by the sweep and its lock released.
	store.SeedJob(&jobs.Job{ID: "job-2", Status: jobs.StatusPending})
	store.SetStatus(ctx, "job-2", jobs.StatusProcessing, "")
	locker.TryAcquire(ctx, lockName("job-2"), time.Hour)

	store.SetClock(func() time.Time { return now.Add(30 * time.Minute) })
	require.NoError(t, r.SweepOnce(ctx, 10*time.Minute))

	job, _ = store.Get(ctx, "job-2")
	assert.Equal(t, jobs.StatusFailed, job.Status)
	held, _ = locker.IsLocked(ctx, lockName("job-2"))
	assert.False(t, held)

	// Redundant sweep is a no-op.
	require.NoError(t, r.SweepOnce(ctx, 10*time.Minute))
}
