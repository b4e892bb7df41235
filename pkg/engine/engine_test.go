package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inletmail/inlet/pkg/checkpoint"
	"github.com/inletmail/inlet/pkg/credits"
	inerrors "github.com/inletmail/inlet/pkg/errors"
	"github.com/inletmail/inlet/pkg/jobs"
	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/pipeline/steps"
	"github.com/inletmail/inlet/pkg/providers"
)

const summaryJSON = `{"title": "Broken invoice", "summary": "Customer cannot open invoice #4.", "metadata": {"category": "billing"}}`

type fixture struct {
	store       *jobs.MemoryStore
	ledger      *credits.MemoryLedger
	checkpoints *checkpoint.MemoryStore
	ocr         *providers.FakeOCR
	ai          *providers.FakeAI
	issues      *providers.FakeIssues
	notifier    *jobs.RecordingNotifier
	engine      *Engine
}

// summaryAwareAI returns valid summary JSON for the summary prompt and
// echoes everything else.
func summaryAwareAI() *providers.FakeAI {
	return &providers.FakeAI{Respond: func(prompt, content string) (string, error) {
		if prompt == "Produce a short title and summary for this message as JSON." {
			return summaryJSON, nil
		}
		return "ai: " + content, nil
	}}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:       jobs.NewMemoryStore(),
		ledger:      credits.NewMemoryLedger(),
		checkpoints: checkpoint.NewMemoryStore(time.Hour),
		ocr:         &providers.FakeOCR{Text: map[string]string{"/blobs/att-1": "invoice #4"}},
		ai:          summaryAwareAI(),
		issues:      &providers.FakeIssues{},
		notifier:    &jobs.RecordingNotifier{},
	}

	f.store.SeedJob(&jobs.Job{
		ID:       "job-1",
		OwnerID:  "owner-1",
		Subject:  "Broken invoice",
		BodyText: "The attached invoice will not open.",
	})
	f.store.SeedAttachment(jobs.Attachment{
		ID:          "att-1",
		JobID:       "job-1",
		Filename:    "scan.png",
		ContentType: "image/png",
		IsImage:     true,
		StoragePath: "/blobs/att-1",
	})
	f.store.SeedTemplates("owner-1", map[string]string{})
	f.store.SeedIssueConfig("owner-1", &jobs.IssueConfig{
		Engine:   "jira",
		Project:  "PROJ",
		Priority: "medium",
		BaseURL:  "https://tracker.example.com",
	})

	f.ledger.Grant(context.Background(), "owner-1", 10, "signup")

	eng, err := New(Deps{
		Jobs:        f.store,
		Ledger:      f.ledger,
		Checkpoints: f.checkpoints,
		OCR:         f.ocr,
		AI:          f.ai,
		Issues:      f.issues,
		Notifier:    f.notifier,
		Logger:      logging.NewNopLogger(),
		RunCost:     1,
	})
	require.NoError(t, err)
	f.engine = eng
	return f
}

func consumeCount(l *credits.MemoryLedger) (consumes, refunds int) {
	for _, tx := range l.Transactions() {
		switch tx.Type {
		case credits.TypeConsume:
			consumes++
		case credits.TypeRefund:
			refunds++
		}
	}
	return consumes, refunds
}

func TestEngine_EndToEndSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.engine.Run(ctx, "job-1", false)
	require.NoError(t, err)
	require.True(t, result.Success, "run failed: %s", result.Err)
	assert.Empty(t, result.Err)
	assert.False(t, result.State.Failed())

	require.NotNil(t, result.State.Issue)
	assert.Equal(t, "PROJ-1", result.State.Issue.Key)
	assert.Equal(t, "Broken invoice", result.State.Title)

	job, err := f.store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, job.Status)

	consumes, refunds := consumeCount(f.ledger)
	assert.Equal(t, 1, consumes)
	assert.Equal(t, 0, refunds)

	synced := f.store.Result("job-1")
	require.NotNil(t, synced)
	assert.Equal(t, "PROJ-1", synced.IssueKey)

	// OCR text flowed all the way into the stored attachment.
	attachments, _ := f.store.Attachments(ctx, "job-1")
	require.NotNil(t, attachments[0].OCRText)
	assert.Equal(t, "invoice #4", *attachments[0].OCRText)
}

func TestEngine_EndToEndFailureRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	before, _ := f.ledger.Balance(ctx, "owner-1")

	// AI body analysis dies with a system-caused error after the charge.
	f.ai.Respond = func(prompt, content string) (string, error) {
		return "", errors.New("Connection timeout")
	}

	result, err := f.engine.Run(ctx, "job-1", false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "Connection timeout")

	assert.True(t, result.State.CreditsConsumed)
	assert.True(t, result.State.CreditsRefunded)

	job, _ := f.store.Get(ctx, "job-1")
	assert.Equal(t, jobs.StatusFailed, job.Status)

	after, _ := f.ledger.Balance(ctx, "owner-1")
	assert.Equal(t, before, after, "refund must restore the pre-charge balance")

	consumes, refunds := consumeCount(f.ledger)
	assert.Equal(t, 1, consumes)
	assert.Equal(t, 1, refunds)
}

func TestEngine_InsufficientCreditsNotRefunded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ledger.Reset(ctx, "owner-1", 0, "drain for test")

	result, err := f.engine.Run(ctx, "job-1", false)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "insufficient credits")

	// No charge happened, so nothing to refund and no consume row exists.
	consumes, refunds := consumeCount(f.ledger)
	assert.Equal(t, 0, consumes)
	assert.Equal(t, 0, refunds)
	assert.False(t, result.State.CreditsRefunded)

	job, _ := f.store.Get(ctx, "job-1")
	assert.Equal(t, jobs.StatusFailed, job.Status)
}

func TestEngine_StepIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.issues.Err = errors.New("tracker unavailable")

	result, err := f.engine.Run(ctx, "job-1", false)
	require.NoError(t, err, "a step failure must never escape the pipeline")
	assert.False(t, result.Success)

	require.Len(t, result.State.Faults[steps.NameIssue], 1)
	assert.Len(t, result.State.Faults, 1, "only the issue step should have faulted")

	// Finalize still ran and recorded the terminal status.
	job, _ := f.store.Get(ctx, "job-1")
	assert.Equal(t, jobs.StatusFailed, job.Status)
}

func TestEngine_ForceRecomputesPopulatedFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.engine.Run(ctx, "job-1", false)
	require.NoError(t, err)
	require.True(t, first.Success)
	ocrCallsAfterFirst := len(f.ocr.Calls())
	aiCallsAfterFirst := f.ai.Calls()

	// Non-forced rerun: everything already populated, providers untouched.
	second, err := f.engine.Run(ctx, "job-1", false)
	require.NoError(t, err)
	require.True(t, second.Success)
	assert.Equal(t, ocrCallsAfterFirst, len(f.ocr.Calls()), "non-forced rerun must not re-OCR")
	assert.Equal(t, aiCallsAfterFirst, f.ai.Calls(), "non-forced rerun must not re-run AI")

	// Forced rerun recomputes.
	third, err := f.engine.Run(ctx, "job-1", true)
	require.NoError(t, err)
	require.True(t, third.Success)
	assert.Greater(t, len(f.ocr.Calls()), ocrCallsAfterFirst)
	assert.Greater(t, f.ai.Calls(), aiCallsAfterFirst)
}

func TestEngine_FatalJobNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Run(context.Background(), "ghost", false)
	require.Error(t, err)
	assert.True(t, inerrors.IsNotFound(err))
}

func TestEngine_UnhealthyCheckpointStoreFailsFast(t *testing.T) {
	f := newFixture(t)
	f.checkpoints.Fail = true

	_, err := f.engine.Run(context.Background(), "job-1", false)
	require.Error(t, err)
	assert.True(t, inerrors.IsStoreUnhealthy(err))

	// Finalize never runs on this path, so the failure is recorded
	// directly and the job does not sit in pending forever.
	job, _ := f.store.Get(context.Background(), "job-1")
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "checkpoint store unhealthy")
}

func TestEngine_CheckpointsWrittenPerStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.Run(ctx, "job-1", false)
	require.NoError(t, err)

	cfg := checkpoint.Config{ThreadID: "job-1", Namespace: Namespace}
	snapshots, err := f.checkpoints.List(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, f.engine.Graph().Len(), len(snapshots))

	// Newest checkpoint is the finalize one, with no next-step pointer.
	assert.Equal(t, steps.NameFinalize, snapshots[0].Metadata["step"])
	assert.Empty(t, snapshots[0].Metadata["next_step"])
}

func TestEngine_ResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Walk the saga two segments in, then abandon it.
	adv, err := f.engine.Advance(ctx, AdvanceRequest{JobID: "job-1", Step: f.engine.Graph().First()})
	require.NoError(t, err)
	require.Equal(t, steps.NameCreditsCheck, adv.Next)
	adv, err = f.engine.Advance(ctx, AdvanceRequest{JobID: "job-1", Step: adv.Next})
	require.NoError(t, err)
	require.Equal(t, steps.NameOCR, adv.Next)

	result, err := f.engine.Resume(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, result.Success, "resume failed: %s", result.Err)
	assert.Equal(t, "PROJ-1", result.State.Issue.Key)

	// The charge from the abandoned attempt was reused, not repeated.
	consumes, _ := consumeCount(f.ledger)
	assert.Equal(t, 1, consumes)
}

// A crash between the charge segment's checkpoint save and its successor
// enqueue redelivers that segment. The attempt's billing key is fixed at
// entry and checkpointed, so the second delivery of a forced attempt lands
// on the same ledger row instead of minting a fresh charge.
func TestEngine_RedeliveredChargeSegmentChargesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	adv, err := f.engine.Advance(ctx, AdvanceRequest{JobID: "job-1", Force: true, Step: f.engine.Graph().First()})
	require.NoError(t, err)
	require.Equal(t, steps.NameCreditsCheck, adv.Next)

	before, _ := f.ledger.Balance(ctx, "owner-1")
	for i := 0; i < 2; i++ {
		adv, err = f.engine.Advance(ctx, AdvanceRequest{JobID: "job-1", Force: true, Step: steps.NameCreditsCheck})
		require.NoError(t, err)
		require.False(t, adv.State.Failed(), "charge segment failed: %s", adv.State.FaultText())
	}

	consumes, _ := consumeCount(f.ledger)
	assert.Equal(t, 1, consumes, "one forced attempt must charge exactly once")
	after, _ := f.ledger.Balance(ctx, "owner-1")
	assert.Equal(t, before-1, after)
}

func TestEngine_ResumeWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Resume(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, inerrors.IsNotFound(err))
}

func TestEngine_AdvanceWholeSaga(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	step := f.engine.Graph().First()
	var last *AdvanceResult
	for step != "" {
		adv, err := f.engine.Advance(ctx, AdvanceRequest{JobID: "job-1", Step: step})
		require.NoError(t, err)
		step = adv.Next
		last = adv
	}

	require.NotNil(t, last)
	assert.True(t, last.Done)
	assert.False(t, last.State.Failed(), "saga failed: %s", last.State.FaultText())

	job, _ := f.store.Get(ctx, "job-1")
	assert.Equal(t, jobs.StatusCompleted, job.Status)
}

func TestEngine_AdvanceUnknownStep(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Advance(context.Background(), AdvanceRequest{JobID: "job-1", Step: "teleport"})
	require.Error(t, err)
	assert.True(t, inerrors.IsNotFound(err))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}
