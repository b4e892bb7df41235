// Package engine wires the compiled pipeline graph to its collaborators and
// drives executions. One Engine is built at process startup and shared by
// every worker; it holds no per-run state.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/inletmail/inlet/pkg/checkpoint"
	"github.com/inletmail/inlet/pkg/credits"
	inerrors "github.com/inletmail/inlet/pkg/errors"
	"github.com/inletmail/inlet/pkg/jobs"
	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/observability"
	"github.com/inletmail/inlet/pkg/pipeline"
	"github.com/inletmail/inlet/pkg/pipeline/steps"
	"github.com/inletmail/inlet/pkg/providers"
)

// Namespace is the checkpoint namespace used for pipeline state snapshots.
const Namespace = "pipeline"

// Metadata keys persisted alongside every checkpoint. NextStep is the saga
// pointer: the durable record of which step runs next.
const (
	metaStep     = "step"
	metaNextStep = "next_step"
)

// Deps carries everything the engine needs. All fields except Metrics and
// Notifier are required.
type Deps struct {
	Jobs        jobs.Store
	Ledger      credits.Ledger
	Checkpoints checkpoint.Store
	OCR         providers.OCRClient
	AI          providers.AIClient
	Issues      providers.IssueClient
	Notifier    jobs.Notifier
	Metrics     *observability.PipelineMetrics
	Logger      logging.Logger
	RunCost     int64
}

func (d Deps) validate() error {
	switch {
	case d.Jobs == nil:
		return fmt.Errorf("jobs store is required")
	case d.Ledger == nil:
		return fmt.Errorf("credits ledger is required")
	case d.Checkpoints == nil:
		return fmt.Errorf("checkpoint store is required")
	case d.OCR == nil:
		return fmt.Errorf("ocr client is required")
	case d.AI == nil:
		return fmt.Errorf("ai client is required")
	case d.Issues == nil:
		return fmt.Errorf("issue client is required")
	case d.Logger == nil:
		return fmt.Errorf("logger is required")
	}
	return nil
}

// Engine executes the fixed pipeline for jobs.
type Engine struct {
	graph       *pipeline.Graph
	jobs        jobs.Store
	checkpoints checkpoint.Store
	metrics     *observability.PipelineMetrics
	logger      logging.Logger
	now         func() time.Time
}

// New compiles the pipeline graph once and returns the engine.
func New(deps Deps) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine dependencies: %w", err)
	}

	logger := deps.Logger.With(logging.F("component", "engine"))

	graph, err := pipeline.Compile(
		steps.NewPrepare(deps.Jobs, deps.Logger),
		steps.NewCreditsCheck(deps.Ledger, deps.RunCost, deps.Metrics, deps.Logger),
		steps.NewOCR(deps.OCR, deps.Logger),
		steps.NewAIAttachment(deps.AI, deps.Logger),
		steps.NewAIBody(deps.AI, deps.Logger),
		steps.NewSummary(deps.AI, deps.Logger),
		steps.NewIssue(deps.Issues, deps.Logger),
		steps.NewErrorHandler(deps.Ledger, deps.Metrics, deps.Logger),
		steps.NewFinalize(deps.Jobs, deps.Notifier, deps.Logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pipeline: %w", err)
	}

	return &Engine{
		graph:       graph,
		jobs:        deps.Jobs,
		checkpoints: deps.Checkpoints,
		metrics:     deps.Metrics,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Graph exposes the compiled graph, used by the dispatcher to walk segments.
func (e *Engine) Graph() *pipeline.Graph { return e.graph }

// RunResult is what the caller sees. Err echoes the fault registry when any
// step failed, or the fatal error when the run never started.
type RunResult struct {
	Success bool
	State   *pipeline.State
	Err     string
}

// Run executes the full pipeline for a job. A fatal pre-pipeline failure is
// returned as an error after the job's status is set to failed directly,
// since finalize never gets the chance.
func (e *Engine) Run(ctx context.Context, jobID string, force bool) (*RunResult, error) {
	state, err := e.initialState(ctx, jobID, force, "")
	if err != nil {
		return nil, err
	}
	return e.runFrom(ctx, state, 0)
}

// Resume continues a job from its most recent checkpoint, following the
// durable next-step pointer. Returns a wrapped ErrNotFound when no live
// checkpoint exists.
func (e *Engine) Resume(ctx context.Context, jobID string) (*RunResult, error) {
	state, next, err := e.loadCheckpoint(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if next == "" {
		// The run already finished; report its recorded outcome.
		return e.result(state), nil
	}

	index, ok := e.graph.Index(next)
	if !ok {
		return nil, fmt.Errorf("checkpoint points at unknown step %q: %w", next, inerrors.ErrInvalidState)
	}

	e.logger.Info("Resuming job from checkpoint",
		logging.F("job_id", jobID),
		logging.F("next_step", next))

	return e.runFrom(ctx, state, index)
}

// AdvanceResult reports one saga segment's outcome.
type AdvanceResult struct {
	// Next is the name of the step to dispatch next, empty when done.
	Next  string
	Done  bool
	State *pipeline.State
}

// AdvanceRequest names one saga segment to run.
type AdvanceRequest struct {
	JobID string
	Force bool
	Step  string

	// AttemptKey is the billing idempotency key carried across every
	// segment of one attempt, so redeliveries land on one charge. Minted
	// here when the caller has none.
	AttemptKey string
}

// Advance runs exactly one step of a job's pipeline as a saga segment. The
// first segment builds the initial state; later segments load it from the
// checkpoint written by the previous segment. The next-step pointer is
// persisted with the checkpoint before Advance returns, so a crash between
// segments loses at most the in-flight step.
func (e *Engine) Advance(ctx context.Context, req AdvanceRequest) (*AdvanceResult, error) {
	index, ok := e.graph.Index(req.Step)
	if !ok {
		return nil, fmt.Errorf("unknown step %q: %w", req.Step, inerrors.ErrNotFound)
	}

	var state *pipeline.State
	if req.Step == e.graph.First() {
		var err error
		state, err = e.initialState(ctx, req.JobID, req.Force, req.AttemptKey)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		state, _, err = e.loadCheckpoint(ctx, req.JobID)
		if err != nil {
			return nil, err
		}
	}

	state = e.executeStep(ctx, index, state)

	next, _ := e.graph.Next(req.Step)
	e.saveCheckpoint(ctx, state, req.Step, next)

	return &AdvanceResult{Next: next, Done: next == "", State: state}, nil
}

// initialState verifies the job exists and the checkpoint store is healthy,
// then builds the entry state. Failures here are fatal: the job's status is
// set to failed directly because no step will run. The billing key is fixed
// here, before any charge, so every later segment of the attempt reuses it.
func (e *Engine) initialState(ctx context.Context, jobID string, force bool, attemptKey string) (*pipeline.State, error) {
	if err := e.checkpoints.Healthy(ctx); err != nil {
		err = fmt.Errorf("checkpoint store unhealthy, refusing to run without durability: %w", err)
		e.failDirect(ctx, jobID, err)
		return nil, err
	}

	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		e.failDirect(ctx, jobID, err)
		return nil, fmt.Errorf("failed to start job %s: %w", jobID, err)
	}

	if attemptKey == "" {
		attemptKey = credits.StableKey(jobID)
		if force {
			attemptKey = credits.RetryKey(jobID, e.now())
		}
	}

	state := pipeline.NewState(jobID, job.OwnerID, force)
	state.IdempotencyKey = attemptKey
	return state, nil
}

func (e *Engine) runFrom(ctx context.Context, state *pipeline.State, index int) (*RunResult, error) {
	started := time.Now()

	for i := index; i < e.graph.Len(); i++ {
		state = e.executeStep(ctx, i, state)

		next := ""
		if i+1 < e.graph.Len() {
			next = e.graph.At(i + 1).Name()
		}
		e.saveCheckpoint(ctx, state, e.graph.At(i).Name(), next)
	}

	result := e.result(state)
	outcome := "success"
	if !result.Success {
		outcome = "failed"
	}
	e.metrics.RecordRun(outcome, time.Since(started).Seconds())

	return result, nil
}

func (e *Engine) executeStep(ctx context.Context, index int, state *pipeline.State) *pipeline.State {
	step := e.graph.At(index)
	started := time.Now()

	next, stepErr := pipeline.Run(ctx, step, state)

	outcome := "executed"
	switch {
	case stepErr != nil:
		outcome = "failed"
		e.logger.Warn("Step failed",
			logging.F("job_id", state.JobID),
			logging.F("step", step.Name()),
			logging.F("phase", stepErr.Phase),
			logging.Err(stepErr.Err))
	case next == state:
		outcome = "skipped"
	}
	e.metrics.RecordStep(step.Name(), outcome, time.Since(started).Seconds())

	return next
}

func (e *Engine) saveCheckpoint(ctx context.Context, state *pipeline.State, step, next string) {
	cfg := checkpoint.Config{ThreadID: state.JobID, Namespace: Namespace}
	meta := checkpoint.Metadata{metaStep: step}
	if next != "" {
		meta[metaNextStep] = next
	}

	// Snapshots are best-effort once a run is underway; the entry health
	// probe is what guards durability.
	if _, err := e.checkpoints.Save(ctx, cfg, state, meta); err != nil {
		e.logger.Error("Checkpoint save failed",
			logging.F("job_id", state.JobID),
			logging.F("step", step),
			logging.Err(err))
	}
}

func (e *Engine) loadCheckpoint(ctx context.Context, jobID string) (*pipeline.State, string, error) {
	cfg := checkpoint.Config{ThreadID: jobID, Namespace: Namespace}
	ckpt, err := e.checkpoints.Load(ctx, cfg)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load checkpoint for job %s: %w", jobID, err)
	}

	var state pipeline.State
	if err := ckpt.Decode(&state); err != nil {
		return nil, "", fmt.Errorf("failed to decode checkpoint for job %s: %w", jobID, err)
	}

	return &state, ckpt.Metadata[metaNextStep], nil
}

func (e *Engine) result(state *pipeline.State) *RunResult {
	if state.Failed() {
		return &RunResult{Success: false, State: state, Err: state.FaultText()}
	}
	return &RunResult{Success: true, State: state}
}

func (e *Engine) failDirect(ctx context.Context, jobID string, cause error) {
	if _, err := e.jobs.SetStatus(ctx, jobID, jobs.StatusFailed, cause.Error()); err != nil {
		e.logger.Error("Failed to record fatal job failure",
			logging.F("job_id", jobID),
			logging.Err(err))
	}
}
