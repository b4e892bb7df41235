package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/inletmail/inlet/pkg/engine"
	inerrors "github.com/inletmail/inlet/pkg/errors"
	"github.com/inletmail/inlet/pkg/locks"
	"github.com/inletmail/inlet/pkg/logging"
	"github.com/inletmail/inlet/pkg/observability"
)

// lockName returns the task lock guarding one job's execution.
func lockName(jobID string) string { return "job:" + jobID }

// lockRetryDelay spaces out redeliveries of a segment that found its job's
// lock held. Contention is not a failure, so no retry is consumed.
const lockRetryDelay = 5 * time.Second

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers      int           `yaml:"workers"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultDispatcherConfig returns sensible worker pool settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:      4,
		LockTTL:      2 * time.Minute,
		PollInterval: time.Second,
	}
}

func (c *DispatcherConfig) applyDefaults() {
	defaults := DefaultDispatcherConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
}

// Dispatcher consumes segment messages and advances jobs through the
// pipeline, one step per message, under the job's task lock.
type Dispatcher struct {
	queue   Queue
	engine  *engine.Engine
	locker  locks.Locker
	config  DispatcherConfig
	metrics *observability.PipelineMetrics
	logger  logging.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(queue Queue, eng *engine.Engine, locker locks.Locker, config DispatcherConfig, metrics *observability.PipelineMetrics, logger logging.Logger) *Dispatcher {
	config.applyDefaults()
	return &Dispatcher{
		queue:   queue,
		engine:  eng,
		locker:  locker,
		config:  config,
		metrics: metrics,
		logger:  logger.With(logging.F("component", "dispatcher")),
	}
}

// Submit enqueues a job for processing from the first step.
func (d *Dispatcher) Submit(ctx context.Context, jobID string, force bool) error {
	if jobID == "" {
		return fmt.Errorf("job id is required: %w", inerrors.ErrValidation)
	}
	if err := d.queue.Enqueue(ctx, NewMessage(jobID, force)); err != nil {
		return err
	}
	d.metrics.RecordEnqueue(d.queueName())
	return nil
}

// Run blocks consuming messages until the context is cancelled, processing
// with the configured number of workers.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("Dispatcher starting", logging.F("workers", d.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx)
		}()
	}
	wg.Wait()

	d.logger.Info("Dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, err := d.queue.Dequeue(ctx, 1, d.config.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("Dequeue failed", logging.Err(err))
			select {
			case <-time.After(d.config.PollInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, qm := range msgs {
			d.Process(ctx, qm)
		}

		if depth, err := d.queue.Depth(ctx); err == nil {
			d.metrics.RecordQueueDepth(d.queueName(), float64(depth))
		}
	}
}

// Process handles one queued message: run the segment under the job's lock,
// then either enqueue the successor and ack, or nack for redelivery.
func (d *Dispatcher) Process(ctx context.Context, qm *QueuedMessage) {
	msg := qm.Message
	segment := msg.Segment
	if segment == "" {
		segment = d.engine.Graph().First()
	}

	var next string
	outcome := locks.WithLock(ctx, d.locker, lockName(msg.JobID), d.config.LockTTL, func(ctx context.Context) error {
		adv, err := d.engine.Advance(ctx, engine.AdvanceRequest{
			JobID:      msg.JobID,
			Force:      msg.Force,
			Step:       segment,
			AttemptKey: msg.AttemptKey,
		})
		if err != nil {
			return err
		}
		next = adv.Next
		return nil
	})

	if outcome.Skipped {
		// Another worker holds this job; requeue for later without
		// burning a retry, since contention is not a failure.
		d.metrics.RecordLockSkipped(lockName(msg.JobID))
		d.logger.Debug("Job already running, requeueing segment",
			logging.F("job_id", msg.JobID),
			logging.F("segment", segment))
		if err := d.queue.Requeue(ctx, qm.ID, lockRetryDelay); err != nil {
			d.logger.Error("Requeue failed", logging.F("message_id", qm.ID), logging.Err(err))
		}
		return
	}

	if outcome.Err != nil {
		// A mid-chain segment whose checkpoint expired restarts the chain
		// from the beginning; the charge idempotency makes that safe.
		if segment != d.engine.Graph().First() && inerrors.IsNotFound(outcome.Err) {
			d.logger.Warn("Checkpoint lost mid-chain, restarting job",
				logging.F("job_id", msg.JobID),
				logging.F("segment", segment))
			restart := Message{JobID: msg.JobID, Force: msg.Force, AttemptKey: msg.AttemptKey}
			if err := d.queue.Enqueue(ctx, restart); err != nil {
				d.logger.Error("Failed to restart job", logging.F("job_id", msg.JobID), logging.Err(err))
				d.nack(ctx, qm)
				return
			}
			d.ack(ctx, qm)
			return
		}

		d.logger.Error("Segment failed",
			logging.F("job_id", msg.JobID),
			logging.F("segment", segment),
			logging.Err(outcome.Err))
		d.nack(ctx, qm)
		return
	}

	if next != "" {
		successor := Message{JobID: msg.JobID, OwnerID: msg.OwnerID, Force: msg.Force, Segment: next, AttemptKey: msg.AttemptKey}
		if err := d.queue.Enqueue(ctx, successor); err != nil {
			d.logger.Error("Failed to enqueue successor segment",
				logging.F("job_id", msg.JobID),
				logging.F("segment", next),
				logging.Err(err))
			d.nack(ctx, qm)
			return
		}
		d.metrics.RecordEnqueue(d.queueName())
	}

	d.ack(ctx, qm)
}

func (d *Dispatcher) ack(ctx context.Context, qm *QueuedMessage) {
	if err := d.queue.Ack(ctx, qm.ID); err != nil {
		d.logger.Error("Ack failed", logging.F("message_id", qm.ID), logging.Err(err))
	}
}

func (d *Dispatcher) nack(ctx context.Context, qm *QueuedMessage) {
	if err := d.queue.Nack(ctx, qm.ID); err != nil {
		d.logger.Error("Nack failed", logging.F("message_id", qm.ID), logging.Err(err))
	}
}

func (d *Dispatcher) queueName() string { return d.queue.Name() }
