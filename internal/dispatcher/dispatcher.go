package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/lifestream/lifestream-backend/internal/data/repos/idempotency"
	"github.com/lifestream/lifestream-backend/internal/data/repos/jobs"
	"github.com/lifestream/lifestream-backend/internal/domain"
	"github.com/lifestream/lifestream-backend/internal/platform/envutil"
	"github.com/lifestream/lifestream-backend/internal/platform/logger"
	"github.com/lifestream/lifestream-backend/internal/platform/redisq"
	"github.com/lifestream/lifestream-backend/internal/platform/tasks"
)

// Dispatcher converts queue deliveries into at most one launched task per
// upload. The message is acked only after a successful launch; everything
// before that point is safe to redeliver.
type Dispatcher struct {
	log      *logger.Logger
	queue    redisq.Queue
	jobs     jobs.Table
	idem     idempotency.Table
	launcher tasks.Launcher
	sem      *semaphore.Weighted
}

func New(log *logger.Logger, queue redisq.Queue, jobTable jobs.Table, idemTable idempotency.Table, launcher tasks.Launcher) *Dispatcher {
	cap := int64(envutil.Int("MAX_CONCURRENT_TASKS", 10))
	if cap <= 0 {
		cap = 10
	}
	return &Dispatcher{
		log:      log.With("service", "Dispatcher"),
		queue:    queue,
		jobs:     jobTable,
		idem:     idemTable,
		launcher: launcher,
		sem:      semaphore.NewWeighted(cap),
	}
}

// Run consumes until the context is canceled. Receive batches of one bound
// the blast radius of a bad message; the semaphore bounds in-flight launches.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher started")
	for {
		if err := ctx.Err(); err != nil {
			d.log.Info("dispatcher stopping")
			return err
		}

		msgs, err := d.queue.Receive(ctx, 1, 5*time.Second)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			d.log.Warn("queue receive failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			m := msg
			go func() {
				defer d.sem.Release(1)
				d.Handle(ctx, m)
			}()
		}
	}
}

// Handle runs the claim-transition-launch-ack sequence for one delivery.
// Exported so tests can drive it without the receive loop.
func (d *Dispatcher) Handle(ctx context.Context, msg redisq.Message) {
	ev := msg.Event
	log := d.log.With("object_key", ev.ObjectKey, "receipt", msg.ReceiptHandle)

	jobID := ev.JobID
	if jobID == "" {
		// Bare delivery (e.g. a bucket notification without a confirm call).
		// A queued row for this object may already exist from a confirm whose
		// event was lost; adopt it before minting a fresh id.
		if existing, ferr := d.jobs.FindQueuedByObjectKey(ctx, ev.ObjectKey); ferr == nil {
			jobID = existing.JobID
		} else {
			jobID = uuid.NewString()
		}
	}

	ownerID, created, err := d.idem.Claim(ctx, ev.ObjectKey, ev.ObjectVersion, jobID)
	if err != nil {
		log.Warn("idempotency claim failed, leaving message for redelivery", "error", err)
		return
	}
	jobID = ownerID
	log = log.With("job_id", jobID)

	job, err := d.jobs.Get(ctx, jobID)
	if errors.Is(err, jobs.ErrNotFound) {
		job = &domain.Job{
			JobID:              jobID,
			ObjectKey:          ev.ObjectKey,
			ObjectVersion:      ev.ObjectVersion,
			ClientDurationHint: ev.DurationHint,
			State:              domain.JobQueued,
		}
		if cerr := d.jobs.Create(ctx, job); cerr != nil {
			log.Warn("job row create failed, leaving message for redelivery", "error", cerr)
			return
		}
		if created {
			log.Info("created job row for bare queue delivery")
		}
	} else if err != nil {
		log.Warn("job lookup failed, leaving message for redelivery", "error", err)
		return
	}

	// Already handled or in flight: this delivery is a duplicate.
	if job.State != domain.JobQueued {
		log.Info("job already past queued, acking duplicate delivery", "state", job.State)
		d.ack(ctx, msg)
		return
	}

	won, err := d.jobs.TransitionState(ctx, jobID, domain.JobQueued, domain.JobDispatched)
	if err != nil {
		log.Warn("dispatch transition failed, leaving message for redelivery", "error", err)
		return
	}
	if !won {
		log.Info("another dispatcher won the transition, acking")
		d.ack(ctx, msg)
		return
	}

	handle, err := d.launcher.Launch(ctx, jobID)
	if err != nil {
		// The job stays dispatched; redelivery retries the launch and the
		// DLQ catches persistent failures.
		log.Error("task launch failed, message stays in flight", "error", err)
		return
	}
	if err := d.jobs.SetTaskHandle(ctx, jobID, handle); err != nil {
		log.Warn("task handle not recorded", "handle", handle, "error", err)
	}

	d.ack(ctx, msg)
	log.Info("task launched", "handle", handle, "deliveries", msg.DeliveryCount)
}

func (d *Dispatcher) ack(ctx context.Context, msg redisq.Message) {
	if err := d.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		d.log.Warn("queue ack failed", "receipt", msg.ReceiptHandle, "error", err)
	}
}
