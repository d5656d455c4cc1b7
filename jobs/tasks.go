package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskProjectionCatchUp folds newly appended transactions into the
	// stock projection (asynchronous materialization mode).
	TaskProjectionCatchUp = "ledger:project"
	// TaskIntegrityCheck compares the live projection against a full replay.
	TaskIntegrityCheck = "ledger:integrity"
	// TaskExpirySweep surfaces batches that have fully expired.
	TaskExpirySweep = "ledger:expiry_sweep"
	// TaskIdempotencyCleanup prunes aged idempotency keys.
	TaskIdempotencyCleanup = "ledger:idempotency_cleanup"
)

// ScheduledPayload carries scheduling metadata shared by the cron tasks.
type ScheduledPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewProjectionCatchUpTask constructs the incremental projection task.
func NewProjectionCatchUpTask() (*asynq.Task, error) {
	body, err := json.Marshal(ScheduledPayload{ScheduledFor: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProjectionCatchUp, body, asynq.Queue(QueueDefault)), nil
}

// NewIntegrityCheckTask constructs the nightly integrity task.
func NewIntegrityCheckTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ScheduledPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegrityCheck, body, asynq.Queue(QueueDefault)), nil
}

// NewExpirySweepTask constructs the daily expiry sweep task.
func NewExpirySweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ScheduledPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpirySweep, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs the idempotency retention task.
func NewIdempotencyCleanupTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ScheduledPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueProjection enqueues an incremental projection catch-up. It
// satisfies the mutation gateway's Enqueuer port.
func (c *Client) EnqueueProjection(ctx context.Context) error {
	task, err := NewProjectionCatchUpTask()
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
