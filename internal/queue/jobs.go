package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// GenerateRedesignTask is scheduled once per accepted upload.
	GenerateRedesignTask = "redesign:generate"
	// QueueName is the asynq queue generation tasks run on.
	QueueName = "redesigns"

	// taskGrace lets the handler record the outcome of a job that used its
	// whole timeout before asynq cancels the handler context.
	taskGrace = 2 * time.Minute
)

// GeneratePayload is serialized into the task payload. The worker reads
// everything else from the record.
type GeneratePayload struct {
	RedesignID string `json:"redesign_id"`
}

// Decode parses a task payload.
func Decode(task *asynq.Task) (GeneratePayload, error) {
	var payload GeneratePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.RedesignID == "" {
		return payload, errors.New("decode payload: redesign_id is empty")
	}
	return payload, nil
}

// Client enqueues generation tasks on Redis.
type Client struct {
	client     *asynq.Client
	jobTimeout time.Duration
}

// NewClient connects to Redis. jobTimeout is the job runner's ceiling; the
// task deadline is set a little above it.
func NewClient(opt asynq.RedisClientOpt, jobTimeout time.Duration) *Client {
	return &Client{client: asynq.NewClient(opt), jobTimeout: jobTimeout}
}

// Dispatch enqueues a generation task. Tasks are never retried and the record
// id doubles as the task id, so one record can never be queued twice.
func (c *Client) Dispatch(ctx context.Context, payload GeneratePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(GenerateRedesignTask, data)
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.TaskID(payload.RedesignID),
		asynq.MaxRetry(0),
		asynq.Timeout(c.jobTimeout+taskGrace),
	)
	if err != nil {
		return fmt.Errorf("enqueue generate task: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}
