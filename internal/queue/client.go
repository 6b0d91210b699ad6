package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client    *asynq.Client
	queue     string
	hardLimit time.Duration
}

// NewClient enqueues dispatch tasks on queueName. hardLimit bounds each task's
// run time; the worker treats a killed task as a failed dispatch.
func NewClient(redisOpt asynq.RedisClientOpt, queueName string, hardLimit time.Duration) *Client {
	if hardLimit <= 0 {
		hardLimit = 5 * time.Minute
	}
	return &Client{
		client:    asynq.NewClient(redisOpt),
		queue:     queueName,
		hardLimit: hardLimit,
	}
}

// EnqueueDispatch schedules a single submission of the attempt. Dispatch is
// never retried, so the task carries no retries.
func (c *Client) EnqueueDispatch(ctx context.Context, payload DispatchAttemptPayload) (*asynq.TaskInfo, error) {
	task, err := NewDispatchAttemptTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		taskOptions(c.queue, payload.AttemptID, c.hardLimit)...,
	)
}

func taskOptions(queueName, attemptID string, hardLimit time.Duration) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queueName),
		asynq.TaskID("dispatch:" + attemptID),
		asynq.MaxRetry(0),
		asynq.Timeout(hardLimit),
	}
}

func (c *Client) Close() error {
	return c.client.Close()
}
