package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/veriflow-labs/veriflow-go/internal/repo"
)

// QueueDispatcher enqueues execution tasks on a redis list. Inside a
// transaction (signalled by an AfterCommit hook on the context) the enqueue
// is deferred until the caller flushes, so a worker never dequeues a run
// whose row is not committed yet.
type QueueDispatcher struct {
	client *redis.Client
	queue  string
	log    *slog.Logger
}

func NewQueueDispatcher(client *redis.Client, queue string, log *slog.Logger) (*QueueDispatcher, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &QueueDispatcher{client: client, queue: queue, log: log}, nil
}

func (d *QueueDispatcher) Name() string { return "queue" }
func (d *QueueDispatcher) IsSync() bool { return false }

func (d *QueueDispatcher) Available(ctx context.Context) bool {
	return d.client.Ping(ctx).Err() == nil
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, req Request) Response {
	if err := req.validate(); err != nil {
		return Response{Error: err.Error()}
	}
	payload, err := Task{Type: TaskTypeExecuteRun, Data: req}.Marshal()
	if err != nil {
		return Response{Error: err.Error()}
	}
	taskID := uuid.NewString()

	if hook := afterCommitFrom(ctx); hook != nil {
		hook.add(func(flushCtx context.Context) {
			if err := d.client.LPush(flushCtx, d.queue, payload).Err(); err != nil {
				d.log.Error("deferred enqueue failed", "run_id", req.RunID, "task_id", taskID, "error", err)
			}
		})
		return Response{TaskID: taskID}
	}

	if err := d.client.LPush(ctx, d.queue, payload).Err(); err != nil {
		d.log.Error("enqueue failed", "run_id", req.RunID, "error", err)
		return Response{Error: "enqueue: " + err.Error()}
	}
	return Response{TaskID: taskID}
}

const (
	consumerPollTimeout = 5 * time.Second
	maxTaskAttempts     = 3
	retryDelay          = 500 * time.Millisecond
)

// TaskHandler processes one dequeued task.
type TaskHandler func(ctx context.Context, task Task) error

// Consumer drains the queue in a blocking loop. A handler returning a
// not-found error within the retry budget gets the task re-enqueued: the
// producing transaction may not be visible yet.
type Consumer struct {
	client  *redis.Client
	queue   string
	handler TaskHandler
	log     *slog.Logger
}

func NewConsumer(client *redis.Client, queue string, handler TaskHandler, log *slog.Logger) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	if handler == nil {
		return nil, errors.New("task handler is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{client: client, queue: queue, handler: handler, log: log}, nil
}

// Run blocks until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := c.client.BRPop(ctx, consumerPollTimeout, c.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("dequeue failed", "queue", c.queue, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if len(result) != 2 {
			continue
		}

		task, err := UnmarshalTask([]byte(result[1]))
		if err != nil {
			c.log.Error("malformed task dropped", "queue", c.queue, "error", err)
			continue
		}

		if err := c.handler(ctx, task); err != nil {
			if errors.Is(err, repo.ErrNotFound) && task.Attempts < maxTaskAttempts {
				task.Attempts++
				c.log.Warn("task not resolvable yet, re-enqueueing",
					"run_id", task.Data.RunID, "attempt", task.Attempts)
				time.Sleep(retryDelay)
				if payload, merr := task.Marshal(); merr == nil {
					if perr := c.client.LPush(ctx, c.queue, payload).Err(); perr != nil {
						c.log.Error("re-enqueue failed", "run_id", task.Data.RunID, "error", perr)
					}
				}
				continue
			}
			c.log.Error("task failed", "run_id", task.Data.RunID, "type", task.Type, "error", err)
		}
	}
}
