// Package queue provides the Redis-backed dispatch queue between the scheduler and workers.
// Once the scheduler loop has claimed a task it publishes a Job naming the dispatch target.
// Workers consume jobs reliably:
//   - Atomic dequeuing with BLMove into a processing list
//   - Acknowledgement into a capped history list
//   - Retention trimming of that history, driven by the reaper tick
//
// The Client type is the main entry point for interacting with the queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names.
const (
	PendingQueue    = "dispatch:queue"
	ProcessingQueue = "dispatch:processing"
	HistoryQueue    = "dispatch:history"
)

// Queues lists every dispatch list the client manages.
var Queues = []string{PendingQueue, ProcessingQueue, HistoryQueue}

// IsQueue reports whether name is one of the dispatch lists.
func IsQueue(name string) bool {
	for _, q := range Queues {
		if q == name {
			return true
		}
	}
	return false
}

// Job is one dispatch of a task to a named target.
type Job struct {
	ID           string                 `json:"id"`
	TaskID       string                 `json:"task_id"`
	OwnerID      string                 `json:"owner_id"`
	Hook         string                 `json:"action_hook"`
	Details      map[string]interface{} `json:"details"`
	DispatchedAt time.Time              `json:"dispatched_at"`
}

// NewJob builds a job for a claimed task.
func NewJob(taskID, ownerID, hook string, details map[string]interface{}) Job {
	return Job{
		ID:           uuid.New().String(),
		TaskID:       taskID,
		OwnerID:      ownerID,
		Hook:         hook,
		Details:      details,
		DispatchedAt: time.Now().UTC(),
	}
}

// Client manages the dispatch lists in Redis.
// All operations are context-aware and support graceful cancellation.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a queue client sharing an existing Redis connection.
//
// Example:
//
//	client := queue.NewClient(redis.NewClient(&redis.Options{Addr: "localhost:6379"}))
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Publish pushes a job to the tail of the pending queue.
func (c *Client) Publish(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, PendingQueue, data).Err()
}

// Dequeue atomically moves the oldest pending job into the processing list.
// It blocks up to timeout and returns redis.Nil when nothing arrived.
// The raw string must be passed back to Complete.
func (c *Client) Dequeue(ctx context.Context, timeout time.Duration) (*Job, string, error) {
	result, err := c.rdb.BLMove(ctx, PendingQueue, ProcessingQueue, "LEFT", "RIGHT", timeout).Result()
	if err != nil {
		return nil, "", err
	}

	var job Job
	if err := json.Unmarshal([]byte(result), &job); err != nil {
		// Drop the poison entry so it does not block the processing list forever
		c.rdb.LRem(ctx, ProcessingQueue, 1, result)
		return nil, "", fmt.Errorf("decode job: %w", err)
	}
	return &job, result, nil
}

// Complete acknowledges a job by moving it from the processing list to the history list.
func (c *Client) Complete(ctx context.Context, rawJob string) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, ProcessingQueue, 1, rawJob)
	pipe.RPush(ctx, HistoryQueue, rawJob)
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue moves an unfinished job from the processing list back to the head of the
// pending queue.
func (c *Client) Requeue(ctx context.Context, rawJob string) error {
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, ProcessingQueue, 1, rawJob)
	pipe.LPush(ctx, PendingQueue, rawJob)
	_, err := pipe.Exec(ctx)
	return err
}

// TrimHistory keeps only the newest keep entries of the history list and returns how
// many were dropped.
func (c *Client) TrimHistory(ctx context.Context, keep int64) (int64, error) {
	before, err := c.rdb.LLen(ctx, HistoryQueue).Result()
	if err != nil {
		return 0, err
	}
	if before <= keep {
		return 0, nil
	}
	if err := c.rdb.LTrim(ctx, HistoryQueue, -keep, -1).Err(); err != nil {
		return 0, err
	}
	return before - keep, nil
}

// GetQueueDepths returns the current length of every dispatch list.
func (c *Client) GetQueueDepths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	for _, q := range Queues {
		if n, err := c.rdb.LLen(ctx, q).Result(); err == nil {
			depths[q] = n
		}
	}
	return depths
}

// InspectQueue returns the first limit jobs of a list without removing them.
func (c *Client) InspectQueue(ctx context.Context, queueName string, limit int64) ([]*Job, error) {
	rawJobs, err := c.rdb.LRange(ctx, queueName, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	for _, raw := range rawJobs {
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}
