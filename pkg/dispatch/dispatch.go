// Package dispatch runs named dispatch targets for claimed tasks.
//
// A target is looked up by the task's action hook. Targets are expected to report
// progress through Callbacks. When a target returns an error or panics, the task is
// marked failed right away instead of waiting for the reaper's timeout.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/metrics"
	"github.com/guido-cesarano/taskgate/pkg/queue"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// ErrInterrupted is returned by Run when the handler gave up because ctx was cancelled.
// The task is left in process so the job can be delivered again.
var ErrInterrupted = errors.New("handler interrupted")

// Handler performs the remote work of one task.
type Handler func(ctx context.Context, job queue.Job, cb *Callbacks) error

// Dispatcher hands a claimed task to whoever runs it. It must not wait for completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, job queue.Job) error
}

// Updater is the part of the task store callbacks need.
type Updater interface {
	Update(ctx context.Context, id string, p tasks.Patch) (*tasks.Task, error)
}

// Callbacks let targets advance the task they were given.
type Callbacks struct {
	store Updater
}

// NewCallbacks wraps a task store.
func NewCallbacks(store Updater) *Callbacks {
	return &Callbacks{store: store}
}

// Complete marks a task complete.
func (c *Callbacks) Complete(ctx context.Context, taskID, message string) error {
	_, err := c.store.Update(ctx, taskID, tasks.Patch{State: tasks.StatePtr(tasks.StateComplete), AppendMessage: message})
	return err
}

// Fail marks a task failed.
func (c *Callbacks) Fail(ctx context.Context, taskID, message string) error {
	_, err := c.store.Update(ctx, taskID, tasks.Patch{State: tasks.StatePtr(tasks.StateFailed), AppendMessage: message})
	return err
}

// SetState moves a task to any state, e.g. back to ready for a resumable step.
func (c *Callbacks) SetState(ctx context.Context, taskID string, state tasks.State, message string) error {
	_, err := c.store.Update(ctx, taskID, tasks.Patch{State: &state, AppendMessage: message})
	return err
}

// AppendMessage adds a line to the task's diagnostic trail.
func (c *Callbacks) AppendMessage(ctx context.Context, taskID, message string) error {
	_, err := c.store.Update(ctx, taskID, tasks.Patch{AppendMessage: message})
	return err
}

// Registry maps action hooks to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	cb       *Callbacks
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry reporting through cb.
func NewRegistry(cb *Callbacks) *Registry {
	return &Registry{handlers: make(map[string]Handler), cb: cb}
}

// Register binds a handler to an action hook, replacing any previous one.
func (r *Registry) Register(hook string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[hook] = h
}

// Hooks returns the registered hook names.
func (r *Registry) Hooks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hooks := make([]string, 0, len(r.handlers))
	for h := range r.handlers {
		hooks = append(hooks, h)
	}
	return hooks
}

// Run executes the handler for job synchronously.
func (r *Registry) Run(ctx context.Context, job queue.Job) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Hook]
	r.mu.RUnlock()

	log := logger.Log.With().Str("task_id", job.TaskID).Str("hook", job.Hook).Logger()
	if !ok {
		metrics.HandlerResults.WithLabelValues(job.Hook, "unknown_hook").Inc()
		err := fmt.Errorf("no handler registered for action hook %q", job.Hook)
		log.Error().Err(err).Msg("Cannot run task")
		return r.fail(ctx, job, err)
	}

	start := time.Now()
	err := r.invoke(ctx, h, job)
	metrics.HandlerDuration.WithLabelValues(job.Hook).Observe(time.Since(start).Seconds())

	var p *panicError
	switch {
	case errors.As(err, &p):
		metrics.HandlerResults.WithLabelValues(job.Hook, "panic").Inc()
		log.Error().Err(err).Msg("Handler panicked")
		return r.fail(ctx, job, err)
	case err != nil && ctx.Err() != nil:
		metrics.HandlerResults.WithLabelValues(job.Hook, "interrupted").Inc()
		log.Warn().Err(err).Msg("Handler interrupted")
		return fmt.Errorf("%w: %v", ErrInterrupted, err)
	case err != nil:
		metrics.HandlerResults.WithLabelValues(job.Hook, "failed").Inc()
		log.Error().Err(err).Msg("Handler failed")
		return r.fail(ctx, job, err)
	}
	metrics.HandlerResults.WithLabelValues(job.Hook, "returned").Inc()
	log.Info().Dur("took", time.Since(start)).Msg("Handler returned")
	return nil
}

type panicError struct {
	value interface{}
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}

func (r *Registry) invoke(ctx context.Context, h Handler, job queue.Job) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{value: v}
		}
	}()
	return h(ctx, job, r.cb)
}

func (r *Registry) fail(ctx context.Context, job queue.Job, cause error) error {
	if err := r.cb.Fail(context.WithoutCancel(ctx), job.TaskID, cause.Error()); err != nil {
		return fmt.Errorf("record failure of %s: %w (cause: %v)", job.TaskID, err, cause)
	}
	return cause
}

// Dispatch runs the job in the background. It implements Dispatcher for single-process
// deployments where the scheduler and the targets live together.
func (r *Registry) Dispatch(ctx context.Context, job queue.Job) error {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// The tick that dispatched the job may finish before the handler does
		r.Run(context.WithoutCancel(ctx), job)
	}()
	return nil
}

// Wait blocks until every background handler started by Dispatch returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Consume runs jobs from the dispatch queue until ctx is cancelled. A job whose handler
// is interrupted by the cancellation is pushed back to the head of the queue, its task
// still in process, so the next worker picks it up.
func (r *Registry) Consume(ctx context.Context, client *queue.Client, poll time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, raw, err := client.Dequeue(ctx, poll)
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				logger.Log.Error().Err(err).Msg("Dequeue failed")
				time.Sleep(poll)
			}
			continue
		}

		err = r.Run(ctx, *job)

		// Shutdown cancels ctx; the bookkeeping below must still land
		bg := context.WithoutCancel(ctx)
		if errors.Is(err, ErrInterrupted) {
			if err := client.Requeue(bg, raw); err != nil {
				logger.Log.Error().Err(err).Str("task_id", job.TaskID).Msg("Failed to requeue interrupted job")
			} else {
				logger.Log.Info().Str("task_id", job.TaskID).Msg("Interrupted job returned to the queue")
			}
			continue
		}
		if err := client.Complete(bg, raw); err != nil {
			logger.Log.Error().Err(err).Str("task_id", job.TaskID).Msg("Failed to ack job")
		}
	}
}

// Publisher dispatches by pushing jobs onto the Redis queue for remote workers.
type Publisher struct {
	Queue *queue.Client
}

func (p Publisher) Dispatch(ctx context.Context, job queue.Job) error {
	return p.Queue.Publish(ctx, job)
}
