// Package scheduler serializes long-running operations against servers.
//
// Callers enqueue tasks; three independent ticks then work on the store:
//   - the scheduler loop (fast, ~1m) starts at most one ready task per tick,
//   - the alert monitor (~15m) reports tasks running unusually long,
//   - the reaper (~1h) times out stuck tasks and releases their servers.
//
// None of the ticks keep state between runs, so any number of processes may run them.
// Mutual exclusion per server comes from the store's atomic claim.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/guido-cesarano/taskgate/pkg/dispatch"
	"github.com/guido-cesarano/taskgate/pkg/gate"
	"github.com/guido-cesarano/taskgate/pkg/logger"
	"github.com/guido-cesarano/taskgate/pkg/notify"
	"github.com/guido-cesarano/taskgate/pkg/store"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
)

// Resolver finds the server gated by an owner.
type Resolver interface {
	ResolveServer(ctx context.Context, ownerID string, kind tasks.OwnerKind) (string, error)
}

// Cleaner clears busy markers handlers left on the owning entity.
type Cleaner interface {
	CleanupServer(ctx context.Context, serverID string) error
	CleanupApp(ctx context.Context, appID string) error
}

// HistoryTrimmer trims auxiliary append-only logs on the reaper tick.
type HistoryTrimmer interface {
	TrimHistory(ctx context.Context, keep int64) (int64, error)
}

// Config holds the tick thresholds.
type Config struct {
	StuckThreshold   time.Duration
	MaxCleanupPerRun int
	AlertThreshold   time.Duration

	// RealertAfter suppresses repeat long-running alerts for the same task. Zero alerts
	// on every monitor tick.
	RealertAfter time.Duration

	// HistoryKeep is the number of dispatch history entries kept by the reaper. Zero
	// disables trimming.
	HistoryKeep int64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		StuckThreshold:   2 * time.Hour,
		MaxCleanupPerRun: 100,
		AlertThreshold:   15 * time.Minute,
		HistoryKeep:      1000,
	}
}

// Deps are the collaborators of a Scheduler. History is optional.
type Deps struct {
	Store      *store.Store
	Gate       *gate.Gate
	Resolver   Resolver
	Cleaner    Cleaner
	Dispatcher dispatch.Dispatcher
	Notifier   notify.Notifier
	History    HistoryTrimmer
}

// Scheduler owns every operation on pending tasks.
type Scheduler struct {
	Deps
	cfg Config
}

// New creates a scheduler. Zero config fields fall back to DefaultConfig.
func New(deps Deps, cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = def.StuckThreshold
	}
	if cfg.MaxCleanupPerRun <= 0 {
		cfg.MaxCleanupPerRun = def.MaxCleanupPerRun
	}
	if cfg.AlertThreshold <= 0 {
		cfg.AlertThreshold = def.AlertThreshold
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{}
	}
	return &Scheduler{Deps: deps, cfg: cfg}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// NewTask is the enqueue request.
type NewTask struct {
	OwnerID   string                 `json:"owner_id"`
	OwnerKind tasks.OwnerKind        `json:"owner_kind"`
	Type      string                 `json:"task_type"`
	Key       string                 `json:"task_key"`
	Details   map[string]interface{} `json:"details"`
	State     tasks.State            `json:"state"`
	Reference string                 `json:"reference,omitempty"`
	Comment   string                 `json:"comment,omitempty"`
}

// CreateTask enqueues a task and returns its id. The associated server is resolved from
// the owner. A task without an action hook is accepted but will never be dispatched.
func (s *Scheduler) CreateTask(ctx context.Context, req NewTask) (string, error) {
	if req.OwnerID == "" {
		return "", fmt.Errorf("owner id is required")
	}
	if !req.OwnerKind.Valid() {
		return "", fmt.Errorf("invalid owner kind %q", req.OwnerKind)
	}
	serverID, err := s.Resolver.ResolveServer(ctx, req.OwnerID, req.OwnerKind)
	if err != nil {
		return "", err
	}

	t := &tasks.Task{
		OwnerID:            req.OwnerID,
		OwnerKind:          req.OwnerKind,
		AssociatedServerID: serverID,
		Type:               req.Type,
		Key:                req.Key,
		Details:            req.Details,
		State:              req.State,
		Reference:          req.Reference,
		Comment:            req.Comment,
	}
	id, err := s.Store.Create(ctx, t)
	if err != nil {
		return "", err
	}

	log := logger.Log.Info()
	if _, ok := t.ActionHook(); !ok {
		log = logger.Log.Warn().Bool("no_action_hook", true)
	}
	log.Str("task_id", id).
		Str("owner_id", t.OwnerID).
		Str("server_id", serverID).
		Str("type", t.Type).
		Str("state", string(t.State)).
		Msg("Task enqueued")
	return id, nil
}

// FindByKeyStateType looks up tasks for a logical operation key.
func (s *Scheduler) FindByKeyStateType(ctx context.Context, key string, state tasks.State, taskType string) ([]*tasks.Task, error) {
	return s.Store.FindByKeyStateType(ctx, key, state, taskType)
}

// FindByOwnerStateType looks up the tasks of one owner.
func (s *Scheduler) FindByOwnerStateType(ctx context.Context, ownerID string, state tasks.State, taskType string) ([]*tasks.Task, error) {
	return s.Store.FindByOwnerStateType(ctx, ownerID, state, taskType)
}
