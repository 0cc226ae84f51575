// Package store provides the Redis-backed persistent store for pending tasks.
//
// Layout:
//   - task:{id}: hash holding one task record
//   - tasks:seq: creation counter, used as the score of every index
//   - tasks:all, tasks:state:{state}, tasks:owner:{id}, tasks:server:{id}: sorted sets
//     of task ids ordered by creation
//   - tasks:busy:{server}: in-process tasks of a server, the authoritative gate record
//
// Every write to a single task is atomic: updates run inside WATCH/MULTI and the
// ready -> in-process claim is a Lua script.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when no task exists for an id.
	ErrNotFound = errors.New("task not found")

	// ErrClaimConflict is returned when a claim loses: the task is no longer ready, the
	// server already runs a task, or a busy marker is present.
	ErrClaimConflict = errors.New("task claim conflict")

	// ErrPreconditionFailed is returned when a patch's Require filter no longer matches.
	ErrPreconditionFailed = errors.New("task changed since it was read")
)

// maxTxRetries bounds optimistic transaction retries on concurrent writes.
const maxTxRetries = 5

const (
	seqKey = "tasks:seq"
	allKey = "tasks:all"
)

func taskKey(id string) string { return "task:" + id }
func stateKey(s tasks.State) string { return "tasks:state:" + string(s) }
func ownerKey(ownerID string) string { return "tasks:owner:" + ownerID }
func serverKey(serverID string) string { return "tasks:server:" + serverID }
func busyKey(serverID string) string { return "tasks:busy:" + serverID }
func alertedKey(taskID string) string { return "tasks:alerted:" + taskID }

// Store manages task records in Redis.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for start and complete dates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store on top of an existing Redis client.
func New(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Redis exposes the underlying client for collaborators sharing the same database.
func (s *Store) Redis() *redis.Client {
	return s.rdb
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Create persists a new task and returns its id. A missing id is generated.
func (s *Store) Create(ctx context.Context, t *tasks.Task) (string, error) {
	if !t.OwnerKind.Valid() {
		return "", fmt.Errorf("invalid owner kind %q", t.OwnerKind)
	}
	if t.AssociatedServerID == "" {
		return "", errors.New("associated server id is required")
	}
	if t.State == "" {
		t.State = tasks.StateNotReady
	}
	if !t.State.Valid() {
		return "", fmt.Errorf("%w: %q", tasks.ErrInvalidState, t.State)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Details == nil {
		t.Details = map[string]interface{}{}
	}
	now := s.Now()
	t.CreatedAt = now
	t.Attempts = 0
	if t.State == tasks.StateInProcess && t.StartDate == nil {
		t.StartDate = &now
	}

	seq, err := s.rdb.Incr(ctx, seqKey).Result()
	if err != nil {
		return "", fmt.Errorf("allocate sequence: %w", err)
	}
	t.Seq = seq

	fields, err := encodeTask(t)
	if err != nil {
		return "", err
	}

	member := redis.Z{Score: float64(seq), Member: t.ID}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey(t.ID), fields)
		pipe.ZAdd(ctx, allKey, member)
		pipe.ZAdd(ctx, stateKey(t.State), member)
		pipe.ZAdd(ctx, ownerKey(t.OwnerID), member)
		pipe.ZAdd(ctx, serverKey(t.AssociatedServerID), member)
		if t.State == tasks.StateInProcess {
			pipe.ZAdd(ctx, busyKey(t.AssociatedServerID), member)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return t.ID, nil
}

// Get loads one task.
func (s *Store) Get(ctx context.Context, id string) (*tasks.Task, error) {
	return get(ctx, s.rdb, id)
}

// hashReader is satisfied by both the client and a watched transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func get(ctx context.Context, c hashReader, id string) (*tasks.Task, error) {
	h, err := c.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeTask(h)
}

// Update merges p into the stored task and returns the result.
// Attempts is incremented on every call, whatever the patch contains. A patch with
// Require set is applied only if the stored task still matches it, otherwise nothing
// is written and ErrPreconditionFailed is returned.
func (s *Store) Update(ctx context.Context, id string, p tasks.Patch) (*tasks.Task, error) {
	var updated *tasks.Task

	txf := func(tx *redis.Tx) error {
		t, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Require != nil && !p.Require.Matches(t) {
			return fmt.Errorf("%w: %s is %s", ErrPreconditionFailed, id, t.State)
		}
		prevState := t.State
		if err := applyPatch(t, p, s.Now()); err != nil {
			return err
		}
		fields, err := encodeTask(t)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, taskKey(id), fields)
			reindex(ctx, pipe, t, prevState)
			return nil
		})
		if err != nil {
			return err
		}
		updated = t
		return nil
	}

	if err := s.watch(ctx, txf, taskKey(id)); err != nil {
		return nil, err
	}
	return updated, nil
}

// reindex moves a task between state indexes and keeps the server busy index in step.
func reindex(ctx context.Context, pipe redis.Pipeliner, t *tasks.Task, prev tasks.State) {
	member := redis.Z{Score: float64(t.Seq), Member: t.ID}
	if prev != t.State {
		pipe.ZRem(ctx, stateKey(prev), t.ID)
		pipe.ZAdd(ctx, stateKey(t.State), member)
	}
	if t.State == tasks.StateInProcess {
		pipe.ZAdd(ctx, busyKey(t.AssociatedServerID), member)
	} else if prev == tasks.StateInProcess {
		pipe.ZRem(ctx, busyKey(t.AssociatedServerID), t.ID)
	}
}

// Delete removes a task and all of its index entries.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		t, err := get(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, taskKey(id), alertedKey(id))
			pipe.ZRem(ctx, allKey, id)
			pipe.ZRem(ctx, stateKey(t.State), id)
			pipe.ZRem(ctx, ownerKey(t.OwnerID), id)
			pipe.ZRem(ctx, serverKey(t.AssociatedServerID), id)
			pipe.ZRem(ctx, busyKey(t.AssociatedServerID), id)
			return nil
		})
		return err
	}, taskKey(id))
}

// watch runs an optimistic transaction, retrying when a watched key changed underneath.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("transaction on %v: %w", keys, redis.TxFailedErr)
}

// Find returns all tasks matching f, oldest first.
func (s *Store) Find(ctx context.Context, f tasks.Filter) ([]*tasks.Task, error) {
	ids, err := s.candidates(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	var found []*tasks.Task
	for _, cmd := range cmds {
		h, err := cmd.Result()
		if err != nil || len(h) == 0 {
			// Index entry outlived its record
			continue
		}
		t, err := decodeTask(h)
		if err != nil {
			return nil, err
		}
		if f.Matches(t) {
			found = append(found, t)
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Seq < found[j].Seq })
	if f.Limit > 0 && len(found) > f.Limit {
		found = found[:f.Limit]
	}
	return found, nil
}

// candidates picks the narrowest index for f and returns ids in creation order.
func (s *Store) candidates(ctx context.Context, f tasks.Filter) ([]string, error) {
	var keys []string
	switch {
	case f.AssociatedServerID != "":
		keys = []string{serverKey(f.AssociatedServerID)}
	case f.OwnerID != "":
		keys = []string{ownerKey(f.OwnerID)}
	case len(f.States) > 0:
		for _, st := range f.States {
			keys = append(keys, stateKey(st))
		}
	default:
		keys = []string{allKey}
	}

	seen := make(map[string]bool)
	var members []redis.Z
	for _, key := range keys {
		zs, err := s.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("scan index %s: %w", key, err)
		}
		for _, z := range zs {
			id := z.Member.(string)
			if !seen[id] {
				seen[id] = true
				members = append(members, z)
			}
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Score < members[j].Score })

	ids := make([]string, len(members))
	for i, z := range members {
		ids[i] = z.Member.(string)
	}
	return ids, nil
}

// BusyTasks returns the ids of tasks currently in process on a server.
func (s *Store) BusyTasks(ctx context.Context, serverID string) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, busyKey(serverID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read busy index of %s: %w", serverID, err)
	}
	return ids, nil
}

// Depths returns the number of tasks per state.
func (s *Store) Depths(ctx context.Context) map[tasks.State]int64 {
	depths := make(map[tasks.State]int64)
	for _, st := range tasks.AllStates {
		if n, err := s.rdb.ZCard(ctx, stateKey(st)).Result(); err == nil {
			depths[st] = n
		}
	}
	return depths
}

// MarkAlerted records that an alert for a task went out. It returns false when one was
// already recorded within ttl.
func (s *Store) MarkAlerted(ctx context.Context, taskID string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, alertedKey(taskID), s.Now().Format(time.RFC3339), ttl).Result()
}

// ClearAlerted forgets a recorded alert so the next check reports the task again.
func (s *Store) ClearAlerted(ctx context.Context, taskID string) error {
	return s.rdb.Del(ctx, alertedKey(taskID)).Err()
}
