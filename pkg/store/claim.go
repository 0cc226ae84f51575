package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/guido-cesarano/taskgate/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// claimScript atomically moves a task from ready to in-process.
//
// KEYS[1] task hash, KEYS[2] server busy index, KEYS[3] ready index,
// KEYS[4] in-process index, KEYS[5..] guard keys (entity busy markers).
// ARGV[1] task id, ARGV[2] merged details JSON, ARGV[3] now, ARGV[4] server id.
//
// Returns 1 on success, 0 if the task is not ready, -1 if the server already has a task
// in process, -2 if a guard key exists.
var claimScript = redis.NewScript(`
	local task_key = KEYS[1]
	local busy_key = KEYS[2]
	local ready_key = KEYS[3]
	local active_key = KEYS[4]

	if redis.call('HGET', task_key, 'state') ~= 'ready' then
		return 0
	end
	if redis.call('ZCARD', busy_key) > 0 then
		return -1
	end
	for i = 5, #KEYS do
		if redis.call('EXISTS', KEYS[i]) == 1 then
			return -2
		end
	end

	local seq = redis.call('HGET', task_key, 'seq')
	redis.call('HSET', task_key, 'state', 'in-process', 'details', ARGV[2], 'associated_server_id', ARGV[4])
	redis.call('HINCRBY', task_key, 'attempts', 1)
	local started = redis.call('HGET', task_key, 'start_date')
	if not started or started == '' then
		redis.call('HSET', task_key, 'start_date', ARGV[3])
	end

	redis.call('ZREM', ready_key, ARGV[1])
	redis.call('ZADD', active_key, seq, ARGV[1])
	redis.call('ZADD', busy_key, seq, ARGV[1])
	return 1
`)

// ClaimResult explains a lost claim.
type ClaimResult int

const (
	Claimed       ClaimResult = 1
	NotReady      ClaimResult = 0
	ServerBusy    ClaimResult = -1
	MarkerPresent ClaimResult = -2
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case NotReady:
		return "not ready"
	case ServerBusy:
		return "server busy"
	case MarkerPresent:
		return "busy marker present"
	}
	return fmt.Sprintf("claim result %d", int(r))
}

// ClaimRequest describes a ready -> in-process transition.
type ClaimRequest struct {
	TaskID   string
	ServerID string

	// Details replaces the stored details; callers pass the merged map.
	Details map[string]interface{}

	// GuardKeys are Redis keys whose existence blocks the claim.
	GuardKeys []string
}

// Claim performs the conditional ready -> in-process update for one task. It only
// succeeds if the task is still ready, no other task is in process on the server and
// none of the guard keys exist. Attempts is incremented and the start date stamped if
// unset. A lost claim returns ErrClaimConflict together with the reason.
func (s *Store) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	details, err := json.Marshal(req.Details)
	if err != nil {
		return NotReady, fmt.Errorf("encode details: %w", err)
	}

	keys := []string{
		taskKey(req.TaskID),
		busyKey(req.ServerID),
		stateKey(tasks.StateReady),
		stateKey(tasks.StateInProcess),
	}
	keys = append(keys, req.GuardKeys...)

	now := s.Now()
	res, err := claimScript.Run(ctx, s.rdb, keys,
		req.TaskID,
		string(details),
		formatTime(&now),
		req.ServerID,
	).Int64()
	if err != nil {
		return NotReady, fmt.Errorf("claim task %s: %w", req.TaskID, err)
	}

	result := ClaimResult(res)
	if result != Claimed {
		return result, fmt.Errorf("%w: %s", ErrClaimConflict, result)
	}
	return result, nil
}
