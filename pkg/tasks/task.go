// Package tasks defines the core data structures for pending remote-server operations.
// A Task is a persisted unit of deferred work bound to an owning entity (a server or an
// app) and to the server whose gate it occupies while in process.
package tasks

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a Task.
type State string

const (
	StateNotReady       State = "not-ready"
	StateReady          State = "ready"
	StateInProcess      State = "in-process"
	StateComplete       State = "complete"
	StateCompleteManual State = "complete-manual"
	StateFailed         State = "failed"
	StateFailedManual   State = "failed-manual"
	StateFailedTimeout  State = "failed-timeout"
)

// AllStates lists every known state in lifecycle order.
var AllStates = []State{
	StateNotReady,
	StateReady,
	StateInProcess,
	StateComplete,
	StateCompleteManual,
	StateFailed,
	StateFailedManual,
	StateFailedTimeout,
}

var terminalStates = map[State]bool{
	StateComplete:       true,
	StateCompleteManual: true,
	StateFailed:         true,
	StateFailedManual:   true,
	StateFailedTimeout:  true,
}

// IdleStates are the states the reaper never touches: waiting work plus terminal history.
var IdleStates = []State{
	StateNotReady,
	StateReady,
	StateComplete,
	StateCompleteManual,
	StateFailed,
	StateFailedManual,
	StateFailedTimeout,
}

// ActiveStates are the states the reaper scans: everything not in IdleStates.
var ActiveStates = []State{StateInProcess}

// PendingStates are the non-terminal states removed when an owner is deleted.
var PendingStates = []State{StateReady, StateInProcess, StateNotReady}

var ErrInvalidState = errors.New("invalid task state")

// IsTerminal reports whether s is a final success or failure state.
func (s State) IsTerminal() bool {
	return terminalStates[s]
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// ParseState converts a raw string into a State.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
	return s, nil
}

// OwnerKind disambiguates how OwnerID is resolved and which cleanup hook runs.
type OwnerKind string

const (
	OwnerServer OwnerKind = "server"
	OwnerApp    OwnerKind = "app"
)

// Valid reports whether k is a known owner kind.
func (k OwnerKind) Valid() bool {
	return k == OwnerServer || k == OwnerApp
}

// Details keys the scheduler reads or writes.
const (
	DetailActionHook = "action_hook"
	DetailServerID   = "server_id"
	DetailOwnerKind  = "owner_kind"
)

// Task represents one deferred, serialized operation against a server.
//
// Attempts is incremented by the store on every update. StartDate is set once, on the
// first update, and only cleared by an explicit reset. CompleteDate is set when the task
// reaches StateComplete.
type Task struct {
	ID                 string                 `json:"id"`
	OwnerID            string                 `json:"owner_id"`
	OwnerKind          OwnerKind              `json:"owner_kind"`
	AssociatedServerID string                 `json:"associated_server_id"`
	Type               string                 `json:"task_type"`
	Key                string                 `json:"task_key"`
	Details            map[string]interface{} `json:"details"`
	State              State                  `json:"state"`
	Attempts           int                    `json:"attempts"`
	Reference          string                 `json:"reference,omitempty"`
	Comment            string                 `json:"comment,omitempty"`
	Messages           string                 `json:"messages,omitempty"`
	StartDate          *time.Time             `json:"start_date,omitempty"`
	CompleteDate       *time.Time             `json:"complete_date,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`

	// Seq is the store-assigned creation order.
	Seq int64 `json:"seq"`
}

// ActionHook returns the dispatch target named in Details, if any.
func (t *Task) ActionHook() (string, bool) {
	if t.Details == nil {
		return "", false
	}
	hook, ok := t.Details[DetailActionHook].(string)
	if !ok || hook == "" {
		return "", false
	}
	return hook, true
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	State     *State
	Reference *string
	Comment   *string

	// Details is merged key by key into the stored details.
	Details map[string]interface{}

	// AppendMessage is added to the message trail.
	AppendMessage string

	// StartDate overrides the start date. ClearStartDate resets it to null and takes
	// precedence over StartDate.
	StartDate      *time.Time
	ClearStartDate bool

	// Require, when set, must still match the stored task or the update is refused.
	Require *Filter
}

// StatePtr is a small helper for building patches.
func StatePtr(s State) *State {
	return &s
}

// Filter selects tasks in Find. Zero-valued fields do not filter.
type Filter struct {
	States        []State
	ExcludeStates []State

	OwnerID            string
	AssociatedServerID string
	Key                string
	Type               string

	// StartedBefore matches tasks whose start date is set and <= the given time.
	StartedBefore *time.Time

	// Limit caps the number of results; 0 means unlimited.
	Limit int
}

// Matches reports whether t satisfies every set criterion of f.
func (f Filter) Matches(t *Task) bool {
	if len(f.States) > 0 && !containsState(f.States, t.State) {
		return false
	}
	if containsState(f.ExcludeStates, t.State) {
		return false
	}
	if f.OwnerID != "" && t.OwnerID != f.OwnerID {
		return false
	}
	if f.AssociatedServerID != "" && t.AssociatedServerID != f.AssociatedServerID {
		return false
	}
	if f.Key != "" && t.Key != f.Key {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.StartedBefore != nil {
		if t.StartDate == nil || t.StartDate.After(*f.StartedBefore) {
			return false
		}
	}
	return true
}

func containsState(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
