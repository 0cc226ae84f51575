package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/guido-cesarano/taskgate/pkg/tasks"
)

// Hash field names of a task record.
const (
	fieldID           = "id"
	fieldOwnerID      = "owner_id"
	fieldOwnerKind    = "owner_kind"
	fieldServerID     = "associated_server_id"
	fieldType         = "task_type"
	fieldKey          = "task_key"
	fieldDetails      = "details"
	fieldState        = "state"
	fieldAttempts     = "attempts"
	fieldReference    = "reference"
	fieldComment      = "comment"
	fieldMessages     = "messages"
	fieldStartDate    = "start_date"
	fieldCompleteDate = "complete_date"
	fieldCreatedAt    = "created_at"
	fieldSeq          = "seq"
)

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// encodeTask flattens a task into hash fields.
func encodeTask(t *tasks.Task) (map[string]interface{}, error) {
	details, err := json.Marshal(t.Details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	created := t.CreatedAt
	return map[string]interface{}{
		fieldID:           t.ID,
		fieldOwnerID:      t.OwnerID,
		fieldOwnerKind:    string(t.OwnerKind),
		fieldServerID:     t.AssociatedServerID,
		fieldType:         t.Type,
		fieldKey:          t.Key,
		fieldDetails:      string(details),
		fieldState:        string(t.State),
		fieldAttempts:     t.Attempts,
		fieldReference:    t.Reference,
		fieldComment:      t.Comment,
		fieldMessages:     t.Messages,
		fieldStartDate:    formatTime(t.StartDate),
		fieldCompleteDate: formatTime(t.CompleteDate),
		fieldCreatedAt:    formatTime(&created),
		fieldSeq:          t.Seq,
	}, nil
}

// decodeTask rebuilds a task from HGETALL output.
func decodeTask(h map[string]string) (*tasks.Task, error) {
	t := &tasks.Task{
		ID:                 h[fieldID],
		OwnerID:            h[fieldOwnerID],
		OwnerKind:          tasks.OwnerKind(h[fieldOwnerKind]),
		AssociatedServerID: h[fieldServerID],
		Type:               h[fieldType],
		Key:                h[fieldKey],
		State:              tasks.State(h[fieldState]),
		Reference:          h[fieldReference],
		Comment:            h[fieldComment],
		Messages:           h[fieldMessages],
	}

	var err error
	if raw := h[fieldDetails]; raw != "" && raw != "null" {
		if err = json.Unmarshal([]byte(raw), &t.Details); err != nil {
			return nil, fmt.Errorf("decode details of %s: %w", t.ID, err)
		}
	}
	if t.Details == nil {
		t.Details = map[string]interface{}{}
	}
	if raw := h[fieldAttempts]; raw != "" {
		if t.Attempts, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("decode attempts of %s: %w", t.ID, err)
		}
	}
	if raw := h[fieldSeq]; raw != "" {
		if t.Seq, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("decode seq of %s: %w", t.ID, err)
		}
	}
	if t.StartDate, err = parseTime(h[fieldStartDate]); err != nil {
		return nil, fmt.Errorf("decode start_date of %s: %w", t.ID, err)
	}
	if t.CompleteDate, err = parseTime(h[fieldCompleteDate]); err != nil {
		return nil, fmt.Errorf("decode complete_date of %s: %w", t.ID, err)
	}
	created, err := parseTime(h[fieldCreatedAt])
	if err != nil {
		return nil, fmt.Errorf("decode created_at of %s: %w", t.ID, err)
	}
	if created != nil {
		t.CreatedAt = *created
	}
	return t, nil
}

// applyPatch mutates t according to p. Attempts always increases by one and the start
// date is stamped on the first update unless the patch says otherwise.
func applyPatch(t *tasks.Task, p tasks.Patch, now time.Time) error {
	t.Attempts++

	if p.State != nil {
		if !p.State.Valid() {
			return fmt.Errorf("%w: %q", tasks.ErrInvalidState, *p.State)
		}
		if *p.State == tasks.StateComplete && t.State != tasks.StateComplete {
			t.CompleteDate = &now
		}
		t.State = *p.State
	}
	if p.Reference != nil {
		t.Reference = *p.Reference
	}
	if p.Comment != nil {
		t.Comment = *p.Comment
	}
	if len(p.Details) > 0 {
		if t.Details == nil {
			t.Details = map[string]interface{}{}
		}
		for k, v := range p.Details {
			t.Details[k] = v
		}
	}
	if p.AppendMessage != "" {
		if t.Messages == "" {
			t.Messages = p.AppendMessage
		} else {
			t.Messages += "\n" + p.AppendMessage
		}
	}

	switch {
	case p.ClearStartDate:
		t.StartDate = nil
	case p.StartDate != nil:
		start := *p.StartDate
		t.StartDate = &start
	case t.StartDate == nil:
		t.StartDate = &now
	}
	return nil
}
