// Package audit persists execution records for coordination decisions that
// operators need to reconstruct later, mainly agent failures and forced
// releases.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how the recorded action ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// Action types written by the coordinator.
const (
	ActionAgentFailure  = "agent_failure"
	ActionForcedRelease = "forced_release"
)

// Record is one append-only audit row.
type Record struct {
	ID         string            `json:"id"`
	Agent      string            `json:"agent"`
	Task       string            `json:"task,omitempty"`
	ActionType string            `json:"action_type"`
	Outcome    Outcome           `json:"outcome"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Recorder is the append-only sink the coordinator writes to.
type Recorder interface {
	Append(ctx context.Context, record Record) error
}

func normalize(record Record) (Record, error) {
	record.Agent = strings.TrimSpace(record.Agent)
	if record.Agent == "" {
		return Record{}, fmt.Errorf("agent required")
	}
	record.ActionType = strings.TrimSpace(record.ActionType)
	if record.ActionType == "" {
		return Record{}, fmt.Errorf("action type required")
	}
	if record.Outcome == "" {
		record.Outcome = OutcomeFailure
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return record, nil
}
