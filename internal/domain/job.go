package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Pending Status = "PENDING"
	Success Status = "SUCCESS"
	Failure Status = "FAILURE"
)

// Valid reports whether s is one of the recorded job states.
func (s Status) Valid() bool {
	switch s {
	case Pending, Success, Failure:
		return true
	}
	return false
}

// JobResult is the durable outcome of one task execution, keyed by task id.
// Result is nil when the task produced no payload.
type JobResult struct {
	TaskID    string          `json:"task_id"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
