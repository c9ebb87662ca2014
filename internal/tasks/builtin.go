package tasks

import (
	"context"
	"encoding/json"
)

// ProcessTask is the generic task used when an envelope names no task.
const ProcessTask = "tasks.process"

// ProcessResult is what ProcessTask records.
type ProcessResult struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload"`
}

// RegisterBuiltins adds ProcessTask, which echoes its payload back.
func RegisterBuiltins(reg *Registry) {
	reg.Register(ProcessTask, Typed(func(_ context.Context, payload json.RawMessage) (ProcessResult, error) {
		if payload == nil {
			payload = json.RawMessage("null")
		}
		return ProcessResult{Status: "completed", Payload: payload}, nil
	}))
}
