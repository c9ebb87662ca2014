// Package storage records task outcomes keyed by task id, independently of
// the queue that carried the task.
package storage

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/SirClappington/taskq/internal/domain"
)

var (
	// ErrNotFound means no result was ever written for the task id. It is
	// distinct from a stored PENDING record.
	ErrNotFound      = errors.New("job result not found")
	ErrInvalidStatus = errors.New("invalid job status")
)

// ResultStore is the durable job result record.
type ResultStore interface {
	// Save upserts the result for taskID. result is marshalled to JSON; nil
	// stores no payload.
	Save(ctx context.Context, taskID string, status domain.Status, result any) error
	Get(ctx context.Context, taskID string) (*domain.JobResult, error)
}

func prepare(taskID string, status domain.Status, result any) (json.RawMessage, error) {
	if taskID == "" {
		return nil, errors.New("task id is required")
	}
	if !status.Valid() {
		return nil, errors.Wrapf(ErrInvalidStatus, "%q", status)
	}
	return encodeResult(result)
}

func encodeResult(result any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("result is not valid JSON")
		}
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "marshal result")
		}
		raw = b
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}
