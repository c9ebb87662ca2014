package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/taskq/internal/domain"
)

// Memory keeps results in process. Used with the in-memory queue and in tests.
type Memory struct {
	mu   sync.RWMutex
	rows map[string]domain.JobResult
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{rows: map[string]domain.JobResult{}, now: time.Now}
}

func (m *Memory) Save(_ context.Context, taskID string, status domain.Status, result any) error {
	raw, err := prepare(taskID, status, result)
	if err != nil {
		return err
	}
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[taskID]
	if !ok {
		row = domain.JobResult{TaskID: taskID, CreatedAt: now}
	}
	row.Status = status
	row.Result = raw
	row.UpdatedAt = now
	m.rows[taskID] = row
	return nil
}

func (m *Memory) Get(_ context.Context, taskID string) (*domain.JobResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[taskID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "task %s", taskID)
	}
	return &row, nil
}
