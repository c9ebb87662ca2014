// Package queuetest holds helpers for tests that drive the in-memory queue.
package queuetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SirClappington/taskq/internal/queue"
)

// Clock is a manually advanced time source for queue.WithClock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Topology is the layout used across package tests.
var Topology = queue.Topology{
	QueueName:           "taskq-test",
	DeadLetterQueueName: "taskq-test-dlq",
	MaxReceiveCount:     3,
	VisibilityTimeout:   30,
}

// Provision creates Topology on a fresh in-memory service driven by the
// returned clock.
func Provision(t testing.TB) (*queue.Memory, *Clock, queue.Queues) {
	t.Helper()
	clk := NewClock()
	mem := queue.NewMemory(queue.WithClock(clk.Now))
	qs, err := queue.NewManager(mem, Topology, nil).EnsureQueues(context.Background())
	require.NoError(t, err)
	return mem, clk, qs
}

// Drain receives everything currently visible on url without changing its
// delivery state.
func Drain(t testing.TB, svc queue.Service, url string) []queue.Message {
	t.Helper()
	msgs, err := svc.ReceiveMessages(context.Background(), url, queue.ReceiveOptions{
		MaxMessages:       queue.MaxBatch,
		VisibilityTimeout: queue.Visibility(0),
	})
	require.NoError(t, err)
	return msgs
}
