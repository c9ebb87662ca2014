package queue_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/taskq/internal/queue"
	"github.com/SirClappington/taskq/internal/queue/queuetest"
)

// scripted wraps a Service and records or fails selected calls.
type scripted struct {
	queue.Service
	created   []string
	failOn    string
	failAttrs bool
}

func (s *scripted) CreateQueue(ctx context.Context, name string, attrs map[string]string) (string, error) {
	s.created = append(s.created, name)
	if name == s.failOn {
		return "", errors.Wrap(queue.ErrBackendUnavailable, "boom")
	}
	return s.Service.CreateQueue(ctx, name, attrs)
}

func (s *scripted) GetQueueAttributes(ctx context.Context, url string, names ...string) (map[string]string, error) {
	if s.failAttrs {
		return nil, errors.Wrap(queue.ErrBackendUnavailable, "boom")
	}
	return s.Service.GetQueueAttributes(ctx, url, names...)
}

func TestEnsureQueuesWiresRedrivePolicy(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	m := queue.NewManager(mem, queuetest.Topology, nil)

	qs, err := m.EnsureQueues(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, qs.MainURL)
	assert.NotEmpty(t, qs.DeadLetterURL)
	assert.Equal(t, "arn:aws:sqs:us-east-1:000000000000:taskq-test-dlq", qs.DeadLetterARN)

	attrs, err := mem.GetQueueAttributes(ctx, qs.MainURL, queue.AttrRedrivePolicy, queue.AttrVisibilityTimeout)
	require.NoError(t, err)
	p, err := queue.ParseRedrivePolicy(attrs[queue.AttrRedrivePolicy])
	require.NoError(t, err)
	assert.Equal(t, queue.RedrivePolicy{DeadLetterTargetArn: qs.DeadLetterARN, MaxReceiveCount: 3}, p)
	assert.Equal(t, "30", attrs[queue.AttrVisibilityTimeout])
}

func TestEnsureQueuesIsRepeatable(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	m := queue.NewManager(mem, queuetest.Topology, nil)

	first, err := m.EnsureQueues(ctx)
	require.NoError(t, err)
	second, err := m.EnsureQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	urls, err := mem.ListQueues(ctx, "")
	require.NoError(t, err)
	assert.Len(t, urls, 2)
}

func TestEnsureQueuesDeadLetterFailureStopsProvisioning(t *testing.T) {
	svc := &scripted{Service: queue.NewMemory(), failOn: queuetest.Topology.DeadLetterQueueName}
	_, err := queue.NewManager(svc, queuetest.Topology, nil).EnsureQueues(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrBackendUnavailable))
	assert.Equal(t, []string{queuetest.Topology.DeadLetterQueueName}, svc.created)
}

func TestEnsureQueuesArnLookupFailureStopsProvisioning(t *testing.T) {
	svc := &scripted{Service: queue.NewMemory(), failAttrs: true}
	_, err := queue.NewManager(svc, queuetest.Topology, nil).EnsureQueues(context.Background())

	require.Error(t, err)
	assert.Equal(t, []string{queuetest.Topology.DeadLetterQueueName}, svc.created)
}

func TestEnsureQueuesKeepsConflictingMainQueue(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	existing, err := mem.CreateQueue(ctx, queuetest.Topology.QueueName, map[string]string{queue.AttrVisibilityTimeout: "5"})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	qs, err := queue.NewManager(mem, queuetest.Topology, zap.New(core)).EnsureQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, existing, qs.MainURL)

	warnings := logs.FilterMessage("queue exists with different attributes, keeping existing").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, queuetest.Topology.QueueName, warnings[0].ContextMap()["queue"])
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	m := queue.NewManager(mem, queuetest.Topology, nil)

	_, err := m.Lookup(ctx)
	assert.True(t, errors.Is(err, queue.ErrQueueNotFound))

	want, err := m.EnsureQueues(ctx)
	require.NoError(t, err)
	got, err := m.Lookup(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()
	mem := queue.NewMemory()
	m := queue.NewManager(mem, queuetest.Topology, nil)

	_, err := m.EnsureQueues(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Teardown(ctx))
	require.NoError(t, m.Teardown(ctx))

	urls, err := mem.ListQueues(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, urls)
}
