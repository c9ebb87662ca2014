package queue

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Topology names the main queue, its dead-letter queue, and how the two are
// bound together.
type Topology struct {
	QueueName           string
	DeadLetterQueueName string
	MaxReceiveCount     int
	VisibilityTimeout   int // seconds, applied to the main queue
}

// Queues are the resolved locations of a provisioned Topology.
type Queues struct {
	MainURL       string
	DeadLetterURL string
	DeadLetterARN string
}

type Manager struct {
	svc Service
	top Topology
	log *zap.Logger
}

func NewManager(svc Service, top Topology, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{svc: svc, top: top, log: log}
}

// EnsureQueues creates the dead-letter queue, reads back its ARN, then creates
// the main queue with a redrive policy targeting it. Running it again against
// existing queues returns the same URLs. A queue that already exists with
// different attributes is reused as is and a warning is logged.
func (m *Manager) EnsureQueues(ctx context.Context) (Queues, error) {
	var qs Queues

	dlqURL, err := m.create(ctx, m.top.DeadLetterQueueName, nil)
	if err != nil {
		return Queues{}, errors.Wrap(err, "ensure dead letter queue")
	}
	qs.DeadLetterURL = dlqURL

	attrs, err := m.svc.GetQueueAttributes(ctx, dlqURL, AttrQueueArn)
	if err != nil {
		return Queues{}, errors.Wrap(err, "read dead letter queue arn")
	}
	qs.DeadLetterARN = attrs[AttrQueueArn]
	if qs.DeadLetterARN == "" {
		return Queues{}, errors.Errorf("dead letter queue %s has no %s", m.top.DeadLetterQueueName, AttrQueueArn)
	}

	policy, err := RedrivePolicy{DeadLetterTargetArn: qs.DeadLetterARN, MaxReceiveCount: m.top.MaxReceiveCount}.Encode()
	if err != nil {
		return Queues{}, err
	}
	mainAttrs := map[string]string{AttrRedrivePolicy: policy}
	if m.top.VisibilityTimeout > 0 {
		mainAttrs[AttrVisibilityTimeout] = strconv.Itoa(m.top.VisibilityTimeout)
	}
	mainURL, err := m.create(ctx, m.top.QueueName, mainAttrs)
	if err != nil {
		return Queues{}, errors.Wrap(err, "ensure main queue")
	}
	qs.MainURL = mainURL

	m.log.Info("queues ready",
		zap.String("queue_url", qs.MainURL),
		zap.String("dlq_url", qs.DeadLetterURL),
		zap.String("dlq_arn", qs.DeadLetterARN),
		zap.Int("max_receive_count", m.top.MaxReceiveCount),
	)
	return qs, nil
}

func (m *Manager) create(ctx context.Context, name string, attrs map[string]string) (string, error) {
	url, err := m.svc.CreateQueue(ctx, name, attrs)
	if err == nil {
		return url, nil
	}
	if !errors.Is(err, ErrQueueAttributesConflict) {
		return "", err
	}

	m.log.Warn("queue exists with different attributes, keeping existing", zap.String("queue", name), zap.Error(err))
	url, found, lerr := m.svc.GetQueueURL(ctx, name)
	if lerr != nil {
		return "", lerr
	}
	if !found {
		return "", errors.Wrapf(ErrQueueNotFound, "queue %s", name)
	}
	return url, nil
}

// Lookup resolves both queues without creating anything. It fails with
// ErrQueueNotFound when either is missing.
func (m *Manager) Lookup(ctx context.Context) (Queues, error) {
	var qs Queues
	for _, q := range []struct {
		name string
		dst  *string
	}{
		{m.top.QueueName, &qs.MainURL},
		{m.top.DeadLetterQueueName, &qs.DeadLetterURL},
	} {
		url, found, err := m.svc.GetQueueURL(ctx, q.name)
		if err != nil {
			return Queues{}, err
		}
		if !found {
			return Queues{}, errors.Wrapf(ErrQueueNotFound, "queue %s", q.name)
		}
		*q.dst = url
	}
	attrs, err := m.svc.GetQueueAttributes(ctx, qs.DeadLetterURL, AttrQueueArn)
	if err != nil {
		return Queues{}, err
	}
	qs.DeadLetterARN = attrs[AttrQueueArn]
	return qs, nil
}

// Teardown deletes the main queue and then the dead-letter queue. Missing
// queues are skipped.
func (m *Manager) Teardown(ctx context.Context) error {
	for _, name := range []string{m.top.QueueName, m.top.DeadLetterQueueName} {
		url, found, err := m.svc.GetQueueURL(ctx, name)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := m.svc.DeleteQueue(ctx, url); err != nil && !errors.Is(err, ErrQueueNotFound) {
			return errors.Wrapf(err, "delete queue %s", name)
		}
		m.log.Info("queue deleted", zap.String("queue", name))
	}
	return nil
}
