package tasks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/queue"
)

type Submitter struct {
	svc   queue.Service
	url   string
	newID func() string
	log   *zap.Logger
}

func NewSubmitter(svc queue.Service, queueURL string, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Submitter{svc: svc, url: queueURL, newID: uuid.NewString, log: log}
}

type submitOptions struct{ delay time.Duration }

type SubmitOption func(*submitOptions)

// WithDelay hides the message for d after it is accepted (max 15 minutes).
func WithDelay(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.delay = d }
}

// Submit enqueues one invocation of name and returns its task id. A nil error
// means the queue accepted the message, not that it will run exactly once.
func (s *Submitter) Submit(ctx context.Context, name string, args []any, kwargs map[string]any, opts ...SubmitOption) (string, error) {
	env, err := domain.NewEnvelope("", name, args, kwargs)
	if err != nil {
		return "", err
	}
	return s.send(ctx, env, opts...)
}

// Resubmit enqueues env's task again under a fresh task id.
func (s *Submitter) Resubmit(ctx context.Context, env domain.Envelope, opts ...SubmitOption) (string, error) {
	return s.send(ctx, env, opts...)
}

func (s *Submitter) send(ctx context.Context, env domain.Envelope, opts ...SubmitOption) (string, error) {
	if env.Task == "" {
		return "", errors.New("task name is required")
	}
	var o submitOptions
	for _, fn := range opts {
		fn(&o)
	}

	env.ID = s.newID()
	body, err := env.Encode()
	if err != nil {
		return "", err
	}
	msgID, err := s.svc.SendMessage(ctx, s.url, body, o.delay)
	if err != nil {
		return "", errors.Wrapf(err, "submit %s", env.Task)
	}
	s.log.Debug("task submitted",
		zap.String("task", env.Task),
		zap.String("task_id", env.ID),
		zap.String("message_id", msgID),
	)
	return env.ID, nil
}
