package tasks

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/queue"
)

type WorkerConfig struct {
	QueueURL  string
	BatchSize int
	WaitTime  time.Duration
	// VisibilityTimeout overrides the queue default when non-zero.
	VisibilityTimeout time.Duration
	Backoff           time.Duration
}

// Worker receives envelopes from the main queue and runs their handlers. A
// message is deleted only after its handler returns without error; anything
// else leaves it for redelivery and, eventually, redrive to the dead-letter
// queue by the queue service.
type Worker struct {
	svc queue.Service
	reg *Registry
	cfg WorkerConfig
	log *zap.Logger
}

func NewWorker(svc queue.Service, reg *Registry, cfg WorkerConfig, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	return &Worker{svc: svc, reg: reg, cfg: cfg, log: log}
}

// Run polls until ctx is cancelled. Poll errors are logged and retried after
// the configured backoff; Run only returns once ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		zap.String("queue_url", w.cfg.QueueURL),
		zap.Strings("tasks", w.reg.Names()),
	)
	defer w.log.Info("worker stopped")

	for ctx.Err() == nil {
		if _, err := w.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("poll failed", zap.Error(err), zap.Duration("backoff", w.cfg.Backoff))
			sleep(ctx, w.cfg.Backoff)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Poll runs one receive cycle and returns how many messages were acknowledged.
// Messages not yet started when ctx is cancelled are abandoned.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	opts := queue.ReceiveOptions{MaxMessages: w.cfg.BatchSize, WaitTime: w.cfg.WaitTime}
	if w.cfg.VisibilityTimeout > 0 {
		opts.VisibilityTimeout = queue.Visibility(w.cfg.VisibilityTimeout)
	}
	msgs, err := w.svc.ReceiveMessages(ctx, w.cfg.QueueURL, opts)
	if err != nil {
		return 0, errors.Wrap(err, "receive")
	}

	acked := 0
	for i, msg := range msgs {
		if ctx.Err() != nil {
			w.log.Info("shutdown requested, abandoning rest of batch", zap.Int("abandoned", len(msgs)-i))
			break
		}
		if err := w.process(ctx, msg); err != nil {
			w.log.Warn("task failed, leaving message for redelivery",
				zap.Error(err),
				zap.String("message_id", msg.ID),
				zap.Int("receive_count", msg.ReceiveCount),
			)
			continue
		}
		acked++
	}
	return acked, nil
}

// process executes one message and deletes it on success. Any error returned
// is an *ExecutionError.
func (w *Worker) process(ctx context.Context, msg queue.Message) error {
	env, err := domain.DecodeEnvelope(msg.Body)
	if err != nil {
		return &ExecutionError{MessageID: msg.ID, Err: err}
	}
	inv := Invocation{
		ID:           env.ID,
		Name:         env.Task,
		Args:         env.Args,
		Kwargs:       env.Kwargs,
		ReceiveCount: msg.ReceiveCount,
	}
	if inv.ID == "" {
		inv.ID = msg.ID
	}
	fail := func(err error) error {
		return &ExecutionError{TaskID: inv.ID, Task: inv.Name, MessageID: msg.ID, Err: err}
	}

	h, ok := w.reg.Lookup(inv.Name)
	if !ok {
		return fail(errors.Wrapf(ErrUnknownTask, "%q", inv.Name))
	}

	start := time.Now()
	// A started handler finishes even if shutdown begins.
	if _, err := invoke(context.WithoutCancel(ctx), h, inv); err != nil {
		return fail(err)
	}

	if err := w.svc.DeleteMessage(context.WithoutCancel(ctx), w.cfg.QueueURL, msg.ReceiptHandle); err != nil {
		if !errors.Is(err, queue.ErrStaleReceipt) {
			return fail(errors.Wrap(err, "acknowledge"))
		}
		w.log.Warn("receipt expired before acknowledge, task may run again",
			zap.String("task_id", inv.ID),
			zap.String("message_id", msg.ID),
		)
	}
	w.log.Info("task done",
		zap.String("task", inv.Name),
		zap.String("task_id", inv.ID),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

func invoke(ctx context.Context, h Handler, inv Invocation) (res any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return h(ctx, inv)
}
