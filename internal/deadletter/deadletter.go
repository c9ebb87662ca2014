// Package deadletter reads and drains the dead-letter queue.
package deadletter

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/queue"
	"github.com/SirClappington/taskq/internal/tasks"
)

// Entry is one message sitting in the dead-letter queue.
type Entry struct {
	ID           string `json:"id"`
	Body         string `json:"body"`
	ReceiveCount int    `json:"receive_count"`
}

type Inspector struct {
	svc queue.Service
	url string
}

func NewInspector(svc queue.Service, deadLetterURL string) *Inspector {
	return &Inspector{svc: svc, url: deadLetterURL}
}

// List returns up to limit (1..10) messages without hiding or deleting them.
func (i *Inspector) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > queue.MaxBatch {
		limit = queue.MaxBatch
	}
	msgs, err := i.svc.ReceiveMessages(ctx, i.url, queue.ReceiveOptions{
		MaxMessages:       limit,
		VisibilityTimeout: queue.Visibility(0),
	})
	if err != nil {
		return nil, errors.Wrap(err, "list dead letter queue")
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Entry{ID: m.ID, Body: m.Body, ReceiveCount: m.ReceiveCount})
	}
	return out, nil
}

// Resubmitter puts a recovered envelope back on the main queue.
type Resubmitter interface {
	Resubmit(ctx context.Context, env domain.Envelope, opts ...tasks.SubmitOption) (string, error)
}

type ReprocessorConfig struct {
	DeadLetterURL string
	// VisibilityTimeout hides a batch while it is being resubmitted.
	VisibilityTimeout time.Duration
	// DefaultTask is used for envelopes that name no task.
	DefaultTask string
}

type Reprocessor struct {
	svc queue.Service
	sub Resubmitter
	cfg ReprocessorConfig
	log *zap.Logger
}

func NewReprocessor(svc queue.Service, sub Resubmitter, cfg ReprocessorConfig, log *zap.Logger) *Reprocessor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.DefaultTask == "" {
		cfg.DefaultTask = tasks.ProcessTask
	}
	return &Reprocessor{svc: svc, sub: sub, cfg: cfg, log: log}
}

// ReprocessAll drains the dead-letter queue back onto the main queue and
// returns how many messages were resubmitted.
//
// Each message is resubmitted before it is deleted, so a crash in between
// leaves it in the dead-letter queue to be resubmitted again. A message that
// cannot be decoded or resubmitted is left in place, its error joins the
// returned error, and the pass moves on. The pass ends at the first empty
// batch, or the first batch holding only messages that already failed.
func (r *Reprocessor) ReprocessAll(ctx context.Context) (int, error) {
	var (
		count  int
		errs   error
		failed = map[string]bool{}
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		msgs, err := r.svc.ReceiveMessages(ctx, r.cfg.DeadLetterURL, queue.ReceiveOptions{
			MaxMessages:       queue.MaxBatch,
			VisibilityTimeout: queue.Visibility(r.cfg.VisibilityTimeout),
		})
		if err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "receive from dead letter queue"))
			break
		}

		fresh := 0
		for _, m := range msgs {
			if failed[m.ID] {
				continue
			}
			fresh++
			resubmitted, err := r.reprocess(ctx, m)
			if resubmitted {
				count++
			}
			if err != nil {
				failed[m.ID] = true
				errs = multierr.Append(errs, err)
				r.log.Warn("dead letter message not reprocessed", zap.String("message_id", m.ID), zap.Error(err))
			}
		}
		if fresh == 0 {
			break
		}
	}

	r.log.Info("dead letter reprocessing finished",
		zap.Int("reprocessed", count),
		zap.Int("failed", len(failed)),
	)
	return count, errs
}

func (r *Reprocessor) reprocess(ctx context.Context, m queue.Message) (bool, error) {
	env, err := domain.DecodeEnvelope(m.Body)
	if err != nil {
		return false, errors.Wrapf(err, "message %s", m.ID)
	}
	if env.Task == "" {
		env.Task = r.cfg.DefaultTask
	}

	taskID, err := r.sub.Resubmit(ctx, env)
	if err != nil {
		return false, errors.Wrapf(err, "message %s: resubmit", m.ID)
	}

	if err := r.svc.DeleteMessage(ctx, r.cfg.DeadLetterURL, m.ReceiptHandle); err != nil {
		if errors.Is(err, queue.ErrStaleReceipt) {
			r.log.Warn("dead letter receipt expired after resubmit, message may be reprocessed again",
				zap.String("message_id", m.ID),
				zap.String("task_id", taskID),
			)
			return true, nil
		}
		return true, errors.Wrapf(err, "message %s: delete after resubmit as %s", m.ID, taskID)
	}
	r.log.Debug("dead letter message resubmitted",
		zap.String("message_id", m.ID),
		zap.String("task", env.Task),
		zap.String("task_id", taskID),
	)
	return true, nil
}
