// Package app builds the pipeline components from configuration and owns
// their lifetime.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/api"
	"github.com/SirClappington/taskq/internal/config"
	"github.com/SirClappington/taskq/internal/deadletter"
	"github.com/SirClappington/taskq/internal/logging"
	"github.com/SirClappington/taskq/internal/queue"
	"github.com/SirClappington/taskq/internal/reports"
	"github.com/SirClappington/taskq/internal/storage"
	"github.com/SirClappington/taskq/internal/tasks"
)

type App struct {
	Config config.Config
	Log    *zap.Logger

	Queue       queue.Service
	Manager     *queue.Manager
	Queues      queue.Queues
	Results     storage.ResultStore
	Registry    *tasks.Registry
	Submitter   *tasks.Submitter
	Inspector   *deadletter.Inspector
	Reprocessor *deadletter.Reprocessor

	closers []func() error
}

type options struct {
	skipQueueSetup bool
	queue          queue.Service
	results        storage.ResultStore
}

type Option func(*options)

// SkipQueueSetup leaves queue provisioning to the caller; Queues stays empty.
func SkipQueueSetup() Option { return func(o *options) { o.skipQueueSetup = true } }

// WithQueue overrides the queue backend chosen by configuration.
func WithQueue(svc queue.Service) Option { return func(o *options) { o.queue = svc } }

// WithResults overrides the result backend chosen by configuration.
func WithResults(s storage.ResultStore) Option { return func(o *options) { o.results = s } }

// Open connects the backends, provisions the queues and assembles the
// components. Callers must Close the returned App.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if err := a.openQueue(ctx, o.queue); err != nil {
		return nil, err
	}
	if err := a.openResults(ctx, o.results); err != nil {
		return nil, err
	}

	a.Manager = queue.NewManager(a.Queue, queue.Topology{
		QueueName:           cfg.QueueName,
		DeadLetterQueueName: cfg.DeadLetterQueueName,
		MaxReceiveCount:     cfg.MaxReceiveCount,
		VisibilityTimeout:   cfg.DefaultVT,
	}, logging.Component(log, "queue"))
	if !o.skipQueueSetup {
		qs, err := a.Manager.EnsureQueues(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "provision queues")
		}
		a.wire(qs)
	}

	ok = true
	return a, nil
}

// UseQueues wires the queue-bound components to qs. Open calls it after
// provisioning; callers that skipped provisioning call it after Lookup.
func (a *App) UseQueues(qs queue.Queues) { a.wire(qs) }

func (a *App) wire(qs queue.Queues) {
	a.Queues = qs
	a.Submitter = tasks.NewSubmitter(a.Queue, qs.MainURL, logging.Component(a.Log, "submitter"))
	a.Inspector = deadletter.NewInspector(a.Queue, qs.DeadLetterURL)
	a.Reprocessor = deadletter.NewReprocessor(a.Queue, a.Submitter, deadletter.ReprocessorConfig{
		DeadLetterURL:     qs.DeadLetterURL,
		VisibilityTimeout: a.Config.ReprocessVisibility(),
		DefaultTask:       a.Config.DefaultTaskName,
	}, logging.Component(a.Log, "reprocessor"))

	a.Registry = tasks.NewRegistry()
	tasks.RegisterBuiltins(a.Registry)
	reports.Register(a.Registry, reports.NewGenerator(uint64(time.Now().UnixNano())))
	a.Registry.Wrap(tasks.Recording(a.Results))
}

func (a *App) openQueue(ctx context.Context, svc queue.Service) error {
	if svc != nil {
		a.Queue = svc
		return nil
	}
	switch a.Config.QueueBackend {
	case "memory":
		a.Queue = queue.NewMemory(
			queue.WithRegion(a.Config.AWSRegion),
			queue.WithAccountID(a.Config.AWSAccountID),
		)
	default:
		s, err := queue.DialSQS(ctx, a.Config.AWSRegion, a.Config.SQSEndpoint)
		if err != nil {
			return err
		}
		a.Queue = s
	}
	return nil
}

func (a *App) openResults(ctx context.Context, store storage.ResultStore) error {
	if store != nil {
		a.Results = store
		return nil
	}
	switch a.Config.ResultBackend {
	case "memory":
		a.Results = storage.NewMemory()
	case "dynamodb":
		d, err := storage.DialDynamo(ctx, a.Config.AWSRegion, a.Config.DynamoEndpoint, a.Config.DynamoTable)
		if err != nil {
			return err
		}
		a.Results = d
	case "redis":
		rdb := r.NewClient(&r.Options{Addr: a.Config.RedisAddr, Password: a.Config.RedisPassword})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "ping redis")
		}
		a.Results = storage.NewRedis(rdb)
	default:
		db, err := storage.OpenPostgres(ctx, a.Config.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		if err := storage.Migrate(ctx, db, logging.Component(a.Log, "migrate")); err != nil {
			return err
		}
		a.Results = storage.NewPostgres(db)
	}
	return nil
}

// Worker returns a worker on the main queue. It needs provisioned queues.
func (a *App) Worker() *tasks.Worker {
	return tasks.NewWorker(a.Queue, a.Registry, tasks.WorkerConfig{
		QueueURL:  a.Queues.MainURL,
		BatchSize: a.Config.ReceiveBatch,
		WaitTime:  a.Config.ReceiveWaitTime(),
		Backoff:   a.Config.PollBackoff,
	}, logging.Component(a.Log, "worker"))
}

func (a *App) Router() http.Handler {
	return api.NewRouter(&api.Server{
		Submitter:   a.Submitter,
		Results:     a.Results,
		DeadLetters: a.Inspector,
		Reprocessor: a.Reprocessor,
		Queues:      a.Queue,
		Log:         logging.Component(a.Log, "http"),
	})
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
