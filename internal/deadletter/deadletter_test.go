package deadletter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/queue"
	"github.com/SirClappington/taskq/internal/queue/queuetest"
	"github.com/SirClappington/taskq/internal/tasks"
)

// countingService records sends and deletes and can fail the first deletes
// against one queue.
type countingService struct {
	queue.Service
	mu          sync.Mutex
	sends       int
	deletes     int
	failDeletes int
	failURL     string
}

func (c *countingService) SendMessage(ctx context.Context, url, body string, delay time.Duration) (string, error) {
	c.mu.Lock()
	c.sends++
	c.mu.Unlock()
	return c.Service.SendMessage(ctx, url, body, delay)
}

func (c *countingService) DeleteMessage(ctx context.Context, url, receipt string) error {
	c.mu.Lock()
	c.deletes++
	crash := url == c.failURL && c.failDeletes > 0
	if crash {
		c.failDeletes--
	}
	c.mu.Unlock()
	if crash {
		return errors.New("process killed before delete")
	}
	return c.Service.DeleteMessage(ctx, url, receipt)
}

type fixture struct {
	mem *queue.Memory
	clk *queuetest.Clock
	qs  queue.Queues
	svc *countingService
}

func newFixture(t *testing.T) *fixture {
	mem, clk, qs := queuetest.Provision(t)
	return &fixture{mem: mem, clk: clk, qs: qs, svc: &countingService{Service: mem}}
}

func (f *fixture) reprocessor(t *testing.T) *Reprocessor {
	sub := tasks.NewSubmitter(f.svc, f.qs.MainURL, nil)
	return NewReprocessor(f.svc, sub, ReprocessorConfig{
		DeadLetterURL:     f.qs.DeadLetterURL,
		VisibilityTimeout: 30 * time.Second,
		DefaultTask:       tasks.ProcessTask,
	}, zaptest.NewLogger(t))
}

func (f *fixture) deadLetter(t *testing.T, bodies ...string) {
	for _, b := range bodies {
		_, err := f.mem.SendMessage(context.Background(), f.qs.DeadLetterURL, b, 0)
		require.NoError(t, err)
	}
}

func decodeAll(t *testing.T, msgs []queue.Message) []domain.Envelope {
	out := make([]domain.Envelope, 0, len(msgs))
	for _, m := range msgs {
		env, err := domain.DecodeEnvelope(m.Body)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func TestInspectorListIsReadOnly(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, `{"task":"a","args":[]}`, `{"task":"b","args":[]}`)
	in := NewInspector(f.mem, f.qs.DeadLetterURL)

	for i := 0; i < 2; i++ {
		entries, err := in.List(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, `{"task":"a","args":[]}`, entries[0].Body)
	}
	assert.Len(t, queuetest.Drain(t, f.mem, f.qs.DeadLetterURL), 2)
}

func TestInspectorClampsLimit(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 12; i++ {
		f.deadLetter(t, `{"task":"a","args":[]}`)
	}
	in := NewInspector(f.mem, f.qs.DeadLetterURL)

	entries, err := in.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = in.List(context.Background(), 50)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}

func TestInspectorMissingQueue(t *testing.T) {
	_, err := NewInspector(queue.NewMemory(), "http://localhost:4566/000000000000/gone").List(context.Background(), 10)
	assert.True(t, errors.Is(err, queue.ErrQueueNotFound))
}

func TestReprocessEmptyQueue(t *testing.T) {
	f := newFixture(t)

	n, err := f.reprocessor(t).ReprocessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Zero(t, f.svc.sends)
	assert.Zero(t, f.svc.deletes)
}

func TestReprocessMovesEveryMessage(t *testing.T) {
	f := newFixture(t)
	const k = 13
	for i := 0; i < k; i++ {
		f.deadLetter(t, `{"id":"orig","task":"reports.generate","args":["sales","csv"]}`)
	}

	n, err := f.reprocessor(t).ReprocessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, k, n)

	f.clk.Advance(time.Minute)
	assert.Empty(t, queuetest.Drain(t, f.mem, f.qs.DeadLetterURL))

	var main []queue.Message
	for {
		batch, err := f.mem.ReceiveMessages(context.Background(), f.qs.MainURL, queue.ReceiveOptions{
			MaxMessages: 10, VisibilityTimeout: queue.Visibility(time.Minute),
		})
		require.NoError(t, err)
		if len(batch) == 0 {
			break
		}
		main = append(main, batch...)
	}
	require.Len(t, main, k)

	ids := map[string]bool{}
	for _, env := range decodeAll(t, main) {
		assert.Equal(t, "reports.generate", env.Task)
		assert.Len(t, env.Args, 2)
		assert.NotEqual(t, "orig", env.ID)
		ids[env.ID] = true
	}
	assert.Len(t, ids, k)
}

func TestReprocessDefaultsMissingTaskName(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, `{"args":[{"k":1}]}`)

	n, err := f.reprocessor(t).ReprocessAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	envs := decodeAll(t, queuetest.Drain(t, f.mem, f.qs.MainURL))
	require.Len(t, envs, 1)
	assert.Equal(t, tasks.ProcessTask, envs[0].Task)
}

func TestReprocessSkipsMalformedAndContinues(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t,
		`{"task":"a","args":[]}`,
		`this is not json`,
		`{"task":"b","args":[]}`,
	)

	n, err := f.reprocessor(t).ReprocessAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrEnvelopeDecode))
	assert.Equal(t, 2, n)

	assert.Len(t, queuetest.Drain(t, f.mem, f.qs.MainURL), 2)

	f.clk.Advance(time.Minute)
	left := queuetest.Drain(t, f.mem, f.qs.DeadLetterURL)
	require.Len(t, left, 1)
	assert.Equal(t, "this is not json", left[0].Body)
}

func TestReprocessDoesNotRetryFailuresWithinPass(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, `[]`)
	r := f.reprocessor(t)
	// Zero visibility keeps the bad message receivable on every poll.
	r.cfg.VisibilityTimeout = 0

	done := make(chan struct{})
	var (
		n   int
		err error
	)
	go func() {
		n, err = r.ReprocessAll(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reprocessing did not terminate")
	}
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, domain.ErrEnvelopeDecode))
}

func TestReprocessStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, `{"task":"a","args":[]}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := f.reprocessor(t).ReprocessAll(ctx)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, queuetest.Drain(t, f.mem, f.qs.DeadLetterURL), 1)
}

func TestFailingTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	reg := tasks.NewRegistry()
	reg.Register("doomed", func(context.Context, tasks.Invocation) (any, error) { return nil, errors.New("always fails") })
	_, err := tasks.NewSubmitter(f.mem, f.qs.MainURL, nil).Submit(ctx, "doomed", []any{"x"}, nil)
	require.NoError(t, err)

	w := tasks.NewWorker(f.mem, reg, tasks.WorkerConfig{QueueURL: f.qs.MainURL, BatchSize: 10}, zaptest.NewLogger(t))
	for i := 0; i < queuetest.Topology.MaxReceiveCount; i++ {
		_, err := w.Poll(ctx)
		require.NoError(t, err)
		f.clk.Advance(31 * time.Second)
	}

	entries, err := NewInspector(f.mem, f.qs.DeadLetterURL).List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].ReceiveCount)

	n, err := f.reprocessor(t).ReprocessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.clk.Advance(time.Minute)
	entries, err = NewInspector(f.mem, f.qs.DeadLetterURL).List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	main := queuetest.Drain(t, f.mem, f.qs.MainURL)
	require.Len(t, main, 1)
	assert.Equal(t, 0, main[0].ReceiveCount)
}

func TestCrashBetweenResubmitAndDeleteDuplicatesExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.deadLetter(t, `{"id":"orig","task":"count","args":[7]}`)
	f.svc.failURL = f.qs.DeadLetterURL
	f.svc.failDeletes = 1

	n, err := f.reprocessor(t).ReprocessAll(ctx)
	assert.Equal(t, 1, n)
	require.Error(t, err)

	f.clk.Advance(31 * time.Second)
	require.Len(t, queuetest.Drain(t, f.mem, f.qs.DeadLetterURL), 1, "message survives the crash")

	n, err = f.reprocessor(t).ReprocessAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.clk.Advance(31 * time.Second)
	assert.Empty(t, queuetest.Drain(t, f.mem, f.qs.DeadLetterURL))

	var executions []tasks.Invocation
	reg := tasks.NewRegistry()
	reg.Register("count", func(_ context.Context, inv tasks.Invocation) (any, error) {
		executions = append(executions, inv)
		return nil, nil
	})
	acked, err := tasks.NewWorker(f.mem, reg, tasks.WorkerConfig{QueueURL: f.qs.MainURL, BatchSize: 10}, nil).Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, acked)

	require.Len(t, executions, 2)
	assert.NotEqual(t, executions[0].ID, executions[1].ID)
	for _, inv := range executions {
		assert.JSONEq(t, `7`, string(inv.Args[0]))
	}
}
