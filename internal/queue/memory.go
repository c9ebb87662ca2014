package queue

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	maxVisibilityTimeout = 12 * time.Hour
	maxDelay             = 15 * time.Minute
	longPollTick         = 50 * time.Millisecond
)

var queueNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,80}$`)

// Memory is an in-process queue service with SQS delivery semantics:
// visibility windows, receive counts, delayed sends and redrive to a
// dead-letter queue once a message has been received maxReceiveCount times.
//
// A receive with a zero visibility timeout is treated as a peek and does not
// count as a delivery attempt.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	region   string
	account  string
	baseURL  string
	queues   map[string]*memQueue // by url
	byName   map[string]string
	byArn    map[string]string
	wake     chan struct{}
	sequence int64
}

type memQueue struct {
	name       string
	url        string
	arn        string
	attrs      map[string]string
	visibility time.Duration
	redrive    *RedrivePolicy
	msgs       []*memMessage
}

type memMessage struct {
	id           string
	body         string
	seq          int64
	receiveCount int
	visibleAt    time.Time
	receipt      string
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now. Long polls still wait in real time.
func WithClock(now func() time.Time) MemoryOption { return func(m *Memory) { m.now = now } }

func WithRegion(region string) MemoryOption { return func(m *Memory) { m.region = region } }

func WithAccountID(id string) MemoryOption { return func(m *Memory) { m.account = id } }

func WithBaseURL(u string) MemoryOption {
	return func(m *Memory) { m.baseURL = strings.TrimRight(u, "/") }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:     time.Now,
		region:  "us-east-1",
		account: "000000000000",
		baseURL: "http://localhost:4566",
		queues:  map[string]*memQueue{},
		byName:  map[string]string{},
		byArn:   map[string]string{},
		wake:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) CreateQueue(_ context.Context, name string, attrs map[string]string) (string, error) {
	if !queueNameRe.MatchString(name) {
		return "", errors.Errorf("invalid queue name %q", name)
	}
	vis, redrive, err := parseQueueAttrs(attrs)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if url, ok := m.byName[name]; ok {
		q := m.queues[url]
		if !q.matches(attrs) {
			return "", errors.Wrapf(ErrQueueAttributesConflict, "create queue %s", name)
		}
		return url, nil
	}

	q := &memQueue{
		name:       name,
		url:        fmt.Sprintf("%s/%s/%s", m.baseURL, m.account, name),
		arn:        fmt.Sprintf("arn:aws:sqs:%s:%s:%s", m.region, m.account, name),
		attrs:      map[string]string{AttrVisibilityTimeout: strconv.Itoa(int(vis / time.Second))},
		visibility: vis,
		redrive:    redrive,
	}
	for k, v := range attrs {
		q.attrs[k] = v
	}
	m.queues[q.url] = q
	m.byName[name] = q.url
	m.byArn[q.arn] = q.url
	return q.url, nil
}

func parseQueueAttrs(attrs map[string]string) (time.Duration, *RedrivePolicy, error) {
	vis := DefaultVisibilityTimeoutSecs * time.Second
	if v, ok := attrs[AttrVisibilityTimeout]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || time.Duration(n)*time.Second > maxVisibilityTimeout {
			return 0, nil, errors.Errorf("invalid %s %q", AttrVisibilityTimeout, v)
		}
		vis = time.Duration(n) * time.Second
	}
	var redrive *RedrivePolicy
	if v, ok := attrs[AttrRedrivePolicy]; ok {
		p, err := ParseRedrivePolicy(v)
		if err != nil {
			return 0, nil, err
		}
		redrive = &p
	}
	return vis, redrive, nil
}

func (q *memQueue) matches(attrs map[string]string) bool {
	for k, v := range attrs {
		if k == AttrRedrivePolicy {
			p, err := ParseRedrivePolicy(v)
			if err != nil || q.redrive == nil || *q.redrive != p {
				return false
			}
			continue
		}
		if q.attrs[k] != v {
			return false
		}
	}
	return true
}

// GetQueueAttributes returns the requested attributes. No names, or "All",
// returns every attribute.
func (m *Memory) GetQueueAttributes(_ context.Context, url string, names ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(url)
	if err != nil {
		return nil, err
	}
	m.redriveLocked()

	now := m.now()
	all := map[string]string{AttrQueueArn: q.arn}
	for k, v := range q.attrs {
		all[k] = v
	}
	var visible, inflight, delayed int
	for _, msg := range q.msgs {
		switch {
		case !msg.visibleAt.After(now):
			visible++
		case msg.receipt != "":
			inflight++
		default:
			delayed++
		}
	}
	all[AttrMessages] = strconv.Itoa(visible)
	all[AttrMessagesNotVisible] = strconv.Itoa(inflight)
	all[AttrMessagesDelayed] = strconv.Itoa(delayed)

	if len(names) == 0 {
		return all, nil
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if n == AttrAll {
			return all, nil
		}
		if v, ok := all[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func (m *Memory) GetQueueURL(_ context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url, ok := m.byName[name]
	return url, ok, nil
}

func (m *Memory) SendMessage(_ context.Context, url, body string, delay time.Duration) (string, error) {
	if delay < 0 || delay > maxDelay {
		return "", errors.Errorf("invalid delay %s", delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(url)
	if err != nil {
		return "", err
	}
	m.sequence++
	msg := &memMessage{
		id:        uuid.NewString(),
		body:      body,
		seq:       m.sequence,
		visibleAt: m.now().Add(delay),
	}
	q.msgs = append(q.msgs, msg)
	m.broadcastLocked()
	return msg.id, nil
}

func (m *Memory) ReceiveMessages(ctx context.Context, url string, opts ReceiveOptions) ([]Message, error) {
	deadline := time.Now().Add(opts.WaitTime)
	tick := time.NewTicker(longPollTick)
	defer tick.Stop()

	for {
		m.mu.Lock()
		out, err := m.receiveLocked(url, opts)
		wake := m.wake
		m.mu.Unlock()

		if err != nil || len(out) > 0 || !time.Now().Before(deadline) {
			return out, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-tick.C:
		}
	}
}

func (m *Memory) receiveLocked(url string, opts ReceiveOptions) ([]Message, error) {
	q, err := m.queue(url)
	if err != nil {
		return nil, err
	}
	m.redriveLocked()

	vis := q.visibility
	if opts.VisibilityTimeout != nil {
		vis = *opts.VisibilityTimeout
	}
	if vis < 0 || vis > maxVisibilityTimeout {
		return nil, errors.Errorf("invalid visibility timeout %s", vis)
	}

	now := m.now()
	limit := clampBatch(opts.MaxMessages)
	var out []Message
	for _, msg := range q.msgs {
		if len(out) == limit {
			break
		}
		if msg.visibleAt.After(now) {
			continue
		}
		msg.receipt = uuid.NewString()
		if vis > 0 {
			msg.receiveCount++
			msg.visibleAt = now.Add(vis)
		}
		out = append(out, Message{
			ID:            msg.id,
			Body:          msg.body,
			ReceiptHandle: msg.receipt,
			ReceiveCount:  msg.receiveCount,
		})
	}
	return out, nil
}

// DeleteMessage removes the message currently holding receiptHandle. A handle
// superseded by a later receive, or whose message moved to the dead-letter
// queue, is stale.
func (m *Memory) DeleteMessage(_ context.Context, url, receiptHandle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(url)
	if err != nil {
		return err
	}
	for i, msg := range q.msgs {
		if receiptHandle != "" && msg.receipt == receiptHandle {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return nil
		}
	}
	return errors.Wrapf(ErrStaleReceipt, "delete from %s", q.name)
}

func (m *Memory) ListQueues(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for name, url := range m.byName {
		if strings.HasPrefix(name, prefix) {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) DeleteQueue(_ context.Context, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(url)
	if err != nil {
		return err
	}
	delete(m.queues, q.url)
	delete(m.byName, q.name)
	delete(m.byArn, q.arn)
	return nil
}

func (m *Memory) queue(url string) (*memQueue, error) {
	q, ok := m.queues[url]
	if !ok {
		return nil, errors.Wrapf(ErrQueueNotFound, "queue %s", url)
	}
	return q, nil
}

// redriveLocked moves every visible message that has used up its receives to
// the dead-letter queue named by its source queue's policy. The receive count
// travels with the message.
func (m *Memory) redriveLocked() {
	now := m.now()
	moved := false
	for _, q := range m.queues {
		if q.redrive == nil {
			continue
		}
		dlqURL, ok := m.byArn[q.redrive.DeadLetterTargetArn]
		if !ok {
			continue
		}
		dlq := m.queues[dlqURL]
		if dlq == q {
			continue
		}
		kept := q.msgs[:0]
		for _, msg := range q.msgs {
			if msg.receiveCount >= q.redrive.MaxReceiveCount && !msg.visibleAt.After(now) {
				msg.receipt = ""
				dlq.msgs = append(dlq.msgs, msg)
				moved = true
				continue
			}
			kept = append(kept, msg)
		}
		q.msgs = kept
	}
	if moved {
		for _, q := range m.queues {
			sort.SliceStable(q.msgs, func(i, j int) bool { return q.msgs[i].seq < q.msgs[j].seq })
		}
		m.broadcastLocked()
	}
}

func (m *Memory) broadcastLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}
