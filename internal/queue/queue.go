// Package queue wraps the message queue service used to carry task envelopes:
// an SQS client, an in-memory emulator with the same delivery semantics, and
// the manager that provisions the main queue and its dead-letter queue.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrQueueNotFound = errors.New("queue does not exist")
	// ErrStaleReceipt is returned when a delete uses a receipt handle whose
	// visibility window has ended or that was never issued.
	ErrStaleReceipt = errors.New("receipt handle is no longer valid")
	// ErrQueueAttributesConflict is returned by CreateQueue when the named
	// queue exists with different attribute values.
	ErrQueueAttributesConflict = errors.New("queue already exists with different attributes")
	ErrBackendUnavailable      = errors.New("queue backend unavailable")
)

// Attribute names understood by both backends.
const (
	AttrQueueArn                 = "QueueArn"
	AttrRedrivePolicy            = "RedrivePolicy"
	AttrVisibilityTimeout        = "VisibilityTimeout"
	AttrMessages                 = "ApproximateNumberOfMessages"
	AttrMessagesNotVisible       = "ApproximateNumberOfMessagesNotVisible"
	AttrMessagesDelayed          = "ApproximateNumberOfMessagesDelayed"
	AttrAll                      = "All"
	MaxBatch                     = 10
	DefaultVisibilityTimeoutSecs = 30
)

// Message is one delivery of a queued body.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	ReceiveCount  int
}

// ReceiveOptions controls one receive call. A nil VisibilityTimeout uses the
// queue default; a zero value leaves received messages immediately visible.
type ReceiveOptions struct {
	MaxMessages       int
	VisibilityTimeout *time.Duration
	WaitTime          time.Duration
}

// Visibility is a helper for ReceiveOptions.VisibilityTimeout.
func Visibility(d time.Duration) *time.Duration { return &d }

// Service is the RPC surface consumed from the queue service.
type Service interface {
	CreateQueue(ctx context.Context, name string, attrs map[string]string) (string, error)
	GetQueueAttributes(ctx context.Context, url string, names ...string) (map[string]string, error)
	// GetQueueURL resolves a queue by name. found is false when the queue
	// does not exist; err is reserved for failures talking to the service.
	GetQueueURL(ctx context.Context, name string) (url string, found bool, err error)
	SendMessage(ctx context.Context, url, body string, delay time.Duration) (string, error)
	ReceiveMessages(ctx context.Context, url string, opts ReceiveOptions) ([]Message, error)
	DeleteMessage(ctx context.Context, url, receiptHandle string) error
	ListQueues(ctx context.Context, prefix string) ([]string, error)
	DeleteQueue(ctx context.Context, url string) error
}

func clampBatch(n int) int {
	if n <= 0 {
		return 1
	}
	if n > MaxBatch {
		return MaxBatch
	}
	return n
}
