package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

// SQSAPI is the subset of *sqs.Client used here.
type SQSAPI interface {
	CreateQueue(ctx context.Context, in *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	ListQueues(ctx context.Context, in *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	DeleteQueue(ctx context.Context, in *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
}

type SQS struct{ api SQSAPI }

func NewSQS(api SQSAPI) *SQS { return &SQS{api} }

// DialSQS builds a client from the default AWS credential chain. A non-empty
// endpoint points it at a local emulator such as LocalStack.
func DialSQS(ctx context.Context, region, endpoint string) (*SQS, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewSQS(client), nil
}

func (s *SQS) CreateQueue(ctx context.Context, name string, attrs map[string]string) (string, error) {
	out, err := s.api.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})
	if err != nil {
		return "", classify(err, "create queue "+name)
	}
	return aws.ToString(out.QueueUrl), nil
}

func (s *SQS) GetQueueAttributes(ctx context.Context, url string, names ...string) (map[string]string, error) {
	if len(names) == 0 {
		names = []string{AttrAll}
	}
	attrNames := make([]types.QueueAttributeName, 0, len(names))
	for _, n := range names {
		attrNames = append(attrNames, types.QueueAttributeName(n))
	}
	out, err := s.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: attrNames,
	})
	if err != nil {
		return nil, classify(err, "get queue attributes")
	}
	return out.Attributes, nil
}

func (s *SQS) GetQueueURL(ctx context.Context, name string) (string, bool, error) {
	out, err := s.api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		err = classify(err, "get queue url "+name)
		if errors.Is(err, ErrQueueNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return aws.ToString(out.QueueUrl), true, nil
}

func (s *SQS) SendMessage(ctx context.Context, url, body string, delay time.Duration) (string, error) {
	out, err := s.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(body),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return "", classify(err, "send message")
	}
	return aws.ToString(out.MessageId), nil
}

// ReceiveMessages maps an explicit zero visibility timeout onto a follow-up
// ChangeMessageVisibility call, since the API drops a zero VisibilityTimeout.
func (s *SQS) ReceiveMessages(ctx context.Context, url string, opts ReceiveOptions) ([]Message, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(url),
		MaxNumberOfMessages:         int32(clampBatch(opts.MaxMessages)),
		WaitTimeSeconds:             int32(opts.WaitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}
	peek := false
	if opts.VisibilityTimeout != nil {
		in.VisibilityTimeout = int32(*opts.VisibilityTimeout / time.Second)
		peek = in.VisibilityTimeout == 0
	}

	out, err := s.api.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, classify(err, "receive messages")
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, Message{
			ID:            aws.ToString(m.MessageId),
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			ReceiveCount:  count,
		})
		if peek {
			if _, err := s.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(url),
				ReceiptHandle:     m.ReceiptHandle,
				VisibilityTimeout: 0,
			}); err != nil {
				return msgs, classify(err, "release message "+aws.ToString(m.MessageId))
			}
		}
	}
	return msgs, nil
}

func (s *SQS) DeleteMessage(ctx context.Context, url, receiptHandle string) error {
	_, err := s.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return classify(err, "delete message")
}

func (s *SQS) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	in := &sqs.ListQueuesInput{MaxResults: aws.Int32(1000)}
	if prefix != "" {
		in.QueueNamePrefix = aws.String(prefix)
	}
	var urls []string
	p := sqs.NewListQueuesPaginator(s.api, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "list queues")
		}
		urls = append(urls, page.QueueUrls...)
	}
	return urls, nil
}

func (s *SQS) DeleteQueue(ctx context.Context, url string) error {
	_, err := s.api.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)})
	return classify(err, "delete queue")
}

const nonExistentQueueCode = "AWS.SimpleQueueService.NonExistentQueue"

// classify maps SDK errors onto the package sentinels. Anything that is not an
// API error from the service is treated as the backend being unreachable.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, op)
	}

	var (
		notFound *types.QueueDoesNotExist
		exists   *types.QueueNameExists
		badRcpt  *types.ReceiptHandleIsInvalid
		apiErr   smithy.APIError
	)
	switch {
	case errors.As(err, &notFound):
		return errors.Wrapf(ErrQueueNotFound, "%s: %v", op, err)
	case errors.As(err, &exists):
		return errors.Wrapf(ErrQueueAttributesConflict, "%s: %v", op, err)
	case errors.As(err, &badRcpt):
		return errors.Wrapf(ErrStaleReceipt, "%s: %v", op, err)
	case errors.As(err, &apiErr):
		if apiErr.ErrorCode() == nonExistentQueueCode {
			return errors.Wrapf(ErrQueueNotFound, "%s: %v", op, err)
		}
		return errors.Wrap(err, op)
	default:
		return errors.Wrapf(ErrBackendUnavailable, "%s: %v", op, err)
	}
}
