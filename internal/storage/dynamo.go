package storage

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	"github.com/SirClappington/taskq/internal/domain"
)

// DynamoAPI is the subset of *dynamodb.Client used by Dynamo.
type DynamoAPI interface {
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// Dynamo stores one item per task in a table keyed by the string attribute
// task_id.
type Dynamo struct {
	api   DynamoAPI
	table string
	now   func() time.Time
}

type dynamoItem struct {
	TaskID    string    `dynamodbav:"task_id"`
	Status    string    `dynamodbav:"status"`
	Result    *string   `dynamodbav:"result"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

func NewDynamo(api DynamoAPI, table string) *Dynamo {
	return &Dynamo{api: api, table: table, now: time.Now}
}

func DialDynamo(ctx context.Context, region, endpoint, table string) (*Dynamo, error) {
	if table == "" {
		return nil, errors.New("dynamo table is required")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewDynamo(client, table), nil
}

func (d *Dynamo) key(taskID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"task_id": &types.AttributeValueMemberS{Value: taskID}}
}

// Save keeps created_at from the first write and refreshes everything else.
func (d *Dynamo) Save(ctx context.Context, taskID string, status domain.Status, result any) error {
	raw, err := prepare(taskID, status, result)
	if err != nil {
		return err
	}
	var res *string
	if raw != nil {
		res = aws.String(string(raw))
	}
	values, err := attributevalue.MarshalMap(map[string]any{
		":status": string(status),
		":result": res,
		":now":    d.now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal result item")
	}

	_, err = d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              d.key(taskID),
		UpdateExpression: aws.String("SET #status = :status, #result = :result, updated_at = :now, created_at = if_not_exists(created_at, :now)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
			"#result": "result",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return errors.Wrapf(err, "save result %s", taskID)
	}
	return nil
}

func (d *Dynamo) Get(ctx context.Context, taskID string) (*domain.JobResult, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            d.key(taskID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get result %s", taskID)
	}
	if len(out.Item) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "task %s", taskID)
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, errors.Wrapf(err, "unmarshal result %s", taskID)
	}
	r := &domain.JobResult{
		TaskID:    item.TaskID,
		Status:    domain.Status(item.Status),
		CreatedAt: item.CreatedAt,
		UpdatedAt: item.UpdatedAt,
	}
	if item.Result != nil {
		r.Result = []byte(*item.Result)
	}
	return r, nil
}
