package storage

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/taskq/internal/domain"
)

type fakeDynamo struct {
	update *dynamodb.UpdateItemInput
	get    *dynamodb.GetItemInput
	item   map[string]types.AttributeValue
	err    error
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.update = in
	return &dynamodb.UpdateItemOutput{}, f.err
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.get = in
	return &dynamodb.GetItemOutput{Item: f.item}, f.err
}

func TestDynamoSave(t *testing.T) {
	fake := &fakeDynamo{}
	s := NewDynamo(fake, "job_results")
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Save(context.Background(), "t1", domain.Success, map[string]int{"rows": 2}))

	in := fake.update
	require.NotNil(t, in)
	assert.Equal(t, "job_results", aws.ToString(in.TableName))
	assert.Equal(t, &types.AttributeValueMemberS{Value: "t1"}, in.Key["task_id"])
	assert.Contains(t, aws.ToString(in.UpdateExpression), "created_at = if_not_exists(created_at, :now)")
	assert.Equal(t, &types.AttributeValueMemberS{Value: "SUCCESS"}, in.ExpressionAttributeValues[":status"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: `{"rows":2}`}, in.ExpressionAttributeValues[":result"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)}, in.ExpressionAttributeValues[":now"])
}

func TestDynamoSaveNullResult(t *testing.T) {
	fake := &fakeDynamo{}
	require.NoError(t, NewDynamo(fake, "tbl").Save(context.Background(), "t1", domain.Pending, nil))
	assert.Equal(t, &types.AttributeValueMemberNULL{Value: true}, fake.update.ExpressionAttributeValues[":result"])
}

func TestDynamoGet(t *testing.T) {
	created := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	item, err := attributevalue.MarshalMap(dynamoItem{
		TaskID:    "t1",
		Status:    "FAILURE",
		Result:    aws.String(`{"error":"boom"}`),
		CreatedAt: created,
		UpdatedAt: created.Add(time.Second),
	})
	require.NoError(t, err)

	fake := &fakeDynamo{item: item}
	got, err := NewDynamo(fake, "tbl").Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, aws.ToBool(fake.get.ConsistentRead))
	assert.Equal(t, domain.Failure, got.Status)
	assert.JSONEq(t, `{"error":"boom"}`, string(got.Result))
	assert.True(t, created.Equal(got.CreatedAt))
	assert.True(t, created.Add(time.Second).Equal(got.UpdatedAt))
}

func TestDynamoGetNotFound(t *testing.T) {
	_, err := NewDynamo(&fakeDynamo{}, "tbl").Get(context.Background(), "t1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDynamoErrorsAreWrapped(t *testing.T) {
	fake := &fakeDynamo{err: errors.New("throttled")}
	err := NewDynamo(fake, "tbl").Save(context.Background(), "t1", domain.Success, nil)
	assert.ErrorContains(t, err, "save result t1")
}
