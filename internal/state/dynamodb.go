package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBStore implements the Store interface using AWS DynamoDB.
// Single-table design with PK/SK pattern:
//   - Tasks: PK=taskID, SK="TASK"
//   - Batches: PK=batchID, SK="BATCH"
//   - Batch tasks: PK=batchID, SK="ITEM#<taskID>"
//   - Ledger: PK="LEDGER#<key>", SK="LEDGER"
//   - Queue metadata: PK="QUEUE#<name>", SK="META"
//   - Dead letter: PK="DLQ#<taskID>", SK="DLQ"
//   - Crons: PK="CRON#<name>", SK="CRON"
//   - Cron locks: PK="CRON_LOCK#<name>#<timestamp>", SK="LOCK"
//   - Scheduled: PK="SCHEDULED#<taskID>", SK="SCHEDULED"
//   - Retry: PK="RETRY#<taskID>", SK="RETRY"
//
// GSI1: GSI1PK (QUEUE#<name>) + GSI1SK (STATE#<state>#<created_at>)
// GSI2: GSI2PK (STATE#<state>) + GSI2SK (<created_at>)
// GSI3: GSI3PK (DUE#scheduled|DUE#retry) + GSI3SK (<due_at_ms>)
type DynamoDBStore struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoDBStore creates a new DynamoDB store.
func NewDynamoDBStore(client *dynamodb.Client, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
	}
}

// EnsureTable creates the table with GSIs if it doesn't exist.
func (s *DynamoDBStore) EnsureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	if err == nil {
		return nil
	}

	throughput := &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(5),
		WriteCapacityUnits: aws.Int64(5),
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI1PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI1SK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI2PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI2SK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI3PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("GSI3SK"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String("GSI1"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("GSI1PK"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("GSI1SK"), KeyType: types.KeyTypeRange},
				},
				Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
				ProvisionedThroughput: throughput,
			},
			{
				IndexName: aws.String("GSI2"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("GSI2PK"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("GSI2SK"), KeyType: types.KeyTypeRange},
				},
				Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
				ProvisionedThroughput: throughput,
			},
			{
				IndexName: aws.String("GSI3"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("GSI3PK"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("GSI3SK"), KeyType: types.KeyTypeRange},
				},
				Projection:            &types.Projection{ProjectionType: types.ProjectionTypeAll},
				ProvisionedThroughput: throughput,
			},
		},
		BillingMode:           types.BillingModeProvisioned,
		ProvisionedThroughput: throughput,
	})
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	// Wait for table to become active
	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	}, 2*time.Minute); err != nil {
		return fmt.Errorf("wait for table: %w", err)
	}

	return nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoDBStore) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// PutTask stores a task record.
func (s *DynamoDBStore) PutTask(ctx context.Context, record *TaskRecord) error {
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *DynamoDBStore) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(taskID, "TASK"),
	})
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var record TaskRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}

	return &record, nil
}

func (s *DynamoDBStore) buildStateUpdate(taskID, newState string, updates map[string]any, createdAt string) (string, map[string]string, map[string]types.AttributeValue, error) {
	updateExpr := "SET #state = :state"
	exprAttrNames := map[string]string{
		"#state": "state",
	}
	exprAttrValues := map[string]types.AttributeValue{
		":state": &types.AttributeValueMemberS{Value: newState},
	}

	for key, value := range updates {
		placeholder := fmt.Sprintf(":val%d", len(exprAttrValues))
		attrName := fmt.Sprintf("#attr%d", len(exprAttrNames))
		updateExpr += fmt.Sprintf(", %s = %s", attrName, placeholder)
		exprAttrNames[attrName] = key

		av, err := attributevalue.Marshal(value)
		if err != nil {
			return "", nil, nil, fmt.Errorf("marshal update value for %s: %w", key, err)
		}
		exprAttrValues[placeholder] = av
	}

	// Keep the GSI attributes consistent with the new state
	gsi1sk := fmt.Sprintf("STATE#%s#%s", newState, createdAt)
	gsi2pk := fmt.Sprintf("STATE#%s", newState)

	updateExpr += ", GSI1SK = :gsi1sk, GSI2PK = :gsi2pk"
	exprAttrValues[":gsi1sk"] = &types.AttributeValueMemberS{Value: gsi1sk}
	exprAttrValues[":gsi2pk"] = &types.AttributeValueMemberS{Value: gsi2pk}

	return updateExpr, exprAttrNames, exprAttrValues, nil
}

// UpdateTaskState updates a task's state and additional fields.
func (s *DynamoDBStore) UpdateTaskState(ctx context.Context, taskID, newState string, updates map[string]any) error {
	record, err := s.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task for state update: %w", err)
	}

	updateExpr, names, values, err := s.buildStateUpdate(taskID, newState, updates, record.CreatedAt)
	if err != nil {
		return err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(taskID, "TASK"),
		UpdateExpression:          aws.String(updateExpr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}

	return nil
}

// ClaimTask transitions a pending task to running. The conditional write
// guarantees at most one claimer wins.
func (s *DynamoDBStore) ClaimTask(ctx context.Context, taskID string, updates map[string]any) error {
	record, err := s.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task for claim: %w", err)
	}

	updateExpr, names, values, err := s.buildStateUpdate(taskID, "running", updates, record.CreatedAt)
	if err != nil {
		return err
	}

	values[":pending"] = &types.AttributeValueMemberS{Value: "pending"}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(taskID, "TASK"),
		UpdateExpression:          aws.String(updateExpr),
		ConditionExpression:       aws.String("#state = :pending"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("claim task: %w", err)
	}

	return nil
}

// DeleteTask removes a task.
func (s *DynamoDBStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(taskID, "TASK"),
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	return nil
}

// ListTasksByQueue returns tasks in a queue with a specific state.
func (s *DynamoDBStore) ListTasksByQueue(ctx context.Context, queue, state string, limit int) ([]*TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "QUEUE#" + queue},
			":sk": &types.AttributeValueMemberS{Value: "STATE#" + state + "#"},
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("query tasks by queue: %w", err)
	}

	records := make([]*TaskRecord, 0, len(result.Items))
	for _, item := range result.Items {
		var record TaskRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			continue
		}
		records = append(records, &record)
	}

	return records, nil
}

// ListTasksByState returns tasks with a specific state across all queues.
func (s *DynamoDBStore) ListTasksByState(ctx context.Context, state string, limit int) ([]*TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("GSI2"),
		KeyConditionExpression: aws.String("GSI2PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "STATE#" + state},
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("query tasks by state: %w", err)
	}

	records := make([]*TaskRecord, 0, len(result.Items))
	for _, item := range result.Items {
		var record TaskRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			continue
		}
		records = append(records, &record)
	}

	return records, nil
}

// CountTasksByQueueAndState counts tasks in a queue with a specific state.
func (s *DynamoDBStore) CountTasksByQueueAndState(ctx context.Context, queue, state string) (int, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: "QUEUE#" + queue},
			":sk": &types.AttributeValueMemberS{Value: "STATE#" + state + "#"},
		},
		Select: types.SelectCount,
	})
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}

	return int(result.Count), nil
}

// RegisterQueue records a queue name if not already present.
func (s *DynamoDBStore) RegisterQueue(ctx context.Context, name string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key("QUEUE#"+name, "META"),
		UpdateExpression: aws.String("SET queue_name = :name"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":name": &types.AttributeValueMemberS{Value: name},
		},
	})
	if err != nil {
		return fmt.Errorf("register queue: %w", err)
	}

	return nil
}

// ListQueues returns all registered queue names.
func (s *DynamoDBStore) ListQueues(ctx context.Context) ([]string, error) {
	result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": &types.AttributeValueMemberS{Value: "META"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan queues: %w", err)
	}

	var queues []string
	for _, item := range result.Items {
		if nameAttr, ok := item["queue_name"]; ok {
			if nameVal, ok := nameAttr.(*types.AttributeValueMemberS); ok {
				queues = append(queues, nameVal.Value)
			}
		}
	}

	return queues, nil
}

// SetQueuePaused pauses or resumes a queue.
func (s *DynamoDBStore) SetQueuePaused(ctx context.Context, name string, paused bool) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key("QUEUE#"+name, "META"),
		UpdateExpression: aws.String("SET paused = :paused, queue_name = :name"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":paused": &types.AttributeValueMemberBOOL{Value: paused},
			":name":   &types.AttributeValueMemberS{Value: name},
		},
	})
	if err != nil {
		return fmt.Errorf("set queue paused: %w", err)
	}

	return nil
}

// IsQueuePaused reports whether a queue is paused.
func (s *DynamoDBStore) IsQueuePaused(ctx context.Context, name string) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key("QUEUE#"+name, "META"),
	})
	if err != nil {
		return false, fmt.Errorf("get queue: %w", err)
	}

	if result.Item == nil {
		return false, nil
	}

	if pausedAttr, ok := result.Item["paused"]; ok {
		if pausedVal, ok := pausedAttr.(*types.AttributeValueMemberBOOL); ok {
			return pausedVal.Value, nil
		}
	}

	return false, nil
}

// IncrementQueueSucceeded bumps a queue's succeeded counter atomically.
func (s *DynamoDBStore) IncrementQueueSucceeded(ctx context.Context, name string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key("QUEUE#"+name, "META"),
		UpdateExpression: aws.String("ADD succeeded :inc"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inc": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("increment queue succeeded: %w", err)
	}

	return nil
}

// GetQueueSucceededCount gets the succeeded count for a queue.
func (s *DynamoDBStore) GetQueueSucceededCount(ctx context.Context, name string) (int, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key("QUEUE#"+name, "META"),
	})
	if err != nil {
		return 0, fmt.Errorf("get queue: %w", err)
	}

	if result.Item == nil {
		return 0, nil
	}

	if attr, ok := result.Item["succeeded"]; ok {
		if val, ok := attr.(*types.AttributeValueMemberN); ok {
			count, _ := strconv.Atoi(val.Value)
			return count, nil
		}
	}

	return 0, nil
}

// CreateIdempotencyRecord atomically creates an in-flight ledger record.
// The create-if-absent condition is what prevents two concurrent callers
// with the same key from both observing "absent" and both proceeding.
func (s *DynamoDBStore) CreateIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	record.SK = "LEDGER"
	rec := *record
	rec.Key = "LEDGER#" + record.Key

	item, err := attributevalue.MarshalMap(&rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("create ledger record: %w", err)
	}

	return nil
}

// GetIdempotencyRecord retrieves a ledger record by key.
func (s *DynamoDBStore) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key("LEDGER#"+key, "LEDGER"),
	})
	if err != nil {
		return nil, fmt.Errorf("get ledger record: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var record IdempotencyRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("unmarshal ledger record: %w", err)
	}
	record.Key = key

	return &record, nil
}

// CompleteIdempotencyRecord transitions an in-flight ledger record to
// completed, storing the result. The record is write-once after this.
func (s *DynamoDBStore) CompleteIdempotencyRecord(ctx context.Context, key, result, completedAt string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key("LEDGER#"+key, "LEDGER"),
		UpdateExpression:    aws.String("SET #status = :completed, #result = :result, completed_at = :at"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :inflight"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
			"#result": "result",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: LedgerCompleted},
			":inflight":  &types.AttributeValueMemberS{Value: LedgerInFlight},
			":result":    &types.AttributeValueMemberS{Value: result},
			":at":        &types.AttributeValueMemberS{Value: completedAt},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("complete ledger record: %w", err)
	}

	return nil
}

// ReleaseIdempotencyRecord removes an in-flight reservation so a later
// attempt can re-execute. Completed records are never released.
func (s *DynamoDBStore) ReleaseIdempotencyRecord(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key("LEDGER#"+key, "LEDGER"),
		ConditionExpression: aws.String("#status = :inflight"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inflight": &types.AttributeValueMemberS{Value: LedgerInFlight},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("release ledger record: %w", err)
	}

	return nil
}

// PutBatch stores a batch record.
func (s *DynamoDBStore) PutBatch(ctx context.Context, record *BatchRecord) error {
	record.SK = "BATCH"
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put batch: %w", err)
	}

	return nil
}

// GetBatch retrieves a batch by ID.
func (s *DynamoDBStore) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(batchID, "BATCH"),
	})
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var record BatchRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("unmarshal batch: %w", err)
	}

	return &record, nil
}

// AddBatchTask adds a task to a batch's membership list.
func (s *DynamoDBStore) AddBatchTask(ctx context.Context, batchID, taskID string) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":      &types.AttributeValueMemberS{Value: batchID},
			"SK":      &types.AttributeValueMemberS{Value: "ITEM#" + taskID},
			"task_id": &types.AttributeValueMemberS{Value: taskID},
		},
	})
	if err != nil {
		return fmt.Errorf("add batch task: %w", err)
	}

	return nil
}

// GetBatchTasks returns all task IDs for a batch.
func (s *DynamoDBStore) GetBatchTasks(ctx context.Context, batchID string) ([]string, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: batchID},
			":sk": &types.AttributeValueMemberS{Value: "ITEM#"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query batch tasks: %w", err)
	}

	var taskIDs []string
	for _, item := range result.Items {
		if attr, ok := item["task_id"]; ok {
			if val, ok := attr.(*types.AttributeValueMemberS); ok {
				taskIDs = append(taskIDs, val.Value)
			}
		}
	}

	return taskIDs, nil
}

// IncrementBatchCounters atomically bumps a batch counter and returns the
// post-increment values. ADD is a single serialized read-modify-write on
// the record, so exactly one caller observes the sum reaching the total.
func (s *DynamoDBStore) IncrementBatchCounters(ctx context.Context, batchID string, failed bool) (int, int, error) {
	counter := "completed"
	if failed {
		counter = "failed"
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(batchID, "BATCH"),
		UpdateExpression: aws.String(fmt.Sprintf("ADD %s :inc", counter)),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inc": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return 0, 0, ErrNotFound
		}
		return 0, 0, fmt.Errorf("increment batch counter: %w", err)
	}

	readCount := func(name string) int {
		if attr, ok := result.Attributes[name]; ok {
			if val, ok := attr.(*types.AttributeValueMemberN); ok {
				n, _ := strconv.Atoi(val.Value)
				return n
			}
		}
		return 0
	}

	return readCount("completed"), readCount("failed"), nil
}

// FinishBatch transitions a processing batch to a terminal status. The
// condition makes the transition fire exactly once even when two item
// completions race.
func (s *DynamoDBStore) FinishBatch(ctx context.Context, batchID, status, completedAt string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(batchID, "BATCH"),
		UpdateExpression:    aws.String("SET #status = :status, completed_at = :at"),
		ConditionExpression: aws.String("attribute_exists(PK) AND #status = :processing"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":     &types.AttributeValueMemberS{Value: status},
			":processing": &types.AttributeValueMemberS{Value: "processing"},
			":at":         &types.AttributeValueMemberS{Value: completedAt},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		// A missing batch and an already-finished batch both fail the
		// condition; the returned old item tells them apart so callers
		// see not_found for the former, like the memory store does.
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return ErrNotFound
			}
			return ErrConditionFailed
		}
		return fmt.Errorf("finish batch: %w", err)
	}

	return nil
}

// AddToDeadLetter adds a task to the dead letter set.
func (s *DynamoDBStore) AddToDeadLetter(ctx context.Context, taskID string) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":      &types.AttributeValueMemberS{Value: "DLQ#" + taskID},
			"SK":      &types.AttributeValueMemberS{Value: "DLQ"},
			"task_id": &types.AttributeValueMemberS{Value: taskID},
		},
	})
	if err != nil {
		return fmt.Errorf("add to dead letter: %w", err)
	}

	return nil
}

// RemoveFromDeadLetter removes a task from the dead letter set.
func (s *DynamoDBStore) RemoveFromDeadLetter(ctx context.Context, taskID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key("DLQ#"+taskID, "DLQ"),
	})
	if err != nil {
		return fmt.Errorf("remove from dead letter: %w", err)
	}

	return nil
}

// IsInDeadLetter reports whether a task is in the dead letter set.
func (s *DynamoDBStore) IsInDeadLetter(ctx context.Context, taskID string) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key("DLQ#"+taskID, "DLQ"),
	})
	if err != nil {
		return false, fmt.Errorf("get dead letter entry: %w", err)
	}

	return result.Item != nil, nil
}

// ListDeadLetter returns dead-lettered task IDs.
func (s *DynamoDBStore) ListDeadLetter(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": &types.AttributeValueMemberS{Value: "DLQ"},
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}

	var taskIDs []string
	for _, item := range result.Items {
		if attr, ok := item["task_id"]; ok {
			if val, ok := attr.(*types.AttributeValueMemberS); ok {
				taskIDs = append(taskIDs, val.Value)
			}
		}
	}

	return taskIDs, nil
}

func (s *DynamoDBStore) addDueEntry(ctx context.Context, prefix, dueType, taskID string, dueAtMs int64) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK":      &types.AttributeValueMemberS{Value: prefix + "#" + taskID},
			"SK":      &types.AttributeValueMemberS{Value: prefix},
			"task_id": &types.AttributeValueMemberS{Value: taskID},
			"GSI3PK":  &types.AttributeValueMemberS{Value: "DUE#" + dueType},
			"GSI3SK":  &types.AttributeValueMemberN{Value: strconv.FormatInt(dueAtMs, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("add %s entry: %w", dueType, err)
	}

	return nil
}

func (s *DynamoDBStore) queryDue(ctx context.Context, dueType string, nowMs int64) ([]string, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String("GSI3"),
		KeyConditionExpression: aws.String("GSI3PK = :pk AND GSI3SK <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: "DUE#" + dueType},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(nowMs, 10)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query due %s tasks: %w", dueType, err)
	}

	var taskIDs []string
	for _, item := range result.Items {
		if attr, ok := item["task_id"]; ok {
			if val, ok := attr.(*types.AttributeValueMemberS); ok {
				taskIDs = append(taskIDs, val.Value)
			}
		}
	}

	return taskIDs, nil
}

// AddScheduledTask adds a task to the scheduled due set.
func (s *DynamoDBStore) AddScheduledTask(ctx context.Context, taskID string, dueAtMs int64) error {
	return s.addDueEntry(ctx, "SCHEDULED", "scheduled", taskID, dueAtMs)
}

// GetDueScheduledTasks returns scheduled tasks whose run time has arrived.
func (s *DynamoDBStore) GetDueScheduledTasks(ctx context.Context, nowMs int64) ([]string, error) {
	return s.queryDue(ctx, "scheduled", nowMs)
}

// RemoveScheduledTask removes a task from the scheduled due set.
func (s *DynamoDBStore) RemoveScheduledTask(ctx context.Context, taskID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key("SCHEDULED#"+taskID, "SCHEDULED"),
	})
	if err != nil {
		return fmt.Errorf("remove scheduled entry: %w", err)
	}

	return nil
}

// AddRetryTask adds a task to the retry due set.
func (s *DynamoDBStore) AddRetryTask(ctx context.Context, taskID string, dueAtMs int64) error {
	return s.addDueEntry(ctx, "RETRY", "retry", taskID, dueAtMs)
}

// GetDueRetryTasks returns retryable tasks whose backoff has elapsed.
func (s *DynamoDBStore) GetDueRetryTasks(ctx context.Context, nowMs int64) ([]string, error) {
	return s.queryDue(ctx, "retry", nowMs)
}

// RemoveRetryTask removes a task from the retry due set.
func (s *DynamoDBStore) RemoveRetryTask(ctx context.Context, taskID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key("RETRY#"+taskID, "RETRY"),
	})
	if err != nil {
		return fmt.Errorf("remove retry entry: %w", err)
	}

	return nil
}

// PutCron stores a cron schedule.
func (s *DynamoDBStore) PutCron(ctx context.Context, cron *CronRecord) error {
	cron.PK = "CRON#" + cron.Name
	cron.SK = "CRON"

	item, err := attributevalue.MarshalMap(cron)
	if err != nil {
		return fmt.Errorf("marshal cron: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put cron: %w", err)
	}

	return nil
}

// GetCron retrieves a cron schedule by name.
func (s *DynamoDBStore) GetCron(ctx context.Context, name string) (*CronRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key("CRON#"+name, "CRON"),
	})
	if err != nil {
		return nil, fmt.Errorf("get cron: %w", err)
	}

	if result.Item == nil {
		return nil, ErrNotFound
	}

	var record CronRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("unmarshal cron: %w", err)
	}

	return &record, nil
}

// DeleteCron removes a cron schedule.
func (s *DynamoDBStore) DeleteCron(ctx context.Context, name string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key("CRON#"+name, "CRON"),
	})
	if err != nil {
		return fmt.Errorf("delete cron: %w", err)
	}

	return nil
}

// ListCrons returns all cron schedules.
func (s *DynamoDBStore) ListCrons(ctx context.Context) ([]*CronRecord, error) {
	result, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("SK = :sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk": &types.AttributeValueMemberS{Value: "CRON"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan crons: %w", err)
	}

	records := make([]*CronRecord, 0, len(result.Items))
	for _, item := range result.Items {
		var record CronRecord
		if err := attributevalue.UnmarshalMap(item, &record); err != nil {
			continue
		}
		records = append(records, &record)
	}

	return records, nil
}

// AcquireCronLock attempts to claim a single firing slot for a cron at a
// given timestamp. Only one server instance wins per slot.
func (s *DynamoDBStore) AcquireCronLock(ctx context.Context, name string, timestamp int64) (bool, error) {
	pk := fmt.Sprintf("CRON_LOCK#%s#%d", name, timestamp)

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: "LOCK"},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("acquire cron lock: %w", err)
	}

	return true, nil
}

// Ping checks connectivity to DynamoDB.
func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

// Close is a no-op for DynamoDB.
func (s *DynamoDBStore) Close() error {
	return nil
}
