package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// dynamoAPI is the subset of the DynamoDB client used by the store.
// Narrowed to an interface so tests can substitute a fake.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// dynamoItem mirrors jobRow for the DynamoDB backend: one item per job,
// job_id as the partition key, timestamps as ISO-8601 strings.
type dynamoItem struct {
	JobID     string `dynamodbav:"job_id"`
	UserID    string `dynamodbav:"user_id"`
	StartTime string `dynamodbav:"start_time"`
	EndTime   string `dynamodbav:"end_time"`
	Hostname  string `dynamodbav:"hostname"`
}

func (i dynamoItem) toJob() (Job, error) {
	start, err := parseTime(i.StartTime)
	if err != nil {
		return Job{}, fmt.Errorf("registry: invalid start_time for job %s: %w", i.JobID, err)
	}
	end, err := parseTime(i.EndTime)
	if err != nil {
		return Job{}, fmt.Errorf("registry: invalid end_time for job %s: %w", i.JobID, err)
	}
	return Job{
		ID:        i.JobID,
		User:      i.UserID,
		StartTime: start,
		EndTime:   end,
		Host:      i.Hostname,
	}, nil
}

// dynamoStore is the wide-column Store. The client is process-scoped and
// safe for concurrent use; there is no per-request connection to manage.
type dynamoStore struct {
	client dynamoAPI
	table  string
}

// OpenDynamo builds a DynamoDB-backed Store using the default AWS credential
// chain and ensures the table exists.
func OpenDynamo(ctx context.Context, table string, logger *zap.Logger) (Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: loading AWS config: %w", err)
	}

	store := &dynamoStore{
		client: dynamodb.NewFromConfig(awsCfg),
		table:  table,
	}

	if err := store.ensureTable(ctx); err != nil {
		return nil, err
	}

	logger.Info("dynamodb registry ready", zap.String("table", table))
	return store, nil
}

// ensureTable creates the jobs table if it does not exist yet.
func (s *dynamoStore) ensureTable(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("registry: describe table %s: %w", s.table, err)
	}

	_, err = s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("job_id"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("job_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("registry: create table %s: %w", s.table, err)
	}
	return nil
}

func (s *dynamoStore) Insert(ctx context.Context, job Job) error {
	item, err := attributevalue.MarshalMap(dynamoItem{
		JobID:     job.ID,
		UserID:    job.User,
		StartTime: formatTime(job.StartTime),
		EndTime:   formatTime(job.EndTime),
		Hostname:  job.Host,
	})
	if err != nil {
		return fmt.Errorf("registry: marshal job %s: %w", job.ID, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		var conditional *types.ConditionalCheckFailedException
		if errors.As(err, &conditional) {
			return fmt.Errorf("registry: insert %s: %w", job.ID, ErrDuplicate)
		}
		return fmt.Errorf("registry: insert %s: %w", job.ID, err)
	}
	return nil
}

func (s *dynamoStore) Get(ctx context.Context, id string) (Job, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       jobKey(id),
	})
	if err != nil {
		return Job{}, fmt.Errorf("registry: get %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return Job{}, ErrNotFound
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return Job{}, fmt.Errorf("registry: unmarshal job %s: %w", id, err)
	}
	return item.toJob()
}

func (s *dynamoStore) List(ctx context.Context) ([]Job, error) {
	var jobs []Job

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}

		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("registry: unmarshal scan page: %w", err)
		}
		for _, item := range items {
			job, err := item.toJob()
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *dynamoStore) UpdateHost(ctx context.Context, id, host string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 jobKey(id),
		UpdateExpression:    aws.String("SET #hostname = :hostname"),
		ConditionExpression: aws.String("attribute_exists(job_id)"),
		ExpressionAttributeNames: map[string]string{
			"#hostname": "hostname",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":hostname": &types.AttributeValueMemberS{Value: host},
		},
	})
	if err != nil {
		var conditional *types.ConditionalCheckFailedException
		if errors.As(err, &conditional) {
			return ErrNotFound
		}
		return fmt.Errorf("registry: update host for %s: %w", id, err)
	}
	return nil
}

func (s *dynamoStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       jobKey(id),
	})
	if err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	return nil
}

func (s *dynamoStore) Close() error { return nil }

func jobKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"job_id": &types.AttributeValueMemberS{Value: id},
	}
}
