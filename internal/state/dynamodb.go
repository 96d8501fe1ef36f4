package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/schester44/Snow-Bunny/internal/awscfg"
	"github.com/schester44/Snow-Bunny/internal/config"
)

const (
	pkPending  = "PENDING"
	pkUploaded = "UPLOADED"
	pkCounter  = "COUNTER"
)

// DynamoDBAPI defines the subset of the DynamoDB client interface that the
// store uses. This allows mocking in tests.
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoDBStore implements Store on a single DynamoDB table keyed by
// (pk, sk). Pending paths live under pk=PENDING, records under pk=UPLOADED
// and the counter under pk=COUNTER; sk is the file path.
type DynamoDBStore struct {
	client    DynamoDBAPI
	tableName string
	mu        sync.Mutex
}

// NewDynamoDBStore creates a DynamoDBStore and verifies the table exists.
func NewDynamoDBStore(ctx context.Context, cfg config.DynamoDBConfig, opts awscfg.Options) (*DynamoDBStore, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	if cfg.Region != "" {
		opts.Region = cfg.Region
	}
	if cfg.EndpointURL != "" {
		opts.EndpointURL = cfg.EndpointURL
	}
	awsCfg, err := awscfg.Load(ctx, opts)
	if err != nil {
		return nil, err
	}

	s := NewDynamoDBStoreWithAPI(cfg.Table, dynamodb.NewFromConfig(awsCfg))
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("describing table %q: %w", cfg.Table, err)
	}
	slog.Info("DynamoDB state store initialized", "table", cfg.Table, "region", awsCfg.Region)
	return s, nil
}

// NewDynamoDBStoreWithAPI creates a DynamoDBStore with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewDynamoDBStoreWithAPI(table string, client DynamoDBAPI) *DynamoDBStore {
	return &DynamoDBStore{client: client, tableName: table}
}

// Ping checks that the table is reachable.
func (s *DynamoDBStore) Ping(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	})
	return err
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func counterKey() map[string]types.AttributeValue {
	return itemKey(pkCounter, counterTotalUploaded)
}

func attrString(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// isRecordConflict reports whether a RecordUploaded transaction was
// cancelled because the uploaded item already exists.
func isRecordConflict(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) || len(tce.CancellationReasons) == 0 {
		return false
	}
	return aws.ToString(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

func (s *DynamoDBStore) exists(ctx context.Context, pk, sk string) (bool, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, err
	}
	return resp.Item != nil, nil
}

// queryAll returns every item under pk, following pagination.
func (s *DynamoDBStore) queryAll(ctx context.Context, pk string) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
		if len(resp.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = resp.LastEvaluatedKey
	}
}

// LoadPending merges discovered paths into the pending set.
func (s *DynamoDBStore) LoadPending(ctx context.Context, discovered []string) (LoadResult, error) {
	paths := dedupe(discovered)
	s.mu.Lock()
	defer s.mu.Unlock()

	res := LoadResult{Discovered: len(paths)}
	now := time.Now().UTC().Format(timeFormat)
	for _, p := range paths {
		done, err := s.exists(ctx, pkUploaded, p)
		if err != nil {
			return LoadResult{}, fmt.Errorf("checking uploaded %q: %w", p, err)
		}
		if done {
			res.AlreadyUploaded++
			continue
		}
		item := itemKey(pkPending, p)
		item["added_at"] = &types.AttributeValueMemberS{Value: now}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		})
		if err != nil {
			if isConditionalCheckFailed(err) {
				res.Duplicates++
				continue
			}
			return LoadResult{}, fmt.Errorf("inserting pending %q: %w", p, err)
		}
		res.Added++
	}

	items, err := s.queryAll(ctx, pkPending)
	if err != nil {
		return LoadResult{}, fmt.Errorf("counting pending: %w", err)
	}
	res.Pending = len(items)
	return res, nil
}

// IsUploaded reports whether path has an upload record.
func (s *DynamoDBStore) IsUploaded(ctx context.Context, path string) (bool, error) {
	ok, err := s.exists(ctx, pkUploaded, path)
	if err != nil {
		return false, fmt.Errorf("checking uploaded %q: %w", path, err)
	}
	return ok, nil
}

// RecordUploaded writes the record, deletes the pending item and increments
// the counter in one TransactWriteItems call.
func (s *DynamoDBStore) RecordUploaded(ctx context.Context, rec Record) error {
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item := itemKey(pkUploaded, rec.FilePath)
	item["archive_id"] = &types.AttributeValueMemberS{Value: rec.ArchiveID}
	item["checksum"] = &types.AttributeValueMemberS{Value: rec.Checksum}
	item["uploaded_at"] = &types.AttributeValueMemberS{Value: rec.UploadedAt.UTC().Format(timeFormat)}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(pk)"),
			}},
			{Delete: &types.Delete{
				TableName: aws.String(s.tableName),
				Key:       itemKey(pkPending, rec.FilePath),
			}},
			{Update: &types.Update{
				TableName:                aws.String(s.tableName),
				Key:                      counterKey(),
				UpdateExpression:         aws.String("ADD #v :one"),
				ExpressionAttributeNames: map[string]string{"#v": "value"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":one": &types.AttributeValueMemberN{Value: "1"},
				},
			}},
		},
	})
	if err == nil {
		return nil
	}
	if !isRecordConflict(err) {
		return fmt.Errorf("recording upload of %q: %w", rec.FilePath, err)
	}
	// Already recorded: only clear the pending entry.
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(pkPending, rec.FilePath),
	}); err != nil {
		return fmt.Errorf("removing pending %q: %w", rec.FilePath, err)
	}
	return nil
}

// RemovePending deletes path from the pending set.
func (s *DynamoDBStore) RemovePending(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       itemKey(pkPending, path),
	})
	if err != nil {
		return fmt.Errorf("removing pending %q: %w", path, err)
	}
	return nil
}

// SnapshotPending returns the pending paths in lexical order.
func (s *DynamoDBStore) SnapshotPending(ctx context.Context) ([]string, error) {
	items, err := s.queryAll(ctx, pkPending)
	if err != nil {
		return nil, fmt.Errorf("listing pending: %w", err)
	}
	paths := make([]string, 0, len(items))
	for _, it := range items {
		paths = append(paths, attrString(it, "sk"))
	}
	sort.Strings(paths)
	return paths, nil
}

// TotalUploaded returns the upload counter.
func (s *DynamoDBStore) TotalUploaded(ctx context.Context) (int64, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            counterKey(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("reading upload counter: %w", err)
	}
	v, ok := resp.Item["value"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing upload counter %q: %w", v.Value, err)
	}
	return n, nil
}

// Uploaded returns every upload record ordered by path.
func (s *DynamoDBStore) Uploaded(ctx context.Context) ([]Record, error) {
	items, err := s.queryAll(ctx, pkUploaded)
	if err != nil {
		return nil, fmt.Errorf("listing uploaded: %w", err)
	}
	recs := make([]Record, 0, len(items))
	for _, it := range items {
		at, _ := time.Parse(timeFormat, attrString(it, "uploaded_at"))
		recs = append(recs, Record{
			FilePath:   attrString(it, "sk"),
			ArchiveID:  attrString(it, "archive_id"),
			Checksum:   attrString(it, "checksum"),
			UploadedAt: at,
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].FilePath < recs[j].FilePath })
	return recs, nil
}

// SetTotalUploaded overwrites the upload counter.
func (s *DynamoDBStore) SetTotalUploaded(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      counterKey(),
		UpdateExpression:         aws.String("SET #v = :n"),
		ExpressionAttributeNames: map[string]string{"#v": "value"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("setting upload counter: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need release.
func (s *DynamoDBStore) Close() error {
	return nil
}

// Ensure DynamoDBStore implements Store at compile time.
var _ Store = (*DynamoDBStore)(nil)
