// Package dynamodb persists outline documents in a single DynamoDB table.
//
// Item layout (PK = OUTLINE#<name>):
//
//	SK = THOUGHT#<id>   thought document
//	SK = LEXEME#<key>   lexeme document
//	SK = META#SCHEMA    schema version of the stored documents
//	SK = STAGE#<batch id>#<live SK>   staged document of a large batch
//	SK = COMMIT#<batch id>            commit record of a staged batch
package dynamodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/domain/documents"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

const (
	thoughtSK = "THOUGHT#"
	lexemeSK  = "LEXEME#"
	schemaSK  = "META#SCHEMA"
	stageSK   = "STAGE#"
	commitSK  = "COMMIT#"

	// DynamoDB limits
	maxBatchWrite   = 25
	maxTransactions = 100
)

// API is the subset of the DynamoDB client the persister uses
type API interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// ClientConfig locates the table
type ClientConfig struct {
	Region    string
	Endpoint  string
	TableName string
	Outline   string
}

// NewClient creates a DynamoDB client. A non-empty endpoint points it at a
// local DynamoDB.
func NewClient(ctx context.Context, cfg ClientConfig) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// documentItem is one stored document, staged document or commit record
type documentItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	Doc         string `dynamodbav:"Doc,omitempty"`
	BatchID     string `dynamodbav:"BatchID"`
	Target      string `dynamodbav:"Target,omitempty"`
	CommittedAt string `dynamodbav:"CommittedAt,omitempty"`
	UpdatedAt   string `dynamodbav:"UpdatedAt"`
}

// schemaItem records the schema version of the partition
type schemaItem struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	SchemaVersion int    `dynamodbav:"SchemaVersion"`
	UpdatedAt     string `dynamodbav:"UpdatedAt"`
}

// Persister implements ports.Persister on DynamoDB
type Persister struct {
	client    API
	tableName string
	pk        string
	logger    *zap.Logger
	now       func() time.Time
	retryBase time.Duration
}

var _ ports.Persister = (*Persister)(nil)

// NewPersister creates a persister for one outline partition
func NewPersister(client API, tableName, outline string, logger *zap.Logger) *Persister {
	return &Persister{
		client:    client,
		tableName: tableName,
		pk:        "OUTLINE#" + outline,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		retryBase: 100 * time.Millisecond,
	}
}

func (p *Persister) key(sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: p.pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// Persist writes the batch. Batches that fit in one transaction are written
// atomically. Larger ones are staged under their batch id, committed by a
// single conditional transaction and only then copied over the live
// documents, so a failure before the commit leaves the partition as it was.
func (p *Persister) Persist(ctx context.Context, batch *documents.Batch) error {
	updatedAt := p.now().Format(time.RFC3339Nano)

	docs := make([]pendingDoc, 0, batch.Len())
	for id, raw := range batch.Thoughts {
		docs = append(docs, pendingDoc{sk: thoughtSK + id, raw: raw})
	}
	for id, raw := range batch.Lexemes {
		docs = append(docs, pendingDoc{sk: lexemeSK + id, raw: raw})
	}

	switch {
	case len(docs) == 0:
		return nil
	case len(docs) <= maxTransactions:
		requests, err := p.liveWrites(batch.ID, docs, updatedAt)
		if err != nil {
			return err
		}
		return p.transact(ctx, requests)
	default:
		p.logger.Info("Batch exceeds transaction limit, staging before commit",
			zap.String("batchID", batch.ID),
			zap.Int("documents", len(docs)),
		)
		return p.stageAndCommit(ctx, batch.ID, docs, updatedAt)
	}
}

// pendingDoc is one document write addressed by its live sort key
type pendingDoc struct {
	sk  string
	raw json.RawMessage
}

func stageKey(batchID, sk string) string {
	return stageSK + batchID + "#" + sk
}

// liveWrites turns docs into puts and deletes of the live items
func (p *Persister) liveWrites(batchID string, docs []pendingDoc, updatedAt string) ([]types.WriteRequest, error) {
	requests := make([]types.WriteRequest, 0, len(docs))
	for _, d := range docs {
		if documents.IsDeletion(d.raw) {
			requests = append(requests, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: p.key(d.sk)}})
			continue
		}
		item, err := attributevalue.MarshalMap(documentItem{
			PK:        p.pk,
			SK:        d.sk,
			Doc:       string(d.raw),
			BatchID:   batchID,
			UpdatedAt: updatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal document %s: %w", d.sk, err)
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	return requests, nil
}

func (p *Persister) transact(ctx context.Context, requests []types.WriteRequest) error {
	items := make([]types.TransactWriteItem, 0, len(requests))
	for _, r := range requests {
		if r.PutRequest != nil {
			items = append(items, types.TransactWriteItem{
				Put: &types.Put{TableName: aws.String(p.tableName), Item: r.PutRequest.Item},
			})
		}
		if r.DeleteRequest != nil {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{TableName: aws.String(p.tableName), Key: r.DeleteRequest.Key},
			})
		}
	}

	_, err := p.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return p.classify("transact write", err)
	}
	return nil
}

// stageAndCommit writes a large batch in three steps. Staged items and an
// uncommitted batch are invisible to Load; once the commit record exists Load
// finishes the copy itself. Every step is safe to repeat.
func (p *Persister) stageAndCommit(ctx context.Context, batchID string, docs []pendingDoc, updatedAt string) error {
	staged := make([]types.WriteRequest, 0, len(docs))
	for _, d := range docs {
		doc := string(d.raw)
		if documents.IsDeletion(d.raw) {
			doc = "null"
		}
		item, err := attributevalue.MarshalMap(documentItem{
			PK:        p.pk,
			SK:        stageKey(batchID, d.sk),
			Doc:       doc,
			BatchID:   batchID,
			Target:    d.sk,
			UpdatedAt: updatedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal staged document %s: %w", d.sk, err)
		}
		staged = append(staged, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	if err := p.batchWrite(ctx, staged); err != nil {
		return err
	}
	if err := p.commit(ctx, batchID, updatedAt); err != nil {
		return err
	}
	return p.apply(ctx, batchID, docs, updatedAt)
}

// commit records batchID as committed. A record left by an earlier attempt
// counts as success.
func (p *Persister) commit(ctx context.Context, batchID, updatedAt string) error {
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("SK"))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build commit condition: %w", err)
	}
	item, err := attributevalue.MarshalMap(documentItem{
		PK:          p.pk,
		SK:          commitSK + batchID,
		BatchID:     batchID,
		CommittedAt: updatedAt,
		UpdatedAt:   updatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal commit record: %w", err)
	}

	_, err = p.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{{
			Put: &types.Put{
				TableName:                 aws.String(p.tableName),
				Item:                      item,
				ConditionExpression:       expr.Condition(),
				ExpressionAttributeNames:  expr.Names(),
				ExpressionAttributeValues: expr.Values(),
			},
		}},
	})
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) && conditionFailed(canceled) {
		p.logger.Debug("Batch already committed", zap.String("batchID", batchID))
		return nil
	}
	if err != nil {
		return p.classify("commit", err)
	}
	return nil
}

func conditionFailed(err *types.TransactionCanceledException) bool {
	for _, reason := range err.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// apply copies a committed batch over the live documents, then drops the
// commit record and the staged items
func (p *Persister) apply(ctx context.Context, batchID string, docs []pendingDoc, updatedAt string) error {
	requests, err := p.liveWrites(batchID, docs, updatedAt)
	if err != nil {
		return err
	}
	if err := p.batchWrite(ctx, requests); err != nil {
		return err
	}

	// Without its commit record a leftover staged item is ignored.
	if err := p.batchWrite(ctx, []types.WriteRequest{
		{DeleteRequest: &types.DeleteRequest{Key: p.key(commitSK + batchID)}},
	}); err != nil {
		return err
	}
	cleanup := make([]types.WriteRequest, 0, len(docs))
	for _, d := range docs {
		cleanup = append(cleanup, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: p.key(stageKey(batchID, d.sk))}})
	}
	if err := p.batchWrite(ctx, cleanup); err != nil {
		p.logger.Warn("Failed to remove staged documents",
			zap.String("batchID", batchID),
			zap.Error(err),
		)
	}
	return nil
}

func (p *Persister) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	for i := 0; i < len(requests); i += maxBatchWrite {
		end := i + maxBatchWrite
		if end > len(requests) {
			end = len(requests)
		}
		if err := p.writeChunk(ctx, requests[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// writeChunk writes up to 25 requests, resubmitting unprocessed items with backoff
func (p *Persister) writeChunk(ctx context.Context, chunk []types.WriteRequest) error {
	pending := chunk
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryBase

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		out, err := p.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{p.tableName: pending},
		})
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		pending = out.UnprocessedItems[p.tableName]
		if len(pending) > 0 {
			return struct{}{}, fmt.Errorf("%d items unprocessed", len(pending))
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return p.classify("batch write", permanent.Unwrap())
	}
	if err != nil {
		// Still throttled after every retry
		return pkgerrors.NewStorageUnavailableError("batch write", err)
	}
	return nil
}

// classify marks throttling and transient service errors retryable
func (p *Persister) classify(operation string, err error) error {
	var (
		throughput *types.ProvisionedThroughputExceededException
		limit      *types.RequestLimitExceeded
		internal   *types.InternalServerError
		canceled   *types.TransactionCanceledException
	)
	var apiErr smithy.APIError
	switch {
	case errors.As(err, &throughput), errors.As(err, &limit), errors.As(err, &internal), errors.As(err, &canceled):
		return pkgerrors.NewStorageUnavailableError(operation, err)
	case errors.As(err, &apiErr) && (apiErr.ErrorCode() == "ThrottlingException" || apiErr.ErrorFault() == smithy.FaultServer):
		return pkgerrors.NewStorageUnavailableError(operation, err)
	default:
		return pkgerrors.NewDatabaseError(operation, err)
	}
}

// Load reads every document of the partition at the stored schema version.
// Committed batches that were not fully copied are finished first.
func (p *Persister) Load(ctx context.Context) (*documents.Batch, error) {
	version, err := p.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	batch := documents.NewBatch("", p.now())
	batch.SchemaVersion = version

	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("PK").Equal(expression.Value(p.pk))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(p.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	}
	var (
		commits []documentItem
		staged  = make(map[string][]documentItem)
	)
	for {
		result, err := p.client.Query(ctx, input)
		if err != nil {
			return nil, p.classify("load", err)
		}
		for _, raw := range result.Items {
			var item documentItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal document: %w", err)
			}
			switch {
			case strings.HasPrefix(item.SK, stageSK):
				staged[item.BatchID] = append(staged[item.BatchID], item)
			case strings.HasPrefix(item.SK, commitSK):
				commits = append(commits, item)
			default:
				setDoc(batch, item.SK, []byte(item.Doc))
			}
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	// Committed batches whose copy was interrupted are finished here, oldest
	// first, before anything newer can be written on top of them.
	sort.Slice(commits, func(i, j int) bool {
		if commits[i].CommittedAt != commits[j].CommittedAt {
			return commits[i].CommittedAt < commits[j].CommittedAt
		}
		return commits[i].BatchID < commits[j].BatchID
	})
	for _, c := range commits {
		docs := make([]pendingDoc, 0, len(staged[c.BatchID]))
		for _, item := range staged[c.BatchID] {
			docs = append(docs, pendingDoc{sk: item.Target, raw: []byte(item.Doc)})
			setDoc(batch, item.Target, []byte(item.Doc))
		}
		p.logger.Info("Finishing committed batch",
			zap.String("batchID", c.BatchID),
			zap.Int("documents", len(docs)),
		)
		if err := p.apply(ctx, c.BatchID, docs, c.CommittedAt); err != nil {
			return nil, err
		}
		delete(staged, c.BatchID)
	}
	if len(staged) > 0 {
		p.logger.Debug("Ignoring uncommitted staged batches", zap.Int("batches", len(staged)))
	}

	p.logger.Debug("Loaded outline partition",
		zap.String("pk", p.pk),
		zap.Int("thoughts", len(batch.Thoughts)),
		zap.Int("lexemes", len(batch.Lexemes)),
	)
	return batch, nil
}

// setDoc applies one live document to batch, dropping it on a deletion
func setDoc(batch *documents.Batch, sk string, raw json.RawMessage) {
	var (
		docs map[string]json.RawMessage
		id   string
	)
	switch {
	case strings.HasPrefix(sk, thoughtSK):
		docs, id = batch.Thoughts, strings.TrimPrefix(sk, thoughtSK)
	case strings.HasPrefix(sk, lexemeSK):
		docs, id = batch.Lexemes, strings.TrimPrefix(sk, lexemeSK)
	default:
		return
	}
	if documents.IsDeletion(raw) {
		delete(docs, id)
		return
	}
	docs[id] = raw
}

// SchemaVersion returns the stored schema version. An empty partition is at
// the current version.
func (p *Persister) SchemaVersion(ctx context.Context) (int, error) {
	out, err := p.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(p.tableName),
		Key:            p.key(schemaSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, p.classify("schema version", err)
	}
	if out.Item == nil {
		return documents.CurrentSchemaVersion, nil
	}
	var item schemaItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return 0, fmt.Errorf("failed to unmarshal schema version: %w", err)
	}
	return item.SchemaVersion, nil
}

// SetSchemaVersion records the stored schema version. Migrations are forward
// only, so recording a version older than the stored one fails.
func (p *Persister) SetSchemaVersion(ctx context.Context, version int) error {
	stored := expression.Name("SchemaVersion")
	expr, err := expression.NewBuilder().
		WithCondition(stored.AttributeNotExists().Or(stored.LessThanEqual(expression.Value(version)))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build schema condition: %w", err)
	}

	item, err := attributevalue.MarshalMap(schemaItem{
		PK:            p.pk,
		SK:            schemaSK,
		SchemaVersion: version,
		UpdatedAt:     p.now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal schema version: %w", err)
	}
	_, err = p.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(p.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	var conditional *types.ConditionalCheckFailedException
	if errors.As(err, &conditional) {
		return pkgerrors.NewDomainError(pkgerrors.DomainConflictError, pkgerrors.CodeSchemaMismatch, "stored schema is newer").
			WithDetail("version", version).
			WithCause(err)
	}
	if err != nil {
		return p.classify("set schema version", err)
	}
	return nil
}
