// Package runlog records every transfer in a DynamoDB table, one item per
// handle, so that other processes can follow a transfer by its id.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gurre/rs-transfer/aws"
	"github.com/gurre/rs-transfer/tracker"
	log "github.com/sirupsen/logrus"
)

// KeyAttribute is the table's partition key.
const KeyAttribute = "transfer_id"

// ErrNotFound is returned by Get for an unknown transfer id.
var ErrNotFound = errors.New("transfer not found in run log")

// Record is the item stored per transfer.
type Record struct {
	TransferID     string    `dynamodbav:"transfer_id"`
	Direction      string    `dynamodbav:"direction"`
	Table          string    `dynamodbav:"table_name"`
	StoragePath    string    `dynamodbav:"storage_path"`
	CredentialRole string    `dynamodbav:"credential_role"`
	StatementID    int64     `dynamodbav:"statement_id,omitempty"`
	Status         string    `dynamodbav:"status"`
	Detail         string    `dynamodbav:"detail,omitempty"`
	SubmittedAt    time.Time `dynamodbav:"submitted_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	Transitions    int64     `dynamodbav:"transitions"`
}

// Options tunes a Recorder.
type Options struct {
	// MaxRetries bounds retries of non-throttling errors. Throttling is
	// retried until the context ends.
	MaxRetries int
	// BaseDelay is the first backoff delay. Defaults to 100ms.
	BaseDelay time.Duration
	Now       func() time.Time
}

// Recorder writes run-log items. It implements tracker.Observer; write
// failures are logged and counted, never returned to the tracker.
type Recorder struct {
	client    aws.DynamoDBClient
	tableName string
	opts      Options
	failures  atomic.Int64
}

var _ tracker.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder for tableName.
func NewRecorder(client aws.DynamoDBClient, tableName string, opts Options) *Recorder {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{client: client, tableName: tableName, opts: opts}
}

// Failures returns how many writes were given up on.
func (r *Recorder) Failures() int64 {
	return r.failures.Load()
}

// OnTriggered writes the initial RUNNING item before the submission starts.
func (r *Recorder) OnTriggered(ctx context.Context, h *tracker.Handle) {
	req := h.Request()
	rec := Record{
		TransferID:     h.ID(),
		Direction:      req.Direction.String(),
		Table:          req.QualifiedTable(),
		StoragePath:    req.StoragePath,
		CredentialRole: req.CredentialRole,
		Status:         tracker.StatusRunning.String(),
		SubmittedAt:    h.SubmittedAt().UTC(),
		UpdatedAt:      r.opts.Now().UTC(),
	}
	if err := r.Put(ctx, rec); err != nil {
		r.failures.Add(1)
		log.WithError(err).WithField("transfer_id", h.ID()).Warn("failed to record triggered transfer")
	}
}

// OnSubmitted records the submission outcome: the resolved statement id, or
// FAILED with the submission error. The update only applies while the item is
// still RUNNING, so a terminal status written by the poll loop is kept.
func (r *Recorder) OnSubmitted(ctx context.Context, h *tracker.Handle) {
	values := map[string]types.AttributeValue{
		":running":    &types.AttributeValueMemberS{Value: tracker.StatusRunning.String()},
		":updated_at": &types.AttributeValueMemberS{Value: r.opts.Now().UTC().Format(time.RFC3339Nano)},
	}
	names := map[string]string{
		"#status":     "status",
		"#updated_at": "updated_at",
	}
	expr := "SET #updated_at = :updated_at"
	if id, ok := h.StatementID(); ok {
		names["#statement_id"] = "statement_id"
		values[":statement_id"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", id)}
		expr += ", #statement_id = :statement_id"
	}
	if err := h.Err(); err != nil {
		names["#detail"] = "detail"
		values[":failed"] = &types.AttributeValueMemberS{Value: tracker.StatusFailed.String()}
		values[":detail"] = &types.AttributeValueMemberS{Value: err.Error()}
		expr += ", #status = :failed, #detail = :detail"
	}

	cond := "#status = :running"
	input := &dynamodb.UpdateItemInput{
		TableName:                 &r.tableName,
		Key:                       keyOf(h.ID()),
		UpdateExpression:          &expr,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	err := r.retry(ctx, func() error {
		_, err := r.client.UpdateItem(ctx, input)
		return err
	})
	if isConditionFailed(err) {
		log.WithField("transfer_id", h.ID()).Debug("run-log item already left RUNNING, keeping it")
		return
	}
	if err != nil {
		r.failures.Add(1)
		log.WithError(err).WithField("transfer_id", h.ID()).Warn("failed to record transfer submission")
	}
}

// OnTransition updates status and detail and bumps the transition count.
func (r *Recorder) OnTransition(ctx context.Context, h *tracker.Handle, from, to tracker.Status, detail string) {
	values := map[string]types.AttributeValue{
		":status":     &types.AttributeValueMemberS{Value: to.String()},
		":detail":     &types.AttributeValueMemberS{Value: detail},
		":updated_at": &types.AttributeValueMemberS{Value: r.opts.Now().UTC().Format(time.RFC3339Nano)},
		":one":        &types.AttributeValueMemberN{Value: "1"},
	}
	names := map[string]string{
		"#status":      "status",
		"#detail":      "detail",
		"#updated_at":  "updated_at",
		"#transitions": "transitions",
	}
	expr := "SET #status = :status, #detail = :detail, #updated_at = :updated_at"
	if id, ok := h.StatementID(); ok {
		names["#statement_id"] = "statement_id"
		values[":statement_id"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", id)}
		expr += ", #statement_id = :statement_id"
	}
	expr += " ADD #transitions :one"

	input := &dynamodb.UpdateItemInput{
		TableName:                 &r.tableName,
		Key:                       keyOf(h.ID()),
		UpdateExpression:          &expr,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	err := r.retry(ctx, func() error {
		_, err := r.client.UpdateItem(ctx, input)
		return err
	})
	if err != nil {
		r.failures.Add(1)
		log.WithError(err).WithFields(log.Fields{
			"transfer_id": h.ID(),
			"from":        from.String(),
			"to":          to.String(),
		}).Warn("failed to record transfer transition")
	}
}

// Put writes rec, replacing any existing item.
func (r *Recorder) Put(ctx context.Context, rec Record) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run-log record: %w", err)
	}
	return r.retry(ctx, func() error {
		_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: &r.tableName,
			Item:      item,
		})
		return err
	})
}

// Get reads the record for transferID.
func (r *Recorder) Get(ctx context.Context, transferID string) (Record, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &r.tableName,
		Key:            keyOf(transferID),
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return Record{}, fmt.Errorf("failed to read run-log record %s: %w", transferID, err)
	}
	if len(out.Item) == 0 {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, transferID)
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to decode run-log record %s: %w", transferID, err)
	}
	return rec, nil
}

// EnsureTable creates the run-log table with on-demand billing if it does
// not exist and waits until it is active.
func (r *Recorder) EnsureTable(ctx context.Context, maxWait time.Duration) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: &r.tableName})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe run-log table %s: %w", r.tableName, err)
	}

	log.WithField("table", r.tableName).Info("creating run-log table")
	_, err = r.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: &r.tableName,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: sdkaws.String(KeyAttribute), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: sdkaws.String(KeyAttribute), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("failed to create run-log table %s: %w", r.tableName, err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(r.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: &r.tableName}, maxWait); err != nil {
		return fmt.Errorf("run-log table %s did not become active: %w", r.tableName, err)
	}
	return nil
}

func keyOf(transferID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		KeyAttribute: &types.AttributeValueMemberS{Value: transferID},
	}
}

// isThrottlingError returns true if the error is a DynamoDB throughput
// throttling error. These are recoverable by waiting.
func isThrottlingError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	return errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr)
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

// retry runs op with exponential backoff. Throttling errors retry until ctx
// ends; failed conditions return at once; other errors fail after MaxRetries
// attempts.
func (r *Recorder) retry(ctx context.Context, op func() error) error {
	attempt := 0
	for {
		err := op()
		if err == nil || isConditionFailed(err) {
			return err
		}
		if !isThrottlingError(err) && attempt >= r.opts.MaxRetries {
			return fmt.Errorf("giving up after %d retries: %w", r.opts.MaxRetries, err)
		}
		if !backoffWait(ctx, r.opts.BaseDelay, attempt) {
			return ctx.Err()
		}
		attempt++
	}
}

// backoffWait sleeps for an exponentially increasing duration with jitter.
// Returns false if the context is cancelled during the wait.
func backoffWait(ctx context.Context, base time.Duration, attempt int) bool {
	maxDelay := 30 * time.Second

	delay := base * time.Duration(1<<uint(min(attempt, 20)))
	if delay > maxDelay {
		delay = maxDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay)))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
