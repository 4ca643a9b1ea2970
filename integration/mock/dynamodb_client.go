package mock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBClient is a mock implementation of aws.DynamoDBClient interface for
// testing. Tables are keyed by a single partition key attribute.
type DynamoDBClient struct {
	// Thread-safe map of table data: tableName -> key value -> attributes
	tableData map[string]map[string]map[string]types.AttributeValue
	tables    map[string]string // tableName -> partition key attribute
	mu        sync.RWMutex

	puts          []dynamodb.PutItemInput
	updateItems   []dynamodb.UpdateItemInput
	failNextWrite error
	failMu        sync.Mutex
}

// NewDynamoDBClient creates a new mock DynamoDB client
func NewDynamoDBClient() *DynamoDBClient {
	return &DynamoDBClient{
		tableData: make(map[string]map[string]map[string]types.AttributeValue),
		tables:    make(map[string]string),
	}
}

// AddTable registers an existing table with its partition key attribute.
func (m *DynamoDBClient) AddTable(name, partitionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[name] = partitionKey
	if _, ok := m.tableData[name]; !ok {
		m.tableData[name] = make(map[string]map[string]types.AttributeValue)
	}
}

// FailNextWrite makes the next PutItem or UpdateItem return err.
func (m *DynamoDBClient) FailNextWrite(err error) {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.failNextWrite = err
}

// shouldFail safely checks and resets the failure
func (m *DynamoDBClient) shouldFail() error {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	err := m.failNextWrite
	m.failNextWrite = nil
	return err
}

// attributeToString converts an AttributeValue to a string for key generation
func attributeToString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	default:
		return ""
	}
}

func (m *DynamoDBClient) keyOf(table string, item map[string]types.AttributeValue) (string, error) {
	pk, ok := m.tables[table]
	if !ok {
		return "", &types.ResourceNotFoundException{Message: aws.String("table not found: " + table)}
	}
	v, ok := item[pk]
	if !ok {
		return "", fmt.Errorf("mock DynamoDB: item missing key attribute %s", pk)
	}
	return attributeToString(v), nil
}

// PutItem implements the DynamoDBClient interface
func (m *DynamoDBClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if err := m.shouldFail(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts = append(m.puts, *params)

	table := aws.ToString(params.TableName)
	key, err := m.keyOf(table, params.Item)
	if err != nil {
		return nil, err
	}
	item := make(map[string]types.AttributeValue, len(params.Item))
	for k, v := range params.Item {
		item[k] = v
	}
	m.tableData[table][key] = item
	return &dynamodb.PutItemOutput{}, nil
}

// UpdateItem implements the DynamoDBClient interface. It understands the
// "SET #a = :a, ..." and "ADD #n :v" forms used by the run log, and
// condition expressions built from "#a = :v", attribute_exists(#a) and
// attribute_not_exists(#a) joined by AND.
func (m *DynamoDBClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if err := m.shouldFail(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateItems = append(m.updateItems, *params)

	table := aws.ToString(params.TableName)
	key, err := m.keyOf(table, params.Key)
	if err != nil {
		return nil, err
	}

	item, exists := m.tableData[table][key]
	if cond := aws.ToString(params.ConditionExpression); cond != "" && !conditionHolds(cond, item, params) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	if !exists {
		item = make(map[string]types.AttributeValue)
		for k, v := range params.Key {
			item[k] = v
		}
		m.tableData[table][key] = item
	}

	resolveName := func(ref string) string {
		if n, ok := params.ExpressionAttributeNames[ref]; ok {
			return n
		}
		return ref
	}

	expr := aws.ToString(params.UpdateExpression)
	setPart, addPart := expr, ""
	if idx := strings.Index(expr, " ADD "); idx != -1 {
		setPart, addPart = expr[:idx], expr[idx+5:]
	}

	if strings.HasPrefix(setPart, "SET ") {
		for _, assignment := range strings.Split(strings.TrimPrefix(setPart, "SET "), ", ") {
			parts := strings.Split(strings.TrimSpace(assignment), " = ")
			if len(parts) != 2 {
				continue
			}
			if val, ok := params.ExpressionAttributeValues[strings.TrimSpace(parts[1])]; ok {
				item[resolveName(strings.TrimSpace(parts[0]))] = val
			}
		}
	}

	if addPart != "" {
		for _, clause := range strings.Split(addPart, ", ") {
			parts := strings.Fields(clause)
			if len(parts) != 2 {
				continue
			}
			name := resolveName(parts[0])
			delta, _ := strconv.ParseInt(attributeToString(params.ExpressionAttributeValues[parts[1]]), 10, 64)
			current, _ := strconv.ParseInt(attributeToString(item[name]), 10, 64)
			item[name] = &types.AttributeValueMemberN{Value: strconv.FormatInt(current+delta, 10)}
		}
	}

	return &dynamodb.UpdateItemOutput{}, nil
}

func conditionHolds(cond string, item map[string]types.AttributeValue, params *dynamodb.UpdateItemInput) bool {
	name := func(ref string) string {
		if n, ok := params.ExpressionAttributeNames[ref]; ok {
			return n
		}
		return ref
	}
	for _, clause := range strings.Split(cond, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_exists(") && strings.HasSuffix(clause, ")"):
			if _, ok := item[name(clause[len("attribute_exists(") : len(clause)-1])]; !ok {
				return false
			}
		case strings.HasPrefix(clause, "attribute_not_exists(") && strings.HasSuffix(clause, ")"):
			if _, ok := item[name(clause[len("attribute_not_exists(") : len(clause)-1])]; ok {
				return false
			}
		default:
			parts := strings.Split(clause, " = ")
			if len(parts) != 2 {
				return false
			}
			got, ok := item[name(strings.TrimSpace(parts[0]))]
			want, wok := params.ExpressionAttributeValues[strings.TrimSpace(parts[1])]
			if !ok || !wok || attributeToString(got) != attributeToString(want) {
				return false
			}
		}
	}
	return true
}

// GetItem implements the DynamoDBClient interface
func (m *DynamoDBClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table := aws.ToString(params.TableName)
	key, err := m.keyOf(table, params.Key)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: m.tableData[table][key]}, nil
}

// CreateTable implements the DynamoDBClient interface. Tables become ACTIVE
// immediately.
func (m *DynamoDBClient) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	name := aws.ToString(params.TableName)

	m.mu.RLock()
	_, exists := m.tables[name]
	m.mu.RUnlock()
	if exists {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists: " + name)}
	}

	var pk string
	for _, ks := range params.KeySchema {
		if ks.KeyType == types.KeyTypeHash {
			pk = aws.ToString(ks.AttributeName)
		}
	}
	m.AddTable(name, pk)
	return &dynamodb.CreateTableOutput{
		TableDescription: &types.TableDescription{TableName: params.TableName, TableStatus: types.TableStatusCreating},
	}, nil
}

// DescribeTable implements the DynamoDBClient interface
func (m *DynamoDBClient) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name := aws.ToString(params.TableName)
	if _, ok := m.tables[name]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found: " + name)}
	}
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{TableName: params.TableName, TableStatus: types.TableStatusActive},
	}, nil
}

// Item returns a stored item by its partition key value, or nil.
func (m *DynamoDBClient) Item(table, key string) map[string]types.AttributeValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tableData[table][key]
}

// GetUpdateItems returns the update item requests that were made
func (m *DynamoDBClient) GetUpdateItems() []dynamodb.UpdateItemInput {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]dynamodb.UpdateItemInput(nil), m.updateItems...)
}

// GetPutItems returns the put item requests that were made
func (m *DynamoDBClient) GetPutItems() []dynamodb.PutItemInput {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]dynamodb.PutItemInput(nil), m.puts...)
}
