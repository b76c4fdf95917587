package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"council-agent/internal/domain"
	"council-agent/internal/quota"
)

const (
	pkPrefixUser         = "USER#"
	skPrefixConsultation = "CONSULTATION#"
	skPrefixUsage        = "USAGE#"

	// DefaultCreatedAtIndex is the local secondary index on (PK, createdAtKey).
	DefaultCreatedAtIndex = "createdAt-index"

	// createdAtKeyLayout is fixed-width so that lexical order is chronological.
	createdAtKeyLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client stores consultations and daily usage for every user in a single
// DynamoDB table partitioned by user.
type Client struct {
	api       dynamodbAPI
	tableName string
	indexName string
}

type Option func(*Client)

// WithCreatedAtIndex sets the index used to list consultations newest first.
func WithCreatedAtIndex(name string) Option {
	return func(c *Client) {
		if name = strings.TrimSpace(name); name != "" {
			c.indexName = name
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, indexName: DefaultCreatedAtIndex}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// userPK returns the partition key owning every record of a user.
func userPK(userID string) string {
	return pkPrefixUser + userID
}

func consultationSK(id string) string {
	return skPrefixConsultation + id
}

func usageSK(dateKey string) string {
	return skPrefixUsage + dateKey
}

func createdAtKey(t time.Time) string {
	return t.UTC().Format(createdAtKeyLayout)
}

func (c *Client) key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// PutConsultation writes or replaces a consultation owned by userID.
func (c *Client) PutConsultation(ctx context.Context, userID string, rec domain.Consultation) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(rec.ID) == "" {
		return errors.New("repository: PutConsultation: user id and consultation id are required")
	}
	item, err := consultationItem(userID, rec)
	if err != nil {
		return fmt.Errorf("repository: PutConsultation: %w", err)
	}
	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("repository: PutConsultation: %w", err)
	}
	return nil
}

// GetConsultation reads one consultation. It returns domain.ErrNotFound when
// the user has no record with that id.
func (c *Client) GetConsultation(ctx context.Context, userID, id string) (domain.Consultation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(userPK(userID), consultationSK(id)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("repository: GetConsultation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Consultation{}, domain.ErrNotFound
	}
	rec, err := itemToConsultation(out.Item)
	if err != nil {
		return domain.Consultation{}, fmt.Errorf("repository: GetConsultation decode: %w", err)
	}
	return rec, nil
}

// ListConsultations returns a page of the user's consultations, newest first.
// DynamoDB has no offset, so the first offset items are read and skipped.
func (c *Client) ListConsultations(ctx context.Context, userID string, limit, offset int) ([]domain.Consultation, error) {
	if limit <= 0 {
		return []domain.Consultation{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	want := offset + limit

	var (
		items     []map[string]types.AttributeValue
		startFrom map[string]types.AttributeValue
	)
	for len(items) < want {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			IndexName:              aws.String(c.indexName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: userPK(userID)},
			},
			ScanIndexForward:  aws.Bool(false),
			Limit:             aws.Int32(int32(want - len(items))),
			ExclusiveStartKey: startFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListConsultations query: %w", err)
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startFrom = out.LastEvaluatedKey
	}

	if offset >= len(items) {
		return []domain.Consultation{}, nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}

	recs := make([]domain.Consultation, 0, len(items))
	for _, item := range items {
		rec, err := itemToConsultation(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConsultations unmarshal: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// DeleteConsultation removes a consultation. Deleting a missing record is not an error.
func (c *Client) DeleteConsultation(ctx context.Context, userID, id string) error {
	if _, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       c.key(userPK(userID), consultationSK(id)),
	}); err != nil {
		return fmt.Errorf("repository: DeleteConsultation: %w", err)
	}
	return nil
}

// IncrementBelow implements quota.Counter with a single conditional update:
// the condition and the increment are evaluated atomically by DynamoDB, and
// attributes other than count and updatedAt are left untouched.
func (c *Client) IncrementBelow(ctx context.Context, userID, dateKey string, limit int, now time.Time) (int, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 c.key(userPK(userID), usageSK(dateKey)),
		UpdateExpression:    aws.String("SET #count = if_not_exists(#count, :zero) + :one, #updatedAt = :now"),
		ConditionExpression: aws.String("attribute_not_exists(#count) OR #count < :limit"),
		ExpressionAttributeNames: map[string]string{
			"#count":     "count",
			"#updatedAt": "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":  &types.AttributeValueMemberN{Value: "0"},
			":one":   &types.AttributeValueMemberN{Value: "1"},
			":limit": &types.AttributeValueMemberN{Value: strconv.Itoa(limit)},
			":now":   &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return 0, quota.ErrLimitReached
		}
		return 0, fmt.Errorf("repository: IncrementBelow: %w", err)
	}
	count, err := intAttr(out.Attributes, "count")
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementBelow decode count: %w", err)
	}
	return count, nil
}

// GetDailyUsage reads the usage record for a user and local day. A missing
// record reads as a zero count.
func (c *Client) GetDailyUsage(ctx context.Context, userID, dateKey string) (domain.DailyUsage, error) {
	usage := domain.DailyUsage{UserID: userID, DateKey: dateKey}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.key(userPK(userID), usageSK(dateKey)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return usage, fmt.Errorf("repository: GetDailyUsage: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return usage, nil
	}
	if usage.Count, err = intAttr(out.Item, "count"); err != nil {
		return usage, fmt.Errorf("repository: GetDailyUsage decode count: %w", err)
	}
	if ts, err := strAttr(out.Item, "updatedAt"); err == nil {
		usage.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return usage, nil
}

func consultationItem(userID string, rec domain.Consultation) (map[string]types.AttributeValue, error) {
	rounds, err := json.Marshal(rec.Rounds)
	if err != nil {
		return nil, fmt.Errorf("encode rounds: %w", err)
	}
	resolution, err := json.Marshal(rec.Resolution)
	if err != nil {
		return nil, fmt.Errorf("encode resolution: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK":             &types.AttributeValueMemberS{Value: consultationSK(rec.ID)},
		"consultationId": &types.AttributeValueMemberS{Value: rec.ID},
		"question":       &types.AttributeValueMemberS{Value: rec.Question},
		"rounds":         &types.AttributeValueMemberS{Value: string(rounds)},
		"resolution":     &types.AttributeValueMemberS{Value: string(resolution)},
		"createdAt":      &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"createdAtKey":   &types.AttributeValueMemberS{Value: createdAtKey(rec.CreatedAt)},
	}, nil
}

// itemToConsultation converts a DynamoDB attribute map to a Consultation.
func itemToConsultation(item map[string]types.AttributeValue) (domain.Consultation, error) {
	id, err := strAttr(item, "consultationId")
	if err != nil {
		return domain.Consultation{}, err
	}
	question, _ := strAttr(item, "question") // allow empty
	var rec = domain.Consultation{ID: id, Question: question, Rounds: []domain.Round{}}

	if raw, err := strAttr(item, "rounds"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Rounds); err != nil {
			return domain.Consultation{}, fmt.Errorf("repository: decode rounds: %w", err)
		}
	}
	if raw, err := strAttr(item, "resolution"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Resolution); err != nil {
			return domain.Consultation{}, fmt.Errorf("repository: decode resolution: %w", err)
		}
	}
	createdAt, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Consultation{}, err
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.Consultation{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}
	return rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
