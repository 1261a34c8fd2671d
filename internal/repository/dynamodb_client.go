package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"support-widget/internal/session"
)

const (
	skState     = "STATE#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Client stores widget state in a DynamoDB table, one item per storage
// scope: the active session identifier plus the bounded recent-question
// list. It is the server-side stand-in for the widget's local key/value
// storage.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// scopePK returns the DynamoDB partition key for a storage scope.
func scopePK(scope string) string {
	return "SCOPE#" + scope
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return time.Now().Add(ttlDuration).Unix()
}

// Load reads the state item for a scope. The second return reports
// whether an item existed at all.
func (c *Client) Load(ctx context.Context, scope string) (session.State, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: scopePK(scope)},
			"SK": &types.AttributeValueMemberS{Value: skState},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return session.State{}, false, fmt.Errorf("repository: Load get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return session.State{}, false, nil
	}

	st, err := itemToState(out.Item)
	if err != nil {
		return session.State{}, false, fmt.Errorf("repository: Load decode: %w", err)
	}
	return st, true, nil
}

// Save writes or replaces the state item for a scope.
func (c *Client) Save(ctx context.Context, scope string, st session.State) error {
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      stateItem(scope, st),
	})
	if err != nil {
		return fmt.Errorf("repository: Save: %w", err)
	}
	return nil
}

func stateItem(scope string, st session.State) map[string]types.AttributeValue {
	questions := make([]types.AttributeValue, 0, len(st.Questions))
	for _, q := range st.Questions {
		questions = append(questions, &types.AttributeValueMemberS{Value: q})
	}
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: scopePK(scope)},
		"SK":        &types.AttributeValueMemberS{Value: skState},
		"sessionId": &types.AttributeValueMemberS{Value: st.SessionID},
		"questions": &types.AttributeValueMemberL{Value: questions},
		"updatedAt": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue())},
	}
}

// itemToState converts a DynamoDB attribute map to widget state.
func itemToState(item map[string]types.AttributeValue) (session.State, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return session.State{}, err
	}

	var questions []string
	if v, ok := item["questions"]; ok {
		list, ok := v.(*types.AttributeValueMemberL)
		if !ok {
			return session.State{}, errors.New(`repository: attribute "questions" is not a list`)
		}
		for i, el := range list.Value {
			s, ok := el.(*types.AttributeValueMemberS)
			if !ok {
				return session.State{}, fmt.Errorf("repository: question %d is not a string", i)
			}
			questions = append(questions, s.Value)
		}
	}

	return session.State{SessionID: sessionID, Questions: questions}, nil
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
