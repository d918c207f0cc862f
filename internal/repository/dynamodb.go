package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"

	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/lead"
)

const (
	skPrefixMsg    = "MSG#"
	skPrefixLead   = "LEAD#"
	skPrefixVisit  = "VISIT#"
	skPrefixSurvey = "SURVEY#"
	skSettings     = "SETTINGS#"
	skSurveyForm   = "SURVEY_SETTINGS#"
	skKnowledge    = "KNOWLEDGE#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implements Store on a single DynamoDB table keyed by PK/SK.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string

	mu      sync.Mutex
	entropy *rand.Rand
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore wraps a DynamoDB table.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{
		api:       api,
		tableName: tableName,
		entropy:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func sessionPK(sessionID string) string { return "SESSION#" + sessionID }

func ownerPK(ownerID string) string { return "OWNER#" + ownerID }

// timedSK orders rows by time; the ulid suffix keeps same-instant rows distinct.
func (c *DynamoStore) timedSK(prefix string, ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	c.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(ts), c.entropy).String()
	c.mu.Unlock()
	return prefix + ts.UTC().Format(timeLayout) + "#" + id
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// Close is a no-op; the SDK client has no resources to release.
func (c *DynamoStore) Close() error { return nil }

// AppendMessage implements MessageWriter.
func (c *DynamoStore) AppendMessage(ctx context.Context, msg chat.PersistedMessage) error {
	item := key(sessionPK(msg.SessionID), c.timedSK(skPrefixMsg, msg.CreatedAt))
	item["sessionId"] = &types.AttributeValueMemberS{Value: msg.SessionID}
	item["ownerId"] = &types.AttributeValueMemberS{Value: msg.OwnerID}
	item["role"] = &types.AttributeValueMemberS{Value: string(msg.Role)}
	item["content"] = &types.AttributeValueMemberS{Value: msg.Content}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt)}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// ListMessages implements Store.
func (c *DynamoStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]chat.PersistedMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	// 单页最多 1MB，长对话需要翻页直到取满 limit
	paginator := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(int32(limit)),
	})

	var msgs []chat.PersistedMessage
	for paginator.HasMorePages() && len(msgs) < limit {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		for _, item := range out.Items {
			if len(msgs) == limit {
				break
			}
			content, err := strAttr(item, "content")
			if err != nil {
				return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
			}
			sk, _ := strAttr(item, "SK")
			role, _ := strAttr(item, "role")
			owner, _ := strAttr(item, "ownerId")
			created, _ := strAttr(item, "createdAt")
			msgs = append(msgs, chat.PersistedMessage{
				ID:        strings.TrimPrefix(sk, skPrefixMsg),
				SessionID: sessionID,
				OwnerID:   owner,
				Role:      chat.Role(role),
				Content:   content,
				CreatedAt: parseTime(created),
			})
		}
	}
	return msgs, nil
}

func (c *DynamoStore) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

// SessionAutoReply implements Store.
func (c *DynamoStore) SessionAutoReply(ctx context.Context, ownerID, sessionID string) (bool, bool, error) {
	item, err := c.getItem(ctx, ownerPK(ownerID), sessionPK(sessionID))
	if err != nil {
		return false, false, fmt.Errorf("repository: SessionAutoReply get item: %w", err)
	}
	if item == nil {
		return false, false, nil
	}
	v, ok := item["autoReply"].(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, false, fmt.Errorf("repository: SessionAutoReply: attribute %q is not a bool", "autoReply")
	}
	return v.Value, true, nil
}

// SetSessionAutoReply implements Store.
func (c *DynamoStore) SetSessionAutoReply(ctx context.Context, ownerID, sessionID string, enabled bool) error {
	item := key(ownerPK(ownerID), sessionPK(sessionID))
	item["autoReply"] = &types.AttributeValueMemberBOOL{Value: enabled}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(time.Now())}

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.tableName), Item: item}); err != nil {
		return fmt.Errorf("repository: SetSessionAutoReply: %w", err)
	}
	return nil
}

// ChatSettings implements Store.
func (c *DynamoStore) ChatSettings(ctx context.Context, ownerID string) (chat.Settings, bool, error) {
	settings := chat.Settings{OwnerID: ownerID}
	item, err := c.getItem(ctx, ownerPK(ownerID), skSettings)
	if err != nil {
		return settings, false, fmt.Errorf("repository: ChatSettings get item: %w", err)
	}
	if item == nil {
		return settings, false, nil
	}
	settings.SystemPrompt, _ = strAttr(item, "systemPrompt")
	updated, _ := strAttr(item, "updatedAt")
	settings.UpdatedAt = parseTime(updated)
	return settings, true, nil
}

// UpsertChatSettings implements Store.
func (c *DynamoStore) UpsertChatSettings(ctx context.Context, settings chat.Settings) error {
	item := key(ownerPK(settings.OwnerID), skSettings)
	item["systemPrompt"] = &types.AttributeValueMemberS{Value: settings.SystemPrompt}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(settings.UpdatedAt)}

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.tableName), Item: item}); err != nil {
		return fmt.Errorf("repository: UpsertChatSettings: %w", err)
	}
	return nil
}

// KnowledgeHandle implements Store.
func (c *DynamoStore) KnowledgeHandle(ctx context.Context, ownerID string) (string, bool, error) {
	item, err := c.getItem(ctx, ownerPK(ownerID), skKnowledge)
	if err != nil {
		return "", false, fmt.Errorf("repository: KnowledgeHandle get item: %w", err)
	}
	if item == nil {
		return "", false, nil
	}
	handle, err := strAttr(item, "handle")
	if err != nil {
		return "", false, fmt.Errorf("repository: KnowledgeHandle: %w", err)
	}
	return handle, handle != "", nil
}

// InsertKnowledgeHandle implements Store.
func (c *DynamoStore) InsertKnowledgeHandle(ctx context.Context, ownerID, handle string) error {
	item := key(ownerPK(ownerID), skKnowledge)
	item["handle"] = &types.AttributeValueMemberS{Value: handle}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(time.Now())}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConflict
		}
		return fmt.Errorf("repository: InsertKnowledgeHandle: %w", err)
	}
	return nil
}

// AppendLead implements Store.
func (c *DynamoStore) AppendLead(ctx context.Context, l lead.Lead) error {
	item := key(sessionPK(l.SessionID), c.timedSK(skPrefixLead, l.CreatedAt))
	item["ownerId"] = &types.AttributeValueMemberS{Value: l.OwnerID}
	item["name"] = &types.AttributeValueMemberS{Value: l.Name}
	item["phone"] = &types.AttributeValueMemberS{Value: l.Phone}
	item["note"] = &types.AttributeValueMemberS{Value: l.Note}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(l.CreatedAt)}

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.tableName), Item: item}); err != nil {
		return fmt.Errorf("repository: AppendLead: %w", err)
	}
	return nil
}

// AppendVisit implements Store.
func (c *DynamoStore) AppendVisit(ctx context.Context, v lead.Visit) error {
	item := key(sessionPK(v.SessionID), c.timedSK(skPrefixVisit, v.CreatedAt))
	item["ownerId"] = &types.AttributeValueMemberS{Value: v.OwnerID}
	item["path"] = &types.AttributeValueMemberS{Value: v.Path}
	item["userAgent"] = &types.AttributeValueMemberS{Value: v.UserAgent}
	item["referrer"] = &types.AttributeValueMemberS{Value: v.Referrer}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(v.CreatedAt)}

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.tableName), Item: item}); err != nil {
		return fmt.Errorf("repository: AppendVisit: %w", err)
	}
	return nil
}

// AppendSurvey implements Store.
func (c *DynamoStore) AppendSurvey(ctx context.Context, sv lead.Survey) error {
	payload, err := json.Marshal(sv.Answers)
	if err != nil {
		return fmt.Errorf("repository: AppendSurvey marshal: %w", err)
	}
	item := key(sessionPK(sv.SessionID), c.timedSK(skPrefixSurvey, sv.CreatedAt))
	item["ownerId"] = &types.AttributeValueMemberS{Value: sv.OwnerID}
	item["payload"] = &types.AttributeValueMemberS{Value: string(payload)}
	item["schemaVersion"] = &types.AttributeValueMemberN{Value: strconv.Itoa(sv.SchemaVersion)}
	item["createdAt"] = &types.AttributeValueMemberS{Value: formatTime(sv.CreatedAt)}

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.tableName), Item: item}); err != nil {
		return fmt.Errorf("repository: AppendSurvey: %w", err)
	}
	return nil
}

// SurveySettings implements Store.
func (c *DynamoStore) SurveySettings(ctx context.Context, ownerID string) (lead.SurveySettings, bool, error) {
	settings := lead.SurveySettings{OwnerID: ownerID}
	item, err := c.getItem(ctx, ownerPK(ownerID), skSurveyForm)
	if err != nil {
		return settings, false, fmt.Errorf("repository: SurveySettings get item: %w", err)
	}
	if item == nil {
		return settings, false, nil
	}
	form, err := strAttr(item, "form")
	if err != nil {
		return settings, false, fmt.Errorf("repository: SurveySettings: %w", err)
	}
	settings.Form = lead.NormalizeSurveyForm(json.RawMessage(form))
	updated, _ := strAttr(item, "updatedAt")
	settings.UpdatedAt = parseTime(updated)
	return settings, true, nil
}

// UpsertSurveySettings implements Store.
func (c *DynamoStore) UpsertSurveySettings(ctx context.Context, settings lead.SurveySettings) error {
	form, err := json.Marshal(settings.Form)
	if err != nil {
		return fmt.Errorf("repository: UpsertSurveySettings marshal: %w", err)
	}
	item := key(ownerPK(settings.OwnerID), skSurveyForm)
	item["form"] = &types.AttributeValueMemberS{Value: string(form)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: formatTime(settings.UpdatedAt)}

	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.tableName), Item: item}); err != nil {
		return fmt.Errorf("repository: UpsertSurveySettings: %w", err)
	}
	return nil
}

// SessionOwner implements Store.
func (c *DynamoStore) SessionOwner(ctx context.Context, sessionID string) (string, bool, error) {
	for _, prefix := range []string{skPrefixLead, skPrefixVisit, skPrefixMsg} {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
			// Newest first so the latest owner wins.
			ScanIndexForward: aws.Bool(false),
			Limit:            aws.Int32(1),
		})
		if err != nil {
			return "", false, fmt.Errorf("repository: SessionOwner query %s: %w", prefix, err)
		}
		for _, item := range out.Items {
			if owner, _ := strAttr(item, "ownerId"); owner != "" {
				return owner, true, nil
			}
		}
	}
	return "", false, nil
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
