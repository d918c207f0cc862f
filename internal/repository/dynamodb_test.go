package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/lead"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	queryInputs  []*dynamodb.QueryInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	if f.getOut == nil && f.getErr == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func mustNewDynamo(t *testing.T, db *fakeDynamo) *DynamoStore {
	t.Helper()
	c, err := NewDynamoStore(db, "test-table")
	require.NoError(t, err)
	return c
}

func sAttr(item map[string]types.AttributeValue, key string) string {
	v, _ := item[key].(*types.AttributeValueMemberS)
	if v == nil {
		return ""
	}
	return v.Value
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, "t")
	assert.Error(t, err)
	_, err = NewDynamoStore(&fakeDynamo{}, "  ")
	assert.Error(t, err)
}

func TestDynamoAppendMessage_Item(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	err := c.AppendMessage(context.Background(), chat.PersistedMessage{
		SessionID: "s1", OwnerID: "o1", Role: chat.RoleUser, Content: "想看車", CreatedAt: ts,
	})
	require.NoError(t, err)

	item := db.lastPutInput.Item
	assert.Equal(t, "test-table", aws.ToString(db.lastPutInput.TableName))
	assert.Equal(t, "SESSION#s1", sAttr(item, "PK"))
	assert.True(t, strings.HasPrefix(sAttr(item, "SK"), "MSG#2025-03-01T10:00:00.000000000Z#"))
	assert.Equal(t, "想看車", sAttr(item, "content"))
	assert.Equal(t, "user", sAttr(item, "role"))
	assert.NotNil(t, db.lastPutInput.ConditionExpression)
}

func TestDynamoAppendMessage_PutError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")}
	c := mustNewDynamo(t, db)
	err := c.AppendMessage(context.Background(), chat.PersistedMessage{SessionID: "s1", Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AppendMessage")
}

func TestDynamoListMessages(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: "SESSION#s1"},
		"SK":        &types.AttributeValueMemberS{Value: "MSG#2025-03-01T10:00:00.000000000Z#01ABC"},
		"ownerId":   &types.AttributeValueMemberS{Value: "o1"},
		"role":      &types.AttributeValueMemberS{Value: "assistant"},
		"content":   &types.AttributeValueMemberS{Value: "您好"},
		"createdAt": &types.AttributeValueMemberS{Value: "2025-03-01T10:00:00.000000000Z"},
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}}
	c := mustNewDynamo(t, db)

	msgs, err := c.ListMessages(context.Background(), "s1", 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "您好", msgs[0].Content)
	assert.Equal(t, "o1", msgs[0].OwnerID)
	assert.Equal(t, 2025, msgs[0].CreatedAt.Year())
	assert.True(t, aws.ToBool(db.queryInputs[0].ScanIndexForward))
	assert.Equal(t, int32(50), aws.ToInt32(db.queryInputs[0].Limit))
}

func TestDynamoSessionAutoReply(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)

	_, found, err := c.SessionAutoReply(context.Background(), "o1", "s1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "OWNER#o1", sAttr(db.lastGetInput.Key, "PK"))
	assert.Equal(t, "SESSION#s1", sAttr(db.lastGetInput.Key, "SK"))

	db.getOut = &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"autoReply": &types.AttributeValueMemberBOOL{Value: false},
	}}
	enabled, found, err := c.SessionAutoReply(context.Background(), "o1", "s1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, enabled)
}

func TestDynamoSessionAutoReply_GetError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("boom")}
	c := mustNewDynamo(t, db)
	_, _, err := c.SessionAutoReply(context.Background(), "o1", "s1")
	assert.Error(t, err)
}

func TestDynamoInsertKnowledgeHandle_Conflict(t *testing.T) {
	db := &fakeDynamo{putErr: &types.ConditionalCheckFailedException{Message: aws.String("exists")}}
	c := mustNewDynamo(t, db)

	err := c.InsertKnowledgeHandle(context.Background(), "o1", "kb-o1")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, "KNOWLEDGE#", sAttr(db.lastPutInput.Item, "SK"))
}

func TestDynamoChatSettingsRoundTrip(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)

	require.NoError(t, c.UpsertChatSettings(context.Background(), chat.Settings{OwnerID: "o1", SystemPrompt: "請用台語"}))
	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}

	got, found, err := c.ChatSettings(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "請用台語", got.SystemPrompt)
	assert.Equal(t, "o1", got.OwnerID)
}

func TestDynamoSessionOwner_FallsThroughPrefixes(t *testing.T) {
	visit := map[string]types.AttributeValue{"ownerId": &types.AttributeValueMemberS{Value: "o-visit"}}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{},
		{Items: []map[string]types.AttributeValue{visit}},
	}}
	c := mustNewDynamo(t, db)

	owner, found, err := c.SessionOwner(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "o-visit", owner)
	require.Len(t, db.queryInputs, 2)
	assert.Equal(t, "LEAD#", sAttr(db.queryInputs[0].ExpressionAttributeValues, ":prefix"))
	assert.Equal(t, "VISIT#", sAttr(db.queryInputs[1].ExpressionAttributeValues, ":prefix"))
}

func TestDynamoAppendLead(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)
	require.NoError(t, c.AppendLead(context.Background(), lead.Lead{OwnerID: "o1", SessionID: "s1", Name: "林小姐", Phone: "0911"}))
	assert.True(t, strings.HasPrefix(sAttr(db.lastPutInput.Item, "SK"), "LEAD#"))
	assert.Equal(t, "0911", sAttr(db.lastPutInput.Item, "phone"))
}

func msgItem(sk, content string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: "SESSION#s1"},
		"SK":      &types.AttributeValueMemberS{Value: sk},
		"role":    &types.AttributeValueMemberS{Value: "user"},
		"content": &types.AttributeValueMemberS{Value: content},
	}
}

func TestDynamoListMessages_FollowsPages(t *testing.T) {
	cursor := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "SESSION#s1"},
		"SK": &types.AttributeValueMemberS{Value: "MSG#2"},
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{msgItem("MSG#1", "一"), msgItem("MSG#2", "二")}, LastEvaluatedKey: cursor},
		{Items: []map[string]types.AttributeValue{msgItem("MSG#3", "三")}},
	}}
	c := mustNewDynamo(t, db)

	msgs, err := c.ListMessages(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "三", msgs[2].Content)
	require.Len(t, db.queryInputs, 2)
	assert.Nil(t, db.queryInputs[0].ExclusiveStartKey)
	assert.Equal(t, "MSG#2", sAttr(db.queryInputs[1].ExclusiveStartKey, "SK"))
}

func TestDynamoListMessages_StopsAtLimit(t *testing.T) {
	cursor := map[string]types.AttributeValue{"SK": &types.AttributeValueMemberS{Value: "MSG#2"}}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{msgItem("MSG#1", "一"), msgItem("MSG#2", "二")}, LastEvaluatedKey: cursor},
		{Items: []map[string]types.AttributeValue{msgItem("MSG#3", "三")}},
	}}
	c := mustNewDynamo(t, db)

	msgs, err := c.ListMessages(context.Background(), "s1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Len(t, db.queryInputs, 1)
}

func TestDynamoListMessages_PageError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("throttled")}
	c := mustNewDynamo(t, db)

	_, err := c.ListMessages(context.Background(), "s1", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ListMessages")
}

func TestDynamoAppendSurvey(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)

	err := c.AppendSurvey(context.Background(), lead.Survey{
		OwnerID: "o1", SessionID: "srv-1", Answers: lead.SurveyAnswers{Goal: "通勤"}, SchemaVersion: lead.SurveySchemaVersion,
	})
	require.NoError(t, err)
	item := db.lastPutInput.Item
	assert.Equal(t, "SESSION#srv-1", sAttr(item, "PK"))
	assert.True(t, strings.HasPrefix(sAttr(item, "SK"), "SURVEY#"))
	assert.JSONEq(t, `{"goal":"通勤","budget":"","timeline":"","tradeIn":"","note":""}`, sAttr(item, "payload"))
	assert.Equal(t, "1", item["schemaVersion"].(*types.AttributeValueMemberN).Value)
}

func TestDynamoSurveySettingsRoundTrip(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewDynamo(t, db)

	_, found, err := c.SurveySettings(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, found)

	form := lead.DefaultSurveyForm()
	form.Title = "試乘問卷"
	updated := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, c.UpsertSurveySettings(context.Background(), lead.SurveySettings{OwnerID: "o1", Form: form, UpdatedAt: updated}))
	assert.Equal(t, "OWNER#o1", sAttr(db.lastPutInput.Item, "PK"))
	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}

	got, found, err := c.SurveySettings(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, form, got.Form)
	assert.True(t, got.UpdatedAt.Equal(updated))
}
