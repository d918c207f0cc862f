package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/sales-assistant/backend/internal/config"
	"github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
)

// scriptedModel replays one chunk list per Stream call.
type scriptedModel struct {
	rounds  [][]*schema.Message
	openErr error
	lazyErr error
	inputs  [][]*schema.Message
}

func (m *scriptedModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (m *scriptedModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	if m.openErr != nil {
		return nil, m.openErr
	}
	if m.lazyErr != nil {
		sr, sw := schema.Pipe[*schema.Message](1)
		go func() {
			sw.Send(nil, m.lazyErr)
			sw.Close()
		}()
		return sr, nil
	}
	idx := len(m.inputs) - 1
	if idx >= len(m.rounds) {
		return schema.StreamReaderFromArray([]*schema.Message{}), nil
	}
	return schema.StreamReaderFromArray(m.rounds[idx]), nil
}

type fakeRetriever struct {
	queries []string
	results []string
	err     error
}

func (f *fakeRetriever) Retrieve(_ context.Context, query string) ([]string, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func text(parts ...string) []*schema.Message {
	out := make([]*schema.Message, 0, len(parts))
	for _, p := range parts {
		out = append(out, schema.AssistantMessage(p, nil))
	}
	return out
}

func toolCallChunk(id, name, args string) *schema.Message {
	idx := 0
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			Index:    &idx,
			ID:       id,
			Type:     "function",
			Function: schema.FunctionCall{Name: name, Arguments: args},
		}},
	}
}

func newService(t *testing.T, contactOnly, withKnowledge model.BaseChatModel, cfg config.AIConfig) *Service {
	t.Helper()
	svc, err := NewWithModels(context.Background(), contactOnly, withKnowledge, cfg, nil)
	require.NoError(t, err)
	return svc
}

func drain(t *testing.T, st *Stream) string {
	t.Helper()
	var sb strings.Builder
	for {
		delta, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String()
		}
		require.NoError(t, err)
		sb.WriteString(delta)
	}
}

func history() []chat.Message {
	return []chat.Message{
		{Role: chat.RoleUser, Text: "你好"},
		{Role: chat.RoleAssistant, Text: "您好，請問想了解哪款車？"},
		{Role: chat.RoleUser, Text: "RAV4 油耗多少"},
	}
}

func TestStreamPlainText(t *testing.T) {
	m := &scriptedModel{rounds: [][]*schema.Message{text("市區", "", "約 22 公里")}}
	svc := newService(t, m, nil, config.AIConfig{})

	st, err := svc.Stream(context.Background(), Request{SystemExtension: "只賣 {Toyota}", History: history()})
	require.NoError(t, err)
	defer st.Close()
	assert.Equal(t, "市區約 22 公里", drain(t, st))

	input := m.inputs[0]
	require.Len(t, input, 4)
	assert.Equal(t, schema.System, input[0].Role)
	assert.Contains(t, input[0].Content, "只賣 {Toyota}")
	assert.NotContains(t, input[0].Content, SearchToolName)
	assert.Equal(t, "RAV4 油耗多少", input[3].Content)
}

func TestStreamHistoryLimit(t *testing.T) {
	m := &scriptedModel{rounds: [][]*schema.Message{text("ok")}}
	svc := newService(t, m, nil, config.AIConfig{HistoryLimit: 2})

	st, err := svc.Stream(context.Background(), Request{History: history()})
	require.NoError(t, err)
	drain(t, st)
	require.Len(t, m.inputs[0], 3)
	assert.Equal(t, schema.Assistant, m.inputs[0][1].Role)
}

func TestStreamOpenAndLazyErrors(t *testing.T) {
	svc := newService(t, &scriptedModel{openErr: errors.New("boom")}, nil, config.AIConfig{})
	_, err := svc.Stream(context.Background(), Request{History: history()})
	assert.ErrorContains(t, err, "boom")

	lazy := errors.New(`error code: 403, unsupported_country_region_territory`)
	svc = newService(t, &scriptedModel{lazyErr: lazy}, nil, config.AIConfig{})
	_, err = svc.Stream(context.Background(), Request{History: history()})
	require.Error(t, err)
	assert.True(t, svc.IsRegionRejection(err))
}

func TestIsRegionRejection(t *testing.T) {
	svc := newService(t, &scriptedModel{}, nil, config.AIConfig{RegionMarkers: []string{"geo blocked"}})
	assert.True(t, svc.IsRegionRejection(errors.New("Upstream: GEO BLOCKED for caller")))
	assert.False(t, svc.IsRegionRejection(errors.New("unsupported_country_region_territory")))
	assert.False(t, svc.IsRegionRejection(nil))

	def := newService(t, &scriptedModel{}, nil, config.AIConfig{})
	assert.True(t, def.IsRegionRejection(errors.New("Model not available in your region")))
	assert.False(t, def.IsRegionRejection(errors.New("rate limited")))
}

func TestStreamSearchKnowledgeRound(t *testing.T) {
	contact := &scriptedModel{}
	kb := &scriptedModel{rounds: [][]*schema.Message{
		{toolCallChunk("call_1", SearchToolName, `{"query":"RAV4 油耗"}`)},
		text("根據資料，", "每公升 22 公里。"),
	}}
	retriever := &fakeRetriever{results: []string{"【RAV4】油耗每公升 22 公里"}}
	svc := newService(t, contact, kb, config.AIConfig{})

	st, err := svc.Stream(context.Background(), Request{History: history(), Retriever: retriever})
	require.NoError(t, err)
	assert.Equal(t, "根據資料，每公升 22 公里。", drain(t, st))

	assert.Empty(t, contact.inputs)
	require.Len(t, kb.inputs, 2)
	assert.Contains(t, kb.inputs[0][0].Content, SearchToolName)
	assert.Equal(t, []string{"RAV4 油耗"}, retriever.queries)

	second := kb.inputs[1]
	toolMsg := second[len(second)-1]
	assert.Equal(t, schema.Tool, toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, "22 公里")
	assert.Equal(t, len([]rune("【RAV4】油耗每公升 22 公里")), st.RetrievedChars())
}

func TestStreamSearchFallsBackToLastUserText(t *testing.T) {
	kb := &scriptedModel{rounds: [][]*schema.Message{
		{toolCallChunk("c", SearchToolName, `{}`)},
		text("ok"),
	}}
	retriever := &fakeRetriever{}
	svc := newService(t, &scriptedModel{}, kb, config.AIConfig{})

	st, err := svc.Stream(context.Background(), Request{History: history(), Retriever: retriever})
	require.NoError(t, err)
	drain(t, st)
	assert.Equal(t, []string{"RAV4 油耗多少"}, retriever.queries)
	assert.Equal(t, 0, st.RetrievedChars())
}

func TestStreamToolRoundLimit(t *testing.T) {
	loop := []*schema.Message{toolCallChunk("c", SearchToolName, `{"query":"x"}`)}
	kb := &scriptedModel{rounds: [][]*schema.Message{loop, loop, loop}}
	svc := newService(t, &scriptedModel{}, kb, config.AIConfig{ToolMaxRounds: 2})

	st, err := svc.Stream(context.Background(), Request{History: history(), Retriever: &fakeRetriever{}})
	require.NoError(t, err)
	assert.Equal(t, "", drain(t, st))
	assert.Len(t, kb.inputs, 3)
}

func TestStreamCollectsContactCalls(t *testing.T) {
	m := &scriptedModel{rounds: [][]*schema.Message{{
		schema.AssistantMessage("好的，", nil),
		toolCallChunk("call_9", ContactToolName, `{"reason":"為了安排試乘","suggestedNote":"RAV4 油電"}`),
	}}}
	svc := newService(t, m, nil, config.AIConfig{})

	st, err := svc.Stream(context.Background(), Request{History: history()})
	require.NoError(t, err)
	assert.Equal(t, "好的，", drain(t, st))
	require.Len(t, m.inputs, 1)

	calls := st.ContactCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_9", calls[0].ID)
	assert.Equal(t, "為了安排試乘", calls[0].Reason)
	assert.Equal(t, "RAV4 油電", calls[0].SuggestedNote)
	assert.JSONEq(t, `{"reason":"為了安排試乘","suggestedNote":"RAV4 油電"}`, string(calls[0].Arguments))
}

func TestPromptBuilder(t *testing.T) {
	b := NewPromptBuilder("")
	p := b.Build("  週末有優惠  ", true)
	assert.True(t, strings.HasPrefix(p, DefaultBasePrompt))
	assert.Contains(t, p, ContactToolName)
	assert.Contains(t, p, SearchToolName)
	assert.True(t, strings.HasSuffix(p, "週末有優惠"))

	custom := NewPromptBuilder("You are a bike shop assistant.").Build("", false)
	assert.True(t, strings.HasPrefix(custom, "You are a bike shop assistant."))
	assert.NotContains(t, custom, "經銷商補充指示")
}

func TestStreamToleratesMalformedSearchArguments(t *testing.T) {
	kb := &scriptedModel{rounds: [][]*schema.Message{
		{toolCallChunk("c", SearchToolName, `not json`)},
		text("好的"),
	}}
	retriever := &fakeRetriever{results: []string{"保養每 1 萬公里一次"}}
	svc := newService(t, &scriptedModel{}, kb, config.AIConfig{})

	st, err := svc.Stream(context.Background(), Request{History: history(), Retriever: retriever})
	require.NoError(t, err)
	assert.Equal(t, "好的", drain(t, st))
	assert.Equal(t, []string{"RAV4 油耗多少"}, retriever.queries)
}

func TestStreamAnswersUnknownToolAndContactInSearchRound(t *testing.T) {
	first := []*schema.Message{{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{
			{Index: intPtr(0), ID: "s1", Type: "function", Function: schema.FunctionCall{Name: SearchToolName, Arguments: `{"query":"保養"}`}},
			{Index: intPtr(1), ID: "c1", Type: "function", Function: schema.FunctionCall{Name: ContactToolName, Arguments: `{"reason":"預約保養"}`}},
			{Index: intPtr(2), ID: "x1", Type: "function", Function: schema.FunctionCall{Name: "bookService", Arguments: `{}`}},
		},
	}}
	kb := &scriptedModel{rounds: [][]*schema.Message{first, text("已為您查詢")}}
	svc := newService(t, &scriptedModel{}, kb, config.AIConfig{})

	st, err := svc.Stream(context.Background(), Request{History: history(), Retriever: &fakeRetriever{}})
	require.NoError(t, err)
	assert.Equal(t, "已為您查詢", drain(t, st))

	require.Len(t, kb.inputs, 2)
	second := kb.inputs[1]
	results := second[len(second)-3:]
	assert.Equal(t, "s1", results[0].ToolCallID)
	assert.Equal(t, "知識庫中沒有找到相關資料。", results[0].Content)
	assert.Equal(t, contactAck, results[1].Content)
	assert.Equal(t, "未知的工具：bookService", results[2].Content)

	calls := st.ContactCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "預約保養", calls[0].Reason)
}

func TestToolInfosDescribeArguments(t *testing.T) {
	infos, err := toolInfos(true)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, ContactToolName, infos[0].Name)
	assert.Equal(t, SearchToolName, infos[1].Name)

	js, err := infos[0].ParamsOneOf.ToJSONSchema()
	require.NoError(t, err)
	assert.Equal(t, []string{"reason"}, js.Required)

	infos, err = toolInfos(false)
	require.NoError(t, err)
	require.Len(t, infos, 1)
}

func intPtr(i int) *int { return &i }
