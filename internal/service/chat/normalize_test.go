package chat_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	modelchat "github.com/zhouzirui/sales-assistant/backend/internal/model/chat"
	chat "github.com/zhouzirui/sales-assistant/backend/internal/service/chat"
)

func TestParseRequestShapes(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		shape chat.Shape
		want  []modelchat.Message
	}{
		{
			name:  "messages array with parts and content",
			body:  `{"sessionId":"s1","messages":[{"role":"user","parts":[{"type":"text","text":" 想看 "},{"type":"image","text":"x"},{"type":"text","text":"RAV4"}]},{"role":"agent","content":"好的"},{"role":"system","content":"  "}]}`,
			shape: chat.ShapeTurnArray,
			want: []modelchat.Message{
				{Role: modelchat.RoleUser, Text: "想看 RAV4"},
				{Role: modelchat.RoleAssistant, Text: "好的"},
			},
		},
		{
			name:  "top level array with bare strings",
			body:  `["你好", {"role":"assistant","content":[{"type":"text","text":"您好"}]}, 42, null]`,
			shape: chat.ShapeTurnArray,
			want: []modelchat.Message{
				{Role: modelchat.RoleUser, Text: "你好"},
				{Role: modelchat.RoleAssistant, Text: "您好"},
			},
		},
		{
			name:  "messages string",
			body:  `{"messages":"  價格多少 "}`,
			shape: chat.ShapePromptString,
			want:  []modelchat.Message{{Role: modelchat.RoleUser, Text: "價格多少"}},
		},
		{
			name:  "first non-empty prompt field",
			body:  `{"prompt":"  ","input":"","text":"試乘","message":"ignored"}`,
			shape: chat.ShapePromptString,
			want:  []modelchat.Message{{Role: modelchat.RoleUser, Text: "試乘"}},
		},
		{
			name:  "message object",
			body:  `{"message":{"role":"user","content":"有優惠嗎"}}`,
			shape: chat.ShapeMessageObject,
			want:  []modelchat.Message{{Role: modelchat.RoleUser, Text: "有優惠嗎"}},
		},
		{
			name:  "body is the message",
			body:  `{"role":"assistant","parts":[{"type":"text","text":"歡迎"}]}`,
			shape: chat.ShapeMessageObject,
			want:  []modelchat.Message{{Role: modelchat.RoleAssistant, Text: "歡迎"}},
		},
		{
			name:  "empty string content falls through to parts",
			body:  `{"messages":[{"role":"user","content":"","parts":[{"type":"text","text":"hi"}]}]}`,
			shape: chat.ShapeTurnArray,
			want:  []modelchat.Message{{Role: modelchat.RoleUser, Text: "hi"}},
		},
		{
			name:  "empty messages array falls back to prompt",
			body:  `{"messages":[],"prompt":"我想了解價格"}`,
			shape: chat.ShapePromptString,
			want:  []modelchat.Message{{Role: modelchat.RoleUser, Text: "我想了解價格"}},
		},
		{
			name:  "blank turns fall back to text field",
			body:  `{"messages":[{"role":"user","content":""}],"text":"  想預約試乘 "}`,
			shape: chat.ShapePromptString,
			want:  []modelchat.Message{{Role: modelchat.RoleUser, Text: "想預約試乘"}},
		},
		{
			name:  "blank turns fall back to message object",
			body:  `{"messages":[" "],"message":{"role":"user","content":"有現車嗎"}}`,
			shape: chat.ShapeMessageObject,
			want:  []modelchat.Message{{Role: modelchat.RoleUser, Text: "有現車嗎"}},
		},
		{
			name:  "nothing usable",
			body:  `{"sessionId":"s1","foo":1}`,
			shape: chat.ShapeEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := chat.ParseRequest([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.shape, req.Shape)
			if tt.want == nil {
				assert.Empty(t, req.Messages)
				return
			}
			assert.Equal(t, tt.want, req.Messages)
		})
	}
}

func TestParseRequestMalformed(t *testing.T) {
	for _, body := range []string{"", "   ", "{", `{"messages":[}`} {
		_, err := chat.ParseRequest([]byte(body))
		var ce *chat.Error
		require.True(t, errors.As(err, &ce), "body %q", body)
		assert.Equal(t, chat.ErrorInvalidInput, ce.Code)
		assert.Equal(t, 400, ce.HTTPStatus())
	}
}

func TestParseRequestKeepsUIMessagesAndKeys(t *testing.T) {
	body := `{"sessionId":"abc","lastTriggerKey":"m1:c1","messages":[{"id":"m1","role":"assistant","parts":[{"type":"tool-requestContactForm","toolCallId":"c1"}]},{"role":"user","content":"好"}]}`
	req, err := chat.ParseRequest([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "abc", req.SessionID)
	assert.Equal(t, "m1:c1", req.LastTriggerKey)
	require.Len(t, req.UI, 2)
	assert.Equal(t, "m1", req.UI[0].ID)
	require.Len(t, req.Messages, 1)

	req, err = chat.ParseRequest([]byte(`{"lastKey":"k","text":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "k", req.LastTriggerKey)
}
