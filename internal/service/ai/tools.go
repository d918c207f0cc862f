package ai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// Tool names as seen by the model and by the trigger detector.
const (
	ContactToolName = "requestContactForm"
	SearchToolName  = "searchKnowledge"
)

const (
	contactToolDesc = "在訪客需要專人聯繫（試乘、報價、預約、貸款試算等）時，於畫面上顯示聯絡表單。"
	searchToolDesc  = "查詢經銷商知識庫（車款規格、價格、活動、服務據點等）。"
)

// contactAck is the tool result returned to the model for a contact form call.
const contactAck = "聯絡表單已顯示給訪客。"

type contactInput struct {
	Reason        string `json:"reason" jsonschema:"description=顯示給訪客的原因，例如「為了安排試乘，請留下聯絡方式」"`
	SuggestedNote string `json:"suggestedNote,omitempty" jsonschema:"description=預先填入備註欄的內容，例如訪客感興趣的車款"`
}

type searchInput struct {
	Query string `json:"query" jsonschema:"description=查詢關鍵字或問題"`
}

// toolInfos 返回绑定到模型上的工具描述，knowledge 为 true 时包含知识库检索。
func toolInfos(knowledge bool) ([]*schema.ToolInfo, error) {
	contact, err := utils.GoStruct2ToolInfo[contactInput](ContactToolName, contactToolDesc)
	if err != nil {
		return nil, err
	}
	if !knowledge {
		return []*schema.ToolInfo{contact}, nil
	}
	search, err := utils.GoStruct2ToolInfo[searchInput](SearchToolName, searchToolDesc)
	if err != nil {
		return nil, err
	}
	return []*schema.ToolInfo{contact, search}, nil
}

// newToolsNode builds the executor for one reply. Search calls run in order so the
// retrieved-context counter needs no lock.
func newToolsNode(ctx context.Context, search utils.InvokeFunc[searchInput, string]) (*compose.ToolsNode, error) {
	contact, err := utils.InferTool(ContactToolName, contactToolDesc, func(_ context.Context, _ contactInput) (string, error) {
		return contactAck, nil
	})
	if err != nil {
		return nil, err
	}
	searcher, err := utils.InferTool(SearchToolName, searchToolDesc, search)
	if err != nil {
		return nil, err
	}

	return compose.NewToolNode(ctx, &compose.ToolsNodeConfig{
		Tools:               []tool.BaseTool{contact, searcher},
		ExecuteSequentially: true,
		UnknownToolsHandler: func(_ context.Context, name, _ string) (string, error) {
			return "未知的工具：" + name, nil
		},
		ToolArgumentsHandler: func(_ context.Context, _, arguments string) (string, error) {
			return normalizeArguments(arguments), nil
		},
	})
}

// normalizeArguments maps blank or malformed arguments to an empty object.
func normalizeArguments(arguments string) string {
	raw := strings.TrimSpace(arguments)
	if !strings.HasPrefix(raw, "{") || !json.Valid([]byte(raw)) {
		return "{}"
	}
	return raw
}

// ContactCall is a requestContactForm call emitted by the model.
type ContactCall struct {
	ID            string
	Reason        string
	SuggestedNote string
	Arguments     json.RawMessage
}

func parseContactCall(tc schema.ToolCall) ContactCall {
	call := ContactCall{ID: tc.ID}
	raw := strings.TrimSpace(tc.Function.Arguments)
	if raw == "" {
		raw = "{}"
	}
	var args contactInput
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		call.Arguments = json.RawMessage("{}")
		return call
	}
	call.Reason = strings.TrimSpace(args.Reason)
	call.SuggestedNote = strings.TrimSpace(args.SuggestedNote)
	call.Arguments = json.RawMessage(raw)
	return call
}
