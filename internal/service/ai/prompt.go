package ai

import (
	"strings"
)

// DefaultBasePrompt 是未配置 AI_SYSTEM_PROMPT 时的基础指令。
const DefaultBasePrompt = `你是一位專業的汽車銷售顧問助理，代表經銷商在網站上回覆訪客。請使用繁體中文，語氣親切、專業且簡潔。`

// PromptBuilder assembles the system prompt for one turn.
type PromptBuilder struct {
	base  string
	rules []string
}

// NewPromptBuilder creates a builder. An empty base uses DefaultBasePrompt.
func NewPromptBuilder(base string) *PromptBuilder {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultBasePrompt
	}
	return &PromptBuilder{
		base: base,
		rules: []string{
			"只回答與車款、試乘、保養、貸款與購車流程相關的問題，其他話題請婉轉帶回主題",
			"不確定的價格、優惠或庫存不要自行編造，請建議訪客留下聯絡方式由顧問確認",
			"當訪客有意試乘、索取報價、預約賞車或需要專人聯繫時，呼叫 " + ContactToolName + " 工具，並在 reason 說明原因",
			"不要要求訪客在對話中直接輸入電話或個資，聯絡資訊一律透過表單收集",
		},
	}
}

// Build 返回本轮的系统提示。extension 原样附加，不做任何模板替换。
func (b *PromptBuilder) Build(extension string, knowledge bool) string {
	var sb strings.Builder
	sb.WriteString(b.base)

	sb.WriteString("\n\n對話規則：\n- ")
	sb.WriteString(strings.Join(b.rules, "\n- "))

	if knowledge {
		sb.WriteString("\n\n知識庫：\n回答車款規格、價格或活動等細節前，先呼叫 ")
		sb.WriteString(SearchToolName)
		sb.WriteString(" 查詢經銷商提供的資料，並以查到的內容為準。")
	}

	if ext := strings.TrimSpace(extension); ext != "" {
		sb.WriteString("\n\n經銷商補充指示：\n")
		sb.WriteString(ext)
	}
	return sb.String()
}
