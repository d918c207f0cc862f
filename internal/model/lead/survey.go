package lead

import (
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// SurveySchemaVersion is stamped on every stored survey row.
const SurveySchemaVersion = 1

// SurveyAnswers 是访客提交的问卷内容。
type SurveyAnswers struct {
	Goal     string `json:"goal"`
	Budget   string `json:"budget"`
	Timeline string `json:"timeline"`
	TradeIn  string `json:"tradeIn"`
	Note     string `json:"note"`
}

// Transcript renders the answers as the readable block kept in the conversation timeline.
func (a SurveyAnswers) Transcript() string {
	lines := []string{"【問卷】", "需求/目的：" + a.Goal}
	if a.Budget != "" {
		lines = append(lines, "預算："+a.Budget)
	}
	if a.Timeline != "" {
		lines = append(lines, "購買時間："+a.Timeline)
	}
	if a.TradeIn != "" {
		lines = append(lines, "是否舊車換購："+a.TradeIn)
	}
	if a.Note != "" {
		lines = append(lines, "其他備註："+a.Note)
	}
	return strings.Join(lines, "\n")
}

// Survey is one submitted questionnaire.
type Survey struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"-"`
	SessionID     string        `json:"sessionId"`
	Answers       SurveyAnswers `json:"payload"`
	SchemaVersion int           `json:"schemaVersion"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// QuestionType 问卷题型
type QuestionType string

const (
	QuestionShortText      QuestionType = "shortText"
	QuestionLongText       QuestionType = "longText"
	QuestionSingleChoice   QuestionType = "singleChoice"
	QuestionMultipleChoice QuestionType = "multipleChoice"
	QuestionDropdown       QuestionType = "dropdown"
)

var questionTypes = []QuestionType{
	QuestionShortText, QuestionLongText, QuestionSingleChoice, QuestionMultipleChoice, QuestionDropdown,
}

func (t QuestionType) hasOptions() bool {
	return t == QuestionSingleChoice || t == QuestionMultipleChoice || t == QuestionDropdown
}

// SurveyQuestion is one question on the owner's form.
type SurveyQuestion struct {
	ID          string       `json:"id"`
	Type        QuestionType `json:"type"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Required    bool         `json:"required"`
	Options     []string     `json:"options"`
}

// SurveyForm is the questionnaire layout an owner shows to visitors.
type SurveyForm struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	SubmitLabel string           `json:"submitLabel"`
	Questions   []SurveyQuestion `json:"questions"`
}

// SurveySettings is the stored form of one owner.
type SurveySettings struct {
	OwnerID   string
	Form      SurveyForm
	UpdatedAt time.Time
}

// DefaultSurveyForm returns the built-in car purchase questionnaire.
func DefaultSurveyForm() SurveyForm {
	return SurveyForm{
		Title:       "購車問卷",
		Description: "填完後會把內容送到聊天，方便接續服務。",
		SubmitLabel: "送出問卷",
		Questions: []SurveyQuestion{
			{ID: "goal", Type: QuestionShortText, Title: "需求/目的", Required: true, Options: []string{}},
			{ID: "budget", Type: QuestionDropdown, Title: "預算",
				Options: []string{"（未填）", "50 萬以下", "50–80 萬", "80–120 萬", "120–200 萬", "200 萬以上"}},
			{ID: "timeline", Type: QuestionDropdown, Title: "購買時間",
				Options: []string{"（未填）", "1 週內", "1 個月內", "1–3 個月", "3 個月以上", "尚未確定"}},
			{ID: "tradeIn", Type: QuestionDropdown, Title: "是否舊車換購",
				Options: []string{"（未填）", "是", "否", "不確定"}},
			{ID: "note", Type: QuestionLongText, Title: "其他備註", Options: []string{}},
		},
	}
}

// NormalizeSurveyForm 将任意 JSON 规范化为可用的问卷：
// 丢弃无标题题目，未知题型按 shortText 处理，选择题至少一个选项，且至少一题必填。
func NormalizeSurveyForm(raw json.RawMessage) SurveyForm {
	base := DefaultSurveyForm()

	var root struct {
		Title       any               `json:"title"`
		Description any               `json:"description"`
		SubmitLabel any               `json:"submitLabel"`
		Questions   []json.RawMessage `json:"questions"`
	}
	// 类型不符的字段保持零值，其余字段照常解析
	_ = json.Unmarshal(raw, &root)

	form := SurveyForm{
		Title:       pick(root.Title, base.Title),
		Description: pick(root.Description, base.Description),
		SubmitLabel: pick(root.SubmitLabel, base.SubmitLabel),
	}
	for _, q := range root.Questions {
		if question, ok := normalizeQuestion(q); ok {
			form.Questions = append(form.Questions, question)
		}
	}
	if len(form.Questions) == 0 {
		form.Questions = base.Questions
	}
	if !slices.ContainsFunc(form.Questions, func(q SurveyQuestion) bool { return q.Required }) {
		form.Questions[0].Required = true
	}
	return form
}

func normalizeQuestion(raw json.RawMessage) (SurveyQuestion, bool) {
	var in struct {
		ID          any `json:"id"`
		Type        any `json:"type"`
		Title       any `json:"title"`
		Description any `json:"description"`
		Required    any `json:"required"`
		Options     any `json:"options"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return SurveyQuestion{}, false
	}

	title := strings.TrimSpace(asString(in.Title))
	if title == "" {
		return SurveyQuestion{}, false
	}
	q := SurveyQuestion{
		ID:          strings.TrimSpace(asString(in.ID)),
		Type:        QuestionShortText,
		Title:       title,
		Description: asString(in.Description),
		Options:     []string{},
	}
	if q.ID == "" {
		q.ID = "q_" + strings.ToLower(ulid.Make().String())
	}
	if t := QuestionType(asString(in.Type)); slices.Contains(questionTypes, t) {
		q.Type = t
	}
	if required, ok := in.Required.(bool); ok {
		q.Required = required
	}
	if q.Type.hasOptions() {
		options, _ := in.Options.([]any)
		for _, o := range options {
			if s := strings.TrimSpace(asString(o)); s != "" {
				q.Options = append(q.Options, s)
			}
		}
		if len(q.Options) == 0 {
			q.Options = []string{"選項 1"}
		}
	}
	return q, true
}

func pick(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
