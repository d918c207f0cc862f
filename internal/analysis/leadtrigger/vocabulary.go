package leadtrigger

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultReason 是未提供理由时的默认提示。
const DefaultReason = "為了安排後續服務，請留下聯絡方式"

// Vocabulary 是文字回退判断使用的词表，可通过 YAML 文件替换。
type Vocabulary struct {
	StrongPhrases []string `yaml:"strong_phrases"`
	IntentVerbs   []string `yaml:"intent_verbs"`
	IntentNouns   []string `yaml:"intent_nouns"`
	DefaultReason string   `yaml:"default_reason"`
}

// DefaultVocabulary returns the built-in zh-TW car-sales word lists.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		StrongPhrases: []string{
			"填寫表單", "填表單", "填一下表單", "留下聯絡方式", "留下你的聯絡方式", "留下您的聯絡方式",
			"留下資料", "留資料", "提供聯絡方式", "提供電話", "留電話", "留手機", "留下電話", "留下手機",
			"留下信箱", "留下 email", "留下 line", "留下line", "留下line id", "留下lineid",
		},
		IntentVerbs: []string{"留", "留下", "提供", "填"},
		IntentNouns: []string{
			"表單", "聯絡方式", "聯絡", "聯繫", "電話", "手機", "回電", "回撥",
			"預約", "賞車", "試乘", "報價", "估價", "安排",
		},
		DefaultReason: DefaultReason,
	}
}

// LoadVocabulary 读取 YAML 词表；文件中缺省的分组沿用内置词表。
func LoadVocabulary(path string) (Vocabulary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Vocabulary{}, fmt.Errorf("leadtrigger: read vocabulary: %w", err)
	}

	var file Vocabulary
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Vocabulary{}, fmt.Errorf("leadtrigger: parse vocabulary: %w", err)
	}

	vocab := DefaultVocabulary()
	if len(file.StrongPhrases) > 0 {
		vocab.StrongPhrases = file.StrongPhrases
	}
	if len(file.IntentVerbs) > 0 {
		vocab.IntentVerbs = file.IntentVerbs
	}
	if len(file.IntentNouns) > 0 {
		vocab.IntentNouns = file.IntentNouns
	}
	if strings.TrimSpace(file.DefaultReason) != "" {
		vocab.DefaultReason = strings.TrimSpace(file.DefaultReason)
	}
	return vocab.normalized(), nil
}

// normalized 统一小写，匹配对象是小写化后的回复文本。
func (v Vocabulary) normalized() Vocabulary {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, w := range in {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				out = append(out, w)
			}
		}
		return out
	}
	v.StrongPhrases = lower(v.StrongPhrases)
	v.IntentVerbs = lower(v.IntentVerbs)
	v.IntentNouns = lower(v.IntentNouns)
	if v.DefaultReason == "" {
		v.DefaultReason = DefaultReason
	}
	return v
}

// matches reports whether lowercased text asks for contact details.
func (v Vocabulary) matches(normalized string) bool {
	for _, phrase := range v.StrongPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return containsAny(normalized, v.IntentVerbs) && containsAny(normalized, v.IntentNouns)
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
