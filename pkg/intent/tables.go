package intent

import "github.com/nous-labs/modelswitch/pkg/scope"

// Kind is the specificity class of a matched keyword.
type Kind int

const (
	KindVersion Kind = iota // "3.2", "4.5"
	KindFullID              // "deepseek/deepseek-chat"
	KindName                // "deepseek-chat", "deepseek", display name
	KindBrand               // "openai", "深度求索"
	KindAlias               // "fast", "smart"
)

func (k Kind) String() string {
	switch k {
	case KindVersion:
		return "version"
	case KindFullID:
		return "id"
	case KindName:
		return "name"
	case KindBrand:
		return "brand"
	case KindAlias:
		return "alias"
	}
	return "unknown"
}

// Brand adds synonyms to every model whose display name contains Match.
type Brand struct {
	Match    string
	Synonyms []string
}

// ScopeKeywords maps a scope to the words that select it.
type ScopeKeywords struct {
	Scope    scope.Scope
	Keywords []string
}

// Tables is the complete keyword configuration of a Detector. All strings are
// matched lower-cased as substrings.
type Tables struct {
	Triggers  []string
	Brands    []Brand
	Weights   map[Kind]int
	Scopes    []ScopeKeywords // checked in order, first match wins
	Permanent []string        // forces scope.User when present

	HighThreshold   int
	MediumThreshold int
}

// DefaultTables returns the builtin English/Chinese keyword tables.
func DefaultTables() Tables {
	return Tables{
		Triggers: []string{
			"switch", "use", "change", "set model",
			"切换", "使用", "改用", "换成", "换到", "换用",
		},
		Brands: []Brand{
			{Match: "deepseek", Synonyms: []string{"深度求索"}},
			{Match: "kimi", Synonyms: []string{"月之暗面", "moonshot"}},
			{Match: "gpt", Synonyms: []string{"openai", "chatgpt"}},
			{Match: "claude", Synonyms: []string{"anthropic"}},
			{Match: "gemini", Synonyms: []string{"谷歌", "google"}},
		},
		Weights: map[Kind]int{
			KindVersion: 10,
			KindFullID:  8,
			KindName:    6,
			KindBrand:   4,
			KindAlias:   2,
		},
		Scopes: []ScopeKeywords{
			{Scope: scope.Session, Keywords: []string{"session", "会话", "本次", "临时", "this chat", "for now", "temporar"}},
			{Scope: scope.User, Keywords: []string{"for me", "personal", "my own", "我的", "个人", "用户"}},
			{Scope: scope.Room, Keywords: []string{"room", "channel", "房间", "群", "频道"}},
			{Scope: scope.Global, Keywords: []string{"global", "everyone", "全局", "所有人", "大家"}},
		},
		Permanent: []string{"permanent", "save", "preference", "always", "永久", "保存", "偏好", "一直"},

		HighThreshold:   10,
		MediumThreshold: 5,
	}
}
