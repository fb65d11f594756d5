package types

// TokenUsage 一次生成的 Token 用量，Cost 以美元计。
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	TotalTokens      int     `json:"total_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// Reported 后端是否返回了用量。部分后端在流式或出错时不返回。
func (u TokenUsage) Reported() bool {
	return u.PromptTokens > 0 || u.CompletionTokens > 0
}

// Priced 补齐 TotalTokens 并写入成本。
func (u TokenUsage) Priced(cost float64) TokenUsage {
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	u.Cost = cost
	return u
}
