// Package types 定义 queenbee 各包共享的基础类型：错误码、对话消息和 Token 用量。
// 本包不依赖其他 queenbee 包。
package types

import "time"

// Role 对话参与方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 会话中的一条消息。Provider 只在助手回复上填写。
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Provider  string    `json:"provider,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Exchange 返回一问一答两条消息，时间戳相同。
func Exchange(prompt, reply, provider string, at time.Time) []Message {
	return []Message{
		{Role: RoleUser, Content: prompt, Timestamp: at},
		{Role: RoleAssistant, Content: reply, Provider: provider, Timestamp: at},
	}
}
