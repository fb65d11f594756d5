// Package ctxkeys 保存 HTTP 层写入 context 的身份信息。
// 请求 ID、TraceID 等通用值见 types 包。
package ctxkeys

import (
	"context"
	"slices"
)

// RoleAdmin 允许审批提案、切换 Provider 和重载配置
const RoleAdmin = "admin"

type contextKey string

const principalKey contextKey = "principal"

// Principal 是 JWT 校验通过后的调用方
type Principal struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// HasRole 是否拥有 role
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// WithPrincipal 写入调用方
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom 读取调用方，未认证时 ok 为 false
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.Subject == "" {
		return Principal{}, false
	}
	return p, true
}
