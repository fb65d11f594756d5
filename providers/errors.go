package providers

import (
	"net/http"
	"strings"

	"github.com/BaSui01/queenbee/types"
)

// MapHTTPError 将上游 HTTP 状态码映射为带重试标记的 types.Error
func MapHTTPError(status int, msg string, provider string) *types.Error {
	var e *types.Error
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e = types.NewError(types.ErrUnauthorized, msg)
	case http.StatusBadRequest:
		e = types.NewError(types.ErrInvalidRequest, msg)
		// 配额类 400 属于可切换 Provider 的错误
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") {
			e = types.NewError(types.ErrProviderError, msg)
		}
	case http.StatusTooManyRequests, 529:
		e = types.NewError(types.ErrProviderError, msg).WithRetryable(true)
	default:
		e = types.NewError(types.ErrProviderError, msg).WithRetryable(status >= 500)
	}
	return e.WithHTTPStatus(status).WithProvider(provider)
}

// MapError 包装非 HTTP 错误（网络、解码等）
func MapError(err error, provider string) *types.Error {
	if e, ok := types.AsError(err); ok {
		return e
	}
	return types.NewError(types.ErrProviderError, err.Error()).
		WithCause(err).
		WithRetryable(true).
		WithProvider(provider)
}
