package handlers

import (
	"net/http"

	"github.com/BaSui01/queenbee/internal/ctxkeys"
	"github.com/BaSui01/queenbee/orchestrator"
	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
)

// =============================================================================
// 👑 外部请求入口
// =============================================================================

// RequestHandler 把 HTTP 请求转交给 Queen.ProcessRequest
type RequestHandler struct {
	queen  Queen
	logger *zap.Logger
}

// NewRequestHandler 创建请求处理器
func NewRequestHandler(queen Queen, logger *zap.Logger) *RequestHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestHandler{queen: queen, logger: logger.With(zap.String("component", "request_handler"))}
}

// ProcessRequestBody POST /v1/requests 的请求体
type ProcessRequestBody struct {
	Type string         `json:"type"`
	User string         `json:"user,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// HandleProcess 处理 POST /v1/requests
// 已认证时 user 取 JWT subject，请求体里的 user 被忽略。
func (h *RequestHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var body ProcessRequestBody
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if body.Type == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "type is required"), h.logger)
		return
	}

	user := body.User
	if IsAdminRequest(body.Type) {
		p, ok := requireAdmin(w, r, h.logger)
		if !ok {
			return
		}
		user = p.Subject
	} else if p, ok := ctxkeys.PrincipalFrom(r.Context()); ok {
		user = p.Subject
	}

	h.process(w, r, orchestrator.Request{Type: body.Type, User: user, Data: body.Data})
}

// HandleSupported 处理 GET /v1/requests，列出支持的请求类型
func (h *RequestHandler) HandleSupported(w http.ResponseWriter, r *http.Request) {
	supported := h.queen.SupportedRequests()
	admin := make([]string, 0, len(adminRequests))
	for _, t := range supported {
		if IsAdminRequest(t) {
			admin = append(admin, t)
		}
	}
	WriteSuccess(w, map[string]any{"types": supported, "admin_types": admin})
}

// HandleListProviders 处理 GET /v1/providers
func (h *RequestHandler) HandleListProviders(w http.ResponseWriter, r *http.Request) {
	h.process(w, r, orchestrator.Request{Type: orchestrator.RequestListProviders})
}

// SwitchProviderBody POST /v1/providers/active 的请求体
type SwitchProviderBody struct {
	Provider string `json:"provider"`
}

// HandleSwitchProvider 处理 POST /v1/providers/active，需要 admin
func (h *RequestHandler) HandleSwitchProvider(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var body SwitchProviderBody
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}
	if body.Provider == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "provider is required"), h.logger)
		return
	}
	h.process(w, r, orchestrator.Request{
		Type: orchestrator.RequestSwitchProvider,
		User: p.Subject,
		Data: map[string]any{"provider": body.Provider},
	})
}

func (h *RequestHandler) process(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	resp, err := h.queen.ProcessRequest(r.Context(), req)
	if err != nil {
		WriteErrorFrom(w, err, h.logger)
		return
	}
	writeQueenResponse(w, resp)
}
