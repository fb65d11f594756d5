package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/BaSui01/queenbee/config"
	"github.com/BaSui01/queenbee/types"
	"go.uber.org/zap"
)

// ConfigManager 是配置接口用到的热更新能力，*config.HotReloadManager 实现了它
type ConfigManager interface {
	SanitizedConfig() map[string]any
	Changes(limit int) []config.ConfigChange
	ReloadFromFile() error
	Version() int
}

var _ ConfigManager = (*config.HotReloadManager)(nil)

// ConfigHandler 配置查看与热重载，均需要 admin
type ConfigHandler struct {
	manager ConfigManager
	logger  *zap.Logger
}

// NewConfigHandler 创建配置处理器
func NewConfigHandler(manager ConfigManager, logger *zap.Logger) *ConfigHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigHandler{manager: manager, logger: logger.With(zap.String("component", "config_handler"))}
}

// configData 配置接口响应数据
type configData struct {
	Message string                `json:"message,omitempty"`
	Version int                   `json:"version"`
	Config  map[string]any        `json:"config,omitempty"`
	Changes []config.ConfigChange `json:"changes,omitempty"`
}

// HandleGet 处理 GET /v1/config，敏感字段已脱敏
func (h *ConfigHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	WriteSuccess(w, configData{Version: h.manager.Version(), Config: h.manager.SanitizedConfig()})
}

// HandleChanges 处理 GET /v1/config/changes?limit=
func (h *ConfigHandler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireAdmin(w, r, h.logger); !ok {
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 {
			limit = l
		}
	}
	changes := h.manager.Changes(limit)
	WriteSuccess(w, configData{
		Message: fmt.Sprintf("Retrieved %d configuration changes", len(changes)),
		Version: h.manager.Version(),
		Changes: changes,
	})
}

// HandleReload 处理 POST /v1/config/reload，从文件重新加载
func (h *ConfigHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	p, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.manager.ReloadFromFile(); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "configuration reload rejected").
			WithCause(err).
			WithDetails("reason", err.Error()), h.logger)
		return
	}
	h.logger.Info("configuration reloaded", zap.String("by", p.Subject), zap.Int("version", h.manager.Version()))
	WriteSuccess(w, configData{
		Message: "Configuration reloaded successfully",
		Version: h.manager.Version(),
		Config:  h.manager.SanitizedConfig(),
	})
}
