/*
Package handlers 提供 queenbee HTTP API 的请求处理器。

# 端点

  - POST /v1/requests            外部请求，转交 Queen.ProcessRequest，待审批时返回 202
  - GET  /v1/requests            支持的请求类型
  - GET  /v1/proposals           提案列表（status、kind、limit 过滤）
  - GET  /v1/proposals/{id}      单个提案
  - POST /v1/proposals/{id}/approve, /reject  人工审批，需要 admin
  - GET  /v1/providers, PUT /v1/providers/active  Provider 列表与切换
  - GET  /v1/board/stream        WebSocket 推送某分类的新帖子
  - GET  /v1/config, /v1/config/changes, POST /v1/config/reload  配置查看与热重载
  - GET  /healthz, /readyz, /version, /v1/status  探针与系统快照

# 错误

所有错误以统一 Response 结构返回，ErrorCode 映射到 HTTP 状态码。
非 types.Error 的错误只写日志，对外返回 INTERNAL_ERROR。

# 认证

处理器只读取 ctxkeys.Principal，JWT 的校验在 cmd/queenbee 的中间件里完成。
*/
package handlers
