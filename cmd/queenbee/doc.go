/*
Package main 提供 queenbee 服务端程序入口。

# 概述

cmd/queenbee 启动 Queen 及其依赖（消息总线、知识看板、注册表、LLM 网关、
决策引擎、账本与审批队列），并通过 HTTP API 暴露请求处理、提案审批、
看板推送和配置热更新。

# 子命令

  - serve    启动服务，--migrate 时先执行数据库迁移
  - migrate  数据库迁移（golang-migrate）
  - token    用配置中的密钥签发管理接口 JWT
  - health   调用 /readyz 检查就绪状态
  - version  打印构建信息

# 中间件链

Recovery、RequestID、SecurityHeaders、OTelTracing、Metrics、RequestLogger、
CORS、RateLimiter（按 IP）、JWTAuth（可选 Bearer，管理接口需要 admin 角色）。

# 端口

API 与 Prometheus 指标分别监听 server.http_port 和 server.metrics_port。
关闭顺序：停止监听 → 停止 Queen 与 Bee → 停止热更新 → 后台任务 → 关闭存储。
*/
package main
