// Package tlsutil 集中管理 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），
// 供 LLM 后端的 HTTP 客户端、HTTPS 监听和 Redis 连接共用。
package tlsutil
