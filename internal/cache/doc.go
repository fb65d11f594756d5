/*
包 cache 持有进程内共享的 Redis 连接。看板、会话、账本与消息历史的
Redis 实现都从 Manager 取客户端和键前缀，不各自建连。

后台按 HealthCheckInterval 定时 Ping，并把连接池状态（总数、空闲、
过期、等待超时）写入 metrics.Collector。Close 后 Ping 返回 ErrClosed。
*/
package cache
