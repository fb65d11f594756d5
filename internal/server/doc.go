/*
包 server 管理 queenbee 的 HTTP/HTTPS 监听生命周期。

Manager 封装 net/http.Server：Start 非阻塞启动，Run 阻塞到 context 取消或
服务异常，然后在 ShutdownTimeout 内优雅关闭。监听器经 netutil.LimitListener
限制并发连接数，配置了 TLS 时再包一层 tls.Listener。

API 服务和 Prometheus 指标服务各用一个 Manager。
*/
package server
