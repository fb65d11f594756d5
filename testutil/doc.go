/*
Package testutil 提供各包单元测试共享的辅助函数。

  - TestContext           随测试结束取消的 context
  - Clock                 可手动推进的假时钟，注入 Now 函数
  - NewRedis              基于 miniredis 的 Redis 客户端
  - NewSQLite             内存 SQLite（glebarez 纯 Go 驱动）上的 gorm.DB
  - AssertErrorCode       按 types.ErrorCode 断言错误
  - AssertMessagesEqual   忽略时间戳比较会话消息
  - AssertEventuallyTrue  轮询等待异步条件
  - JSONMap               结构体转 map，构造请求数据

子包 mocks 提供 Bee、LLM Provider 与会话存储的模拟实现，支持错误注入和调用记录。
*/
package testutil
