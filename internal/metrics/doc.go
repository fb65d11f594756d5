/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、消息总线、
知识板、Agent、LLM、额度账本、提案与后台循环。

# 核心类型

  - Collector：指标收集器，使用 promauto 自动注册，按 namespace 隔离。
    所有 Record/Set 方法允许 nil 接收者，未注入时为空操作。
*/
package metrics
