/*
包 llm 提供统一的大语言模型接入层：在多个 Provider 之间故障转移与手动切换，
同时保持会话记忆不丢失。

# 概述

[Gateway] 是唯一的会话写入方。每次调用都会把系统上下文、最近若干轮会话
与新的提问重新组装成消息列表，交给无状态的 [Provider]。调用成功后，
问答对在会话锁内追加，成本计入 Provider 统计与每日预算。

# Provider 选择

按以下顺序尝试：显式指定的 Provider、当前激活的 Provider、
其余按配置顺序排列的 Provider。熔断器打开的 Provider 会被跳过。
全部失败时返回 ALL_PROVIDERS_EXHAUSTED，会话保持不变。

# 核心类型

  - [Provider]：后端接口，只包含 Name 与 Generate。
  - [Gateway]：故障转移、会话、成本与健康统计。
  - [SessionStore]：会话存储，提供内存与 Redis 两种实现。
  - [Pricing]：按每百万 token 计价的价格表。
*/
package llm
