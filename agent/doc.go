// Package agent 定义蜂群中的工作单元（Bee）以及把 Bee 接入消息总线与
// 生命周期管理器的 Worker。
//
// 子包:
//
//	bus       进程内消息总线，三级优先级邮箱
//	board     知识看板，帖子存储与订阅通知
//	registry  Agent 注册、心跳与健康状态
//	approval  提案审批队列
//
// 一个 Bee 只关心业务执行；Worker 负责从总线收取 task 消息、
// 调用 Bee、回写结果并向 registry 上报心跳和任务计数。
package agent
