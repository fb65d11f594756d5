// Package telemetry 负责 queenbee 的 OpenTelemetry 初始化。
//
// 启用时通过 OTLP gRPC 导出 trace 和 metric，禁用时保持全局 noop provider，
// 决策周期、网关调用等处的 otel.Tracer 调用都不会连接外部服务。
package telemetry
