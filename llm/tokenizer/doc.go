// Package tokenizer 提供统一的 Token 计数接口，
// 在后端未返回用量时用 tiktoken 精确计数或按字符估算，供成本与预算统计使用。
package tokenizer
