// Package config 提供 queenbee 的配置管理。
//
// 加载顺序为默认值、YAML 文件、QUEENBEE_* 环境变量，最后运行验证器。
// HotReloadManager 监听配置文件，日志级别、决策阈值和每日额度无需重启即可生效。
package config
