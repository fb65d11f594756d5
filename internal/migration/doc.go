// Package migration 维护审批表和账本表的结构。
//
// 迁移 SQL 按 postgres、mysql、sqlite 分目录内嵌，由 golang-migrate 执行。
// postgres 与 mysql 按连接串打开；sqlite 复用 database 包的纯 Go 连接。
// CLI 为 `queenbee migrate <command>` 提供输出。
package migration
