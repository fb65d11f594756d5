/*
包 database 打开并管理审批与账本共用的 GORM 连接。

Open 按驱动名选择 postgres、mysql 或纯 Go 的 sqlite 方言，PoolManager
配置连接池、定时探活并提供带重试的事务。可重试错误包括死锁、
序列化失败、锁超时和断连。
*/
package database
