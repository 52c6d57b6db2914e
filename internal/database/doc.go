// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接池管理，支持多方言打开、健康检查、
统计信息采集与事务重试，供 GORM 版分块存储使用。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，含健康检查间隔。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 方言工厂：Dialector / Open 按 config.DatabaseConfig 选择 postgres、mysql 或纯 Go sqlite。
  - 健康检查：后台定时 PingContext 探活，Close 时停止。
  - 事务管理：WithTransactionRetry 对死锁、序列化失败、sqlite 锁等场景指数退避重试。
*/
package database
