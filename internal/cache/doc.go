// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，供 embedding 缓存使用。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端，所有键自动加前缀，
    提供 GetBytes/SetBytes 字节读写与 Ping 探活。
  - Config：缓存配置，可由 FromRedisConfig 从应用配置派生。
  - Stats：GetStats 解析 INFO 得到的命中、未命中、内存与连接数，
    由 engine 统计与 stats 命令展示。

# 主要能力

  - 健康检查：后台定时 Ping，Close 时停止。
  - 错误语义：ErrCacheMiss / ErrClosed 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
