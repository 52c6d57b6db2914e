// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的检索核心指标采集能力，覆盖
摄取、检索、深度查询、索引、知识图谱、缓存与数据库七个维度。

# 核心类型

  - Collector：指标收集器，通过 promauto.With 注册到指定 Registerer，
    nil 收集器上的记录方法均为空操作。

# 主要能力

  - 摄取指标：按结果（processed/skipped/error）计数、分块总数、耗时。
  - 检索指标：请求计数、耗时、悬空分块引用计数。
  - 深度查询指标：请求计数、耗时、子查询数量分布、空上下文子查询计数。
  - 索引指标：图/覆盖层/墓碑条目 Gauge，压缩次数与耗时。
  - 缓存与数据库：命中/未命中计数，连接数 Gauge。
*/
package metrics
