// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 deeprag 命令行入口。

# 概述

cmd/deeprag 在单次进程内打开 rag.Engine、执行一个子命令并关闭 Engine。
关闭时索引落盘，因此连续的命令共享同一份持久化状态。配置通过 YAML 文件
（--config）与 DEEPRAG_ 前缀的环境变量加载。

# 子命令

  - ingest     ：摄取一个或多个文本文件，文档 ID 默认取文件名
  - delete     ：删除文档及其分块
  - retrieve   ：单轮向量检索，输出 Passage 列表
  - deep-query ：拆分、并发检索、摘要、合成，可选 --graph 构建临时图谱
  - compact    ：立即压缩索引
  - stats      ：索引与文档统计，--verify 列出追溯日志不一致项
  - graph      ：update 增量更新语料图谱；export 以 json 或 dot 导出

# 输出与退出码

结果以 JSON 写到标准输出，日志写到标准错误。退出码：0 成功、1 失败、
2 参数错误、3 文档不存在或无相关内容。
*/
package main
