// Copyright 2025-2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
# 概述

Package rag 提供文档检索核心：分块、向量化、混合向量索引、
单轮检索、深度查询与知识图谱构建。

文档经 Chunker 切成带字符偏移的重叠分块，Embedder 向量化后写入
HybridIndex。索引由只读的 HNSW 图与可追加的平铺覆盖层组成，删除只打
墓碑，Compact 以存活条目重建图并清空覆盖层。Store 保存文档与分块元数据，
ChunkTrace 记录每个分块的来源以便校验索引一致性。

# 核心接口/类型

  - Chunker：按词窗口切分文本，保留原文偏移
  - Embedder / CachedEmbedder / HashingEmbedder：向量化及 Redis 缓存
  - VectorIndex / HybridIndex：HNSW + 覆盖层混合索引，支持 Save / Load
  - Store：文档与分块存储（MemoryStore / GormChunkStore）
  - ChunkTrace：JSONL 追溯日志，Verify 对比索引
  - Ingestor：摄取与删除；内容哈希相同则跳过
  - Retriever：单轮检索，过滤墓碑与悬空分块
  - DeepQueryAgent：拆分 → 并发检索与摘要 → 合成，可选临时图谱
  - KnowledgeGraphBuilder / KnowledgeGraph：三元组抽取与实体归并
  - GraphStore：语料图谱持久化（文件 / MongoDB）
  - Decomposer / Summarizer / Synthesizer / Extractor：可替换的协作者，
    提供 LLM 实现与无模型的默认实现

# 主要能力

  - Engine 门面：Ingest / Delete / Retrieve / DeepQuery / Compact /
    UpdateCorpusGraph，后台按墓碑比例自动压缩
  - NewEngineFromConfig 由 config.Config 组装存储、缓存、索引与协作者
  - Prometheus 指标与 OpenTelemetry span 覆盖各阶段
*/
package rag
