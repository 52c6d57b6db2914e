// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 deeprag 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试与基准测试提供统一的辅助能力，
避免各包重复实现相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertJSONEqual / AssertEventuallyTrue
  - 数据工具: MustJSON / MustParseJSON / UnitVector / RandomVectors
  - 基准辅助: BenchmarkHelper 封装 testing.B 常用操作

# 子包

  - testutil/mocks: MockEmbedder（关键词向量表）与 MockCompleter
    （按提示词子串脚本化响应），均支持 Builder 模式与错误注入
  - testutil/fixtures: 小型样例语料，供摄取、检索与 CLI 测试使用

# 使用示例

	ctx := testutil.TestContext(t)
	embedder := mocks.NewMockEmbedder(4).WithKeyword("hnsw", 0)
	for _, doc := range fixtures.Corpus() {
		_, err := engine.Ingest(ctx, doc.ID, doc.Filename, doc.Text)
		require.NoError(t, err)
	}
*/
package testutil
