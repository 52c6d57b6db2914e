// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 deeprag 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 rag、config、cmd 等上层
模块提供统一的错误契约，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 Retryable 标记与 Cause 链

# 错误码

  - DIMENSION_MISMATCH / CORRUPT_INDEX / DUPLICATE_EMBEDDING：索引结构错误，直接返回调用方
  - NO_RELEVANT_CONTENT / NOT_FOUND：用户可见的"无结果"条件
  - DANGLING_CHUNK_REFERENCE / EXTRACTION_FAILURE：可恢复，仅记录日志
  - INVALID_REQUEST / UPSTREAM_ERROR / INTERNAL_ERROR：通用错误

# 主要能力

  - errors.Is 按错误码匹配，便于定义包级哨兵错误
  - 错误工具链：AsError / GetErrorCode / IsErrorCode / IsRetryable
*/
package types
