// Package config 提供 deeprag 的配置管理功能。
//
// 支持从 YAML 文件和环境变量加载配置（默认值 → 文件 → 环境变量），
// 覆盖索引、分块、检索、深度查询、知识图谱、存储与可观测性各部分。
package config
