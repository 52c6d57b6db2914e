// =============================================================================
// 📦 deeprag 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Index:     DefaultIndexConfig(),
		Chunking:  DefaultChunkingConfig(),
		Retrieval: DefaultRetrievalConfig(),
		DeepQuery: DefaultDeepQueryConfig(),
		Graph:     DefaultGraphConfig(),
		Store:     DefaultStoreConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultIndexConfig 返回默认索引配置
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Dimension:           384,
		Metric:              "cosine",
		M:                   16,
		EfConstruction:      200,
		EfSearch:            100,
		BruteForceThreshold: 256,
		Seed:                42,
		Path:                "data/index.bin",
		CompactInterval:     5 * time.Minute,
		CompactDeletedRatio: 0.2,
	}
}

// DefaultChunkingConfig 返回默认分块配置
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		ChunkSize:      300,
		Overlap:        70,
		Lowercase:      false,
		ReplaceURLs:    true,
		StripNonASCII:  false,
		TokenizerModel: "",
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		DefaultTopK: 5,
		MaxTopK:     50,
	}
}

// DefaultDeepQueryConfig 返回默认深度查询配置
func DefaultDeepQueryConfig() DeepQueryConfig {
	return DeepQueryConfig{
		MaxSubQueries:      10,
		MaxConcurrency:     4,
		ContextTokenBudget: 2000,
		Timeout:            2 * time.Minute,
		CollaboratorRPS:    0,
		CollaboratorBurst:  1,
		GraphArtifactDir:   "",
	}
}

// DefaultGraphConfig 返回默认知识图谱配置
func DefaultGraphConfig() GraphConfig {
	return GraphConfig{
		Store:              "file",
		Path:               "data/graph",
		MongoURI:           "mongodb://localhost:27017",
		MongoDatabase:      "deeprag",
		ExtractConcurrency: 4,
	}
}

// DefaultStoreConfig 返回默认分块存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:   "memory",
		TracePath: "data/chunk_trace.jsonl",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		EmbeddingTTL: 24 * time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "deeprag",
		Password:        "",
		Name:            "data/deeprag.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "deeprag",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "deeprag",
	}
}
