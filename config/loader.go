// =============================================================================
// 📦 deeprag 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("deeprag.yaml").
//	    WithEnvPrefix("DEEPRAG").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 deeprag 的完整配置结构
type Config struct {
	// Index 向量索引配置
	Index IndexConfig `yaml:"index" env:"INDEX"`

	// Chunking 分块配置
	Chunking ChunkingConfig `yaml:"chunking" env:"CHUNKING"`

	// Retrieval 检索配置
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// DeepQuery 深度查询配置
	DeepQuery DeepQueryConfig `yaml:"deep_query" env:"DEEP_QUERY"`

	// Graph 知识图谱配置
	Graph GraphConfig `yaml:"graph" env:"GRAPH"`

	// Store 分块存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Metrics 指标配置
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`
}

// IndexConfig 向量索引配置
type IndexConfig struct {
	// 向量维度
	Dimension int `yaml:"dimension" env:"DIMENSION"`
	// 距离度量: cosine, l2（创建后不可更改）
	Metric string `yaml:"metric" env:"METRIC"`
	// HNSW 每层最大连接数
	M int `yaml:"m" env:"M"`
	// 构建时候选集大小
	EfConstruction int `yaml:"ef_construction" env:"EF_CONSTRUCTION"`
	// 查询时候选集大小
	EfSearch int `yaml:"ef_search" env:"EF_SEARCH"`
	// 图规模低于该值时直接精确扫描
	BruteForceThreshold int `yaml:"brute_force_threshold" env:"BRUTE_FORCE_THRESHOLD"`
	// 层级随机种子
	Seed uint64 `yaml:"seed" env:"SEED"`
	// 索引持久化路径
	Path string `yaml:"path" env:"PATH"`
	// 后台压缩检查间隔（0 表示关闭）
	CompactInterval time.Duration `yaml:"compact_interval" env:"COMPACT_INTERVAL"`
	// 触发压缩的软删除比例
	CompactDeletedRatio float64 `yaml:"compact_deleted_ratio" env:"COMPACT_DELETED_RATIO"`
}

// ChunkingConfig 分块配置
type ChunkingConfig struct {
	// 每块单词数
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	// 相邻块重叠单词数
	Overlap int `yaml:"overlap" env:"OVERLAP"`
	// 是否转小写
	Lowercase bool `yaml:"lowercase" env:"LOWERCASE"`
	// 是否将 URL 替换为 [URL]
	ReplaceURLs bool `yaml:"replace_urls" env:"REPLACE_URLS"`
	// 是否丢弃非 ASCII 字符
	StripNonASCII bool `yaml:"strip_non_ascii" env:"STRIP_NON_ASCII"`
	// tiktoken 模型名（为空时使用估算器）
	TokenizerModel string `yaml:"tokenizer_model" env:"TOKENIZER_MODEL"`
}

// RetrievalConfig 检索配置
type RetrievalConfig struct {
	// 默认 top_k
	DefaultTopK int `yaml:"default_top_k" env:"DEFAULT_TOP_K"`
	// top_k 上限
	MaxTopK int `yaml:"max_top_k" env:"MAX_TOP_K"`
}

// DeepQueryConfig 深度查询配置
type DeepQueryConfig struct {
	// 子查询数量上限
	MaxSubQueries int `yaml:"max_sub_queries" env:"MAX_SUB_QUERIES"`
	// 子查询并发上限
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 每个子查询送入摘要的 Token 预算
	ContextTokenBudget int `yaml:"context_token_budget" env:"CONTEXT_TOKEN_BUDGET"`
	// 单次深度查询超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 外部协作者调用速率（每秒，0 表示不限）
	CollaboratorRPS float64 `yaml:"collaborator_rps" env:"COLLABORATOR_RPS"`
	// 外部协作者突发容量
	CollaboratorBurst int `yaml:"collaborator_burst" env:"COLLABORATOR_BURST"`
	// 临时图谱产物目录（为空时不落盘）
	GraphArtifactDir string `yaml:"graph_artifact_dir" env:"GRAPH_ARTIFACT_DIR"`
}

// GraphConfig 知识图谱配置
type GraphConfig struct {
	// 持久化后端: file, mongo, none
	Store string `yaml:"store" env:"STORE"`
	// file 后端目录
	Path string `yaml:"path" env:"PATH"`
	// MongoDB 连接串
	MongoURI string `yaml:"mongo_uri" env:"MONGO_URI"`
	// MongoDB 数据库名
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`
	// MongoDB 启用 TLS
	MongoTLS bool `yaml:"mongo_tls" env:"MONGO_TLS"`
	// 抽取并发上限
	ExtractConcurrency int `yaml:"extract_concurrency" env:"EXTRACT_CONCURRENCY"`
}

// StoreConfig 分块存储配置
type StoreConfig struct {
	// 后端: memory, database
	Backend string `yaml:"backend" env:"BACKEND"`
	// ChunkTrace 日志路径（为空时仅保存在内存）
	TracePath string `yaml:"trace_path" env:"TRACE_PATH"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用 embedding 缓存
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// embedding 缓存过期时间
	EmbeddingTTL time.Duration `yaml:"embedding_ttl" env:"EMBEDDING_TTL"`
	// 启用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 下为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// Prometheus 命名空间
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "DEEPRAG",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Index.Dimension <= 0 {
		errs = append(errs, "index.dimension must be positive")
	}
	switch c.Index.Metric {
	case "cosine", "l2":
	default:
		errs = append(errs, fmt.Sprintf("unknown index.metric %q", c.Index.Metric))
	}
	if c.Index.M < 2 {
		errs = append(errs, "index.m must be at least 2")
	}
	if c.Index.CompactDeletedRatio < 0 || c.Index.CompactDeletedRatio > 1 {
		errs = append(errs, "index.compact_deleted_ratio must be between 0 and 1")
	}

	if c.Chunking.ChunkSize <= 0 {
		errs = append(errs, "chunking.chunk_size must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.ChunkSize {
		errs = append(errs, "chunking.overlap must be in [0, chunk_size)")
	}

	if c.Retrieval.DefaultTopK <= 0 {
		errs = append(errs, "retrieval.default_top_k must be positive")
	}
	if c.Retrieval.MaxTopK < c.Retrieval.DefaultTopK {
		errs = append(errs, "retrieval.max_top_k must be >= default_top_k")
	}

	if c.DeepQuery.MaxSubQueries <= 0 {
		errs = append(errs, "deep_query.max_sub_queries must be positive")
	}
	if c.DeepQuery.MaxConcurrency <= 0 {
		errs = append(errs, "deep_query.max_concurrency must be positive")
	}

	switch c.Graph.Store {
	case "file", "mongo", "none", "":
	default:
		errs = append(errs, fmt.Sprintf("unknown graph.store %q", c.Graph.Store))
	}
	switch c.Store.Backend {
	case "memory", "database":
	default:
		errs = append(errs, fmt.Sprintf("unknown store.backend %q", c.Store.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
