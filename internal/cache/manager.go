// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/deeprag/config"
	"github.com/BaSui01/deeprag/internal/tlsutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 缓存管理器
// =============================================================================

// Manager 缓存管理器，所有键自动加上 KeyPrefix
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// Config 缓存配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// 默认过期时间
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// 启用 TLS（TLS 1.2+，仅 AEAD 套件）
	TLSEnabled bool `yaml:"tls_enabled" json:"tls_enabled"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		KeyPrefix:           "deeprag:",
		DefaultTTL:          24 * time.Hour,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// FromRedisConfig 由应用配置生成缓存配置
func FromRedisConfig(rc config.RedisConfig) Config {
	c := DefaultConfig()
	if rc.Addr != "" {
		c.Addr = rc.Addr
	}
	c.Password = rc.Password
	c.DB = rc.DB
	if rc.PoolSize > 0 {
		c.PoolSize = rc.PoolSize
	}
	if rc.MinIdleConns > 0 {
		c.MinIdleConns = rc.MinIdleConns
	}
	if rc.EmbeddingTTL > 0 {
		c.DefaultTTL = rc.EmbeddingTTL
	}
	c.TLSEnabled = rc.TLS
	return c
}

// NewManager 创建缓存管理器
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	}
	if config.TLSEnabled {
		opts.TLSConfig = tlsutil.ClientConfig(config.Addr)
	}
	client := redis.NewClient(opts)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
		stop:   make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	}

	m.logger.Info("cache manager initialized",
		zap.String("addr", config.Addr),
		zap.String("key_prefix", config.KeyPrefix),
		zap.Int("pool_size", config.PoolSize),
	)

	return m, nil
}

func (m *Manager) key(k string) string {
	return m.config.KeyPrefix + k
}

func (m *Manager) checkOpen() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// GetBytes 获取原始字节
func (m *Manager) GetBytes(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	val, err := m.redis.Get(ctx, m.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		m.logger.Error("cache get failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("cache get failed: %w", err)
	}

	return val, nil
}

// SetBytes 设置原始字节
func (m *Manager) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return err
	}

	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}

	if err := m.redis.Set(ctx, m.key(key), value, ttl).Err(); err != nil {
		m.logger.Error("cache set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("cache set failed: %w", err)
	}

	return nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return err
	}

	return m.redis.Ping(ctx).Err()
}

// Close 关闭缓存管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	close(m.stop)
	m.logger.Info("closing cache manager")

	return m.redis.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Ping(ctx); err != nil {
			m.logger.Error("cache health check failed", zap.Error(err))
		} else {
			m.logger.Debug("cache health check passed")
		}
		cancel()
	}
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// Stats 缓存统计信息
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Keys        int64  `json:"keys"`
	UsedMemory  int64  `json:"used_memory"`
	Connections int    `json:"connections"`
}

// GetStats 获取缓存统计信息
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	// 不带 section 时返回默认段，已包含 stats、memory、clients
	info, err := m.redis.Info(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis info: %w", err)
	}
	stats := parseInfo(info)

	keys, err := m.redis.DBSize(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get redis dbsize: %w", err)
	}
	stats.Keys = keys

	return stats, nil
}

// parseInfo 解析 INFO 输出中的 key:value 行
func parseInfo(info string) *Stats {
	stats := &Stats{}
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		switch k {
		case "keyspace_hits":
			stats.Hits, _ = strconv.ParseUint(v, 10, 64)
		case "keyspace_misses":
			stats.Misses, _ = strconv.ParseUint(v, 10, 64)
		case "used_memory":
			stats.UsedMemory, _ = strconv.ParseInt(v, 10, 64)
		case "connected_clients":
			stats.Connections, _ = strconv.Atoi(v)
		}
	}
	return stats
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

var (
	// ErrCacheMiss 缓存未命中
	ErrCacheMiss = errors.New("cache miss")
	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("cache manager is closed")
)

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
