// 配置加载器测试。
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 384, cfg.Index.Dimension)
	assert.Equal(t, "cosine", cfg.Index.Metric)
	assert.Equal(t, 300, cfg.Chunking.ChunkSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "deeprag.yaml")

	yamlContent := `
index:
  dimension: 768
  metric: l2
  ef_search: 64
  compact_interval: 30s

chunking:
  chunk_size: 120
  overlap: 20
  lowercase: true

deep_query:
  max_concurrency: 8
  timeout: 45s

graph:
  store: mongo
  mongo_database: corpus

log:
  level: debug
  format: console
  output_paths: ["stderr"]
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 768, cfg.Index.Dimension)
	assert.Equal(t, "l2", cfg.Index.Metric)
	assert.Equal(t, 64, cfg.Index.EfSearch)
	assert.Equal(t, 30*time.Second, cfg.Index.CompactInterval)
	// 未覆盖的字段保留默认值
	assert.Equal(t, 16, cfg.Index.M)

	assert.Equal(t, 120, cfg.Chunking.ChunkSize)
	assert.Equal(t, 20, cfg.Chunking.Overlap)
	assert.True(t, cfg.Chunking.Lowercase)

	assert.Equal(t, 8, cfg.DeepQuery.MaxConcurrency)
	assert.Equal(t, 45*time.Second, cfg.DeepQuery.Timeout)

	assert.Equal(t, "mongo", cfg.Graph.Store)
	assert.Equal(t, "corpus", cfg.Graph.MongoDatabase)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"stderr"}, cfg.Log.OutputPaths)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("DEEPRAG_INDEX_DIMENSION", "64")
	t.Setenv("DEEPRAG_INDEX_SEED", "7")
	t.Setenv("DEEPRAG_INDEX_COMPACT_DELETED_RATIO", "0.5")
	t.Setenv("DEEPRAG_CHUNKING_LOWERCASE", "true")
	t.Setenv("DEEPRAG_DEEP_QUERY_TIMEOUT", "10s")
	t.Setenv("DEEPRAG_LOG_OUTPUT_PATHS", "stdout, /tmp/deeprag.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Index.Dimension)
	assert.Equal(t, uint64(7), cfg.Index.Seed)
	assert.InDelta(t, 0.5, cfg.Index.CompactDeletedRatio, 1e-9)
	assert.True(t, cfg.Chunking.Lowercase)
	assert.Equal(t, 10*time.Second, cfg.DeepQuery.Timeout)
	assert.Equal(t, []string{"stdout", "/tmp/deeprag.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "deeprag.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("index:\n  dimension: 128\n  metric: l2\n"), 0644))

	t.Setenv("DEEPRAG_INDEX_DIMENSION", "256")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 256, cfg.Index.Dimension)
	assert.Equal(t, "l2", cfg.Index.Metric)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYRAG_RETRIEVAL_DEFAULT_TOP_K", "9")

	cfg, err := NewLoader().WithEnvPrefix("MYRAG").Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Retrieval.DefaultTopK)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("DEEPRAG_INDEX_DIMENSION", "not-a-number")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEEPRAG_INDEX_DIMENSION")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("DEEPRAG_INDEX_METRIC", "dot")

	_, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.metric")

	sentinel := errors.New("custom")
	_, err = NewLoader().WithValidator(func(*Config) error { return sentinel }).Load()
	assert.ErrorIs(t, err, sentinel)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/deeprag.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Index, cfg.Index)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("index: [unclosed"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "zero dimension", mutate: func(c *Config) { c.Index.Dimension = 0 }, wantErr: "index.dimension"},
		{name: "unknown metric", mutate: func(c *Config) { c.Index.Metric = "dot" }, wantErr: "index.metric"},
		{name: "overlap too large", mutate: func(c *Config) { c.Chunking.Overlap = c.Chunking.ChunkSize }, wantErr: "chunking.overlap"},
		{name: "max top k below default", mutate: func(c *Config) { c.Retrieval.MaxTopK = 1 }, wantErr: "max_top_k"},
		{name: "zero concurrency", mutate: func(c *Config) { c.DeepQuery.MaxConcurrency = 0 }, wantErr: "max_concurrency"},
		{name: "unknown graph store", mutate: func(c *Config) { c.Graph.Store = "neo4j" }, wantErr: "graph.store"},
		{name: "unknown store backend", mutate: func(c *Config) { c.Store.Backend = "s3" }, wantErr: "store.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		cfg      DatabaseConfig
		expected string
	}{
		{
			name:     "postgres",
			cfg:      DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "rag", SSLMode: "disable"},
			expected: "host=db port=5432 user=u password=p dbname=rag sslmode=disable",
		},
		{
			name:     "mysql",
			cfg:      DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "rag"},
			expected: "u:p@tcp(db:3306)/rag?parseTime=true",
		},
		{
			name:     "sqlite",
			cfg:      DatabaseConfig{Driver: "sqlite", Name: "data/deeprag.db"},
			expected: "data/deeprag.db",
		},
		{
			name:     "unknown",
			cfg:      DatabaseConfig{Driver: "oracle"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.cfg.DSN())
		})
	}
}

func TestMustLoad_InvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(":\n\t- bad"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
