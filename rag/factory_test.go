package rag

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/BaSui01/deeprag/config"
	"github.com/BaSui01/deeprag/testutil/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// ---------------------------------------------------------------------------
// 测试配置
// ---------------------------------------------------------------------------

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Index.Dimension = 4
	cfg.Index.Path = filepath.Join(dir, "index.bin")
	cfg.Index.CompactInterval = 0
	cfg.Chunking.ChunkSize = 6
	cfg.Chunking.Overlap = 2
	cfg.Store.TracePath = filepath.Join(dir, "trace.jsonl")
	cfg.Graph.Store = "file"
	cfg.Graph.Path = filepath.Join(dir, "graph")
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(dir, "deeprag.db")
	return cfg
}

// countingEmbedder 统计实际向量化次数
type countingEmbedder struct {
	inner Embedder
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.inner.Embed(ctx, text)
}

// ---------------------------------------------------------------------------
// NewEngineFromConfig
// ---------------------------------------------------------------------------

func TestNewEngineFromConfig_Errors(t *testing.T) {
	logger := zap.NewNop()
	ctx := context.Background()

	_, err := NewEngineFromConfig(ctx, nil, Dependencies{}, logger)
	assert.Error(t, err)

	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{"bad metric", func(c *config.Config) { c.Index.Metric = "dot" }, "invalid config"},
		{"bad overlap", func(c *config.Config) { c.Chunking.Overlap = 6 }, "invalid config"},
		{"unknown store", func(c *config.Config) { c.Store.Backend = "cassandra" }, "invalid config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := NewEngineFromConfig(ctx, cfg, Dependencies{Registerer: prometheus.NewRegistry()}, logger)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	cfg := testConfig(t)
	cfg.Graph.Path = ""
	_, err = NewEngineFromConfig(ctx, cfg, Dependencies{Registerer: prometheus.NewRegistry()}, logger)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestNewEngineFromConfig_MemoryBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "memory"
	ctx := context.Background()

	deps := Dependencies{Embedder: testEmbedder(), Registerer: prometheus.NewRegistry()}
	e, err := NewEngineFromConfig(ctx, cfg, deps, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = e.Ingest(ctx, "redis", "", redisDoc)
	require.NoError(t, err)
	passages, err := e.Retrieve(ctx, "redis", 2)
	require.NoError(t, err)
	assert.NotEmpty(t, passages)

	report, err := e.UpdateCorpusGraph(ctx, 0)
	require.NoError(t, err)
	assert.Greater(t, report.Entities, 0)

	// 未启用 Redis 与数据库时不报告对应统计
	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Nil(t, stats.Cache)
	assert.Nil(t, stats.Database)

	require.NoError(t, e.Close(ctx))
	// 内存后端不落盘索引与追溯日志
	assert.False(t, indexFileExists(cfg.Index.Path))
	assert.False(t, indexFileExists(cfg.Store.TracePath))
}

func TestNewEngineFromConfig_DatabaseBackendRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Store.Backend = "database"
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = mr.Addr()
	ctx := context.Background()

	embedder := &countingEmbedder{inner: testEmbedder()}
	open := func() *Engine {
		e, err := NewEngineFromConfig(ctx, cfg,
			Dependencies{Embedder: embedder, Registerer: prometheus.NewRegistry()}, zaptest.NewLogger(t))
		require.NoError(t, err)
		return e
	}

	first := open()
	res, err := first.Ingest(ctx, "hnsw", "hnsw.md", hnswDoc)
	require.NoError(t, err)
	want, err := first.Retrieve(ctx, "hnsw layers", 3)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))
	require.True(t, indexFileExists(cfg.Index.Path))

	calls := embedder.calls.Load()
	second := open()
	defer func() { _ = second.Close(ctx) }()

	// 索引从磁盘加载，查询向量命中 Redis 缓存
	got, err := second.Retrieve(ctx, "hnsw layers", 3)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, calls, embedder.calls.Load())

	// 追溯日志重放
	p, ok := second.Provenance(res.ChunkIDs[0])
	require.True(t, ok)
	assert.Equal(t, "hnsw", p.DocumentID)
	assert.Empty(t, second.VerifyTrace())

	// 文档记录持久化，相同内容再次摄取被跳过
	again, err := second.Ingest(ctx, "hnsw", "", hnswDoc)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	doc, err := second.GetDocument(ctx, "hnsw")
	require.NoError(t, err)
	assert.Equal(t, "hnsw.md", doc.Filename)

	// 统计附带 embedding 缓存与连接池信息
	stats, err := second.Stats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats.Cache)
	assert.Greater(t, stats.Cache.Keys, int64(0))
	require.NotNil(t, stats.Database)
	assert.Greater(t, stats.Database.MaxOpenConnections, 0)
}

func TestNewEngineFromConfig_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := testConfig(t)
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = addr
	_, err := NewEngineFromConfig(context.Background(), cfg,
		Dependencies{Registerer: prometheus.NewRegistry()}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding cache")
}

// ---------------------------------------------------------------------------
// 配置映射
// ---------------------------------------------------------------------------

func TestMapCollaborators(t *testing.T) {
	cfg := config.DefaultConfig()

	collab := mapCollaborators(cfg, Dependencies{})
	assert.Nil(t, collab.Decomposer)
	assert.IsType(t, PatternExtractor{}, collab.Extractor)

	completer := mocks.NewMockCompleter()
	custom := &ExtractiveSummarizer{MaxSentences: 1}
	collab = mapCollaborators(cfg, Dependencies{Completer: completer, Summarizer: custom})
	assert.IsType(t, &LLMDecomposer{}, collab.Decomposer)
	assert.Equal(t, cfg.DeepQuery.MaxSubQueries, collab.Decomposer.(*LLMDecomposer).MaxSubQueries)
	assert.Same(t, custom, collab.Summarizer)
	assert.IsType(t, &LLMSynthesizer{}, collab.Synthesizer)
	assert.IsType(t, &LLMExtractor{}, collab.Extractor)
}

func TestMapIndexConfig(t *testing.T) {
	c := config.DefaultIndexConfig()
	c.Metric = "l2"
	ic := mapIndexConfig(c)
	assert.Equal(t, MetricL2, ic.Metric)
	assert.Equal(t, c.Dimension, ic.Dimension)
	assert.Equal(t, c.M, ic.HNSW.M)
	assert.Equal(t, c.EfSearch, ic.HNSW.EfSearch)
	assert.Equal(t, c.Seed, ic.HNSW.Seed)
}

func TestMapEngineConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	ec := mapEngineConfig(cfg)
	assert.Empty(t, ec.IndexPath, "memory backend never saves the index")
	assert.Equal(t, cfg.Chunking.ChunkSize, ec.Chunking.ChunkSize)
	assert.Equal(t, cfg.DeepQuery.Timeout, ec.DeepQuery.Timeout)
	assert.Equal(t, cfg.Index.CompactDeletedRatio, ec.CompactDeletedRatio)

	cfg.Store.Backend = "database"
	assert.Equal(t, cfg.Index.Path, mapEngineConfig(cfg).IndexPath)
}
