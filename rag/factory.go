// Config → RAG 桥接层。
//
// 提供工厂函数，将全局 config.Config 转换为 rag 包的运行时实例，
// 消除 config 包和 rag 包之间的手动配置映射。
package rag

import (
	"context"
	"fmt"

	"github.com/BaSui01/deeprag/config"
	"github.com/BaSui01/deeprag/internal/cache"
	"github.com/BaSui01/deeprag/internal/database"
	"github.com/BaSui01/deeprag/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// StoreBackend 标识分块存储后端。
type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StoreDatabase StoreBackend = "database"
)

// GraphBackend 标识语料图谱存储后端。
type GraphBackend string

const (
	GraphFile  GraphBackend = "file"
	GraphMongo GraphBackend = "mongo"
	GraphNone  GraphBackend = "none"
)

// Dependencies 运行时注入的外部协作者。
// Completer 非空时，未显式给出的拆分、摘要、合成、抽取协作者都基于它构建；
// 否则使用离线默认实现。
type Dependencies struct {
	Embedder    Embedder
	Completer   Completer
	Decomposer  Decomposer
	Summarizer  Summarizer
	Synthesizer Synthesizer
	Extractor   Extractor

	// Registerer 指标注册表，为空时使用 prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// NewEngineFromConfig 一键创建完整的 Engine。
// 它组装索引、分块存储、追溯日志、embedding 缓存、协作者与图谱存储；
// 中途失败时释放已创建的资源。
func NewEngineFromConfig(ctx context.Context, cfg *config.Config, deps Dependencies, logger *zap.Logger) (_ *Engine, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// cleanup 失败时逆序释放；owned 成功后交给 Engine.Close
	var cleanup, owned []func(context.Context) error
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				_ = cleanup[i](ctx)
			}
		}
	}()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := deps.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		collector = metrics.NewCollectorWithRegistry(cfg.Metrics.Namespace, reg, logger)
	}

	store, closeStore, err := newStoreFromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		cleanup = append(cleanup, closeStore)
		owned = append(owned, closeStore)
	}

	// 内存存储重启后分块 ID 从头分配，磁盘上的索引与追溯日志都不再对应，不加载
	persistent := StoreBackend(cfg.Store.Backend) != StoreMemory
	index, err := newIndexFromConfig(cfg.Index, persistent, logger)
	if err != nil {
		return nil, err
	}

	tracePath := cfg.Store.TracePath
	if !persistent {
		tracePath = ""
	}
	trace, err := OpenChunkTrace(tracePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open chunk trace: %w", err)
	}
	cleanup = append(cleanup, func(context.Context) error { return trace.Close() })

	var embedCache *CachedEmbedder
	embedder := deps.Embedder
	if embedder == nil {
		embedder = NewHashingEmbedder(cfg.Index.Dimension)
	}
	if cfg.Redis.Enabled {
		cm, err := cache.NewManager(cache.FromRedisConfig(cfg.Redis), logger)
		if err != nil {
			return nil, fmt.Errorf("connect embedding cache: %w", err)
		}
		closeCache := func(context.Context) error { return cm.Close() }
		cleanup = append(cleanup, closeCache)
		owned = append(owned, closeCache)
		namespace := fmt.Sprintf("%s:%d", cfg.Index.Metric, cfg.Index.Dimension)
		embedCache = NewCachedEmbedder(embedder, cm, namespace, collector, logger)
		embedder = embedCache
	}

	limiter := NewCollaboratorLimiter(cfg.DeepQuery.CollaboratorRPS, cfg.DeepQuery.CollaboratorBurst)
	collab := mapCollaborators(cfg, deps)
	collab.Embedder = limiter.Embedder(embedder)
	collab.Limiter = limiter

	graphStore, err := newGraphStoreFromConfig(ctx, cfg.Graph, logger)
	if err != nil {
		return nil, err
	}

	opts := []EngineOption{
		WithEngineMetrics(collector),
		WithEngineTrace(trace),
		WithTokenizer(NewTokenizer(cfg.Chunking.TokenizerModel, logger)),
	}
	if embedCache != nil {
		opts = append(opts, WithEmbeddingCache(embedCache))
	}
	if graphStore != nil {
		cleanup = append(cleanup, graphStore.Close)
		opts = append(opts, WithGraphStore(graphStore))
	}
	for _, c := range owned {
		opts = append(opts, WithCloser(c))
	}

	engine, err := NewEngine(mapEngineConfig(cfg), index, store, collab, logger, opts...)
	if err != nil {
		return nil, err
	}
	engine.recordIndexSize()
	logger.Info("engine created",
		zap.String("store", cfg.Store.Backend),
		zap.String("graph_store", cfg.Graph.Store),
		zap.Int("dimension", index.Dimension()),
		zap.String("metric", string(index.Metric())))
	return engine, nil
}

func newStoreFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, func(context.Context) error, error) {
	switch StoreBackend(cfg.Store.Backend) {
	case StoreMemory, "":
		return NewMemoryStore(), nil, nil

	case StoreDatabase:
		pool, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		store, err := NewGormChunkStore(ctx, pool, logger)
		if err != nil {
			_ = pool.Close()
			return nil, nil, fmt.Errorf("create chunk store: %w", err)
		}
		return store, func(context.Context) error { return pool.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}
}

func newIndexFromConfig(c config.IndexConfig, loadExisting bool, logger *zap.Logger) (*HybridIndex, error) {
	ic := mapIndexConfig(c)
	index, err := NewHybridIndex(ic, logger)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	if loadExisting && indexFileExists(c.Path) {
		if err := index.Load(c.Path); err != nil {
			return nil, fmt.Errorf("load index: %w", err)
		}
	}
	return index, nil
}

func newGraphStoreFromConfig(ctx context.Context, c config.GraphConfig, logger *zap.Logger) (GraphStore, error) {
	switch GraphBackend(c.Store) {
	case GraphNone, "":
		return nil, nil
	case GraphFile:
		return NewFileGraphStore(c.Path, logger)
	case GraphMongo:
		var opts []MongoOption
		if c.MongoTLS {
			opts = append(opts, WithMongoTLS())
		}
		return NewMongoGraphStore(ctx, c.MongoURI, c.MongoDatabase, logger, opts...)
	default:
		return nil, fmt.Errorf("unsupported graph store: %s", c.Store)
	}
}

// --- 内部配置映射函数 ---

func mapCollaborators(cfg *config.Config, deps Dependencies) Collaborators {
	collab := Collaborators{
		Decomposer:  deps.Decomposer,
		Summarizer:  deps.Summarizer,
		Synthesizer: deps.Synthesizer,
		Extractor:   deps.Extractor,
	}
	if deps.Completer != nil {
		if collab.Decomposer == nil {
			collab.Decomposer = &LLMDecomposer{Completer: deps.Completer, MaxSubQueries: cfg.DeepQuery.MaxSubQueries}
		}
		if collab.Summarizer == nil {
			collab.Summarizer = &LLMSummarizer{Completer: deps.Completer}
		}
		if collab.Synthesizer == nil {
			collab.Synthesizer = &LLMSynthesizer{Completer: deps.Completer}
		}
		if collab.Extractor == nil {
			collab.Extractor = &LLMExtractor{Completer: deps.Completer}
		}
	}
	if collab.Extractor == nil {
		collab.Extractor = PatternExtractor{}
	}
	return collab
}

func mapIndexConfig(c config.IndexConfig) IndexConfig {
	h := DefaultHNSWConfig()
	h.M = c.M
	h.EfConstruction = c.EfConstruction
	h.EfSearch = c.EfSearch
	h.BruteForceThreshold = c.BruteForceThreshold
	h.Seed = c.Seed
	return IndexConfig{
		Dimension: c.Dimension,
		Metric:    Metric(c.Metric),
		HNSW:      h,
	}
}

func mapEngineConfig(cfg *config.Config) EngineConfig {
	indexPath := cfg.Index.Path
	if StoreBackend(cfg.Store.Backend) == StoreMemory {
		indexPath = ""
	}
	return EngineConfig{
		Chunking: ChunkingConfig{
			ChunkSize:     cfg.Chunking.ChunkSize,
			Overlap:       cfg.Chunking.Overlap,
			Lowercase:     cfg.Chunking.Lowercase,
			ReplaceURLs:   cfg.Chunking.ReplaceURLs,
			StripNonASCII: cfg.Chunking.StripNonASCII,
		},
		Retrieval: RetrieverConfig{
			DefaultTopK: cfg.Retrieval.DefaultTopK,
			MaxTopK:     cfg.Retrieval.MaxTopK,
		},
		DeepQuery: DeepQueryConfig{
			MaxSubQueries:      cfg.DeepQuery.MaxSubQueries,
			MaxConcurrency:     cfg.DeepQuery.MaxConcurrency,
			ContextTokenBudget: cfg.DeepQuery.ContextTokenBudget,
			Timeout:            cfg.DeepQuery.Timeout,
			GraphArtifactDir:   cfg.DeepQuery.GraphArtifactDir,
		},
		IngestConcurrency:   cfg.DeepQuery.MaxConcurrency,
		GraphConcurrency:    cfg.Graph.ExtractConcurrency,
		CompactInterval:     cfg.Index.CompactInterval,
		CompactDeletedRatio: cfg.Index.CompactDeletedRatio,
		IndexPath:           indexPath,
	}
}
