package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BaSui01/deeprag/internal/cache"
	"github.com/BaSui01/deeprag/internal/database"
	"github.com/BaSui01/deeprag/internal/metrics"
	"github.com/BaSui01/deeprag/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// =============================================================================
// 🚀 Engine 检索核心门面
// =============================================================================

// EngineConfig 门面配置
type EngineConfig struct {
	Chunking            ChunkingConfig  `json:"chunking"`
	Retrieval           RetrieverConfig `json:"retrieval"`
	DeepQuery           DeepQueryConfig `json:"deep_query"`
	IngestConcurrency   int             `json:"ingest_concurrency"`
	GraphConcurrency    int             `json:"graph_concurrency"`
	CompactInterval     time.Duration   `json:"compact_interval"`
	CompactDeletedRatio float64         `json:"compact_deleted_ratio"`
	// IndexPath 非空时 Close 会保存索引
	IndexPath string `json:"index_path"`
}

// DefaultEngineConfig 默认门面配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Chunking:            DefaultChunkingConfig(),
		Retrieval:           DefaultRetrieverConfig(),
		DeepQuery:           DefaultDeepQueryConfig(),
		IngestConcurrency:   4,
		GraphConcurrency:    4,
		CompactInterval:     5 * time.Minute,
		CompactDeletedRatio: 0.2,
	}
}

// Collaborators 外部协作者。Extractor 为空时不支持图谱相关操作。
type Collaborators struct {
	Embedder    Embedder
	Decomposer  Decomposer
	Summarizer  Summarizer
	Synthesizer Synthesizer
	Extractor   Extractor
	// Limiter 非空时包装除 Embedder 以外的全部协作者
	Limiter *CollaboratorLimiter
}

func (c Collaborators) withDefaults(dim int) Collaborators {
	if c.Embedder == nil {
		c.Embedder = NewHashingEmbedder(dim)
	}
	if c.Decomposer == nil {
		c.Decomposer = LineDecomposer{}
	}
	if c.Summarizer == nil {
		c.Summarizer = &ExtractiveSummarizer{}
	}
	if c.Synthesizer == nil {
		c.Synthesizer = ConcatSynthesizer{}
	}
	if c.Limiter != nil {
		c.Decomposer = c.Limiter.Decomposer(c.Decomposer)
		c.Summarizer = c.Limiter.Summarizer(c.Summarizer)
		c.Synthesizer = c.Limiter.Synthesizer(c.Synthesizer)
		c.Extractor = c.Limiter.Extractor(c.Extractor)
	}
	return c
}

// EngineOption Engine 可选项
type EngineOption func(*Engine)

// WithEngineMetrics 设置指标收集器
func WithEngineMetrics(m *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineTrace 设置追溯日志；未设置时使用仅内存日志
func WithEngineTrace(t *ChunkTrace) EngineOption {
	return func(e *Engine) { e.trace = t }
}

// WithGraphStore 设置语料图谱存储
func WithGraphStore(s GraphStore) EngineOption {
	return func(e *Engine) { e.graphStore = s }
}

// WithTokenizer 设置分词器
func WithTokenizer(t Tokenizer) EngineOption {
	return func(e *Engine) { e.tokenizer = t }
}

// WithEmbeddingCache 注册 embedding 缓存，Stats 会附带其统计
func WithEmbeddingCache(c *CachedEmbedder) EngineOption {
	return func(e *Engine) { e.embedCache = c }
}

// WithCloser 注册 Close 时释放的资源，按注册的逆序调用
func WithCloser(fn func(context.Context) error) EngineOption {
	return func(e *Engine) { e.closers = append(e.closers, fn) }
}

// Engine 组合索引、存储、摄取、检索、深度查询与图谱构建
type Engine struct {
	config    EngineConfig
	index     *HybridIndex
	store     Store
	trace     *ChunkTrace
	tokenizer Tokenizer

	ingestor  *Ingestor
	retriever *Retriever
	agent     *DeepQueryAgent
	builder   *KnowledgeGraphBuilder

	graphStore GraphStore
	graphMu    sync.Mutex
	embedCache *CachedEmbedder

	metrics *metrics.Collector
	logger  *zap.Logger
	closers []func(context.Context) error

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewEngine 组装门面
func NewEngine(config EngineConfig, index *HybridIndex, store Store, collab Collaborators, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if index == nil || store == nil {
		return nil, fmt.Errorf("%w: index and store are required", ErrInvalidRequest)
	}
	if config.Chunking.ChunkSize <= 0 || config.Chunking.Overlap < 0 || config.Chunking.Overlap >= config.Chunking.ChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d with overlap %d", ErrInvalidRequest, config.Chunking.ChunkSize, config.Chunking.Overlap)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		config: config,
		index:  index,
		store:  store,
		logger: logger.With(zap.String("component", "engine")),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tokenizer == nil {
		e.tokenizer = NewEstimateTokenizer()
	}
	if e.trace == nil {
		t, err := OpenChunkTrace("", logger)
		if err != nil {
			return nil, err
		}
		e.trace = t
	}

	collab = collab.withDefaults(index.Dimension())
	chunker := NewChunker(config.Chunking, e.tokenizer, logger)
	e.ingestor = NewIngestor(chunker, collab.Embedder, store, index, logger,
		WithChunkTrace(e.trace),
		WithIngestMetrics(e.metrics),
		WithEmbedConcurrency(config.IngestConcurrency))
	e.retriever = NewRetriever(config.Retrieval, collab.Embedder, index, store, e.metrics, logger)

	agentOpts := []DeepQueryAgentOption{
		WithContextTokenizer(e.tokenizer),
		WithDeepQueryMetrics(e.metrics),
	}
	if collab.Extractor != nil {
		e.builder = NewKnowledgeGraphBuilder(collab.Extractor, config.GraphConcurrency, e.metrics, logger)
		agentOpts = append(agentOpts, WithGraphBuilder(e.builder))
	}
	e.agent = NewDeepQueryAgent(config.DeepQuery, e.retriever, collab.Decomposer, collab.Summarizer, collab.Synthesizer, logger, agentOpts...)
	return e, nil
}

// Ingest 摄取文档，返回文档状态
func (e *Engine) Ingest(ctx context.Context, documentID, filename, text string) (*IngestResult, error) {
	return e.ingestor.Ingest(ctx, documentID, filename, text)
}

// IngestBatch 批量摄取
func (e *Engine) IngestBatch(ctx context.Context, reqs []IngestRequest) ([]*IngestResult, []error) {
	return e.ingestor.IngestBatch(ctx, reqs, e.config.IngestConcurrency)
}

// Delete 删除文档，删除后立即不可检索，无需等待压缩
func (e *Engine) Delete(ctx context.Context, documentID string) error {
	_, err := e.ingestor.Delete(ctx, documentID)
	return err
}

// Retrieve 简单检索
func (e *Engine) Retrieve(ctx context.Context, query string, topK int) ([]Passage, error) {
	return e.retriever.Retrieve(ctx, query, topK)
}

// DeepQuery 深度查询
func (e *Engine) DeepQuery(ctx context.Context, query string, topK int, createGraph bool) (*DeepQueryResult, error) {
	return e.agent.Run(ctx, DeepQueryRequest{Query: query, TopK: topK, CreateGraph: createGraph})
}

// GetDocument 查询文档状态
func (e *Engine) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	return e.store.GetDocument(ctx, documentID)
}

// ListDocuments 列出全部文档
func (e *Engine) ListDocuments(ctx context.Context) ([]Document, error) {
	return e.store.ListDocuments(ctx)
}

// Provenance 返回分块来源
func (e *Engine) Provenance(chunkID int64) (Provenance, bool) {
	return e.trace.Provenance(chunkID)
}

// =============================================================================
// 🗜️ 压缩与持久化
// =============================================================================

// reconcile 为存储中已删除但索引仍存活的分块补打墓碑
func (e *Engine) reconcile(ctx context.Context) (int, error) {
	live, err := e.store.AllLiveChunkIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live chunks: %w", err)
	}
	var stale []int64
	for _, chunkID := range e.index.EmbeddingIDs() {
		if _, ok := live[chunkID]; !ok && !e.index.IsDeleted(chunkID) {
			stale = append(stale, chunkID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n := e.index.SoftDelete(stale)
	e.logger.Info("reconciled index with chunk store", zap.Int("tombstoned", n))
	return n, nil
}

// Compact 先与存储对账再重建索引
func (e *Engine) Compact(ctx context.Context) (res CompactResult, err error) {
	ctx, span := telemetry.Start(ctx, telemetry.SpanCompact)
	defer func() { telemetry.End(span, err) }()

	if _, err = e.reconcile(ctx); err != nil {
		return CompactResult{}, err
	}
	res, err = e.index.Compact(ctx)
	if err != nil {
		return CompactResult{}, err
	}
	span.SetAttributes(
		attribute.Int("compact.removed", res.Removed),
		attribute.Int("compact.graph_size", res.GraphSize))
	e.metrics.RecordCompaction(res.Duration)
	e.recordIndexSize()
	return res, nil
}

func (e *Engine) recordIndexSize() {
	s := e.index.Stats()
	e.metrics.RecordIndexSize(s.GraphSize, s.OverlaySize, s.Deleted)
}

// Start 启动后台压缩：软删除比例达到阈值时压缩
func (e *Engine) Start(ctx context.Context) {
	if e.config.CompactInterval <= 0 {
		return
	}
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.compactLoop(ctx)
		e.logger.Info("background compaction started",
			zap.Duration("interval", e.config.CompactInterval),
			zap.Float64("deleted_ratio", e.config.CompactDeletedRatio))
	})
}

func (e *Engine) compactLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.CompactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.maybeCompact(ctx)
		}
	}
}

func (e *Engine) maybeCompact(ctx context.Context) bool {
	stats := e.index.Stats()
	e.metrics.RecordIndexSize(stats.GraphSize, stats.OverlaySize, stats.Deleted)
	if stats.Deleted == 0 || stats.DeletedRatio() < e.config.CompactDeletedRatio {
		return false
	}
	res, err := e.Compact(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Error("background compaction failed", zap.Error(err))
		}
		return false
	}
	e.logger.Info("background compaction finished",
		zap.Int("removed", res.Removed),
		zap.Duration("duration", res.Duration))
	return true
}

// Save 保存索引
func (e *Engine) Save(path string) error {
	return e.index.Save(path)
}

// Load 加载索引；失败时内存索引不变
func (e *Engine) Load(path string) error {
	if err := e.index.Load(path); err != nil {
		return err
	}
	e.recordIndexSize()
	return nil
}

// EngineStats 门面统计。Cache 与 Database 仅在对应后端启用时填充。
type EngineStats struct {
	Index        IndexStats          `json:"index"`
	Documents    int                 `json:"documents"`
	TraceEntries int                 `json:"trace_entries"`
	TraceIssues  int                 `json:"trace_issues"`
	Cache        *cache.Stats        `json:"cache,omitempty"`
	Database     *database.PoolStats `json:"database,omitempty"`
}

// poolStatsSource 由持有数据库连接池的 Store 实现
type poolStatsSource interface {
	PoolStats() database.PoolStats
}

// Stats 返回索引、文档与追溯日志统计
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return EngineStats{}, fmt.Errorf("list documents: %w", err)
	}
	live := 0
	for _, d := range docs {
		if d.Status != StatusDeleted {
			live++
		}
	}
	stats := EngineStats{
		Index:        e.index.Stats(),
		Documents:    live,
		TraceEntries: e.trace.Len(),
		TraceIssues:  len(e.trace.Verify(e.index)),
	}
	if src, ok := e.store.(poolStatsSource); ok {
		ps := src.PoolStats()
		stats.Database = &ps
	}
	if e.embedCache != nil {
		// 缓存不可用不影响其余统计
		cs, err := e.embedCache.CacheStats(ctx)
		if err != nil {
			e.logger.Warn("embedding cache stats unavailable", zap.Error(err))
		} else {
			stats.Cache = cs
		}
	}
	return stats, nil
}

// VerifyTrace 检查索引与追溯日志的一致性
func (e *Engine) VerifyTrace() []TraceIssue {
	return e.trace.Verify(e.index)
}

// =============================================================================
// 🕸️ 语料图谱
// =============================================================================

// GraphUpdateReport 语料图谱增量更新结果
type GraphUpdateReport struct {
	Chunks    int `json:"chunks"`
	Failed    int `json:"failed"`
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
}

// UpdateCorpusGraph 只抽取尚未抽取过的存活分块并合并进持久化图谱。
// 抽取失败的分块不标记，下次更新时重试。
func (e *Engine) UpdateCorpusGraph(ctx context.Context, limit int) (GraphUpdateReport, error) {
	if e.builder == nil || e.graphStore == nil {
		return GraphUpdateReport{}, fmt.Errorf("%w: corpus graph is not configured", ErrInvalidRequest)
	}
	e.graphMu.Lock()
	defer e.graphMu.Unlock()

	ctx, span := telemetry.Start(ctx, telemetry.SpanUpdateGraph, attribute.Int("graph.limit", limit))
	var err error
	defer func() { telemetry.End(span, err) }()

	var pending []Chunk
	pending, err = e.store.PendingGraphChunks(ctx, limit)
	if err != nil {
		return GraphUpdateReport{}, fmt.Errorf("list pending chunks: %w", err)
	}
	var graph *KnowledgeGraph
	graph, err = e.graphStore.Load(ctx)
	if err != nil {
		return GraphUpdateReport{}, fmt.Errorf("load corpus graph: %w", err)
	}
	if len(pending) == 0 {
		return GraphUpdateReport{Entities: graph.NumEntities(), Relations: graph.NumRelations()}, nil
	}

	texts := make([]string, len(pending))
	for i, c := range pending {
		texts[i] = c.Text
	}
	var built *KnowledgeGraph
	var report BuildReport
	built, report, err = e.builder.Build(ctx, texts)
	if err != nil {
		return GraphUpdateReport{}, err
	}
	graph.MergeGraph(built)
	if err = e.graphStore.Save(ctx, graph); err != nil {
		return GraphUpdateReport{}, fmt.Errorf("save corpus graph: %w", err)
	}

	done := make([]int64, len(report.Succeeded))
	for i, idx := range report.Succeeded {
		done[i] = pending[idx].ChunkID
	}
	if err = e.store.MarkGraphExtracted(ctx, done); err != nil {
		return GraphUpdateReport{}, fmt.Errorf("mark chunks extracted: %w", err)
	}

	out := GraphUpdateReport{
		Chunks:    report.Chunks,
		Failed:    report.Failed,
		Entities:  graph.NumEntities(),
		Relations: graph.NumRelations(),
	}
	e.logger.Info("corpus graph updated",
		zap.Int("chunks", out.Chunks),
		zap.Int("failed", out.Failed),
		zap.Int("entities", out.Entities),
		zap.Int("relations", out.Relations))
	return out, nil
}

// CorpusGraph 返回持久化的语料图谱
func (e *Engine) CorpusGraph(ctx context.Context) (*KnowledgeGraph, error) {
	if e.graphStore == nil {
		return nil, fmt.Errorf("%w: corpus graph is not configured", ErrInvalidRequest)
	}
	return e.graphStore.Load(ctx)
}

// Close 停止后台任务，按配置保存索引，然后释放资源
func (e *Engine) Close(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()

	var errs []error
	if e.config.IndexPath != "" {
		if err := e.index.Save(e.config.IndexPath); err != nil {
			errs = append(errs, fmt.Errorf("save index: %w", err))
		}
	}
	if err := e.trace.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chunk trace: %w", err))
	}
	if e.graphStore != nil {
		if err := e.graphStore.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close graph store: %w", err))
		}
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// indexFileExists 判断索引文件是否存在
func indexFileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
