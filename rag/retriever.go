package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/deeprag/internal/ctxkeys"
	"github.com/BaSui01/deeprag/internal/metrics"
	"github.com/BaSui01/deeprag/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// =============================================================================
// 🔍 检索管线
// =============================================================================

// indexSearcher 检索需要的索引读操作
type indexSearcher interface {
	Search(query []float32, k int) ([]SearchHit, error)
}

// RetrieverConfig 检索配置
type RetrieverConfig struct {
	DefaultTopK int `json:"default_top_k"`
	MaxTopK     int `json:"max_top_k"`
}

// DefaultRetrieverConfig 默认检索配置
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{DefaultTopK: 5, MaxTopK: 50}
}

// Retriever 向量化查询 → 索引检索 → 解析分块
type Retriever struct {
	config   RetrieverConfig
	embedder Embedder
	index    indexSearcher
	chunks   ChunkStore
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewRetriever 创建检索管线
func NewRetriever(config RetrieverConfig, embedder Embedder, index indexSearcher, chunks ChunkStore, m *metrics.Collector, logger *zap.Logger) *Retriever {
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = 5
	}
	if config.MaxTopK < config.DefaultTopK {
		config.MaxTopK = config.DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{
		config:   config,
		embedder: embedder,
		index:    index,
		chunks:   chunks,
		metrics:  m,
		logger:   logger.With(zap.String("component", "retriever")),
	}
}

// Retrieve 返回按分数排序的段落。存活分块不足 topK 时返回更少；
// 索引为空或没有存活条目时返回空切片而不是错误。
// 无法解析的 chunk_id（删除与压缩之间的竞态）记录日志后跳过。
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) (passages []Passage, err error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidRequest)
	}
	topK = r.clampTopK(topK)

	ctx, span := telemetry.Start(ctx, telemetry.SpanRetrieve, attribute.Int("retrieve.top_k", topK))
	if id, ok := ctxkeys.RequestID(ctx); ok {
		span.SetAttributes(attribute.String("request.id", id))
	}
	logger := ctxLogger(ctx, r.logger)
	start := time.Now()
	defer func() {
		telemetry.End(span, err)
		status := "ok"
		switch {
		case err != nil:
			status = "error"
		case len(passages) == 0:
			status = "empty"
		}
		r.metrics.RecordRetrieve(status, time.Since(start))
	}()

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, upstreamError("embed query", err)
	}
	hits, err := r.index.Search(vec, topK)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	passages = make([]Passage, 0, len(hits))
	for _, hit := range hits {
		chunk, err := r.chunks.Get(ctx, hit.ChunkID)
		switch {
		case err == nil && chunk.Live():
		case err == nil || errors.Is(err, ErrNotFound):
			logger.Warn("dangling chunk reference",
				zap.Int64("chunk_id", hit.ChunkID),
				zap.Error(ErrDanglingChunk))
			r.metrics.RecordDanglingChunk()
			continue
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("resolve chunk %d: %w", hit.ChunkID, err)
		}
		passages = append(passages, Passage{
			ChunkID:     chunk.ChunkID,
			DocumentID:  chunk.DocumentID,
			Text:        chunk.Text,
			Score:       hit.Score,
			StartOffset: chunk.StartOffset,
			EndOffset:   chunk.EndOffset,
		})
	}
	span.SetAttributes(attribute.Int("retrieve.results", len(passages)))
	logger.Debug("retrieved passages",
		zap.Int("hits", len(hits)),
		zap.Int("passages", len(passages)))
	return passages, nil
}

func (r *Retriever) clampTopK(k int) int {
	if k <= 0 {
		return r.config.DefaultTopK
	}
	if k > r.config.MaxTopK {
		return r.config.MaxTopK
	}
	return k
}
