package rag

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/BaSui01/deeprag/internal/cache"
	"github.com/BaSui01/deeprag/internal/metrics"
	"go.uber.org/zap"
)

// Embedder 外部 embedding 协作者，视为纯函数 text -> vector。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc 函数适配器
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// =============================================================================
// 🔢 HashingEmbedder
// =============================================================================

// HashingEmbedder 特征哈希词袋向量，L2 归一化。离线运行与测试使用。
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder 创建哈希 embedder
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashingEmbedder{dim: dim}
}

// Dimension 返回向量维度
func (h *HashingEmbedder) Dimension() int { return h.dim }

func (h *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, h.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New64a()
		_, _ = f.Write([]byte(w))
		sum := f.Sum64()
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[sum%uint64(h.dim)] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// =============================================================================
// 💾 CachedEmbedder
// =============================================================================

// CachedEmbedder 以 Redis 缓存 embedding 结果，键为 文本 SHA-256。
// 缓存读写失败只记录日志，不影响结果。
type CachedEmbedder struct {
	inner     Embedder
	cache     *cache.Manager
	namespace string
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewCachedEmbedder 创建带缓存的 embedder。namespace 用于区分模型，
// 换模型后旧向量不会被误用。
func NewCachedEmbedder(inner Embedder, c *cache.Manager, namespace string, m *metrics.Collector, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if namespace == "" {
		namespace = "default"
	}
	return &CachedEmbedder{
		inner:     inner,
		cache:     c,
		namespace: namespace,
		metrics:   m,
		logger:    logger.With(zap.String("component", "embedding_cache")),
	}
}

func (e *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + e.namespace + ":" + hex.EncodeToString(sum[:])
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.key(text)
	logger := ctxLogger(ctx, e.logger)
	raw, err := e.cache.GetBytes(ctx, key)
	switch {
	case err == nil:
		vec, decErr := decodeVector(raw)
		if decErr == nil {
			e.metrics.RecordCacheHit("embedding")
			return vec, nil
		}
		logger.Warn("discarding undecodable cached embedding", zap.Error(decErr))
	case cache.IsCacheMiss(err):
	default:
		logger.Warn("embedding cache read failed", zap.Error(err))
	}
	e.metrics.RecordCacheMiss("embedding")

	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := e.cache.SetBytes(ctx, key, encodeVector(vec), 0); err != nil {
		logger.Warn("embedding cache write failed", zap.Error(err))
	}
	return vec, nil
}

// CacheStats 返回底层 Redis 的命中与内存统计
func (e *CachedEmbedder) CacheStats(ctx context.Context) (*cache.Stats, error) {
	return e.cache.GetStats(ctx)
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector payload length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}
