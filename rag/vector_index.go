package rag

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/deeprag/types"
	"go.uber.org/zap"
)

// VectorIndex 混合向量索引接口：HNSW 图 + 扁平覆盖层。
type VectorIndex interface {
	// Add 批量插入，全部成功或全部失败
	Add(entries []VectorEntry) error

	// Search 返回最多 k 个近邻，按分数降序，分数相同时 chunk_id 小者在前
	Search(query []float32, k int) ([]SearchHit, error)

	// SoftDelete 逻辑删除，不回收存储
	SoftDelete(chunkIDs []int64) int

	// Compact 重建图索引并清空覆盖层与墓碑
	Compact(ctx context.Context) (CompactResult, error)

	// Save / Load 二进制持久化
	Save(path string) error
	Load(path string) error

	Stats() IndexStats
}

// IndexConfig 索引配置
type IndexConfig struct {
	Dimension int        `json:"dimension"`
	Metric    Metric     `json:"metric"`
	HNSW      HNSWConfig `json:"hnsw"`
}

// IndexStats 索引统计
type IndexStats struct {
	Dimension   int    `json:"dimension"`
	Metric      Metric `json:"metric"`
	GraphSize   int    `json:"graph_size"`
	OverlaySize int    `json:"overlay_size"`
	Deleted     int    `json:"deleted"`
	Live        int    `json:"live"`
}

// DeletedRatio 软删除条目占比
func (s IndexStats) DeletedRatio() float64 {
	total := s.GraphSize + s.OverlaySize
	if total == 0 {
		return 0
	}
	return float64(s.Deleted) / float64(total)
}

// CompactResult 压缩结果
type CompactResult struct {
	Removed   int           `json:"removed"`
	GraphSize int           `json:"graph_size"`
	Duration  time.Duration `json:"duration"`
}

// HybridIndex VectorIndex 实现。
//
// 插入总是进入覆盖层；图在两次压缩之间只读。读者在锁内只复制三个引用
// （图、覆盖层切片头、墓碑集合），随后在锁外计算，因此 Add 与 Search
// 互不阻塞，读者看到的是调用时刻的一致快照。墓碑集合写时复制。
type HybridIndex struct {
	dim    int
	metric Metric
	config HNSWConfig

	mu          sync.RWMutex
	graph       *hnswGraph
	overlay     []VectorEntry
	deleted     map[int64]struct{}
	embeddings  map[string]int64 // embedding_id -> chunk_id，含未压缩的已删除条目
	chunks      map[int64]struct{}
	compactLock sync.Mutex

	logger *zap.Logger
}

// NewHybridIndex 创建混合索引
func NewHybridIndex(config IndexConfig, logger *zap.Logger) (*HybridIndex, error) {
	if config.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidRequest, config.Dimension)
	}
	metric, err := ParseMetric(string(config.Metric))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := config.HNSW.withDefaults()
	return &HybridIndex{
		dim:        config.Dimension,
		metric:     metric,
		config:     hc,
		graph:      emptyGraph(hc, metric),
		deleted:    map[int64]struct{}{},
		embeddings: map[string]int64{},
		chunks:     map[int64]struct{}{},
		logger:     logger.With(zap.String("component", "vector_index")),
	}, nil
}

// Dimension 返回向量维度
func (idx *HybridIndex) Dimension() int { return idx.dim }

// Metric 返回距离度量
func (idx *HybridIndex) Metric() Metric { return idx.metric }

// Add 插入条目。维度不符或 embedding_id 重复时整个批次被拒绝，索引不变。
func (idx *HybridIndex) Add(entries []VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// 复制向量，调用方之后修改切片不影响索引
	batch := make([]VectorEntry, len(entries))
	seenEmb := make(map[string]struct{}, len(entries))
	seenChunk := make(map[int64]struct{}, len(entries))
	for i, e := range entries {
		if len(e.Vector) != idx.dim {
			return types.Errorf(types.ErrDimensionMismatch,
				"entry %q: expected dimension %d, got %d", e.EmbeddingID, idx.dim, len(e.Vector))
		}
		if e.EmbeddingID == "" {
			return fmt.Errorf("%w: entry for chunk %d has empty embedding id", ErrInvalidRequest, e.ChunkID)
		}
		if _, ok := seenEmb[e.EmbeddingID]; ok {
			return types.Errorf(types.ErrDuplicateEmbedding, "embedding %q repeated in batch", e.EmbeddingID)
		}
		if _, ok := seenChunk[e.ChunkID]; ok {
			return fmt.Errorf("%w: chunk %d repeated in batch", ErrInvalidRequest, e.ChunkID)
		}
		seenEmb[e.EmbeddingID] = struct{}{}
		seenChunk[e.ChunkID] = struct{}{}
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		batch[i] = VectorEntry{EmbeddingID: e.EmbeddingID, Vector: vec, ChunkID: e.ChunkID}
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range batch {
		if _, ok := idx.embeddings[e.EmbeddingID]; ok {
			return types.Errorf(types.ErrDuplicateEmbedding, "embedding %q already indexed", e.EmbeddingID)
		}
		if _, ok := idx.chunks[e.ChunkID]; ok {
			return fmt.Errorf("%w: chunk %d already indexed", ErrInvalidRequest, e.ChunkID)
		}
	}
	for _, e := range batch {
		idx.embeddings[e.EmbeddingID] = e.ChunkID
		idx.chunks[e.ChunkID] = struct{}{}
	}
	idx.overlay = append(idx.overlay, batch...)
	return nil
}

type indexView struct {
	graph   *hnswGraph
	overlay []VectorEntry
	deleted map[int64]struct{}
}

func (idx *HybridIndex) view() indexView {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return indexView{graph: idx.graph, overlay: idx.overlay, deleted: idx.deleted}
}

// Search 同时查询图与覆盖层，按 chunk_id 去重后取 top-k。已软删除的条目在检索后过滤。
func (idx *HybridIndex) Search(query []float32, k int) ([]SearchHit, error) {
	if len(query) != idx.dim {
		return nil, types.Errorf(types.ErrDimensionMismatch,
			"query: expected dimension %d, got %d", idx.dim, len(query))
	}
	if k <= 0 {
		return []SearchHit{}, nil
	}
	v := idx.view()

	best := make(map[int64]float64, k*2)
	collect := func(chunkID int64, dist float64) {
		if _, gone := v.deleted[chunkID]; gone {
			return
		}
		s := idx.metric.score(dist)
		if prev, ok := best[chunkID]; !ok || s > prev {
			best[chunkID] = s
		}
	}

	if v.graph.size() > 0 {
		// 墓碑仍在图中参与导航，扩大候选集以补偿过滤
		ef := max(v.graph.config.EfSearch, k) + len(v.deleted)
		for _, c := range v.graph.search(query, ef) {
			collect(c.chunkID, c.dist)
		}
	}
	for i := range v.overlay {
		e := &v.overlay[i]
		collect(e.ChunkID, idx.metric.distance(query, e.Vector))
	}

	hits := make([]SearchHit, 0, len(best))
	for id, s := range best {
		hits = append(hits, SearchHit{ChunkID: id, Score: s})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func sortHits(hits []SearchHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}

// SoftDelete 为索引中存在的 chunk 写入墓碑，返回新标记数量。
func (idx *HybridIndex) SoftDelete(chunkIDs []int64) int {
	if len(chunkIDs) == 0 {
		return 0
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	next := make(map[int64]struct{}, len(idx.deleted)+len(chunkIDs))
	for id := range idx.deleted {
		next[id] = struct{}{}
	}
	marked := 0
	for _, id := range chunkIDs {
		if _, ok := idx.chunks[id]; !ok {
			continue
		}
		if _, ok := next[id]; ok {
			continue
		}
		next[id] = struct{}{}
		marked++
	}
	idx.deleted = next
	return marked
}

// IsDeleted 返回 chunk 是否已被软删除
func (idx *HybridIndex) IsDeleted(chunkID int64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.deleted[chunkID]
	return ok
}

// Contains 返回 embedding_id 是否仍物理存在于索引
func (idx *HybridIndex) Contains(embeddingID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.embeddings[embeddingID]
	return ok
}

// Compact 在锁外用快照构建新图，然后在瞬间的写锁内交换。
// 构建期间新增的条目保留在新覆盖层，新增的墓碑保留在新墓碑集合。
func (idx *HybridIndex) Compact(ctx context.Context) (CompactResult, error) {
	idx.compactLock.Lock()
	defer idx.compactLock.Unlock()

	start := time.Now()
	snap := idx.view()
	live := liveEntries(snap)

	if err := ctx.Err(); err != nil {
		return CompactResult{}, err
	}
	graph := buildGraph(live, idx.config, idx.metric)
	if err := ctx.Err(); err != nil {
		return CompactResult{}, err
	}

	idx.mu.Lock()
	removed := 0
	for id := range snap.deleted {
		removed++
		delete(idx.chunks, id)
	}
	for emb, id := range idx.embeddings {
		if _, gone := snap.deleted[id]; gone {
			delete(idx.embeddings, emb)
		}
	}
	tail := idx.overlay[len(snap.overlay):]
	idx.overlay = append([]VectorEntry(nil), tail...)
	next := make(map[int64]struct{})
	for id := range idx.deleted {
		if _, done := snap.deleted[id]; !done {
			next[id] = struct{}{}
		}
	}
	idx.deleted = next
	idx.graph = graph
	idx.mu.Unlock()

	res := CompactResult{Removed: removed, GraphSize: graph.size(), Duration: time.Since(start)}
	idx.logger.Info("index compacted",
		zap.Int("removed", res.Removed),
		zap.Int("graph_size", res.GraphSize),
		zap.Duration("duration", res.Duration))
	return res, nil
}

func liveEntries(v indexView) []VectorEntry {
	out := make([]VectorEntry, 0, v.graph.size()+len(v.overlay))
	if v.graph != nil {
		for _, e := range v.graph.entries {
			if _, gone := v.deleted[e.ChunkID]; !gone {
				out = append(out, e)
			}
		}
	}
	for _, e := range v.overlay {
		if _, gone := v.deleted[e.ChunkID]; !gone {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}

// LiveEntries 返回所有未删除条目（按 chunk_id 升序）
func (idx *HybridIndex) LiveEntries() []VectorEntry {
	return liveEntries(idx.view())
}

// EmbeddingIDs 返回物理存在的 embedding_id -> chunk_id 映射副本
func (idx *HybridIndex) EmbeddingIDs() map[string]int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]int64, len(idx.embeddings))
	for k, v := range idx.embeddings {
		out[k] = v
	}
	return out
}

// Stats 返回索引统计
func (idx *HybridIndex) Stats() IndexStats {
	v := idx.view()
	total := v.graph.size() + len(v.overlay)
	return IndexStats{
		Dimension:   idx.dim,
		Metric:      idx.metric,
		GraphSize:   v.graph.size(),
		OverlaySize: len(v.overlay),
		Deleted:     len(v.deleted),
		Live:        total - len(v.deleted),
	}
}
