package rag

import (
	"context"
	"fmt"
	"testing"

	"github.com/BaSui01/deeprag/testutil"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 索引与检索性能基准测试
// =============================================================================

// BenchmarkHybridIndex_Search 图 + 覆盖层检索
func BenchmarkHybridIndex_Search(b *testing.B) {
	for _, n := range []int{1000, 10000} {
		b.Run(fmt.Sprintf("n=%d", n), func(b *testing.B) {
			idx := setupBenchmarkIndex(b, n, 64)
			queries := testutil.RandomVectors(7, 64, 64)
			h := testutil.NewBenchmarkHelper(b)
			h.ReportAllocs()
			h.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := idx.Search(queries[i%len(queries)], 10); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkHybridIndex_Search_Parallel 并发检索
func BenchmarkHybridIndex_Search_Parallel(b *testing.B) {
	idx := setupBenchmarkIndex(b, 5000, 64)
	query := testutil.RandomVectors(7, 1, 64)[0]
	h := testutil.NewBenchmarkHelper(b)
	h.ResetTimer()
	h.RunParallel(func() {
		if _, err := idx.Search(query, 10); err != nil {
			b.Error(err)
		}
	})
}

// BenchmarkHybridIndex_TopKVariation 不同 TopK 的性能
func BenchmarkHybridIndex_TopKVariation(b *testing.B) {
	idx := setupBenchmarkIndex(b, 5000, 64)
	query := testutil.RandomVectors(11, 1, 64)[0]
	for _, k := range []int{1, 10, 50} {
		b.Run(fmt.Sprintf("k=%d", k), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := idx.Search(query, k); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkHybridIndex_Compact 压缩重建
func BenchmarkHybridIndex_Compact(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		idx := setupBenchmarkIndex(b, 2000, 32)
		b.StartTimer()
		if _, err := idx.Compact(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// setupBenchmarkIndex 创建全部位于覆盖层的基准索引
func setupBenchmarkIndex(b *testing.B, n, dim int) *HybridIndex {
	b.Helper()
	idx, err := NewHybridIndex(IndexConfig{Dimension: dim, Metric: MetricCosine, HNSW: DefaultHNSWConfig()}, zap.NewNop())
	if err != nil {
		b.Fatal(err)
	}
	vectors := testutil.RandomVectors(42, n, dim)
	entries := make([]VectorEntry, n)
	for i, v := range vectors {
		entries[i] = VectorEntry{EmbeddingID: fmt.Sprintf("emb-%d", i), Vector: v, ChunkID: int64(i + 1)}
	}
	if err := idx.Add(entries); err != nil {
		b.Fatal(err)
	}
	return idx
}
