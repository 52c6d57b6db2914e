// Package fixtures 提供测试样例语料。
package fixtures

// Document 样例文档
type Document struct {
	ID       string
	Filename string
	Text     string
}

// Corpus 返回三篇主题互不重叠的小文档：HNSW、Redis、compaction。
// 配合 mocks.MockEmbedder 的关键词 "hnsw"、"redis"、"compaction" 使用。
func Corpus() []Document {
	return []Document{
		{
			ID:       "hnsw",
			Filename: "hnsw.md",
			Text: "HNSW is a layered proximity graph. Search in HNSW starts at the top layer " +
				"and descends greedily. HNSW uses a candidate list of size ef during search.",
		},
		{
			ID:       "redis",
			Filename: "redis.md",
			Text: "Redis is a cache. Redis keeps embeddings for a day so repeated text skips the model. " +
				"Redis supports expiry on every key.",
		},
		{
			ID:       "compaction",
			Filename: "compaction.md",
			Text: "Compaction rebuilds the graph from live entries. Compaction drops tombstones " +
				"and empties the overlay. Compaction runs in the background.",
		},
	}
}

// Queries 返回与 Corpus 对应的查询及期望命中的文档 ID
func Queries() map[string]string {
	return map[string]string{
		"how does hnsw search":        "hnsw",
		"what does redis cache":       "redis",
		"when does compaction happen": "compaction",
	}
}
