// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。nil 接收者上的所有 Record 方法都是空操作。
type Collector struct {
	// 摄取指标
	ingestDocumentsTotal *prometheus.CounterVec
	ingestChunksTotal    prometheus.Counter
	ingestDuration       prometheus.Histogram

	// 检索指标
	retrieveRequestsTotal *prometheus.CounterVec
	retrieveDuration      prometheus.Histogram
	danglingChunksTotal   prometheus.Counter

	// 深度查询指标
	deepQueryTotal      *prometheus.CounterVec
	deepQueryDuration   prometheus.Histogram
	deepQuerySubQueries prometheus.Histogram
	emptySubQueries     prometheus.Counter

	// 索引指标
	indexEntries       *prometheus.GaugeVec
	compactionsTotal   prometheus.Counter
	compactionDuration prometheus.Histogram

	// 知识图谱指标
	graphExtractionFailures prometheus.Counter

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry 创建指标收集器并注册到指定 Registerer
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 摄取指标
	c.ingestDocumentsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_documents_total",
			Help:      "Total number of ingested documents by outcome",
		},
		[]string{"status"},
	)

	c.ingestChunksTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_chunks_total",
		Help:      "Total number of chunks written to the index",
	})

	c.ingestDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_duration_seconds",
		Help:      "Document ingestion duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	// 检索指标
	c.retrieveRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieve_requests_total",
			Help:      "Total number of retrieval requests by outcome",
		},
		[]string{"status"},
	)

	c.retrieveDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieve_duration_seconds",
		Help:      "Retrieval duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	c.danglingChunksTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retrieve_dangling_chunks_total",
		Help:      "Index hits that could not be resolved to a live chunk",
	})

	// 深度查询指标
	c.deepQueryTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deep_query_total",
			Help:      "Total number of deep queries by outcome",
		},
		[]string{"status"},
	)

	c.deepQueryDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "deep_query_duration_seconds",
		Help:      "Deep query duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	c.deepQuerySubQueries = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "deep_query_sub_queries",
		Help:      "Number of sub-queries per deep query",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})

	c.emptySubQueries = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deep_query_empty_sub_queries_total",
		Help:      "Sub-queries that retrieved no context",
	})

	// 索引指标
	c.indexEntries = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_entries",
			Help:      "Vector index entries by region",
		},
		[]string{"region"},
	)

	c.compactionsTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "index_compactions_total",
		Help:      "Total number of index compactions",
	})

	c.compactionDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "index_compaction_duration_seconds",
		Help:      "Index compaction duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	c.graphExtractionFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graph_extraction_failures_total",
		Help:      "Chunks skipped because triple extraction failed",
	})

	// 缓存指标
	c.cacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 📥 摄取指标记录
// =============================================================================

// RecordIngest 记录一次文档摄取，status 取 processed / skipped / error
func (c *Collector) RecordIngest(status string, chunks int, duration time.Duration) {
	if c == nil {
		return
	}
	c.ingestDocumentsTotal.WithLabelValues(status).Inc()
	c.ingestChunksTotal.Add(float64(chunks))
	c.ingestDuration.Observe(duration.Seconds())
}

// =============================================================================
// 🔍 检索指标记录
// =============================================================================

// RecordRetrieve 记录一次检索
func (c *Collector) RecordRetrieve(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.retrieveRequestsTotal.WithLabelValues(status).Inc()
	c.retrieveDuration.Observe(duration.Seconds())
}

// RecordDanglingChunk 记录无法解析的索引命中
func (c *Collector) RecordDanglingChunk() {
	if c == nil {
		return
	}
	c.danglingChunksTotal.Inc()
}

// =============================================================================
// 🧠 深度查询指标记录
// =============================================================================

// RecordDeepQuery 记录一次深度查询
func (c *Collector) RecordDeepQuery(status string, subQueries, empty int, duration time.Duration) {
	if c == nil {
		return
	}
	c.deepQueryTotal.WithLabelValues(status).Inc()
	c.deepQueryDuration.Observe(duration.Seconds())
	if subQueries > 0 {
		c.deepQuerySubQueries.Observe(float64(subQueries))
	}
	c.emptySubQueries.Add(float64(empty))
}

// =============================================================================
// 🗂️ 索引指标记录
// =============================================================================

// RecordIndexSize 记录索引各区域的条目数
func (c *Collector) RecordIndexSize(graph, overlay, deleted int) {
	if c == nil {
		return
	}
	c.indexEntries.WithLabelValues("graph").Set(float64(graph))
	c.indexEntries.WithLabelValues("overlay").Set(float64(overlay))
	c.indexEntries.WithLabelValues("deleted").Set(float64(deleted))
}

// RecordCompaction 记录一次压缩
func (c *Collector) RecordCompaction(duration time.Duration) {
	if c == nil {
		return
	}
	c.compactionsTotal.Inc()
	c.compactionDuration.Observe(duration.Seconds())
}

// RecordExtractionFailure 记录一次三元组抽取失败
func (c *Collector) RecordExtractionFailure() {
	if c == nil {
		return
	}
	c.graphExtractionFailures.Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}
