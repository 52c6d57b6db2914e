package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/deeprag/internal/ctxkeys"
	"github.com/BaSui01/deeprag/internal/metrics"
	"github.com/BaSui01/deeprag/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// 📥 摄取管线
// =============================================================================

// IngestResult 摄取结果
type IngestResult struct {
	Document Document `json:"document"`
	// Skipped 内容哈希未变化，未做任何分块或向量化
	Skipped  bool    `json:"skipped"`
	ChunkIDs []int64 `json:"chunk_ids,omitempty"`
	// Replaced 被本次摄取替换掉的旧分块数
	Replaced int `json:"replaced,omitempty"`
}

// IngestRequest 批量摄取的单个文档
type IngestRequest struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename,omitempty"`
	Text       string `json:"text"`
}

// indexWriter 摄取需要的索引写操作
type indexWriter interface {
	Add(entries []VectorEntry) error
	SoftDelete(chunkIDs []int64) int
}

// Ingestor 文档摄取：规范化 → 哈希 → 分块 → 向量化 → 写入存储与索引。
// 文档记录只由 Ingestor 写入。
type Ingestor struct {
	chunker          *Chunker
	embedder         Embedder
	store            Store
	index            indexWriter
	trace            *ChunkTrace
	metrics          *metrics.Collector
	logger           *zap.Logger
	embedConcurrency int

	group   singleflight.Group
	locks   sync.Map // document_id -> *sync.Mutex
	mu      sync.Mutex
	flights map[string]*ingestFlight
	clock   func() time.Time
}

// IngestorOption Ingestor 可选项
type IngestorOption func(*Ingestor)

// WithEmbedConcurrency 设置单个文档内的向量化并发
func WithEmbedConcurrency(n int) IngestorOption {
	return func(in *Ingestor) {
		if n > 0 {
			in.embedConcurrency = n
		}
	}
}

// WithIngestMetrics 设置指标收集器
func WithIngestMetrics(m *metrics.Collector) IngestorOption {
	return func(in *Ingestor) { in.metrics = m }
}

// WithChunkTrace 设置追溯日志
func WithChunkTrace(t *ChunkTrace) IngestorOption {
	return func(in *Ingestor) { in.trace = t }
}

// NewIngestor 创建摄取管线
func NewIngestor(chunker *Chunker, embedder Embedder, store Store, index indexWriter, logger *zap.Logger, opts ...IngestorOption) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	in := &Ingestor{
		chunker:          chunker,
		embedder:         embedder,
		store:            store,
		index:            index,
		logger:           logger.With(zap.String("component", "ingestor")),
		embedConcurrency: 4,
		flights:          make(map[string]*ingestFlight),
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *Ingestor) docLock(documentID string) *sync.Mutex {
	v, _ := in.locks.LoadOrStore(documentID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Ingest 摄取单个文档。内容哈希与上次成功摄取相同时直接返回（零分块、零向量化）。
// 内容变化时先写入并索引新分块，再软删除旧分块，替换期间文档始终可检索。
func (in *Ingestor) Ingest(ctx context.Context, documentID, filename, text string) (*IngestResult, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: document id is empty", ErrInvalidRequest)
	}
	normalized := in.chunker.Normalize(text)
	hash := ContentHash(normalized)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 相同文档相同内容的并发请求只执行一次
	key := documentID + "\x00" + hash
	for attempt := 0; ; attempt++ {
		res, err := in.ingestShared(ctx, key, documentID, filename, normalized, hash)
		// 加入了一次已被其他调用方全部放弃的执行，自身仍有效时重试
		if err != nil && ctx.Err() == nil && attempt == 0 &&
			(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			continue
		}
		return res, err
	}
}

// ingestFlight 一次共享摄取的等待方计数。共享执行使用独立上下文，
// 只有全部等待方都放弃时才取消。
type ingestFlight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (in *Ingestor) joinFlight(ctx context.Context, key string) *ingestFlight {
	in.mu.Lock()
	defer in.mu.Unlock()
	f, ok := in.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &ingestFlight{ctx: fctx, cancel: cancel}
		in.flights[key] = f
	}
	f.waiters++
	return f
}

func (in *Ingestor) leaveFlight(key string, f *ingestFlight) {
	in.mu.Lock()
	defer in.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if in.flights[key] == f {
		delete(in.flights, key)
	}
}

func (in *Ingestor) ingestShared(ctx context.Context, key, documentID, filename, normalized, hash string) (*IngestResult, error) {
	f := in.joinFlight(ctx, key)
	defer in.leaveFlight(key, f)

	ch := in.group.DoChan(key, func() (any, error) {
		lock := in.docLock(documentID)
		lock.Lock()
		defer lock.Unlock()
		return in.ingest(f.ctx, documentID, filename, normalized, hash)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*IngestResult)
		return &res, nil
	}
}

func (in *Ingestor) ingest(ctx context.Context, documentID, filename, normalized, hash string) (res *IngestResult, err error) {
	ctx = ctxkeys.WithDocumentID(ctx, documentID)
	ctx, span := telemetry.Start(ctx, telemetry.SpanIngest,
		attribute.String("document.id", documentID),
		attribute.String("document.hash", hash))
	start := in.clock()
	defer func() {
		telemetry.End(span, err)
		status := "ok"
		chunks := 0
		switch {
		case err != nil:
			status = "error"
		case res.Skipped:
			status = "skipped"
		default:
			chunks = len(res.ChunkIDs)
		}
		in.metrics.RecordIngest(status, chunks, time.Since(start))
	}()

	if err = ctx.Err(); err != nil {
		return nil, err
	}
	existing, err := in.store.GetDocument(ctx, documentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}
	if existing != nil && existing.Status == StatusProcessed && existing.ContentHash == hash {
		in.logger.Debug("content unchanged, skipping ingestion", zap.String("document_id", documentID))
		span.SetAttributes(attribute.Bool("ingest.skipped", true))
		return &IngestResult{Document: *existing, Skipped: true}, nil
	}

	now := in.clock().UTC()
	doc := Document{
		ID:          documentID,
		Filename:    filename,
		ContentHash: hash,
		Status:      StatusPending,
		IngestedAt:  now,
		UpdatedAt:   now,
	}
	if existing != nil {
		doc.IngestedAt = existing.IngestedAt
		if filename == "" {
			doc.Filename = existing.Filename
		}
	}

	chunkIDs, replaced, err := in.replaceChunks(ctx, documentID, normalized, hash)
	if err != nil {
		doc.Status = StatusError
		doc.ErrorMessage = err.Error()
		doc.UpdatedAt = in.clock().UTC()
		if saveErr := in.store.SaveDocument(context.WithoutCancel(ctx), &doc); saveErr != nil {
			in.logger.Error("failed to record ingestion error",
				zap.String("document_id", documentID), zap.Error(saveErr))
		}
		in.logger.Warn("ingestion failed", zap.String("document_id", documentID), zap.Error(err))
		return nil, err
	}

	doc.Status = StatusProcessed
	doc.ChunkCount = len(chunkIDs)
	doc.UpdatedAt = in.clock().UTC()
	if err := in.store.SaveDocument(ctx, &doc); err != nil {
		return nil, fmt.Errorf("save document %s: %w", documentID, err)
	}

	in.logger.Info("document ingested",
		zap.String("document_id", documentID),
		zap.Int("chunks", len(chunkIDs)),
		zap.Int("replaced", replaced))
	return &IngestResult{Document: doc, ChunkIDs: chunkIDs, Replaced: replaced}, nil
}

// replaceChunks 分块、向量化、写入新分块后再下线旧分块
func (in *Ingestor) replaceChunks(ctx context.Context, documentID, normalized, hash string) ([]int64, int, error) {
	old, err := in.store.ChunksByDocument(ctx, documentID, false)
	if err != nil {
		return nil, 0, fmt.Errorf("list chunks of %s: %w", documentID, err)
	}

	segments := in.chunker.Chunk(normalized)
	vectors, err := in.embedAll(ctx, segments)
	if err != nil {
		return nil, 0, err
	}

	chunks := make([]*Chunk, len(segments))
	for i, seg := range segments {
		chunks[i] = &Chunk{
			DocumentID:  documentID,
			StartOffset: seg.StartOffset,
			EndOffset:   seg.EndOffset,
			Text:        seg.Text,
			TokenCount:  seg.TokenCount,
		}
	}
	if len(chunks) > 0 {
		if err := in.store.PutBatch(ctx, chunks); err != nil {
			return nil, 0, fmt.Errorf("store chunks: %w", err)
		}
	}

	ids := make([]int64, len(chunks))
	entries := make([]VectorEntry, len(chunks))
	added := make([]Chunk, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ChunkID
		entries[i] = VectorEntry{EmbeddingID: c.EmbeddingID, Vector: vectors[i], ChunkID: c.ChunkID}
		added[i] = *c
	}
	if len(entries) > 0 {
		if err := in.index.Add(entries); err != nil {
			// 新分块从未可见，直接标记删除
			if rbErr := in.store.MarkChunksDeleted(context.WithoutCancel(ctx), ids); rbErr != nil {
				ctxLogger(ctx, in.logger).Error("failed to roll back stored chunks", zap.Int64s("chunk_ids", ids), zap.Error(rbErr))
			}
			return nil, 0, fmt.Errorf("index chunks: %w", err)
		}
	}
	if in.trace != nil {
		if err := in.trace.RecordAdd(added, hash); err != nil {
			ctxLogger(ctx, in.logger).Warn("failed to append chunk trace", zap.Error(err))
		}
	}

	if len(old) > 0 {
		oldIDs := make([]int64, len(old))
		for i, c := range old {
			oldIDs[i] = c.ChunkID
		}
		if err := in.retire(context.WithoutCancel(ctx), oldIDs); err != nil {
			return nil, 0, err
		}
	}
	return ids, len(old), nil
}

// retire 先在存储中标记，再在索引中打墓碑
func (in *Ingestor) retire(ctx context.Context, ids []int64) error {
	if err := in.store.MarkChunksDeleted(ctx, ids); err != nil {
		return fmt.Errorf("retire chunks: %w", err)
	}
	in.index.SoftDelete(ids)
	if in.trace != nil {
		if err := in.trace.RecordDelete(ids); err != nil {
			ctxLogger(ctx, in.logger).Warn("failed to append chunk trace", zap.Error(err))
		}
	}
	return nil
}

func (in *Ingestor) embedAll(ctx context.Context, segments []Segment) ([][]float32, error) {
	vectors := make([][]float32, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.embedConcurrency)
	for i, seg := range segments {
		g.Go(func() error {
			vec, err := in.embedder.Embed(gctx, seg.Text)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return vectors, nil
}

// Delete 级联删除文档的全部分块。索引条目只打墓碑，等待压缩回收。
func (in *Ingestor) Delete(ctx context.Context, documentID string) (int, error) {
	lock := in.docLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := telemetry.Start(ctx, telemetry.SpanDelete, attribute.String("document.id", documentID))
	var err error
	defer func() { telemetry.End(span, err) }()

	var doc *Document
	doc, err = in.store.GetDocument(ctx, documentID)
	if err != nil {
		return 0, err
	}
	var ids []int64
	ids, err = in.store.MarkDeleted(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	in.index.SoftDelete(ids)
	if in.trace != nil && len(ids) > 0 {
		if traceErr := in.trace.RecordDelete(ids); traceErr != nil {
			in.logger.Warn("failed to append chunk trace", zap.Error(traceErr))
		}
	}

	doc.Status = StatusDeleted
	doc.ChunkCount = 0
	doc.UpdatedAt = in.clock().UTC()
	if err = in.store.SaveDocument(ctx, doc); err != nil {
		return 0, fmt.Errorf("save document %s: %w", documentID, err)
	}
	in.logger.Info("document deleted", zap.String("document_id", documentID), zap.Int("chunks", len(ids)))
	return len(ids), nil
}

// IngestBatch 有界并发摄取多个文档。单个文档失败不影响其它文档，
// 返回结果与输入一一对应，失败项为 nil 且错误记录在 errs 中。
func (in *Ingestor) IngestBatch(ctx context.Context, reqs []IngestRequest, concurrency int) ([]*IngestResult, []error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	results := make([]*IngestResult, len(reqs))
	errs := make([]error, len(reqs))
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			results[i], errs[i] = in.Ingest(ctx, req.DocumentID, req.Filename, req.Text)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

// ctxLogger 附加 context 中的请求 ID 与文档 ID，深度查询与摄取的日志据此关联
func ctxLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	var fields []zap.Field
	if id, ok := ctxkeys.RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if id, ok := ctxkeys.DocumentID(ctx); ok {
		fields = append(fields, zap.String("document_id", id))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
