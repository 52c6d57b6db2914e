package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/deeprag/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ GORM 分块存储
// =============================================================================

// chunkRecord chunks 表
type chunkRecord struct {
	ChunkID        int64  `gorm:"column:chunk_id;primaryKey;autoIncrement"`
	DocumentID     string `gorm:"column:document_id;size:255;index;not null"`
	StartOffset    int    `gorm:"column:start_offset;not null"`
	EndOffset      int    `gorm:"column:end_offset;not null"`
	Text           string `gorm:"column:text;type:text"`
	TokenCount     int    `gorm:"column:token_count"`
	EmbeddingID    string `gorm:"column:embedding_id;size:64;index"`
	Deleted        bool   `gorm:"column:deleted;index;not null;default:false"`
	GraphExtracted bool   `gorm:"column:graph_extracted;not null;default:false"`
	CreatedAt      time.Time
}

func (chunkRecord) TableName() string { return "chunks" }

func (r *chunkRecord) toChunk() Chunk {
	return Chunk{
		ChunkID:        r.ChunkID,
		DocumentID:     r.DocumentID,
		StartOffset:    r.StartOffset,
		EndOffset:      r.EndOffset,
		Text:           r.Text,
		TokenCount:     r.TokenCount,
		EmbeddingID:    r.EmbeddingID,
		Deleted:        r.Deleted,
		GraphExtracted: r.GraphExtracted,
	}
}

// documentRecord documents 表
type documentRecord struct {
	ID           string `gorm:"column:id;primaryKey;size:255"`
	Filename     string `gorm:"column:filename;size:512"`
	ContentHash  string `gorm:"column:content_hash;size:64"`
	Status       string `gorm:"column:status;size:16;index"`
	ChunkCount   int    `gorm:"column:chunk_count"`
	ErrorMessage string `gorm:"column:error_message;type:text"`
	IngestedAt   time.Time
	UpdatedAt    time.Time
}

func (documentRecord) TableName() string { return "documents" }

func (r *documentRecord) toDocument() Document {
	return Document{
		ID:           r.ID,
		Filename:     r.Filename,
		ContentHash:  r.ContentHash,
		Status:       DocumentStatus(r.Status),
		ChunkCount:   r.ChunkCount,
		ErrorMessage: r.ErrorMessage,
		IngestedAt:   r.IngestedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// GormChunkStore 基于关系数据库的 Store 实现，ChunkID 由自增主键分配。
type GormChunkStore struct {
	pool       *database.PoolManager
	maxRetries int
	logger     *zap.Logger
}

// NewGormChunkStore 创建 GORM 存储并迁移表结构
func NewGormChunkStore(ctx context.Context, pool *database.PoolManager, logger *zap.Logger) (*GormChunkStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.DB().WithContext(ctx).AutoMigrate(&chunkRecord{}, &documentRecord{}); err != nil {
		return nil, fmt.Errorf("migrate chunk store: %w", err)
	}
	return &GormChunkStore{
		pool:       pool,
		maxRetries: 3,
		logger:     logger.With(zap.String("component", "gorm_chunk_store")),
	}, nil
}

// PoolStats 返回数据库连接池统计
func (s *GormChunkStore) PoolStats() database.PoolStats {
	return s.pool.GetStats()
}

func (s *GormChunkStore) db(ctx context.Context) *gorm.DB {
	return s.pool.DB().WithContext(ctx)
}

func (s *GormChunkStore) Put(ctx context.Context, chunk *Chunk) error {
	return s.PutBatch(ctx, []*Chunk{chunk})
}

func (s *GormChunkStore) PutBatch(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := validateBatch(chunks); err != nil {
		return err
	}

	records := make([]chunkRecord, len(chunks))
	err := s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		for i, c := range chunks {
			records[i] = chunkRecord{
				ChunkID:        c.ChunkID,
				DocumentID:     c.DocumentID,
				StartOffset:    c.StartOffset,
				EndOffset:      c.EndOffset,
				Text:           c.Text,
				TokenCount:     c.TokenCount,
				EmbeddingID:    c.EmbeddingID,
				Deleted:        c.Deleted,
				GraphExtracted: c.GraphExtracted,
			}
		}
		if err := tx.Create(&records).Error; err != nil {
			return err
		}
		for i := range records {
			if records[i].EmbeddingID != "" {
				continue
			}
			records[i].EmbeddingID = EmbeddingIDFor(records[i].DocumentID, records[i].ChunkID)
			if err := tx.Model(&chunkRecord{}).
				Where("chunk_id = ?", records[i].ChunkID).
				Update("embedding_id", records[i].EmbeddingID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put chunks: %w", err)
	}

	for i, c := range chunks {
		c.ChunkID = records[i].ChunkID
		c.EmbeddingID = records[i].EmbeddingID
	}
	s.logger.Debug("chunks stored", zap.Int("count", len(chunks)))
	return nil
}

func (s *GormChunkStore) Get(ctx context.Context, chunkID int64) (*Chunk, error) {
	var rec chunkRecord
	err := s.db(ctx).Where("chunk_id = ?", chunkID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: chunk %d", ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk %d: %w", chunkID, err)
	}
	c := rec.toChunk()
	return &c, nil
}

func (s *GormChunkStore) MarkDeleted(ctx context.Context, documentID string) ([]int64, error) {
	var ids []int64
	err := s.pool.WithTransactionRetry(ctx, s.maxRetries, func(tx *gorm.DB) error {
		ids = nil
		if err := tx.Model(&chunkRecord{}).
			Where("document_id = ? AND deleted = ?", documentID, false).
			Order("chunk_id").
			Pluck("chunk_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&chunkRecord{}).Where("chunk_id IN ?", ids).Update("deleted", true).Error
	})
	if err != nil {
		return nil, fmt.Errorf("mark document %q deleted: %w", documentID, err)
	}
	return ids, nil
}

func (s *GormChunkStore) MarkChunksDeleted(ctx context.Context, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	err := s.db(ctx).Model(&chunkRecord{}).Where("chunk_id IN ?", chunkIDs).Update("deleted", true).Error
	if err != nil {
		return fmt.Errorf("mark chunks deleted: %w", err)
	}
	return nil
}

func (s *GormChunkStore) AllLiveChunkIDs(ctx context.Context) (map[int64]struct{}, error) {
	var ids []int64
	if err := s.db(ctx).Model(&chunkRecord{}).Where("deleted = ?", false).Pluck("chunk_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list live chunks: %w", err)
	}
	out := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *GormChunkStore) ChunksByDocument(ctx context.Context, documentID string, includeDeleted bool) ([]Chunk, error) {
	q := s.db(ctx).Where("document_id = ?", documentID)
	if !includeDeleted {
		q = q.Where("deleted = ?", false)
	}
	var recs []chunkRecord
	if err := q.Order("chunk_id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list chunks of %q: %w", documentID, err)
	}
	return recordsToChunks(recs), nil
}

func (s *GormChunkStore) PendingGraphChunks(ctx context.Context, limit int) ([]Chunk, error) {
	q := s.db(ctx).Where("deleted = ? AND graph_extracted = ?", false, false).Order("chunk_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []chunkRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list pending graph chunks: %w", err)
	}
	return recordsToChunks(recs), nil
}

func (s *GormChunkStore) MarkGraphExtracted(ctx context.Context, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	err := s.db(ctx).Model(&chunkRecord{}).Where("chunk_id IN ?", chunkIDs).Update("graph_extracted", true).Error
	if err != nil {
		return fmt.Errorf("mark graph extracted: %w", err)
	}
	return nil
}

func recordsToChunks(recs []chunkRecord) []Chunk {
	out := make([]Chunk, len(recs))
	for i := range recs {
		out[i] = recs[i].toChunk()
	}
	return out
}

// ====== 文档登记 ======

func (s *GormChunkStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	var rec documentRecord
	err := s.db(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: document %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %q: %w", id, err)
	}
	d := rec.toDocument()
	return &d, nil
}

func (s *GormChunkStore) SaveDocument(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is empty", ErrInvalidRequest)
	}
	rec := documentRecord{
		ID:           doc.ID,
		Filename:     doc.Filename,
		ContentHash:  doc.ContentHash,
		Status:       string(doc.Status),
		ChunkCount:   doc.ChunkCount,
		ErrorMessage: doc.ErrorMessage,
		IngestedAt:   doc.IngestedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	if err := s.db(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("save document %q: %w", doc.ID, err)
	}
	return nil
}

func (s *GormChunkStore) ListDocuments(ctx context.Context) ([]Document, error) {
	var recs []documentRecord
	if err := s.db(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	out := make([]Document, len(recs))
	for i := range recs {
		out[i] = recs[i].toDocument()
	}
	return out, nil
}
