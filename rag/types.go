package rag

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/deeprag/types"
)

// DocumentStatus 文档生命周期状态
type DocumentStatus string

const (
	StatusPending   DocumentStatus = "pending"
	StatusProcessed DocumentStatus = "processed"
	StatusError     DocumentStatus = "error"
	StatusDeleted   DocumentStatus = "deleted"
)

// Document 入库文档记录，仅由摄取管线写入。
type Document struct {
	ID           string         `json:"id"`
	Filename     string         `json:"filename"`
	ContentHash  string         `json:"content_hash"`
	Status       DocumentStatus `json:"status"`
	ChunkCount   int            `json:"chunk_count"`
	ErrorMessage string         `json:"error_message,omitempty"`
	IngestedAt   time.Time      `json:"ingested_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Chunk 文档分块。ChunkID 由 ChunkStore 分配，单调递增。
type Chunk struct {
	ChunkID        int64  `json:"chunk_id"`
	DocumentID     string `json:"document_id"`
	StartOffset    int    `json:"start_offset"`
	EndOffset      int    `json:"end_offset"`
	Text           string `json:"text"`
	TokenCount     int    `json:"token_count"`
	EmbeddingID    string `json:"embedding_id"`
	Deleted        bool   `json:"deleted"`
	GraphExtracted bool   `json:"graph_extracted"`
}

// Live 返回分块是否可被检索。
func (c *Chunk) Live() bool {
	return c != nil && !c.Deleted
}

// VectorEntry 向量索引条目，向量存储归 VectorIndex 独占。
type VectorEntry struct {
	EmbeddingID string    `json:"embedding_id"`
	Vector      []float32 `json:"vector"`
	ChunkID     int64     `json:"chunk_id"`
}

// SearchHit 索引检索结果
type SearchHit struct {
	ChunkID int64   `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// Passage 检索管线返回的段落
type Passage struct {
	ChunkID     int64   `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
}

// ContentHash 返回文本的 SHA-256 十六进制摘要。
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EmbeddingIDFor 由文档 ID 与分块 ID 派生 embedding_id。
func EmbeddingIDFor(documentID string, chunkID int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s_%d", documentID, chunkID)))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// 错误
// =============================================================================

var (
	ErrDimensionMismatch  = types.NewError(types.ErrDimensionMismatch, "vector dimension mismatch")
	ErrCorruptIndex       = types.NewError(types.ErrCorruptIndex, "corrupt index file")
	ErrDuplicateEmbedding = types.NewError(types.ErrDuplicateEmbedding, "duplicate embedding id")
	ErrNoRelevantContent  = types.NewError(types.ErrNoRelevantContent, "no relevant content found")
	ErrDanglingChunk      = types.NewError(types.ErrDanglingChunkReference, "dangling chunk reference")
	ErrExtractionFailure  = types.NewError(types.ErrExtractionFailure, "extraction failed")
	ErrNotFound           = types.NewError(types.ErrNotFound, "not found")
	ErrInvalidRequest     = types.NewError(types.ErrInvalidRequest, "invalid request")
)

// IsNotFoundCondition 区分"无结果"与系统错误，调用方据此映射为 not-found 响应。
func IsNotFoundCondition(err error) bool {
	return errors.Is(err, ErrNoRelevantContent) || errors.Is(err, ErrNotFound)
}

func upstreamError(op string, err error) error {
	return types.NewError(types.ErrUpstreamError, op).WithCause(err).WithRetryable(true)
}
