package rag

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ChunkStore 分块存储。删除只做逻辑标记，与 VectorIndex 的软删除约定一致：
// 一个分块当且仅当在两边都存活时才可被检索。
type ChunkStore interface {
	// Put 写入单个分块，ChunkID 为 0 时分配新的单调递增 ID
	Put(ctx context.Context, chunk *Chunk) error

	// PutBatch 原子写入一批分块；EmbeddingID 为空时按 EmbeddingIDFor 派生
	PutBatch(ctx context.Context, chunks []*Chunk) error

	// Get 返回分块（含已删除的），不存在时返回 ErrNotFound
	Get(ctx context.Context, chunkID int64) (*Chunk, error)

	// MarkDeleted 级联标记文档的全部分块，返回本次新标记的 ID
	MarkDeleted(ctx context.Context, documentID string) ([]int64, error)

	// MarkChunksDeleted 按 ID 标记分块，用于重新摄取替换旧分块和失败回滚
	MarkChunksDeleted(ctx context.Context, chunkIDs []int64) error

	// AllLiveChunkIDs 返回所有存活分块 ID
	AllLiveChunkIDs(ctx context.Context) (map[int64]struct{}, error)

	// ChunksByDocument 按 ChunkID 升序返回文档的分块
	ChunksByDocument(ctx context.Context, documentID string, includeDeleted bool) ([]Chunk, error)

	// PendingGraphChunks 返回尚未做图谱抽取的存活分块
	PendingGraphChunks(ctx context.Context, limit int) ([]Chunk, error)

	// MarkGraphExtracted 标记分块已完成图谱抽取
	MarkGraphExtracted(ctx context.Context, chunkIDs []int64) error
}

// DocumentStore 文档登记表
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*Document, error)
	SaveDocument(ctx context.Context, doc *Document) error
	ListDocuments(ctx context.Context) ([]Document, error)
}

// Store 组合分块存储与文档登记表
type Store interface {
	ChunkStore
	DocumentStore
}

// ====== 内存实现 ======

// MemoryStore 内存 Store 实现
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	chunks map[int64]*Chunk
	byDoc  map[string][]int64
	docs   map[string]*Document
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks: make(map[int64]*Chunk),
		byDoc:  make(map[string][]int64),
		docs:   make(map[string]*Document),
	}
}

func (s *MemoryStore) Put(ctx context.Context, chunk *Chunk) error {
	return s.PutBatch(ctx, []*Chunk{chunk})
}

func (s *MemoryStore) PutBatch(_ context.Context, chunks []*Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateBatch(chunks); err != nil {
		return err
	}
	for _, c := range chunks {
		if c.ChunkID != 0 {
			if _, ok := s.chunks[c.ChunkID]; ok {
				return fmt.Errorf("%w: chunk %d already stored", ErrInvalidRequest, c.ChunkID)
			}
		}
	}
	for _, c := range chunks {
		if c.ChunkID == 0 {
			s.nextID++
			c.ChunkID = s.nextID
		} else if c.ChunkID > s.nextID {
			s.nextID = c.ChunkID
		}
		if c.EmbeddingID == "" {
			c.EmbeddingID = EmbeddingIDFor(c.DocumentID, c.ChunkID)
		}
		cp := *c
		s.chunks[c.ChunkID] = &cp
		s.byDoc[c.DocumentID] = append(s.byDoc[c.DocumentID], c.ChunkID)
	}
	return nil
}

// validateBatch 在写入前整批校验，失败时不写入任何分块
func validateBatch(chunks []*Chunk) error {
	seen := make(map[int64]struct{}, len(chunks))
	for _, c := range chunks {
		if c.StartOffset >= c.EndOffset {
			return fmt.Errorf("%w: chunk offsets [%d,%d)", ErrInvalidRequest, c.StartOffset, c.EndOffset)
		}
		if c.ChunkID == 0 {
			continue
		}
		if _, dup := seen[c.ChunkID]; dup {
			return fmt.Errorf("%w: chunk %d appears twice in batch", ErrInvalidRequest, c.ChunkID)
		}
		seen[c.ChunkID] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, chunkID int64) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %d", ErrNotFound, chunkID)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) MarkDeleted(_ context.Context, documentID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, id := range s.byDoc[documentID] {
		c := s.chunks[id]
		if !c.Deleted {
			c.Deleted = true
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) MarkChunksDeleted(_ context.Context, chunkIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		if c, ok := s.chunks[id]; ok {
			c.Deleted = true
		}
	}
	return nil
}

func (s *MemoryStore) AllLiveChunkIDs(_ context.Context) (map[int64]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]struct{}, len(s.chunks))
	for id, c := range s.chunks {
		if !c.Deleted {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (s *MemoryStore) ChunksByDocument(_ context.Context, documentID string, includeDeleted bool) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Chunk
	for _, id := range s.byDoc[documentID] {
		if c := s.chunks[id]; includeDeleted || !c.Deleted {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}

func (s *MemoryStore) PendingGraphChunks(_ context.Context, limit int) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Chunk
	for _, c := range s.chunks {
		if !c.Deleted && !c.GraphExtracted {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkGraphExtracted(_ context.Context, chunkIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		if c, ok := s.chunks[id]; ok {
			c.GraphExtracted = true
		}
	}
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %q", ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) SaveDocument(_ context.Context, doc *Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: document id is empty", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.docs[doc.ID] = &cp
	return nil
}

func (s *MemoryStore) ListDocuments(_ context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
