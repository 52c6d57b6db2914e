package rag

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/BaSui01/deeprag/config"
	"github.com/BaSui01/deeprag/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGormTestStore(t *testing.T) Store {
	t.Helper()
	pool, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "chunks.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := NewGormChunkStore(context.Background(), pool, zap.NewNop())
	require.NoError(t, err)
	return store
}

func storeBackends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"gorm":   newGormTestStore,
	}
}

func makeChunks(docID string, n int) []*Chunk {
	out := make([]*Chunk, n)
	for i := range out {
		out[i] = &Chunk{DocumentID: docID, StartOffset: i * 10, EndOffset: i*10 + 8, Text: "chunk text", TokenCount: 2}
	}
	return out
}

func TestStore_PutAssignsMonotonicIDs(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			first := makeChunks("doc-a", 3)
			require.NoError(t, s.PutBatch(ctx, first))
			second := makeChunks("doc-b", 2)
			require.NoError(t, s.PutBatch(ctx, second))

			var last int64
			for _, c := range append(first, second...) {
				assert.Greater(t, c.ChunkID, last)
				last = c.ChunkID
				assert.Equal(t, EmbeddingIDFor(c.DocumentID, c.ChunkID), c.EmbeddingID)
			}

			got, err := s.Get(ctx, first[1].ChunkID)
			require.NoError(t, err)
			assert.Equal(t, "doc-a", got.DocumentID)
			assert.Equal(t, 10, got.StartOffset)
			assert.Equal(t, 18, got.EndOffset)
			assert.Equal(t, first[1].EmbeddingID, got.EmbeddingID)
		})
	}
}

func TestStore_RejectsInvalidOffsets(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			err := s.Put(context.Background(), &Chunk{DocumentID: "d", StartOffset: 5, EndOffset: 5})
			assert.True(t, errors.Is(err, ErrInvalidRequest))
		})
	}
}

func TestStore_RejectsDuplicateIDsInBatch(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			batch := makeChunks("doc-a", 3)
			batch[0].ChunkID = 100
			batch[2].ChunkID = 100
			err := s.PutBatch(ctx, batch)
			assert.True(t, errors.Is(err, ErrInvalidRequest))

			// 整批拒绝，没有分块落库
			_, err = s.Get(ctx, 100)
			assert.True(t, errors.Is(err, ErrNotFound))
			stored, err := s.ChunksByDocument(ctx, "doc-a", true)
			require.NoError(t, err)
			assert.Empty(t, stored)

			// 零 ID 由存储分配，不算重复
			require.NoError(t, s.PutBatch(ctx, makeChunks("doc-a", 2)))
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			_, err := newStore(t).Get(context.Background(), 404)
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.True(t, IsNotFoundCondition(err))
		})
	}
}

func TestStore_MarkDeletedCascades(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			a := makeChunks("doc-a", 3)
			b := makeChunks("doc-b", 2)
			require.NoError(t, s.PutBatch(ctx, a))
			require.NoError(t, s.PutBatch(ctx, b))

			ids, err := s.MarkDeleted(ctx, "doc-a")
			require.NoError(t, err)
			assert.ElementsMatch(t, []int64{a[0].ChunkID, a[1].ChunkID, a[2].ChunkID}, ids)

			again, err := s.MarkDeleted(ctx, "doc-a")
			require.NoError(t, err)
			assert.Empty(t, again)

			live, err := s.AllLiveChunkIDs(ctx)
			require.NoError(t, err)
			assert.Len(t, live, 2)
			assert.Contains(t, live, b[0].ChunkID)
			assert.NotContains(t, live, a[0].ChunkID)

			// 已删除的分块仍可读取
			got, err := s.Get(ctx, a[0].ChunkID)
			require.NoError(t, err)
			assert.True(t, got.Deleted)
			assert.False(t, got.Live())

			liveOnly, err := s.ChunksByDocument(ctx, "doc-a", false)
			require.NoError(t, err)
			assert.Empty(t, liveOnly)
			all, err := s.ChunksByDocument(ctx, "doc-a", true)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestStore_MarkChunksDeleted(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			cs := makeChunks("doc", 3)
			require.NoError(t, s.PutBatch(ctx, cs))
			require.NoError(t, s.MarkChunksDeleted(ctx, []int64{cs[0].ChunkID, 999}))

			live, err := s.ChunksByDocument(ctx, "doc", false)
			require.NoError(t, err)
			require.Len(t, live, 2)
			assert.Equal(t, cs[1].ChunkID, live[0].ChunkID)
		})
	}
}

func TestStore_GraphBookkeeping(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			cs := makeChunks("doc", 4)
			require.NoError(t, s.PutBatch(ctx, cs))
			require.NoError(t, s.MarkChunksDeleted(ctx, []int64{cs[3].ChunkID}))

			pending, err := s.PendingGraphChunks(ctx, 2)
			require.NoError(t, err)
			require.Len(t, pending, 2)
			assert.Equal(t, cs[0].ChunkID, pending[0].ChunkID)

			require.NoError(t, s.MarkGraphExtracted(ctx, []int64{cs[0].ChunkID, cs[1].ChunkID}))
			pending, err = s.PendingGraphChunks(ctx, 0)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, cs[2].ChunkID, pending[0].ChunkID)
		})
	}
}

func TestStore_Documents(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			_, err := s.GetDocument(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.Error(t, s.SaveDocument(ctx, &Document{}))

			require.NoError(t, s.SaveDocument(ctx, &Document{ID: "b", Status: StatusPending}))
			require.NoError(t, s.SaveDocument(ctx, &Document{ID: "a", Filename: "a.txt", Status: StatusProcessed, ChunkCount: 3, ContentHash: "h"}))
			require.NoError(t, s.SaveDocument(ctx, &Document{ID: "b", Status: StatusError, ErrorMessage: "boom"}))

			b, err := s.GetDocument(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, StatusError, b.Status)
			assert.Equal(t, "boom", b.ErrorMessage)
			assert.False(t, b.UpdatedAt.IsZero())

			docs, err := s.ListDocuments(ctx)
			require.NoError(t, err)
			require.Len(t, docs, 2)
			assert.Equal(t, "a", docs[0].ID)
			assert.Equal(t, 3, docs[0].ChunkCount)
			assert.Equal(t, "h", docs[0].ContentHash)
		})
	}
}

func TestNewGormChunkStore_RequiresPool(t *testing.T) {
	_, err := NewGormChunkStore(context.Background(), nil, nil)
	assert.Error(t, err)
}
