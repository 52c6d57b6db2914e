package rag

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🧾 ChunkTrace 追溯日志
// =============================================================================
// JSON Lines 格式，只追加。每行一条 add / delete 事件，打开时重放。

// TraceOp 追溯事件类型
type TraceOp string

const (
	TraceOpAdd    TraceOp = "add"
	TraceOpDelete TraceOp = "delete"
)

// TraceRecord 追溯日志中的一行
type TraceRecord struct {
	Op          TraceOp   `json:"op"`
	ChunkID     int64     `json:"chunk_id"`
	DocumentID  string    `json:"document_id,omitempty"`
	StartOffset int       `json:"start_offset,omitempty"`
	EndOffset   int       `json:"end_offset,omitempty"`
	EmbeddingID string    `json:"embedding_id,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Timestamp   time.Time `json:"ts"`
}

// Provenance 分块来源
type Provenance struct {
	ChunkID     int64  `json:"chunk_id"`
	DocumentID  string `json:"document_id"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	EmbeddingID string `json:"embedding_id"`
	ContentHash string `json:"content_hash"`
	Deleted     bool   `json:"deleted"`
}

// TraceIssue Verify 发现的不一致
type TraceIssue struct {
	EmbeddingID string `json:"embedding_id"`
	ChunkID     int64  `json:"chunk_id"`
	Reason      string `json:"reason"`
}

// embeddingSource Verify 需要的索引视图
type embeddingSource interface {
	EmbeddingIDs() map[string]int64
	IsDeleted(chunkID int64) bool
}

// ChunkTrace chunk_id -> 来源 的只追加映射
type ChunkTrace struct {
	mu          sync.RWMutex
	path        string
	file        *os.File
	entries     map[int64]*Provenance
	embAdds     map[string]int
	clock       func() time.Time
	logger      *zap.Logger
	skippedRows int
}

// OpenChunkTrace 打开（或创建）追溯日志并重放。path 为空时只保存在内存。
func OpenChunkTrace(path string, logger *zap.Logger) (*ChunkTrace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &ChunkTrace{
		path:    path,
		entries: make(map[int64]*Provenance),
		embAdds: make(map[string]int),
		clock:   time.Now,
		logger:  logger.With(zap.String("component", "chunk_trace")),
	}
	if path == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	if err := t.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open chunk trace: %w", err)
	}
	t.file = f
	t.logger.Info("chunk trace opened",
		zap.String("path", path),
		zap.Int("entries", len(t.entries)),
		zap.Int("skipped_rows", t.skippedRows))
	return t, nil
}

func (t *ChunkTrace) replay() error {
	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open chunk trace: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec TraceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// 进程崩溃可能留下半行
			t.skippedRows++
			t.logger.Warn("skipping malformed trace row", zap.Int("line", line), zap.Error(err))
			continue
		}
		t.apply(rec)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read chunk trace: %w", err)
	}
	return nil
}

func (t *ChunkTrace) apply(rec TraceRecord) {
	switch rec.Op {
	case TraceOpAdd:
		t.entries[rec.ChunkID] = &Provenance{
			ChunkID:     rec.ChunkID,
			DocumentID:  rec.DocumentID,
			StartOffset: rec.StartOffset,
			EndOffset:   rec.EndOffset,
			EmbeddingID: rec.EmbeddingID,
			ContentHash: rec.ContentHash,
		}
		t.embAdds[rec.EmbeddingID]++
	case TraceOpDelete:
		if p, ok := t.entries[rec.ChunkID]; ok {
			p.Deleted = true
		}
	}
}

func (t *ChunkTrace) append(recs []TraceRecord) error {
	if len(recs) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for i := range recs {
			if err := enc.Encode(&recs[i]); err != nil {
				return fmt.Errorf("encode trace record: %w", err)
			}
		}
		if _, err := t.file.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("write chunk trace: %w", err)
		}
	}
	for _, rec := range recs {
		t.apply(rec)
	}
	return nil
}

// RecordAdd 记录一批新增分块
func (t *ChunkTrace) RecordAdd(chunks []Chunk, contentHash string) error {
	now := t.clock().UTC()
	recs := make([]TraceRecord, len(chunks))
	for i, c := range chunks {
		recs[i] = TraceRecord{
			Op:          TraceOpAdd,
			ChunkID:     c.ChunkID,
			DocumentID:  c.DocumentID,
			StartOffset: c.StartOffset,
			EndOffset:   c.EndOffset,
			EmbeddingID: c.EmbeddingID,
			ContentHash: contentHash,
			Timestamp:   now,
		}
	}
	return t.append(recs)
}

// RecordDelete 记录一批分块删除
func (t *ChunkTrace) RecordDelete(chunkIDs []int64) error {
	now := t.clock().UTC()
	recs := make([]TraceRecord, len(chunkIDs))
	for i, id := range chunkIDs {
		recs[i] = TraceRecord{Op: TraceOpDelete, ChunkID: id, Timestamp: now}
	}
	return t.append(recs)
}

// Provenance 返回分块来源
func (t *ChunkTrace) Provenance(chunkID int64) (Provenance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.entries[chunkID]
	if !ok {
		return Provenance{}, false
	}
	return *p, true
}

// Snapshot 返回完整的来源映射副本
func (t *ChunkTrace) Snapshot() map[int64]Provenance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int64]Provenance, len(t.entries))
	for id, p := range t.entries {
		out[id] = *p
	}
	return out
}

// Len 返回已登记的分块数
func (t *ChunkTrace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Verify 检查索引中每个 embedding_id 在日志中恰有一条记录。
// 已删除但尚未压缩的条目允许暂时不一致。
func (t *ChunkTrace) Verify(index embeddingSource) []TraceIssue {
	embeddings := index.EmbeddingIDs()

	t.mu.RLock()
	defer t.mu.RUnlock()

	var issues []TraceIssue
	for emb, chunkID := range embeddings {
		p, ok := t.entries[chunkID]
		if (ok && p.Deleted) || index.IsDeleted(chunkID) {
			continue
		}
		switch {
		case !ok:
			issues = append(issues, TraceIssue{EmbeddingID: emb, ChunkID: chunkID, Reason: "missing trace entry"})
		case p.EmbeddingID != emb:
			issues = append(issues, TraceIssue{EmbeddingID: emb, ChunkID: chunkID, Reason: "embedding id mismatch"})
		case t.embAdds[emb] > 1:
			issues = append(issues, TraceIssue{EmbeddingID: emb, ChunkID: chunkID, Reason: "duplicate trace entries"})
		}
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].ChunkID < issues[j].ChunkID })
	return issues
}

// Close 关闭日志文件
func (t *ChunkTrace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
