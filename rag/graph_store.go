package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GraphStore 语料级知识图谱的持久化后端
type GraphStore interface {
	// Load 返回已持久化的图；尚无数据时返回空图
	Load(ctx context.Context) (*KnowledgeGraph, error)
	// Save 写入完整的图
	Save(ctx context.Context, g *KnowledgeGraph) error
	Close(ctx context.Context) error
}

// =============================================================================
// 📁 FileGraphStore
// =============================================================================

const (
	entitiesFile  = "entities.json"
	relationsFile = "relations.json"
)

// FileGraphStore 目录下的 entities.json + relations.json
type FileGraphStore struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileGraphStore 创建文件图存储
func NewFileGraphStore(dir string, logger *zap.Logger) (*FileGraphStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: graph directory is empty", ErrInvalidRequest)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create graph dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileGraphStore{dir: dir, logger: logger.With(zap.String("component", "file_graph_store"))}, nil
}

func (s *FileGraphStore) Load(_ context.Context) (*KnowledgeGraph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entities []Entity
	var relations []Relation
	if err := readJSONFile(filepath.Join(s.dir, entitiesFile), &entities); err != nil {
		return nil, err
	}
	if err := readJSONFile(filepath.Join(s.dir, relationsFile), &relations); err != nil {
		return nil, err
	}
	return GraphFromParts(entities, relations), nil
}

func (s *FileGraphStore) Save(_ context.Context, g *KnowledgeGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeJSONFile(filepath.Join(s.dir, entitiesFile), g.Entities()); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(s.dir, relationsFile), g.Relations()); err != nil {
		return err
	}
	s.logger.Info("knowledge graph saved",
		zap.Int("entities", g.NumEntities()),
		zap.Int("relations", g.NumRelations()))
	return nil
}

func (s *FileGraphStore) Close(context.Context) error { return nil }

func readJSONFile(path string, dest any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSONFile 写临时文件后 rename
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// =============================================================================
// 🧩 临时图谱产物
// =============================================================================

// GraphArtifact 深度查询生成的临时图谱引用
type GraphArtifact struct {
	ID        string    `json:"id"`
	Path      string    `json:"path,omitempty"`
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"created_at"`
	Entities  int       `json:"entities"`
	Relations int       `json:"relations"`
}

type graphArtifactFile struct {
	GraphArtifact
	EntityList   []Entity   `json:"entity_list"`
	RelationList []Relation `json:"relation_list"`
}

// newGraphArtifact 生成产物引用；dir 非空时落盘为 <dir>/<id>.json
func newGraphArtifact(dir, query string, g *KnowledgeGraph) (*GraphArtifact, error) {
	a := &GraphArtifact{
		ID:        uuid.NewString(),
		Query:     query,
		CreatedAt: time.Now().UTC(),
		Entities:  g.NumEntities(),
		Relations: g.NumRelations(),
	}
	if dir == "" {
		return a, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	a.Path = filepath.Join(dir, a.ID+".json")
	file := graphArtifactFile{GraphArtifact: *a, EntityList: g.Entities(), RelationList: g.Relations()}
	if err := writeJSONFile(a.Path, file); err != nil {
		return nil, err
	}
	return a, nil
}

// LoadGraphArtifact 读取落盘的临时图谱
func LoadGraphArtifact(path string) (*GraphArtifact, *KnowledgeGraph, error) {
	var file graphArtifactFile
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("%w: graph artifact %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read graph artifact: %w", err)
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("decode graph artifact: %w", err)
	}
	a := file.GraphArtifact
	return &a, GraphFromParts(file.EntityList, file.RelationList), nil
}
