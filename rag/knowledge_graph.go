package rag

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/BaSui01/deeprag/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🕸️ 知识图谱
// =============================================================================

// Triple 抽取出的 (subject, predicate, object)，三个字段必填
type Triple struct {
	Subject     string `json:"subject"`
	Predicate   string `json:"predicate"`
	Object      string `json:"object"`
	SubjectType string `json:"subject_type,omitempty"`
	ObjectType  string `json:"object_type,omitempty"`
}

// Valid 返回三个必填字段是否都非空
func (t Triple) Valid() bool {
	return t.Subject != "" && t.Predicate != "" && t.Object != ""
}

func (t Triple) trimmed() Triple {
	return Triple{
		Subject:     collapseSpaces(t.Subject),
		Predicate:   collapseSpaces(t.Predicate),
		Object:      collapseSpaces(t.Object),
		SubjectType: collapseSpaces(t.SubjectType),
		ObjectType:  collapseSpaces(t.ObjectType),
	}
}

// Entity 图谱实体，ID 为规范化标签
type Entity struct {
	ID    string `json:"id" bson:"_id"`
	Label string `json:"label" bson:"label"`
	Type  string `json:"type,omitempty" bson:"type,omitempty"`
}

// Relation 图谱关系
type Relation struct {
	SubjectID string `json:"subject_id" bson:"subject_id"`
	Predicate string `json:"predicate" bson:"predicate"`
	ObjectID  string `json:"object_id" bson:"object_id"`
}

func (r Relation) key() string {
	return r.SubjectID + "\x00" + r.Predicate + "\x00" + r.ObjectID
}

// NormalizeLabel 实体身份：小写、折叠空白、去掉首尾标点。
// 同一次构建/合并内标签规范化后相等即视为同一实体。
func NormalizeLabel(label string) string {
	s := strings.ToLower(collapseSpaces(label))
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != '#' && r != '+'
	})
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// KnowledgeGraph 实体集合 + 关系集合。零值不可用，使用 NewKnowledgeGraph。
type KnowledgeGraph struct {
	entities  map[string]Entity
	relations map[string]Relation
}

// NewKnowledgeGraph 创建空图
func NewKnowledgeGraph() *KnowledgeGraph {
	return &KnowledgeGraph{
		entities:  make(map[string]Entity),
		relations: make(map[string]Relation),
	}
}

// GraphFromParts 由实体与关系列表还原图（持久化加载用）
func GraphFromParts(entities []Entity, relations []Relation) *KnowledgeGraph {
	g := NewKnowledgeGraph()
	for _, e := range entities {
		g.entities[e.ID] = e
	}
	for _, r := range relations {
		g.relations[r.key()] = r
	}
	return g
}

// MergeTriples 将三元组并入图，返回新增实体与关系数量。重复合并同一批三元组不改变图。
func (g *KnowledgeGraph) MergeTriples(triples []Triple) (addedEntities, addedRelations int) {
	for _, raw := range triples {
		t := raw.trimmed()
		if !t.Valid() {
			continue
		}
		sid, ok1 := g.upsertEntity(t.Subject, t.SubjectType, &addedEntities)
		oid, ok2 := g.upsertEntity(t.Object, t.ObjectType, &addedEntities)
		pred := strings.ToLower(t.Predicate)
		if !ok1 || !ok2 || pred == "" {
			continue
		}
		r := Relation{SubjectID: sid, Predicate: pred, ObjectID: oid}
		if _, exists := g.relations[r.key()]; !exists {
			g.relations[r.key()] = r
			addedRelations++
		}
	}
	return addedEntities, addedRelations
}

func (g *KnowledgeGraph) upsertEntity(label, typ string, added *int) (string, bool) {
	id := NormalizeLabel(label)
	if id == "" {
		return "", false
	}
	e, exists := g.entities[id]
	if !exists {
		g.entities[id] = Entity{ID: id, Label: label, Type: typ}
		*added++
		return id, true
	}
	if e.Type == "" && typ != "" {
		e.Type = typ
		g.entities[id] = e
	}
	return id, true
}

// MergeGraph 将另一张图并入当前图
func (g *KnowledgeGraph) MergeGraph(other *KnowledgeGraph) {
	for id, e := range other.entities {
		if cur, ok := g.entities[id]; !ok {
			g.entities[id] = e
		} else if cur.Type == "" && e.Type != "" {
			cur.Type = e.Type
			g.entities[id] = cur
		}
	}
	for k, r := range other.relations {
		g.relations[k] = r
	}
}

// Clone 深拷贝
func (g *KnowledgeGraph) Clone() *KnowledgeGraph {
	c := NewKnowledgeGraph()
	c.MergeGraph(g)
	return c
}

// Merge 返回 existing 与 triples 合并后的新图，existing 不变
func Merge(existing *KnowledgeGraph, triples []Triple) *KnowledgeGraph {
	var merged *KnowledgeGraph
	if existing == nil {
		merged = NewKnowledgeGraph()
	} else {
		merged = existing.Clone()
	}
	merged.MergeTriples(triples)
	return merged
}

// Entities 按 ID 排序返回实体
func (g *KnowledgeGraph) Entities() []Entity {
	out := make([]Entity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Relations 按 (subject, predicate, object) 排序返回关系
func (g *KnowledgeGraph) Relations() []Relation {
	out := make([]Relation, 0, len(g.relations))
	for _, r := range g.relations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Entity 按 ID 查找实体
func (g *KnowledgeGraph) Entity(id string) (Entity, bool) {
	e, ok := g.entities[id]
	return e, ok
}

// NumEntities 实体数
func (g *KnowledgeGraph) NumEntities() int { return len(g.entities) }

// NumRelations 关系数
func (g *KnowledgeGraph) NumRelations() int { return len(g.relations) }

// Equal 实体集合与关系集合都相同
func (g *KnowledgeGraph) Equal(other *KnowledgeGraph) bool {
	if len(g.entities) != len(other.entities) || len(g.relations) != len(other.relations) {
		return false
	}
	for id, e := range g.entities {
		if o, ok := other.entities[id]; !ok || o != e {
			return false
		}
	}
	for k := range g.relations {
		if _, ok := other.relations[k]; !ok {
			return false
		}
	}
	return true
}

// WriteDOT 以 Graphviz DOT 格式输出
func (g *KnowledgeGraph) WriteDOT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph knowledge {")
	fmt.Fprintln(bw, "  rankdir=LR;")
	for _, e := range g.Entities() {
		label := e.Label
		if e.Type != "" {
			label += "\\n(" + e.Type + ")"
		}
		fmt.Fprintf(bw, "  %q [label=%q];\n", e.ID, label)
	}
	for _, r := range g.Relations() {
		fmt.Fprintf(bw, "  %q -> %q [label=%q];\n", r.SubjectID, r.ObjectID, r.Predicate)
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}

// =============================================================================
// 🏗️ KnowledgeGraphBuilder
// =============================================================================

// BuildReport 构建统计
type BuildReport struct {
	Chunks  int `json:"chunks"`
	Failed  int `json:"failed"`
	Triples int `json:"triples"`

	// Succeeded 成功抽取的输入下标（升序）
	Succeeded []int `json:"-"`
}

// KnowledgeGraphBuilder 并发抽取三元组并按输入顺序合并
type KnowledgeGraphBuilder struct {
	extractor   Extractor
	concurrency int
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// NewKnowledgeGraphBuilder 创建构建器
func NewKnowledgeGraphBuilder(extractor Extractor, concurrency int, m *metrics.Collector, logger *zap.Logger) *KnowledgeGraphBuilder {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KnowledgeGraphBuilder{
		extractor:   extractor,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger.With(zap.String("component", "graph_builder")),
	}
}

// Build 从分块文本构建图。单个分块抽取失败只跳过该分块；
// 只有 ctx 取消会使整个构建失败。
func (b *KnowledgeGraphBuilder) Build(ctx context.Context, texts []string) (*KnowledgeGraph, BuildReport, error) {
	results := make([][]Triple, len(texts))
	failed := make([]bool, len(texts))
	var mu sync.Mutex
	failures := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			triples, err := b.extractor.Extract(gctx, text)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				if !errors.Is(err, ErrExtractionFailure) {
					err = fmt.Errorf("%w: %v", ErrExtractionFailure, err)
				}
				ctxLogger(gctx, b.logger).Warn("skipping chunk after extraction failure", zap.Int("index", i), zap.Error(err))
				b.metrics.RecordExtractionFailure()
				mu.Lock()
				failed[i] = true
				failures++
				mu.Unlock()
				return nil
			}
			results[i] = triples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, BuildReport{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, BuildReport{}, err
	}

	graph := NewKnowledgeGraph()
	report := BuildReport{Chunks: len(texts), Failed: failures}
	for i, triples := range results {
		if failed[i] {
			continue
		}
		report.Succeeded = append(report.Succeeded, i)
		report.Triples += len(triples)
		graph.MergeTriples(triples)
	}
	b.logger.Debug("knowledge graph built",
		zap.Int("chunks", report.Chunks),
		zap.Int("failed", report.Failed),
		zap.Int("entities", graph.NumEntities()),
		zap.Int("relations", graph.NumRelations()))
	return graph, report, nil
}
