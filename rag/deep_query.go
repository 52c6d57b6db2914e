package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/deeprag/internal/ctxkeys"
	"github.com/BaSui01/deeprag/internal/metrics"
	"github.com/BaSui01/deeprag/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🧭 深度查询
// =============================================================================

// NoContextPlaceholder 子查询没有检索到内容时送入合成步骤的占位文本
const NoContextPlaceholder = "No relevant context found for sub-query: %q"

// passageRetriever 深度查询使用的检索接口
type passageRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Passage, error)
}

// DeepQueryConfig 深度查询配置
type DeepQueryConfig struct {
	MaxSubQueries      int           `json:"max_sub_queries"`
	MaxConcurrency     int           `json:"max_concurrency"`
	ContextTokenBudget int           `json:"context_token_budget"`
	Timeout            time.Duration `json:"timeout"`
	GraphArtifactDir   string        `json:"graph_artifact_dir"`
}

// DefaultDeepQueryConfig 默认深度查询配置
func DefaultDeepQueryConfig() DeepQueryConfig {
	return DeepQueryConfig{
		MaxSubQueries:      10,
		MaxConcurrency:     4,
		ContextTokenBudget: 2000,
		Timeout:            2 * time.Minute,
	}
}

// DeepQueryRequest 深度查询请求
type DeepQueryRequest struct {
	Query       string `json:"query"`
	TopK        int    `json:"top_k"`
	CreateGraph bool   `json:"create_graph"`
}

// SubQueryContext 单个子查询的检索上下文与摘要
type SubQueryContext struct {
	SubQuery string    `json:"sub_query"`
	Passages []Passage `json:"passages"`
	// RawContext 送入摘要前的拼接文本（已按 Token 预算截断）
	RawContext string `json:"raw_context"`
	Summary    string `json:"summary"`
	Empty      bool   `json:"empty"`
}

// DeepQueryResult 深度查询结果。SubQueries 与 Contexts 保持拆分顺序。
type DeepQueryResult struct {
	RequestID  string            `json:"request_id"`
	Query      string            `json:"query"`
	Answer     string            `json:"answer"`
	SubQueries []string          `json:"sub_queries"`
	Contexts   []SubQueryContext `json:"contexts"`
	Graph      *GraphArtifact    `json:"graph,omitempty"`
	Duration   time.Duration     `json:"duration"`

	// EphemeralGraph 本次查询构建的临时图谱，不会并入语料图谱
	EphemeralGraph *KnowledgeGraph `json:"-"`
}

// DeepQueryAgent 拆分 → 并发检索与摘要 → 合成 → 可选临时图谱
type DeepQueryAgent struct {
	config      DeepQueryConfig
	retriever   passageRetriever
	decomposer  Decomposer
	summarizer  Summarizer
	synthesizer Synthesizer
	graph       *KnowledgeGraphBuilder
	tokenizer   Tokenizer
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// DeepQueryAgentOption DeepQueryAgent 可选项
type DeepQueryAgentOption func(*DeepQueryAgent)

// WithGraphBuilder 启用临时图谱构建
func WithGraphBuilder(b *KnowledgeGraphBuilder) DeepQueryAgentOption {
	return func(a *DeepQueryAgent) { a.graph = b }
}

// WithContextTokenizer 设置上下文预算使用的分词器
func WithContextTokenizer(t Tokenizer) DeepQueryAgentOption {
	return func(a *DeepQueryAgent) {
		if t != nil {
			a.tokenizer = t
		}
	}
}

// WithDeepQueryMetrics 设置指标收集器
func WithDeepQueryMetrics(m *metrics.Collector) DeepQueryAgentOption {
	return func(a *DeepQueryAgent) { a.metrics = m }
}

// NewDeepQueryAgent 创建深度查询代理
func NewDeepQueryAgent(config DeepQueryConfig, retriever passageRetriever, decomposer Decomposer, summarizer Summarizer, synthesizer Synthesizer, logger *zap.Logger, opts ...DeepQueryAgentOption) *DeepQueryAgent {
	if config.MaxSubQueries <= 0 {
		config.MaxSubQueries = 10
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &DeepQueryAgent{
		config:      config,
		retriever:   retriever,
		decomposer:  decomposer,
		summarizer:  summarizer,
		synthesizer: synthesizer,
		tokenizer:   NewEstimateTokenizer(),
		logger:      logger.With(zap.String("component", "deep_query")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run 执行深度查询。
//
// 所有子查询检索都为空时返回 ErrNoRelevantContent；部分为空时以占位文本参与合成。
// 请求被取消时返回 ctx 错误且不返回任何部分结果。
func (a *DeepQueryAgent) Run(ctx context.Context, req DeepQueryRequest) (result *DeepQueryResult, err error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidRequest)
	}
	if req.CreateGraph && a.graph == nil {
		return nil, fmt.Errorf("%w: graph construction is not configured", ErrInvalidRequest)
	}
	if a.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.Timeout)
		defer cancel()
	}

	requestID := uuid.NewString()
	ctx = ctxkeys.WithRequestID(ctx, requestID)
	logger := a.logger.With(zap.String("request_id", requestID))
	ctx, span := telemetry.Start(ctx, telemetry.SpanDeepQuery,
		attribute.String("request.id", requestID),
		attribute.Bool("deep_query.create_graph", req.CreateGraph))
	start := time.Now()
	var subCount, emptyCount int
	defer func() {
		telemetry.End(span, err)
		status := "ok"
		switch {
		case IsNotFoundCondition(err):
			status = "no_content"
		case err != nil:
			status = "error"
		}
		a.metrics.RecordDeepQuery(status, subCount, emptyCount, time.Since(start))
	}()

	subQueries, err := a.decompose(ctx, query, logger)
	if err != nil {
		return nil, err
	}
	subCount = len(subQueries)
	span.SetAttributes(attribute.Int("deep_query.sub_queries", subCount))
	logger.Debug("query decomposed", zap.Strings("sub_queries", subQueries))

	contexts, err := a.gather(ctx, subQueries, req.TopK, logger)
	if err != nil {
		return nil, err
	}
	// 取消是请求级的：已完成的子查询也不返回
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	summaries := make([]string, len(contexts))
	for i, c := range contexts {
		if c.Empty {
			emptyCount++
		}
		summaries[i] = c.Summary
	}
	if emptyCount == len(contexts) {
		logger.Info("no sub-query retrieved any context", zap.Int("sub_queries", subCount))
		return nil, fmt.Errorf("%w: none of %d sub-queries matched", ErrNoRelevantContent, subCount)
	}

	answer, err := a.synthesizer.Synthesize(ctx, query, summaries)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, upstreamError("synthesize answer", err)
	}

	result = &DeepQueryResult{
		RequestID:  requestID,
		Query:      query,
		Answer:     answer,
		SubQueries: subQueries,
		Contexts:   contexts,
	}
	if req.CreateGraph {
		if err := a.attachGraph(ctx, result, logger); err != nil {
			return nil, err
		}
	}
	result.Duration = time.Since(start)
	logger.Info("deep query completed",
		zap.Int("sub_queries", subCount),
		zap.Int("empty", emptyCount),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// decompose 拆分失败或没有结果时退化为原查询
func (a *DeepQueryAgent) decompose(ctx context.Context, query string, logger *zap.Logger) ([]string, error) {
	raw, err := a.decomposer.Decompose(ctx, query)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		logger.Warn("decomposition failed, using the whole query", zap.Error(err))
		raw = nil
	}
	subs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			subs = append(subs, s)
		}
	}
	if len(subs) == 0 {
		return []string{query}, nil
	}
	if len(subs) > a.config.MaxSubQueries {
		logger.Debug("truncating sub-queries",
			zap.Int("decomposed", len(subs)),
			zap.Int("max", a.config.MaxSubQueries))
		subs = subs[:a.config.MaxSubQueries]
	}
	return subs, nil
}

// gather 有界并发执行每个子查询的检索与摘要，结果按原下标写回
func (a *DeepQueryAgent) gather(ctx context.Context, subQueries []string, topK int, logger *zap.Logger) ([]SubQueryContext, error) {
	contexts := make([]SubQueryContext, len(subQueries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.config.MaxConcurrency)
	for i, sq := range subQueries {
		g.Go(func() error {
			c, err := a.processSubQuery(gctx, sq, topK, logger)
			if err != nil {
				return err
			}
			contexts[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return contexts, nil
}

func (a *DeepQueryAgent) processSubQuery(ctx context.Context, subQuery string, topK int, logger *zap.Logger) (SubQueryContext, error) {
	if err := ctx.Err(); err != nil {
		return SubQueryContext{}, err
	}
	passages, err := a.retriever.Retrieve(ctx, subQuery, topK)
	if err != nil {
		return SubQueryContext{}, fmt.Errorf("retrieve %q: %w", subQuery, err)
	}
	if len(passages) == 0 {
		return SubQueryContext{
			SubQuery: subQuery,
			Passages: []Passage{},
			Summary:  fmt.Sprintf(NoContextPlaceholder, subQuery),
			Empty:    true,
		}, nil
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	raw := TruncateToTokens(a.tokenizer, joinSections(texts), a.config.ContextTokenBudget)

	summary, err := a.summarizer.Summarize(ctx, subQuery, raw)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SubQueryContext{}, ctxErr
		}
		logger.Warn("summarization failed, using raw context",
			zap.String("sub_query", subQuery), zap.Error(err))
		summary = raw
	}
	return SubQueryContext{
		SubQuery:   subQuery,
		Passages:   passages,
		RawContext: raw,
		Summary:    summary,
	}, nil
}

// attachGraph 由全部子查询检索到的分块（按 chunk_id 去重）构建临时图谱
func (a *DeepQueryAgent) attachGraph(ctx context.Context, result *DeepQueryResult, logger *zap.Logger) error {
	seen := map[int64]struct{}{}
	var texts []string
	for _, c := range result.Contexts {
		for _, p := range c.Passages {
			if _, dup := seen[p.ChunkID]; dup {
				continue
			}
			seen[p.ChunkID] = struct{}{}
			texts = append(texts, p.Text)
		}
	}
	g, report, err := a.graph.Build(ctx, texts)
	if err != nil {
		return err
	}
	artifact, err := newGraphArtifact(a.config.GraphArtifactDir, result.Query, g)
	if err != nil {
		return fmt.Errorf("write graph artifact: %w", err)
	}
	result.Graph = artifact
	result.EphemeralGraph = g
	logger.Debug("ephemeral graph built",
		zap.String("artifact_id", artifact.ID),
		zap.Int("chunks", report.Chunks),
		zap.Int("failed", report.Failed))
	return nil
}
