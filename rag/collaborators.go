package rag

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
)

// =============================================================================
// 🤝 外部协作者
// =============================================================================
// 检索核心只通过以下窄接口与语言模型交互。

// Decomposer 将复杂查询拆成有序子查询
type Decomposer interface {
	Decompose(ctx context.Context, query string) ([]string, error)
}

// Summarizer 将子查询的检索上下文压缩成短摘要
type Summarizer interface {
	Summarize(ctx context.Context, subQuery, text string) (string, error)
}

// Synthesizer 将各子查询摘要合成为最终答案
type Synthesizer interface {
	Synthesize(ctx context.Context, query string, summaries []string) (string, error)
}

// Extractor 从文本抽取 (实体, 关系, 实体) 三元组。
// 无法解析的模型输出应返回 ErrExtractionFailure。
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Triple, error)
}

// Completer 语言模型补全端点
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ====== 函数适配器 ======

type DecomposerFunc func(ctx context.Context, query string) ([]string, error)

func (f DecomposerFunc) Decompose(ctx context.Context, query string) ([]string, error) {
	return f(ctx, query)
}

type SummarizerFunc func(ctx context.Context, subQuery, text string) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, subQuery, text string) (string, error) {
	return f(ctx, subQuery, text)
}

type SynthesizerFunc func(ctx context.Context, query string, summaries []string) (string, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, query string, summaries []string) (string, error) {
	return f(ctx, query, summaries)
}

type ExtractorFunc func(ctx context.Context, text string) ([]Triple, error)

func (f ExtractorFunc) Extract(ctx context.Context, text string) ([]Triple, error) {
	return f(ctx, text)
}

type CompleterFunc func(ctx context.Context, prompt string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// =============================================================================
// 🧠 基于 Completer 的协作者
// =============================================================================

const (
	decomposePrompt = `Break the user query below into a short numbered list of focused sub-questions.
Each sub-question must be answerable on its own by searching a document collection.
Return at most %d items, one per line, formatted as "1. question".

User query: %q`

	summarizePrompt = `Using only the context below, write a concise summary that answers the question %q.

Context:
%s`

	synthesizePrompt = `Answer the user's query using the information gathered below.
Some sections may state that no context was found; say so instead of guessing.

User query: %q

Gathered information:
%s`

	extractPrompt = `Extract knowledge-graph triples from the text below.
Return a JSON array of objects with the string fields "subject", "predicate", "object",
and optionally "subject_type" and "object_type". Return [] if there are none.

Text:
%s`
)

// LLMDecomposer 用补全端点拆分查询，解析失败时退化为原查询
type LLMDecomposer struct {
	Completer     Completer
	MaxSubQueries int
}

func (d *LLMDecomposer) Decompose(ctx context.Context, query string) ([]string, error) {
	limit := d.MaxSubQueries
	if limit <= 0 {
		limit = 10
	}
	out, err := d.Completer.Complete(ctx, fmt.Sprintf(decomposePrompt, limit, query))
	if err != nil {
		return nil, upstreamError("decompose query", err)
	}
	return ParseSubQueries(out, query), nil
}

// LLMSummarizer 用补全端点生成摘要
type LLMSummarizer struct {
	Completer Completer
}

func (s *LLMSummarizer) Summarize(ctx context.Context, subQuery, text string) (string, error) {
	out, err := s.Completer.Complete(ctx, fmt.Sprintf(summarizePrompt, subQuery, text))
	if err != nil {
		return "", upstreamError("summarize context", err)
	}
	return strings.TrimSpace(out), nil
}

// LLMSynthesizer 用补全端点合成最终答案
type LLMSynthesizer struct {
	Completer Completer
}

func (s *LLMSynthesizer) Synthesize(ctx context.Context, query string, summaries []string) (string, error) {
	out, err := s.Completer.Complete(ctx, fmt.Sprintf(synthesizePrompt, query, joinSections(summaries)))
	if err != nil {
		return "", upstreamError("synthesize answer", err)
	}
	return strings.TrimSpace(out), nil
}

// LLMExtractor 用补全端点抽取三元组
type LLMExtractor struct {
	Completer Completer
}

func (e *LLMExtractor) Extract(ctx context.Context, text string) ([]Triple, error) {
	out, err := e.Completer.Complete(ctx, fmt.Sprintf(extractPrompt, text))
	if err != nil {
		return nil, upstreamError("extract triples", err)
	}
	return ParseTriples(out)
}

const sectionSeparator = "\n\n---\n\n"

func joinSections(parts []string) string {
	return strings.Join(parts, sectionSeparator)
}

// =============================================================================
// 🚦 协作者限流
// =============================================================================

// CollaboratorLimiter 所有被包装的协作者共享同一令牌桶
type CollaboratorLimiter struct {
	limiter *rate.Limiter
}

// NewCollaboratorLimiter rps <= 0 时返回 nil，包装方法对 nil 原样返回。
func NewCollaboratorLimiter(rps float64, burst int) *CollaboratorLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &CollaboratorLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (l *CollaboratorLimiter) wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Embedder 包装 Embedder
func (l *CollaboratorLimiter) Embedder(e Embedder) Embedder {
	if l == nil || e == nil {
		return e
	}
	return EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
		return e.Embed(ctx, text)
	})
}

// Decomposer 包装 Decomposer
func (l *CollaboratorLimiter) Decomposer(d Decomposer) Decomposer {
	if l == nil || d == nil {
		return d
	}
	return DecomposerFunc(func(ctx context.Context, query string) ([]string, error) {
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
		return d.Decompose(ctx, query)
	})
}

// Summarizer 包装 Summarizer
func (l *CollaboratorLimiter) Summarizer(s Summarizer) Summarizer {
	if l == nil || s == nil {
		return s
	}
	return SummarizerFunc(func(ctx context.Context, subQuery, text string) (string, error) {
		if err := l.wait(ctx); err != nil {
			return "", err
		}
		return s.Summarize(ctx, subQuery, text)
	})
}

// Synthesizer 包装 Synthesizer
func (l *CollaboratorLimiter) Synthesizer(s Synthesizer) Synthesizer {
	if l == nil || s == nil {
		return s
	}
	return SynthesizerFunc(func(ctx context.Context, query string, summaries []string) (string, error) {
		if err := l.wait(ctx); err != nil {
			return "", err
		}
		return s.Synthesize(ctx, query, summaries)
	})
}

// Extractor 包装 Extractor
func (l *CollaboratorLimiter) Extractor(e Extractor) Extractor {
	if l == nil || e == nil {
		return e
	}
	return ExtractorFunc(func(ctx context.Context, text string) ([]Triple, error) {
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
		return e.Extract(ctx, text)
	})
}
