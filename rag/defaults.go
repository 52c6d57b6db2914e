package rag

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// =============================================================================
// 🧰 离线默认协作者
// =============================================================================
// 无语言模型时使用的确定性实现，也用于 CLI 与测试。

// ExtractiveSummarizer 按词频给句子打分，按原顺序保留得分最高的若干句
type ExtractiveSummarizer struct {
	MaxSentences int
}

var sentenceEnd = regexp.MustCompile(`[.!?。！？]+\s+`)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"on": {}, "for": {}, "is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "by": {},
	"with": {}, "as": {}, "at": {}, "it": {}, "this": {}, "that": {}, "from": {},
}

// splitSentences 按句末标点切分，保留标点
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	var out []string
	last := 0
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[last:m[1]]); s != "" {
			out = append(out, s)
		}
		last = m[1]
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		out = append(out, s)
	}
	return out
}

func contentWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopWords[f]; !stop {
			out = append(out, f)
		}
	}
	return out
}

func (s *ExtractiveSummarizer) Summarize(ctx context.Context, subQuery, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	limit := s.MaxSentences
	if limit <= 0 {
		limit = 3
	}
	sentences := splitSentences(text)
	if len(sentences) <= limit {
		return strings.Join(sentences, " "), nil
	}

	freq := map[string]int{}
	for _, w := range contentWords(text) {
		freq[w]++
	}
	// 子查询中的词额外加权
	for _, w := range contentWords(subQuery) {
		freq[w] += 3
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, sent := range sentences {
		words := contentWords(sent)
		total := 0
		for _, w := range words {
			total += freq[w]
		}
		score := 0.0
		if len(words) > 0 {
			score = float64(total) / float64(len(words))
		}
		ranked[i] = scored{idx: i, score: score}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	keep := make([]int, 0, limit)
	for _, r := range ranked[:limit] {
		keep = append(keep, r.idx)
	}
	sort.Ints(keep)
	parts := make([]string, len(keep))
	for i, idx := range keep {
		parts[i] = sentences[idx]
	}
	return strings.Join(parts, " "), nil
}

// ConcatSynthesizer 按顺序拼接各子查询摘要
type ConcatSynthesizer struct{}

func (ConcatSynthesizer) Synthesize(ctx context.Context, query string, summaries []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Answer to: %s", query)
	for i, s := range summaries {
		fmt.Fprintf(&b, "\n\n[%d] %s", i+1, s)
	}
	return b.String(), nil
}

// LineDecomposer 按行与问号拆分查询，不做语义拆解
type LineDecomposer struct{}

func (LineDecomposer) Decompose(ctx context.Context, query string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(query, "\n") {
		for _, part := range strings.SplitAfter(line, "?") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out, nil
}

// PatternExtractor 用简单句式抽取三元组："X is a Y"、"X uses Y" 等
type PatternExtractor struct{}

var triplePattern = regexp.MustCompile(
	`(?i)\b([\p{L}][\p{L}\p{N}+#.-]*(?:\s+[\p{L}\p{N}+#-]+)?)\s+` +
		`(is an?|is part of|uses|contains|supports|depends on|implements|extends|provides|requires)\s+` +
		`([\p{L}\p{N}][\p{L}\p{N}+#-]*(?:\s+[\p{L}\p{N}+#-]+)?)`)

func (PatternExtractor) Extract(ctx context.Context, text string) ([]Triple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Triple
	for _, sent := range splitSentences(text) {
		for _, m := range triplePattern.FindAllStringSubmatch(sent, -1) {
			t := Triple{
				Subject:   strings.TrimRight(m[1], ".,;:"),
				Predicate: strings.ToLower(m[2]),
				Object:    strings.TrimRight(m[3], ".,;:"),
			}.trimmed()
			if t.Valid() {
				out = append(out, t)
			}
		}
	}
	return out, nil
}
