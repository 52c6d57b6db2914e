package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractiveSummarizer_KeepsShortTextVerbatim(t *testing.T) {
	s := &ExtractiveSummarizer{MaxSentences: 3}
	out, err := s.Summarize(context.Background(), "q", "One sentence. Two sentences.")
	require.NoError(t, err)
	assert.Equal(t, "One sentence. Two sentences.", out)
}

func TestExtractiveSummarizer_PrefersQueryTermsAndKeepsOrder(t *testing.T) {
	text := "The weather was mild. Compaction rebuilds the index graph. " +
		"Lunch was served at noon. Soft deleted entries are dropped during compaction. " +
		"Nobody noticed the cat."
	s := &ExtractiveSummarizer{MaxSentences: 2}

	out, err := s.Summarize(context.Background(), "how does compaction work", text)
	require.NoError(t, err)
	assert.Contains(t, out, "Compaction rebuilds the index graph.")
	assert.Contains(t, out, "dropped during compaction.")
	assert.NotContains(t, out, "cat")
	assert.Less(t, strings.Index(out, "rebuilds"), strings.Index(out, "dropped"))
}

func TestExtractiveSummarizer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&ExtractiveSummarizer{}).Summarize(ctx, "q", "text")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcatSynthesizer(t *testing.T) {
	out, err := ConcatSynthesizer{}.Synthesize(context.Background(), "q?", []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, "Answer to: q?\n\n[1] alpha\n\n[2] beta", out)
}

func TestLineDecomposer(t *testing.T) {
	subs, err := LineDecomposer{}.Decompose(context.Background(), "What is HNSW? How is it saved?\n  \nWhy compact")
	require.NoError(t, err)
	assert.Equal(t, []string{"What is HNSW?", "How is it saved?", "Why compact"}, subs)

	subs, err = LineDecomposer{}.Decompose(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestPatternExtractor(t *testing.T) {
	triples, err := PatternExtractor{}.Extract(context.Background(),
		"Go uses goroutines. Redis is a cache. The weather was nice.")
	require.NoError(t, err)
	assert.Equal(t, []Triple{
		{Subject: "Go", Predicate: "uses", Object: "goroutines"},
		{Subject: "Redis", Predicate: "is a", Object: "cache"},
	}, triples)
}
