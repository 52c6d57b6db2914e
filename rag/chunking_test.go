package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNormalizeText(t *testing.T) {
	cfg := ChunkingConfig{ReplaceURLs: true, Lowercase: true, StripNonASCII: true}
	got := NormalizeText("  See https://example.com/a?b=1  for Détails\n\tand www.foo.org ", cfg)
	assert.Equal(t, "see [url] for dtails and [url]", got)

	// 仅折叠空白
	assert.Equal(t, "Keep Case here", NormalizeText("Keep   Case\n\nhere", ChunkingConfig{}))
	assert.Equal(t, "", NormalizeText(" \n\t ", ChunkingConfig{}))
}

func TestChunkText_Windows(t *testing.T) {
	text := "w0 w1 w2 w3 w4 w5 w6 w7 w8 w9"

	segs := ChunkText(text, 4, 1)
	require.Len(t, segs, 3)
	assert.Equal(t, "w0 w1 w2 w3", segs[0].Text)
	assert.Equal(t, "w3 w4 w5 w6", segs[1].Text)
	assert.Equal(t, "w6 w7 w8 w9", segs[2].Text)

	for _, s := range segs {
		assert.Equal(t, s.Text, text[s.StartOffset:s.EndOffset])
	}
}

func TestChunkText_NoContainedTail(t *testing.T) {
	// 8 个单词恰好填满一个窗口时不应再产生尾块
	segs := ChunkText("a b c d e f g h", 8, 2)
	require.Len(t, segs, 1)
	assert.Equal(t, 0, segs[0].StartOffset)
	assert.Equal(t, 15, segs[0].EndOffset)
}

func TestChunkText_EdgeCases(t *testing.T) {
	assert.Empty(t, ChunkText("", 10, 2))
	assert.Empty(t, ChunkText("   ", 10, 2))
	assert.Empty(t, ChunkText("some words", 0, 0))

	// overlap >= chunkSize 被截断为 chunkSize-1
	segs := ChunkText("a b c", 2, 5)
	require.Len(t, segs, 2)
	assert.Equal(t, "a b", segs[0].Text)
	assert.Equal(t, "b c", segs[1].Text)
}

func TestChunker_TokenCounts(t *testing.T) {
	c := NewChunker(ChunkingConfig{ChunkSize: 3, Overlap: 0}, NewEstimateTokenizer(), nil)
	segs := c.Chunk(c.Normalize("alpha beta gamma delta"))
	require.Len(t, segs, 2)
	for _, s := range segs {
		assert.Positive(t, s.TokenCount)
	}
}

func TestChunkText_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		words := rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,8}`), 0, 200).Draw(rt, "words")
		size := rapid.IntRange(1, 40).Draw(rt, "size")
		overlap := rapid.IntRange(0, size-1).Draw(rt, "overlap")
		text := strings.Join(words, " ")

		segs := ChunkText(text, size, overlap)
		again := ChunkText(text, size, overlap)
		if len(segs) != len(again) {
			rt.Fatalf("non-deterministic chunk count")
		}

		covered := 0
		for i, s := range segs {
			if s != again[i] {
				rt.Fatalf("non-deterministic boundary at %d", i)
			}
			if s.StartOffset >= s.EndOffset {
				rt.Fatalf("empty span %+v", s)
			}
			if text[s.StartOffset:s.EndOffset] != s.Text {
				rt.Fatalf("text does not match offsets")
			}
			n := len(strings.Fields(s.Text))
			if n > size {
				rt.Fatalf("chunk has %d words, limit %d", n, size)
			}
			if i > 0 {
				prev := segs[i-1]
				if s.StartOffset <= prev.StartOffset {
					rt.Fatalf("chunks not ordered")
				}
				if s.StartOffset < prev.EndOffset {
					shared := len(strings.Fields(text[s.StartOffset:prev.EndOffset]))
					if shared > overlap {
						rt.Fatalf("overlap %d exceeds configured %d", shared, overlap)
					}
				}
			}
			covered = s.EndOffset
		}
		if len(words) > 0 && covered != len(text) {
			rt.Fatalf("last chunk ends at %d, text length %d", covered, len(text))
		}
		if len(words) == 0 && len(segs) != 0 {
			rt.Fatalf("empty input produced chunks")
		}
	})
}
