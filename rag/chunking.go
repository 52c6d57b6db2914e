package rag

import (
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"
)

// ChunkingConfig 分块配置。ChunkSize 与 Overlap 以单词计。
type ChunkingConfig struct {
	ChunkSize     int  `json:"chunk_size"`
	Overlap       int  `json:"overlap"`
	Lowercase     bool `json:"lowercase"`
	ReplaceURLs   bool `json:"replace_urls"`
	StripNonASCII bool `json:"strip_non_ascii"`
}

// DefaultChunkingConfig 默认分块配置
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		ChunkSize:   300,
		Overlap:     70,
		ReplaceURLs: true,
	}
}

// Segment 分块结果，偏移量指向规范化后的文本（字节）。
type Segment struct {
	Text        string `json:"text"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	TokenCount  int    `json:"token_count"`
}

var urlPattern = regexp.MustCompile(`https?://\S+|www\.\S+`)

// Chunker 文档分块器。相同输入与参数总是得到相同的边界。
type Chunker struct {
	config    ChunkingConfig
	tokenizer Tokenizer
	logger    *zap.Logger
}

// NewChunker 创建分块器，tokenizer 为空时使用估算器。
func NewChunker(config ChunkingConfig, tokenizer Tokenizer, logger *zap.Logger) *Chunker {
	if tokenizer == nil {
		tokenizer = NewEstimateTokenizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		config:    config,
		tokenizer: tokenizer,
		logger:    logger.With(zap.String("component", "chunker")),
	}
}

// Config 返回分块配置
func (c *Chunker) Config() ChunkingConfig {
	return c.config
}

// Normalize 规范化文档文本：可选过滤非 ASCII、替换 URL、转小写，最后折叠空白。
func (c *Chunker) Normalize(text string) string {
	return NormalizeText(text, c.config)
}

// NormalizeText 按配置规范化文本。
func NormalizeText(text string, cfg ChunkingConfig) string {
	if cfg.StripNonASCII {
		text = strings.Map(func(r rune) rune {
			if r > unicode.MaxASCII {
				return -1
			}
			return r
		}, text)
	}
	if cfg.ReplaceURLs {
		text = urlPattern.ReplaceAllString(text, "[URL]")
	}
	if cfg.Lowercase {
		text = strings.ToLower(text)
	}
	return strings.Join(strings.Fields(text), " ")
}

// Chunk 对已规范化的文本分块；空文本返回空切片。
func (c *Chunker) Chunk(normalized string) []Segment {
	segs := ChunkText(normalized, c.config.ChunkSize, c.config.Overlap)
	for i := range segs {
		segs[i].TokenCount = c.tokenizer.CountTokens(segs[i].Text)
	}
	c.logger.Debug("document chunked",
		zap.Int("length", len(normalized)),
		zap.Int("chunks", len(segs)))
	return segs
}

type wordSpan struct{ start, end int }

func wordSpans(text string) []wordSpan {
	var spans []wordSpan
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, wordSpan{start, i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, wordSpan{start, len(text)})
	}
	return spans
}

// ChunkText 以 chunkSize 个单词为窗口、chunkSize-overlap 为步长切分文本。
// 最后一个窗口止于最后一个单词，不会产生被前一窗口完全包含的块。
func ChunkText(text string, chunkSize, overlap int) []Segment {
	if chunkSize <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize - 1
	}
	words := wordSpans(text)
	if len(words) == 0 {
		return nil
	}

	stride := chunkSize - overlap
	segs := make([]Segment, 0, len(words)/stride+1)
	for start := 0; start < len(words); start += stride {
		end := min(start+chunkSize, len(words))
		s, e := words[start].start, words[end-1].end
		segs = append(segs, Segment{Text: text[s:e], StartOffset: s, EndOffset: e})
		if end == len(words) {
			break
		}
	}
	return segs
}
