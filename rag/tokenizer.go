package rag

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer 分词器接口，用于 chunk token 计数和上下文预算裁剪。
type Tokenizer interface {
	CountTokens(text string) int
}

// =============================================================================
// tiktoken
// =============================================================================

// modelEncodings 将模型名映射到 tiktoken 编码。
var modelEncodings = map[string]string{
	"gpt-4o":                 "o200k_base",
	"gpt-4o-mini":            "o200k_base",
	"gpt-4-turbo":            "cl100k_base",
	"gpt-4":                  "cl100k_base",
	"gpt-3.5-turbo":          "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
	"text-embedding-ada-002": "cl100k_base",
}

// TiktokenTokenizer 基于 tiktoken 的分词器。
// 编码数据在首次使用时懒加载；加载失败时回退到估算器并记录警告。
type TiktokenTokenizer struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
	fallback *EstimateTokenizer
	logger   *zap.Logger
}

// NewTiktokenTokenizer 为给定模型创建分词器，未知模型使用 cl100k_base。
func NewTiktokenTokenizer(model string, logger *zap.Logger) *TiktokenTokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TiktokenTokenizer{
		model:    model,
		encoding: encodingForModel(model),
		fallback: NewEstimateTokenizer(),
		logger:   logger.With(zap.String("component", "tokenizer")),
	}
}

func encodingForModel(model string) string {
	if enc, ok := modelEncodings[model]; ok {
		return enc
	}
	// 尝试前缀匹配，优先最长前缀
	best, bestLen := "", 0
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = enc, len(prefix)
		}
	}
	if best != "" {
		return best
	}
	return "cl100k_base"
}

func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			t.logger.Warn("tiktoken unavailable, falling back to estimate",
				zap.String("model", t.model), zap.Error(err))
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// CountTokens 返回文本的 token 数。
func (t *TiktokenTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Encoding 返回实际使用的编码名。
func (t *TiktokenTokenizer) Encoding() string {
	return t.encoding
}

// =============================================================================
// 估算器
// =============================================================================

// EstimateTokenizer 基于字符数的 token 估算器，区分 CJK 与 ASCII。
type EstimateTokenizer struct{}

// NewEstimateTokenizer 创建估算器。
func NewEstimateTokenizer() *EstimateTokenizer {
	return &EstimateTokenizer{}
}

// CountTokens CJK 约 1.5 字符/token，其余约 4 字符/token。
func (EstimateTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	n := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if n == 0 {
		n = 1
	}
	return n
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}

// NewTokenizer 按模型名创建分词器；model 为空时返回估算器。
func NewTokenizer(model string, logger *zap.Logger) Tokenizer {
	if model == "" {
		return NewEstimateTokenizer()
	}
	return NewTiktokenTokenizer(model, logger)
}

// TruncateToTokens 按空白切分后累加，直到超出预算为止。
func TruncateToTokens(tok Tokenizer, text string, budget int) string {
	if budget <= 0 || tok.CountTokens(text) <= budget {
		return text
	}
	words := strings.Fields(text)
	lo, hi := 0, len(words)
	// 二分查找最长前缀
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if tok.CountTokens(strings.Join(words[:mid], " ")) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.Join(words[:lo], " ")
}
