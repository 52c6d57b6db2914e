// MockEmbedder 的 embedding 协作者测试模拟实现。
//
// 支持关键词向量表、固定延迟与错误注入场景。
package mocks

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockEmbedder 按关键词返回固定向量：文本包含某关键词时，
// 对应维度置 1。未命中任何关键词的文本落在最后一维。
type MockEmbedder struct {
	mu       sync.Mutex
	dim      int
	keywords map[string]int
	err      error
	delay    time.Duration
	calls    []string
}

// NewMockEmbedder 创建 MockEmbedder
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{dim: dim, keywords: map[string]int{}}
}

// WithKeyword 将关键词映射到维度 axis
func (m *MockEmbedder) WithKeyword(keyword string, axis int) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keywords[strings.ToLower(keyword)] = axis
	return m
}

// WithError 设置错误
func (m *MockEmbedder) WithError(err error) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithDelay 设置每次调用的延迟
func (m *MockEmbedder) WithDelay(d time.Duration) *MockEmbedder {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// Embed 实现 Embedder
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, text)
	err, delay := m.err, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	vec := make([]float32, m.dim)
	lower := strings.ToLower(text)
	hit := false
	m.mu.Lock()
	for kw, axis := range m.keywords {
		if strings.Contains(lower, kw) && axis < m.dim {
			vec[axis] = 1
			hit = true
		}
	}
	m.mu.Unlock()
	if !hit {
		vec[m.dim-1] = 1
	}
	return vec, nil
}

// Calls 返回调用记录副本
func (m *MockEmbedder) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// CallCount 返回调用次数
func (m *MockEmbedder) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset 清空调用记录
func (m *MockEmbedder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
