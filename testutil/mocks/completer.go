// MockCompleter 的语言模型补全测试模拟实现。
//
// 按提示词子串匹配脚本化响应，支持默认响应、延迟与错误注入。
package mocks

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrMockFailure 注入的通用错误
var ErrMockFailure = errors.New("mock completer failure")

type scriptedReply struct {
	contains string
	reply    string
	err      error
}

// MockCompleter 模拟 Complete(ctx, prompt) (string, error)
type MockCompleter struct {
	mu        sync.Mutex
	script    []scriptedReply
	fallback  string
	delay     time.Duration
	failAfter int
	prompts   []string
}

// NewMockCompleter 创建 MockCompleter
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{fallback: "Mock response"}
}

// On 提示词包含 substr 时返回 reply（按注册顺序匹配第一条）
func (m *MockCompleter) On(substr, reply string) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scriptedReply{contains: substr, reply: reply})
	return m
}

// OnError 提示词包含 substr 时返回 err
func (m *MockCompleter) OnError(substr string, err error) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scriptedReply{contains: substr, err: err})
	return m
}

// WithDefault 设置未匹配时的响应
func (m *MockCompleter) WithDefault(reply string) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = reply
	return m
}

// WithDelay 设置每次调用的延迟
func (m *MockCompleter) WithDelay(d time.Duration) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 第 n 次之后的调用全部失败
func (m *MockCompleter) WithFailAfter(n int) *MockCompleter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// Complete 返回脚本化响应
func (m *MockCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	n := len(m.prompts)
	delay, failAfter := m.delay, m.failAfter
	script := m.script
	fallback := m.fallback
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if failAfter > 0 && n > failAfter {
		return "", ErrMockFailure
	}
	for _, s := range script {
		if strings.Contains(prompt, s.contains) {
			return s.reply, s.err
		}
	}
	return fallback, nil
}

// Prompts 返回收到的提示词副本
func (m *MockCompleter) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// CallCount 返回调用次数
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}
