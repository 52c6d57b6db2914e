// Package pool 提供基于 sync.Pool 的泛型对象池，用于检索热路径上的临时对象复用。
package pool

import (
	"sync"
	"sync/atomic"
)

// Pool 泛型对象池
type Pool[T any] struct {
	pool  sync.Pool
	reset func(*T)

	gets atomic.Int64
	puts atomic.Int64
	news atomic.Int64
}

// NewPool 创建对象池；resetFunc 在归还时调用，可为 nil
func NewPool[T any](newFunc func() T, resetFunc func(*T)) *Pool[T] {
	p := &Pool[T]{reset: resetFunc}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get 取出对象
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put 归还对象
func (p *Pool[T]) Put(obj T) {
	p.puts.Add(1)
	if p.reset != nil {
		p.reset(&obj)
	}
	p.pool.Put(obj)
}

// Stats 返回统计信息
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Gets: p.gets.Load(),
		Puts: p.puts.Load(),
		News: p.news.Load(),
	}
}

// Stats 对象池统计
type Stats struct {
	Gets int64 `json:"gets"`
	Puts int64 `json:"puts"`
	News int64 `json:"news"`
}

// HitRate 复用率
func (s Stats) HitRate() float64 {
	if s.Gets == 0 {
		return 0
	}
	return float64(s.Gets-s.News) / float64(s.Gets)
}

// NewMapPool 创建 map 对象池，归还时清空
func NewMapPool[K comparable, V any](initSize int) *Pool[map[K]V] {
	return NewPool(
		func() map[K]V { return make(map[K]V, initSize) },
		func(m *map[K]V) { clear(*m) },
	)
}
