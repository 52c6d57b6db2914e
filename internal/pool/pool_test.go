package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_ResetOnPut(t *testing.T) {
	p := NewPool(func() []int { return make([]int, 0, 8) }, func(s *[]int) { *s = (*s)[:0] })

	s := p.Get()
	s = append(s, 1, 2, 3)
	p.Put(s)

	got := p.Get()
	assert.Empty(t, got)
	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Gets)
	assert.Equal(t, int64(1), stats.Puts)
	assert.GreaterOrEqual(t, stats.News, int64(1))
}

func TestMapPool_ClearsMaps(t *testing.T) {
	p := NewMapPool[int32, struct{}](4)
	m := p.Get()
	m[1] = struct{}{}
	m[2] = struct{}{}
	p.Put(m)
	assert.Empty(t, m)

	m = p.Get()
	assert.Empty(t, m)
}

func TestPool_Concurrent(t *testing.T) {
	p := NewMapPool[string, int](0)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m := p.Get()
				assert.Empty(t, m)
				m["k"] = j
				p.Put(m)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1600), p.Stats().Gets)
}

func TestStats_HitRate(t *testing.T) {
	assert.Equal(t, 0.0, Stats{}.HitRate())
	assert.InDelta(t, 0.75, Stats{Gets: 4, News: 1}.HitRate(), 1e-9)
}
