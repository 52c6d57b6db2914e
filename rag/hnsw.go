package rag

import (
	"container/heap"
	"fmt"
	"math"
	"sort"

	"github.com/BaSui01/deeprag/internal/pool"
)

// visitedPool 复用 searchLayer 的已访问集合
var visitedPool = pool.NewMapPool[int32, struct{}](64)

// Metric 距离度量，索引创建时确定，之后不可更改。
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// ParseMetric 解析度量名称
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, "":
		return MetricCosine, nil
	case MetricL2:
		return MetricL2, nil
	default:
		return "", fmt.Errorf("unknown metric %q", s)
	}
}

// distance 越小越近。cosine 返回 1-cos，l2 返回欧氏距离。
func (m Metric) distance(a, b []float32) float64 {
	if m == MetricL2 {
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// score 将距离转换为相似度分数（越大越近）。
func (m Metric) score(dist float64) float64 {
	if m == MetricL2 {
		return 1 / (1 + dist)
	}
	return 1 - dist
}

// ====== HNSW 图 ======

// HNSWConfig HNSW 配置
type HNSWConfig struct {
	M              int    `json:"m"`               // 每层最大连接数（第 0 层为 2M）
	EfConstruction int    `json:"ef_construction"` // 构建时搜索宽度
	EfSearch       int    `json:"ef_search"`       // 搜索时宽度
	MaxLevel       int    `json:"max_level"`       // 最大层数
	Seed           uint64 `json:"seed"`            // 层级种子

	// 图规模不超过该值时改为精确扫描
	BruteForceThreshold int `json:"brute_force_threshold"`
}

// DefaultHNSWConfig 默认 HNSW 配置
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:                   16,
		EfConstruction:      200,
		EfSearch:            100,
		MaxLevel:            16,
		Seed:                42,
		BruteForceThreshold: 256,
	}
}

func (c HNSWConfig) withDefaults() HNSWConfig {
	d := DefaultHNSWConfig()
	if c.M < 2 {
		c.M = d.M
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = d.EfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = d.EfSearch
	}
	if c.MaxLevel <= 0 {
		c.MaxLevel = d.MaxLevel
	}
	if c.BruteForceThreshold < 0 {
		c.BruteForceThreshold = 0
	}
	return c
}

// hnswGraph 构建完成后只读，可被多个读者无锁共享。
type hnswGraph struct {
	config     HNSWConfig
	metric     Metric
	entries    []VectorEntry
	links      [][][]int32 // node -> level -> neighbors
	entryPoint int32
	maxLevel   int
}

func emptyGraph(config HNSWConfig, metric Metric) *hnswGraph {
	return &hnswGraph{config: config, metric: metric, entryPoint: -1}
}

func (g *hnswGraph) size() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// buildGraph 按 chunk_id 升序插入，结果只取决于条目集合与配置。
func buildGraph(entries []VectorEntry, config HNSWConfig, metric Metric) *hnswGraph {
	sorted := make([]VectorEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkID < sorted[j].ChunkID })

	g := emptyGraph(config, metric)
	g.entries = sorted
	g.links = make([][][]int32, len(sorted))
	for i := range sorted {
		g.insert(int32(i))
	}
	if len(sorted) > config.BruteForceThreshold {
		g.repair(maxRepairRounds)
	}
	return g
}

// maxRepairRounds 补边轮数上限；补边只增加候选，通常一轮即可收敛
const maxRepairRounds = 8

// repair 以每个节点自身向量做一次查询，找不到自己的节点由查询结果中
// 最近的节点补一条第 0 层入边（允许超过 maxConn）。
// 被修剪成零入度的节点也由此重新接入。返回最后一轮补边数。
func (g *hnswGraph) repair(rounds int) int {
	added := 0
	for round := 0; round < rounds; round++ {
		added = 0
		for i := range g.entries {
			node := int32(i)
			res := g.search(g.entries[i].Vector, g.config.EfSearch)
			if containsNode(res, node) || len(res) == 0 {
				continue
			}
			from := res[0].node
			g.links[from][0] = append(g.links[from][0], node)
			added++
		}
		if added == 0 {
			break
		}
	}
	return added
}

func containsNode(cands []candidate, node int32) bool {
	for _, c := range cands {
		if c.node == node {
			return true
		}
	}
	return false
}

// levelFor 由 chunk_id 与种子确定层数（每层概率 1/2），与插入顺序无关。
func levelFor(chunkID int64, seed uint64, maxLevel int) int {
	h := splitmix64(uint64(chunkID) ^ seed)
	level := 0
	for h&1 == 1 && level < maxLevel {
		level++
		h >>= 1
	}
	return level
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func (g *hnswGraph) maxConn(level int) int {
	if level == 0 {
		return g.config.M * 2
	}
	return g.config.M
}

func (g *hnswGraph) dist(q []float32, node int32) float64 {
	return g.metric.distance(q, g.entries[node].Vector)
}

func (g *hnswGraph) insert(node int32) {
	level := levelFor(g.entries[node].ChunkID, g.config.Seed, g.config.MaxLevel)
	g.links[node] = make([][]int32, level+1)

	if g.entryPoint < 0 {
		g.entryPoint = node
		g.maxLevel = level
		return
	}

	vec := g.entries[node].Vector
	ep := g.entryPoint
	for lc := g.maxLevel; lc > level; lc-- {
		ep = g.searchLayer(vec, ep, 1, lc)[0].node
	}

	for lc := min(level, g.maxLevel); lc >= 0; lc-- {
		candidates := g.searchLayer(vec, ep, g.config.EfConstruction, lc)
		m := g.maxConn(lc)

		neighbors := g.selectNeighbors(candidates, m)
		g.links[node][lc] = neighbors

		// 双向连接，超出上限时修剪
		for _, nb := range neighbors {
			g.links[nb][lc] = append(g.links[nb][lc], node)
			if len(g.links[nb][lc]) > m {
				g.links[nb][lc] = g.prune(nb, g.links[nb][lc], m)
			}
		}
		ep = candidates[0].node
	}

	if level > g.maxLevel {
		g.maxLevel = level
		g.entryPoint = node
	}
}

// prune 以启发式规则从 node 的现有邻居中选出 m 个
func (g *hnswGraph) prune(node int32, neighbors []int32, m int) []int32 {
	vec := g.entries[node].Vector
	cands := make([]candidate, len(neighbors))
	for i, nb := range neighbors {
		cands[i] = candidate{node: nb, dist: g.dist(vec, nb), chunkID: g.entries[nb].ChunkID}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].less(cands[j]) })
	return g.selectNeighbors(cands, m)
}

// selectNeighbors 启发式邻居选择（Malkov & Yashunin 算法 4，保留被剪候选）。
// cands 须按到基点的距离升序。候选离已选邻居比离基点更近时先跳过，
// 使邻居分布在不同方向；名额未满时再按距离补回被跳过的候选。
func (g *hnswGraph) selectNeighbors(cands []candidate, m int) []int32 {
	out := make([]int32, 0, m)
	var skipped []int32
	for _, c := range cands {
		if len(out) >= m {
			break
		}
		diverse := true
		vec := g.entries[c.node].Vector
		for _, sel := range out {
			if g.dist(vec, sel) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			out = append(out, c.node)
		} else {
			skipped = append(skipped, c.node)
		}
	}
	for _, nb := range skipped {
		if len(out) >= m {
			break
		}
		out = append(out, nb)
	}
	return out
}

// searchLayer 在指定层做贪心束搜索，返回按距离升序的候选。
func (g *hnswGraph) searchLayer(q []float32, ep int32, ef int, level int) []candidate {
	visited := visitedPool.Get()
	defer visitedPool.Put(visited)
	visited[ep] = struct{}{}
	start := candidate{node: ep, dist: g.dist(q, ep), chunkID: g.entries[ep].ChunkID}
	frontier := &minHeap{start}
	best := &maxHeap{start}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(candidate)
		if (*best)[0].less(c) && best.Len() >= ef {
			break
		}
		if level >= len(g.links[c.node]) {
			continue
		}
		for _, nb := range g.links[c.node][level] {
			if _, ok := visited[nb]; ok {
				continue
			}
			visited[nb] = struct{}{}
			nc := candidate{node: nb, dist: g.dist(q, nb), chunkID: g.entries[nb].ChunkID}
			if best.Len() < ef || nc.less((*best)[0]) {
				heap.Push(frontier, nc)
				heap.Push(best, nc)
				if best.Len() > ef {
					heap.Pop(best)
				}
			}
		}
	}

	out := make([]candidate, best.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(best).(candidate)
	}
	return out
}

// search 返回最多 ef 个按距离升序的候选；小图直接精确扫描。
func (g *hnswGraph) search(q []float32, ef int) []candidate {
	if g.size() == 0 {
		return nil
	}
	if g.size() <= g.config.BruteForceThreshold || ef >= g.size() {
		return g.scan(q)
	}
	ep := g.entryPoint
	for lc := g.maxLevel; lc > 0; lc-- {
		ep = g.searchLayer(q, ep, 1, lc)[0].node
	}
	return g.searchLayer(q, ep, ef, 0)
}

func (g *hnswGraph) scan(q []float32) []candidate {
	out := make([]candidate, len(g.entries))
	for i := range g.entries {
		out[i] = candidate{node: int32(i), dist: g.dist(q, int32(i)), chunkID: g.entries[i].ChunkID}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// ====== 堆 ======

type candidate struct {
	node    int32
	dist    float64
	chunkID int64
}

// less 距离优先，距离相同时 chunk_id 小者优先。
func (c candidate) less(o candidate) bool {
	if c.dist != o.dist {
		return c.dist < o.dist
	}
	return c.chunkID < o.chunkID
}

type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[j].less(h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
