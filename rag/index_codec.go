package rag

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/BaSui01/deeprag/types"
	"go.uber.org/zap"
)

// =============================================================================
// 索引文件格式（小端序）
// =============================================================================
//
//	magic    [8]byte "DRAGIDX\x00"
//	version  uint32
//	metric   uint8 (0 cosine, 1 l2)
//	dim      uint32
//	hnsw     M, EfConstruction, EfSearch, MaxLevel, BruteForceThreshold uint32, Seed uint64
//	graph    count uint32, entryPoint int32, maxLevel uint32
//	         count × { entry, levels uint8, levels × { n uint32, n × int32 } }
//	overlay  count uint32, count × entry
//	deleted  count uint32, count × int64 (升序)
//	crc32    uint32 (IEEE，覆盖以上全部字节)
//
//	entry    idLen uint16, id bytes, chunkID int64, dim × float32
//
// =============================================================================

var indexMagic = [8]byte{'D', 'R', 'A', 'G', 'I', 'D', 'X', 0}

const indexFormatVersion uint32 = 1

// Save 将索引快照写入 path（先写临时文件再原子重命名）。
func (idx *HybridIndex) Save(path string) error {
	idx.compactLock.Lock()
	v := idx.view()
	cfg := idx.config
	idx.compactLock.Unlock()

	var buf bytes.Buffer
	w := &binWriter{w: &buf}
	w.write(indexMagic)
	w.write(indexFormatVersion)
	w.write(metricCode(idx.metric))
	w.write(uint32(idx.dim))
	w.write(uint32(cfg.M))
	w.write(uint32(cfg.EfConstruction))
	w.write(uint32(cfg.EfSearch))
	w.write(uint32(cfg.MaxLevel))
	w.write(uint32(cfg.BruteForceThreshold))
	w.write(cfg.Seed)

	g := v.graph
	w.write(uint32(g.size()))
	w.write(g.entryPoint)
	w.write(uint32(g.maxLevel))
	for i := range g.entries {
		w.entry(g.entries[i])
		w.write(uint8(len(g.links[i])))
		for _, nbs := range g.links[i] {
			w.write(uint32(len(nbs)))
			w.write(nbs)
		}
	}

	w.write(uint32(len(v.overlay)))
	for i := range v.overlay {
		w.entry(v.overlay[i])
	}

	deleted := make([]int64, 0, len(v.deleted))
	for id := range v.deleted {
		deleted = append(deleted, id)
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	w.write(uint32(len(deleted)))
	w.write(deleted)

	if w.err != nil {
		return fmt.Errorf("encode index: %w", w.err)
	}
	w.write(crc32.ChecksumIEEE(buf.Bytes()))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename index: %w", err)
	}

	idx.logger.Info("index saved",
		zap.String("path", path),
		zap.Int("graph_size", g.size()),
		zap.Int("overlay_size", len(v.overlay)),
		zap.Int("deleted", len(deleted)))
	return nil
}

// Load 从 path 读取索引并整体替换内存状态。
// 文件损坏或与当前索引的维度、度量不符时返回 ErrCorruptIndex，内存状态不变。
func (idx *HybridIndex) Load(path string) error {
	img, err := readIndexFile(path)
	if err != nil {
		return err
	}
	if img.dim != idx.dim || img.metric != idx.metric {
		return types.Errorf(types.ErrCorruptIndex,
			"index file %s has dimension %d metric %s, index expects %d %s",
			path, img.dim, img.metric, idx.dim, idx.metric)
	}

	idx.compactLock.Lock()
	defer idx.compactLock.Unlock()
	idx.mu.Lock()
	idx.config = img.config
	idx.graph = img.graph
	idx.overlay = img.overlay
	idx.deleted = img.deleted
	idx.embeddings = img.embeddings
	idx.chunks = img.chunks
	idx.mu.Unlock()

	idx.logger.Info("index loaded",
		zap.String("path", path),
		zap.Int("graph_size", img.graph.size()),
		zap.Int("overlay_size", len(img.overlay)),
		zap.Int("deleted", len(img.deleted)))
	return nil
}

// LoadHybridIndex 根据文件头中的维度与度量创建索引并加载。
func LoadHybridIndex(path string, logger *zap.Logger) (*HybridIndex, error) {
	img, err := readIndexFile(path)
	if err != nil {
		return nil, err
	}
	idx, err := NewHybridIndex(IndexConfig{Dimension: img.dim, Metric: img.metric, HNSW: img.config}, logger)
	if err != nil {
		return nil, types.NewError(types.ErrCorruptIndex, "invalid index header").WithCause(err)
	}
	idx.config = img.config
	idx.graph = img.graph
	idx.overlay = img.overlay
	idx.deleted = img.deleted
	idx.embeddings = img.embeddings
	idx.chunks = img.chunks
	return idx, nil
}

type indexImage struct {
	dim        int
	metric     Metric
	config     HNSWConfig
	graph      *hnswGraph
	overlay    []VectorEntry
	deleted    map[int64]struct{}
	embeddings map[string]int64
	chunks     map[int64]struct{}
}

func corrupt(path string, cause error) error {
	return types.NewError(types.ErrCorruptIndex, "corrupt index file "+path).WithCause(cause)
}

func readIndexFile(path string) (*indexImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: index file %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	img, err := decodeIndex(data)
	if err != nil {
		return nil, corrupt(path, err)
	}
	return img, nil
}

func decodeIndex(data []byte) (*indexImage, error) {
	if len(data) < len(indexMagic)+4 {
		return nil, errors.New("file too short")
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return nil, errors.New("checksum mismatch")
	}

	r := &binReader{r: bytes.NewReader(body)}
	var magic [8]byte
	r.read(&magic)
	if r.err == nil && magic != indexMagic {
		return nil, errors.New("bad magic")
	}
	var version uint32
	r.read(&version)
	if r.err == nil && version != indexFormatVersion {
		return nil, fmt.Errorf("unsupported version %d", version)
	}

	var metricByte uint8
	var dim, m, efc, efs, maxLvl, brute uint32
	var seed uint64
	r.read(&metricByte)
	r.read(&dim)
	r.read(&m)
	r.read(&efc)
	r.read(&efs)
	r.read(&maxLvl)
	r.read(&brute)
	r.read(&seed)
	if r.err != nil {
		return nil, r.err
	}
	metric, err := metricFromCode(metricByte)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, errors.New("zero dimension")
	}

	img := &indexImage{
		dim:    int(dim),
		metric: metric,
		config: HNSWConfig{
			M: int(m), EfConstruction: int(efc), EfSearch: int(efs),
			MaxLevel: int(maxLvl), BruteForceThreshold: int(brute), Seed: seed,
		},
		deleted:    map[int64]struct{}{},
		embeddings: map[string]int64{},
		chunks:     map[int64]struct{}{},
	}
	register := func(e VectorEntry) error {
		if _, dup := img.embeddings[e.EmbeddingID]; dup {
			return fmt.Errorf("duplicate embedding %q", e.EmbeddingID)
		}
		if _, dup := img.chunks[e.ChunkID]; dup {
			return fmt.Errorf("duplicate chunk %d", e.ChunkID)
		}
		img.embeddings[e.EmbeddingID] = e.ChunkID
		img.chunks[e.ChunkID] = struct{}{}
		return nil
	}

	var count, graphMax uint32
	var ep int32
	r.read(&count)
	r.read(&ep)
	r.read(&graphMax)
	if r.err != nil {
		return nil, r.err
	}
	if int(count) > r.r.Len() {
		return nil, fmt.Errorf("graph count %d exceeds file size", count)
	}
	g := emptyGraph(img.config, metric)
	g.entryPoint = ep
	g.maxLevel = int(graphMax)
	g.entries = make([]VectorEntry, count)
	g.links = make([][][]int32, count)
	for i := range g.entries {
		e := r.entry(int(dim))
		var levels uint8
		r.read(&levels)
		if r.err != nil {
			return nil, r.err
		}
		g.entries[i] = e
		g.links[i] = make([][]int32, levels)
		for l := range g.links[i] {
			var n uint32
			r.read(&n)
			if r.err != nil {
				return nil, r.err
			}
			if int(n) > int(count) {
				return nil, fmt.Errorf("node %d level %d has %d neighbors", i, l, n)
			}
			nbs := make([]int32, n)
			r.read(nbs)
			for _, nb := range nbs {
				if nb < 0 || nb >= int32(count) {
					return nil, fmt.Errorf("neighbor %d out of range", nb)
				}
			}
			g.links[i][l] = nbs
		}
		if err := register(e); err != nil {
			return nil, err
		}
	}
	if count == 0 && ep != -1 {
		return nil, errors.New("empty graph with entry point")
	}
	if count > 0 && (ep < 0 || ep >= int32(count) || len(g.links[ep]) != g.maxLevel+1) {
		return nil, fmt.Errorf("invalid entry point %d", ep)
	}
	img.graph = g

	r.read(&count)
	if r.err != nil {
		return nil, r.err
	}
	if int(count) > r.r.Len() {
		return nil, fmt.Errorf("overlay count %d exceeds file size", count)
	}
	img.overlay = make([]VectorEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		e := r.entry(int(dim))
		if r.err != nil {
			return nil, r.err
		}
		if err := register(e); err != nil {
			return nil, err
		}
		img.overlay = append(img.overlay, e)
	}

	r.read(&count)
	if r.err != nil {
		return nil, r.err
	}
	if int(count)*8 != r.r.Len() {
		return nil, fmt.Errorf("deleted section has %d bytes for %d ids", r.r.Len(), count)
	}
	ids := make([]int64, count)
	r.read(ids)
	for _, id := range ids {
		if _, ok := img.chunks[id]; !ok {
			return nil, fmt.Errorf("tombstone for unknown chunk %d", id)
		}
		img.deleted[id] = struct{}{}
	}
	if r.err != nil {
		return nil, r.err
	}
	return img, nil
}

func metricCode(m Metric) uint8 {
	if m == MetricL2 {
		return 1
	}
	return 0
}

func metricFromCode(c uint8) (Metric, error) {
	switch c {
	case 0:
		return MetricCosine, nil
	case 1:
		return MetricL2, nil
	default:
		return "", fmt.Errorf("unknown metric code %d", c)
	}
}

// binWriter / binReader 记录首个错误，调用方在段落结束时统一检查。
type binWriter struct {
	w   io.Writer
	err error
}

func (b *binWriter) write(v any) {
	if b.err != nil {
		return
	}
	b.err = binary.Write(b.w, binary.LittleEndian, v)
}

func (b *binWriter) entry(e VectorEntry) {
	if len(e.EmbeddingID) > math.MaxUint16 {
		b.err = fmt.Errorf("embedding id too long: %d bytes", len(e.EmbeddingID))
		return
	}
	b.write(uint16(len(e.EmbeddingID)))
	b.write([]byte(e.EmbeddingID))
	b.write(e.ChunkID)
	b.write(e.Vector)
}

type binReader struct {
	r   *bytes.Reader
	err error
}

func (b *binReader) read(v any) {
	if b.err != nil {
		return
	}
	if err := binary.Read(b.r, binary.LittleEndian, v); err != nil {
		b.err = fmt.Errorf("truncated data: %w", err)
	}
}

func (b *binReader) entry(dim int) VectorEntry {
	var n uint16
	b.read(&n)
	if b.err != nil {
		return VectorEntry{}
	}
	id := make([]byte, n)
	b.read(id)
	var chunkID int64
	b.read(&chunkID)
	if b.err == nil && dim*4 > b.r.Len() {
		b.err = errors.New("truncated vector")
		return VectorEntry{}
	}
	vec := make([]float32, dim)
	b.read(vec)
	return VectorEntry{EmbeddingID: string(id), ChunkID: chunkID, Vector: vec}
}
