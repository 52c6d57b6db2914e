package rag

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

func TestNormalizeLabel(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  The   Go  language ", "the go language"},
		{"Redis.", "redis"},
		{"\"HNSW\"", "hnsw"},
		{"C++", "c++"},
		{"C#", "c#"},
		{"...", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeLabel(tt.in), tt.in)
	}
}

func TestKnowledgeGraph_MergeDeduplicates(t *testing.T) {
	g := NewKnowledgeGraph()
	addedE, addedR := g.MergeTriples([]Triple{
		{Subject: "Go", Predicate: "is a", Object: "Language", ObjectType: "concept"},
		{Subject: " go ", Predicate: "IS A", Object: "language."},
		{Subject: "Go", Predicate: "uses", Object: "Goroutines"},
		{Subject: "", Predicate: "uses", Object: "nothing"},
	})

	assert.Equal(t, 3, addedE)
	assert.Equal(t, 2, addedR)
	assert.Equal(t, 3, g.NumEntities())
	assert.Equal(t, 2, g.NumRelations())

	lang, ok := g.Entity("language")
	require.True(t, ok)
	assert.Equal(t, "Language", lang.Label)
	assert.Equal(t, "concept", lang.Type)

	rels := g.Relations()
	assert.Equal(t, Relation{SubjectID: "go", Predicate: "is a", ObjectID: "language"}, rels[0])
}

func TestKnowledgeGraph_MergeIsIdempotent(t *testing.T) {
	triples := []Triple{
		{Subject: "HNSW", Predicate: "is a", Object: "graph index"},
		{Subject: "Overlay", Predicate: "is part of", Object: "hybrid index"},
	}
	once := Merge(nil, triples)
	twice := Merge(once, triples)
	assert.True(t, once.Equal(twice))

	// existing 不被修改
	base := NewKnowledgeGraph()
	_ = Merge(base, triples)
	assert.Equal(t, 0, base.NumEntities())
}

func TestKnowledgeGraph_FirstTypeWins(t *testing.T) {
	g := NewKnowledgeGraph()
	g.MergeTriples([]Triple{{Subject: "Go", Predicate: "is", Object: "fast"}})
	g.MergeTriples([]Triple{{Subject: "go", SubjectType: "language", Predicate: "is", Object: "fast"}})
	g.MergeTriples([]Triple{{Subject: "go", SubjectType: "game", Predicate: "is", Object: "fast"}})

	e, ok := g.Entity("go")
	require.True(t, ok)
	assert.Equal(t, "language", e.Type)
}

func TestKnowledgeGraph_WriteDOT(t *testing.T) {
	g := Merge(nil, []Triple{{Subject: "Go", Predicate: "Uses", Object: "Channels", SubjectType: "language"}})
	var sb strings.Builder
	require.NoError(t, g.WriteDOT(&sb))

	out := sb.String()
	assert.True(t, strings.HasPrefix(out, "digraph knowledge {"))
	assert.Contains(t, out, `"go" -> "channels" [label="uses"];`)
	assert.Contains(t, out, `(language)`)
}

// ====== 属性测试 ======

var graphLabels = []any{"Go", "go", "GO.", "Redis", "redis", "HNSW", "Mongo", "Chunk", " chunk "}

func genTriple() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(graphLabels...),
		gen.OneConstOf("uses", "Uses", "is a", "contains"),
		gen.OneConstOf(graphLabels...),
	).Map(func(vals []any) Triple {
		return Triple{Subject: vals[0].(string), Predicate: vals[1].(string), Object: vals[2].(string)}
	})
}

func TestProperty_MergeTwiceEqualsOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merging the same triples twice yields the same graph", prop.ForAll(
		func(existing, triples []Triple) bool {
			base := Merge(nil, existing)
			once := Merge(base, triples)
			twice := Merge(once, triples)
			return once.Equal(twice)
		},
		gen.SliceOf(genTriple()),
		gen.SliceOf(genTriple()),
	))

	properties.Property("entity ids are unique normalized labels", prop.ForAll(
		func(triples []Triple) bool {
			g := Merge(nil, triples)
			labels := map[string]struct{}{}
			for _, tr := range triples {
				labels[NormalizeLabel(tr.Subject)] = struct{}{}
				labels[NormalizeLabel(tr.Object)] = struct{}{}
			}
			return g.NumEntities() == len(labels)
		},
		gen.SliceOf(genTriple()),
	))

	properties.TestingRun(t)
}

func TestProperty_MergeGraphSelfIsNoop(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(rt, "n")
		triples := make([]Triple, n)
		for i := range triples {
			triples[i] = Triple{
				Subject:   rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(rt, "s"),
				Predicate: rapid.SampledFrom([]string{"p", "q"}).Draw(rt, "p"),
				Object:    rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(rt, "o"),
			}
		}
		g := Merge(nil, triples)
		c := g.Clone()
		c.MergeGraph(g)
		if !c.Equal(g) {
			rt.Fatalf("merging a graph into its clone changed it")
		}
		round := GraphFromParts(g.Entities(), g.Relations())
		if !round.Equal(g) {
			rt.Fatalf("rebuilding from parts changed the graph")
		}
	})
}

// ====== 构建器 ======

func TestKnowledgeGraphBuilder_SkipsFailedChunks(t *testing.T) {
	ext := ExtractorFunc(func(_ context.Context, text string) ([]Triple, error) {
		switch text {
		case "bad":
			return nil, ErrExtractionFailure
		case "boom":
			return nil, errors.New("model unavailable")
		}
		return PatternExtractor{}.Extract(context.Background(), text)
	})
	b := NewKnowledgeGraphBuilder(ext, 2, nil, zap.NewNop())

	g, report, err := b.Build(context.Background(), []string{
		"Go uses goroutines.",
		"bad",
		"Redis is a cache.",
		"boom",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Chunks)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, []int{0, 2}, report.Succeeded)
	assert.Equal(t, 2, report.Triples)
	assert.Equal(t, 4, g.NumEntities())
	assert.Equal(t, 2, g.NumRelations())
}

func TestKnowledgeGraphBuilder_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	ext := ExtractorFunc(func(ctx context.Context, text string) ([]Triple, error) {
		if calls.Add(1) == 1 {
			cancel()
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	b := NewKnowledgeGraphBuilder(ext, 1, nil, nil)

	g, _, err := b.Build(ctx, []string{"a", "b", "c"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, g)
}

func TestKnowledgeGraphBuilder_EmptyInput(t *testing.T) {
	b := NewKnowledgeGraphBuilder(PatternExtractor{}, 0, nil, nil)
	g, report, err := b.Build(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, g.NumEntities())
	assert.Equal(t, 0, report.Chunks)
}
