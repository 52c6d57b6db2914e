package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/deeprag/config"
	"github.com/BaSui01/deeprag/internal/telemetry"
	"github.com/BaSui01/deeprag/rag"
)

// usageError 参数错误，退出码为 exitUsage
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	var ue *usageError
	switch {
	case errors.As(err, &ue):
		return exitUsage
	case rag.IsNotFoundCondition(err):
		return exitNotFound
	default:
		return exitError
	}
}

// newFlagSet 创建子命令参数集，所有子命令共享 --config
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "Path to config file")
	return fs, configPath
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usagef("%s: %v", fs.Name(), err)
	}
	return nil
}

// =============================================================================
// 🔌 Engine 生命周期
// =============================================================================

type session struct {
	engine    *rag.Engine
	logger    *zap.Logger
	providers *telemetry.Providers
}

func openSession(ctx context.Context, configPath string) (*session, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := initLogger(cfg.Log)
	providers, err := telemetry.Init(cfg.Telemetry, telemetry.ResourceInfo{
		Dimension:    cfg.Index.Dimension,
		Metric:       cfg.Index.Metric,
		StoreBackend: cfg.Store.Backend,
	}, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	// 单次命令不暴露 /metrics，指标只注册到本次会话
	deps := rag.Dependencies{Registerer: prometheus.NewRegistry()}
	engine, err := rag.NewEngineFromConfig(ctx, cfg, deps, logger)
	if err != nil {
		_ = providers.Shutdown(ctx)
		_ = logger.Sync()
		return nil, err
	}
	logger.Debug("deeprag session opened",
		zap.String("version", Version),
		zap.String("config", configPath))
	return &session{engine: engine, logger: logger, providers: providers}, nil
}

func (s *session) close(ctx context.Context) error {
	// 关闭不受已取消的命令上下文影响，保证索引落盘
	ctx = context.WithoutCancel(ctx)
	err := s.engine.Close(ctx)
	if shutdownErr := s.providers.Shutdown(ctx); shutdownErr != nil {
		s.logger.Warn("telemetry shutdown failed", zap.Error(shutdownErr))
	}
	_ = s.logger.Sync()
	return err
}

// withSession 打开 Engine、执行 fn、关闭 Engine，返回第一个错误
func withSession(ctx context.Context, configPath string, fn func(*session) error) (err error) {
	s, err := openSession(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.close(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// 📥 ingest / delete
// =============================================================================

type ingestOutput struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	Chunks     int    `json:"chunks"`
	Skipped    bool   `json:"skipped,omitempty"`
	Replaced   int    `json:"replaced,omitempty"`
	Error      string `json:"error,omitempty"`
}

func runIngest(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("ingest")
	docID := fs.String("id", "", "Document id (single file only; defaults to the file name)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	files := fs.Args()
	if len(files) == 0 {
		return usagef("ingest: at least one file is required")
	}
	if *docID != "" && len(files) > 1 {
		return usagef("ingest: --id can only be used with a single file")
	}

	reqs := make([]rag.IngestRequest, len(files))
	for i, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		id := *docID
		if id == "" {
			id = filepath.Base(path)
		}
		reqs[i] = rag.IngestRequest{DocumentID: id, Filename: filepath.Base(path), Text: string(data)}
	}

	return withSession(ctx, *configPath, func(s *session) error {
		results, errs := s.engine.IngestBatch(ctx, reqs)
		out := make([]ingestOutput, len(reqs))
		failed := 0
		for i, req := range reqs {
			out[i].DocumentID = req.DocumentID
			if errs[i] != nil {
				failed++
				out[i].Status = string(rag.StatusError)
				out[i].Error = errs[i].Error()
				continue
			}
			res := results[i]
			out[i].Status = string(res.Document.Status)
			out[i].Chunks = res.Document.ChunkCount
			out[i].Skipped = res.Skipped
			out[i].Replaced = res.Replaced
		}
		if err := writeJSON(stdout, out); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d documents failed", failed, len(reqs))
		}
		return nil
	})
}

func runDelete(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("delete")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	ids := fs.Args()
	if len(ids) == 0 {
		return usagef("delete: at least one document id is required")
	}
	return withSession(ctx, *configPath, func(s *session) error {
		for _, id := range ids {
			if err := s.engine.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			fmt.Fprintf(stdout, "deleted %s\n", id)
		}
		return nil
	})
}

// =============================================================================
// 🔍 retrieve / deep-query
// =============================================================================

func queryArg(name string, fs *flag.FlagSet) (string, error) {
	q := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if q == "" {
		return "", usagef("%s: a query is required", name)
	}
	return q, nil
}

func runRetrieve(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("retrieve")
	topK := fs.Int("top-k", 0, "Number of passages (0 uses the configured default)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	query, err := queryArg("retrieve", fs)
	if err != nil {
		return err
	}
	return withSession(ctx, *configPath, func(s *session) error {
		passages, err := s.engine.Retrieve(ctx, query, *topK)
		if err != nil {
			return err
		}
		return writeJSON(stdout, passages)
	})
}

func runDeepQuery(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("deep-query")
	topK := fs.Int("top-k", 0, "Passages per sub-query (0 uses the configured default)")
	graph := fs.Bool("graph", false, "Build an ephemeral knowledge graph from the retrieved passages")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	query, err := queryArg("deep-query", fs)
	if err != nil {
		return err
	}
	return withSession(ctx, *configPath, func(s *session) error {
		res, err := s.engine.DeepQuery(ctx, query, *topK, *graph)
		if err != nil {
			return err
		}
		return writeJSON(stdout, res)
	})
}

// =============================================================================
// 🗜️ compact / stats
// =============================================================================

func runCompact(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("compact")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return withSession(ctx, *configPath, func(s *session) error {
		res, err := s.engine.Compact(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, res)
	})
}

func runStats(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("stats")
	verify := fs.Bool("verify", false, "List trace inconsistencies")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	return withSession(ctx, *configPath, func(s *session) error {
		stats, err := s.engine.Stats(ctx)
		if err != nil {
			return err
		}
		if !*verify {
			return writeJSON(stdout, stats)
		}
		return writeJSON(stdout, struct {
			rag.EngineStats
			Issues []rag.TraceIssue `json:"issues"`
		}{stats, s.engine.VerifyTrace()})
	})
}

// =============================================================================
// 🕸️ graph
// =============================================================================

func runGraph(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return usagef("graph: subcommand required (update, export)")
	}
	switch args[0] {
	case "update":
		fs, configPath := newFlagSet("graph update")
		limit := fs.Int("limit", 0, "Maximum chunks to extract (0 = all pending)")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		return withSession(ctx, *configPath, func(s *session) error {
			report, err := s.engine.UpdateCorpusGraph(ctx, *limit)
			if err != nil {
				return err
			}
			return writeJSON(stdout, report)
		})

	case "export":
		fs, configPath := newFlagSet("graph export")
		format := fs.String("format", "json", "Output format: json or dot")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		if *format != "json" && *format != "dot" {
			return usagef("graph export: unknown format %q", *format)
		}
		return withSession(ctx, *configPath, func(s *session) error {
			g, err := s.engine.CorpusGraph(ctx)
			if err != nil {
				return err
			}
			if *format == "dot" {
				return g.WriteDOT(stdout)
			}
			return writeJSON(stdout, struct {
				Entities  []rag.Entity   `json:"entities"`
				Relations []rag.Relation `json:"relations"`
			}{g.Entities(), g.Relations()})
		})

	default:
		return usagef("graph: unknown subcommand %q", args[0])
	}
}
