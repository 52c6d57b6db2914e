// =============================================================================
// deeprag 命令行入口
// =============================================================================
// 摄取、检索、深度查询与索引维护
//
// 使用方法:
//
//	deeprag ingest --config config.yaml docs/*.md     # 摄取文档
//	deeprag retrieve --top-k 5 "how does hnsw work"  # 简单检索
//	deeprag deep-query --graph "compare the stores"   # 深度查询
//	deeprag delete doc-1                              # 删除文档
//	deeprag compact                                   # 压缩索引
//	deeprag stats                                     # 统计信息
//	deeprag graph update                              # 更新语料图谱
//	deeprag version                                   # 显示版本信息
//
// =============================================================================

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/deeprag/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitNotFound = 3
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return exitUsage
	}

	var cmd func(context.Context, []string, io.Writer) error
	switch args[0] {
	case "ingest":
		cmd = runIngest
	case "delete":
		cmd = runDelete
	case "retrieve":
		cmd = runRetrieve
	case "deep-query":
		cmd = runDeepQuery
	case "compact":
		cmd = runCompact
	case "stats":
		cmd = runStats
	case "graph":
		cmd = runGraph
	case "version":
		printVersion(stdout)
		return exitOK
	case "help", "-h", "--help":
		printUsage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return exitUsage
	}

	if err := cmd(ctx, args[1:], stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "deeprag %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `deeprag - document retrieval core

Usage:
  deeprag <command> [options]

Commands:
  ingest       Ingest text files (document id defaults to the file name)
  delete       Delete documents by id
  retrieve     Return the top-k passages for a query
  deep-query   Decompose, retrieve, summarize and synthesize an answer
  compact      Rebuild the vector index without deleted entries
  stats        Show index, document and trace statistics
  graph        Corpus graph commands (update, export)
  version      Show version information
  help         Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)

Examples:
  deeprag ingest --config deeprag.yaml notes/*.txt
  deeprag ingest --id handbook docs/handbook.md
  deeprag retrieve --top-k 3 "what does compaction do"
  deeprag deep-query --graph "how are deleted chunks reclaimed"
  deeprag graph update --limit 500
  deeprag graph export --format dot > graph.dot`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	// 命令结果写 stdout，日志不与其混在一起
	outputs := make([]string, 0, len(cfg.OutputPaths))
	for _, p := range cfg.OutputPaths {
		if p == "stdout" {
			p = "stderr"
		}
		outputs = append(outputs, p)
	}
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	logger, err := zapConfig.Build(opts...)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger
}
