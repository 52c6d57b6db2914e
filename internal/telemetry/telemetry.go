package telemetry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/BaSui01/deeprag/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// =============================================================================
// 🔭 检索核心 span
// =============================================================================

// InstrumentationName 检索核心 tracer 名称
const InstrumentationName = "github.com/BaSui01/deeprag/rag"

// 检索核心各操作的 span 名称
const (
	SpanIngest      = "rag.ingest"
	SpanDelete      = "rag.delete"
	SpanRetrieve    = "rag.retrieve"
	SpanDeepQuery   = "rag.deep_query"
	SpanCompact     = "rag.compact"
	SpanUpdateGraph = "rag.update_graph"
)

// 资源属性键，描述本进程服务的索引
const (
	AttrIndexDimension = attribute.Key("deeprag.index.dimension")
	AttrIndexMetric    = attribute.Key("deeprag.index.metric")
	AttrStoreBackend   = attribute.Key("deeprag.store.backend")
)

// Tracer 返回全局 provider 上的检索核心 tracer，Init 之前为 noop
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Start 开启检索核心 span
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End 结束 span。调用方取消只记为事件，不算失败。
func End(span trace.Span, err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		span.AddEvent("cancelled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// =============================================================================
// 🚀 SDK 初始化
// =============================================================================

// ResourceInfo 写入资源属性的索引信息，零值字段不写入
type ResourceInfo struct {
	Dimension    int
	Metric       string
	StoreBackend string
}

func (r ResourceInfo) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if r.Dimension > 0 {
		attrs = append(attrs, AttrIndexDimension.Int(r.Dimension))
	}
	if r.Metric != "" {
		attrs = append(attrs, AttrIndexMetric.String(r.Metric))
	}
	if r.StoreBackend != "" {
		attrs = append(attrs, AttrStoreBackend.String(r.StoreBackend))
	}
	return attrs
}

// Providers 持有 SDK 的 TracerProvider 与 MeterProvider。
// 遥测禁用时两者均为 nil，Shutdown 为空操作。
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init 初始化 OTLP gRPC 导出并注册为全局 provider。
// cfg.Enabled 为 false 时不连接任何外部服务，span 保持 noop。
func Init(cfg config.TelemetryConfig, info ResourceInfo, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		logger.Debug("telemetry disabled")
		return &Providers{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "deeprag"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1.0
	}
	ctx := context.Background()

	res, err := newResource(ctx, cfg.ServiceName, info)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	// 父 span 已采样时子 span 跟随，深度查询的子查询不会被拆散
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate),
		zap.Int("index_dimension", info.Dimension),
		zap.String("index_metric", info.Metric))
	return &Providers{tp: tp, mp: mp}, nil
}

func newResource(ctx context.Context, serviceName string, info ResourceInfo) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(buildVersion()),
	}, info.attributes()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

// Shutdown 刷出未导出的 span 与指标；nil 或禁用状态下直接返回
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildVersion 取模块版本，本地构建为 "dev"
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
