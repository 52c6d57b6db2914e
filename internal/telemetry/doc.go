// Package telemetry 为 deeprag 检索核心提供 OpenTelemetry 接入。
//
// Init 按配置安装 OTLP gRPC 导出的 TracerProvider 与 MeterProvider，
// 资源属性携带服务名、版本以及索引维度、度量与存储后端。
// Start/End 以统一的 span 名称（SpanIngest、SpanRetrieve 等）包裹摄取、
// 删除、检索、深度查询、压缩与图谱更新；调用方取消不计为失败。
// 遥测禁用时全局 provider 保持 noop，不连接任何外部服务。
package telemetry
