package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	documentIDKey contextKey = "document_id"
)

// WithRequestID 设置请求 ID（深度查询日志按此关联）
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithDocumentID 设置正在摄取的文档 ID
func WithDocumentID(ctx context.Context, documentID string) context.Context {
	return context.WithValue(ctx, documentIDKey, documentID)
}

// DocumentID 获取文档 ID
func DocumentID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(documentIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
