// Package contextx 提供了一组用于安全地在 context.Context 中注入与提取请求上下文信息（如请求 ID、客户端 IP、UA 等）的工具函数。
// 它通过使用私有类型作为 Key，有效防止了跨包的 Key 冲突。
package contextx

import (
	"context"
)

type contextKey int

const (
	RequestIDKey contextKey = iota // 请求唯一标识 Key。
	ClientIPKey                    // 客户端 IP Key。
	UAKey                          // 用户代理 Key。
	ListenerKey                    // 请求来源监听器名称 Key。
)

// KeyNames 映射 Key 到日志字段名。
var KeyNames = map[contextKey]string{
	RequestIDKey: "request_id",
	ClientIPKey:  "client_ip",
	UAKey:        "user_agent",
	ListenerKey:  "listener",
}

// WithRequestID 将请求 ID 注入到 Context 中。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID 从 Context 中提取请求 ID。
func GetRequestID(ctx context.Context) string {
	if val, ok := ctx.Value(RequestIDKey).(string); ok {
		return val
	}
	return ""
}

// WithClientIP 将客户端 IP 注入到 Context 中。
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ClientIPKey, ip)
}

// GetClientIP 从 Context 中提取客户端 IP。
func GetClientIP(ctx context.Context) string {
	if val, ok := ctx.Value(ClientIPKey).(string); ok {
		return val
	}
	return ""
}

// WithUserAgent 将用户代理注入到 Context 中。
func WithUserAgent(ctx context.Context, ua string) context.Context {
	return context.WithValue(ctx, UAKey, ua)
}

// GetUserAgent 从 Context 中提取用户代理。
func GetUserAgent(ctx context.Context) string {
	if val, ok := ctx.Value(UAKey).(string); ok {
		return val
	}
	return ""
}

// WithListener 将监听器名称注入到 Context 中。
func WithListener(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ListenerKey, name)
}

// GetListener 从 Context 中提取监听器名称。
func GetListener(ctx context.Context) string {
	if val, ok := ctx.Value(ListenerKey).(string); ok {
		return val
	}
	return ""
}

// LogFields 收集 Context 中已注入的请求上下文，转换为日志字段。
func LogFields(ctx context.Context) []any {
	fields := make([]any, 0, 8)
	if v := GetRequestID(ctx); v != "" {
		fields = append(fields, KeyNames[RequestIDKey], v)
	}
	if v := GetClientIP(ctx); v != "" {
		fields = append(fields, KeyNames[ClientIPKey], v)
	}
	if v := GetUserAgent(ctx); v != "" {
		fields = append(fields, KeyNames[UAKey], v)
	}
	if v := GetListener(ctx); v != "" {
		fields = append(fields, KeyNames[ListenerKey], v)
	}
	return fields
}
