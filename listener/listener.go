// Package listener 定义了消息泵消费的传输监听器契约，并提供 HTTP、WebSocket
// 与进程内三种适配实现。
//
// 监听器负责接受原始连接并完成协议握手，每收到一个请求便调用一次注册的
// 派发回调；回调必须立即返回，监听器内部可能是单线程的，阻塞它会停住
// 后续请求的接收。
package listener

import (
	"context"
	"sync"
)

// DispatchFunc 是监听器每接受一个请求调用一次的派发回调。
type DispatchFunc func(rc RequestContext)

// StateHandler 接收监听器连接状态变更通知。
type StateHandler func(state ConnState)

// Listener 定义传输监听器的生命周期契约。
type Listener interface {
	// Start 开始接受请求。接受循环异步推进，本方法不等待监听器上线。
	Start(ctx context.Context) error
	// Dispose 释放监听器资源，幂等。
	Dispose() error
	// SetDispatch 注册派发回调，必须在 Start 之前调用。
	SetDispatch(fn DispatchFunc)
	// SetStateHandler 注册连接状态通知回调，必须在 Start 之前调用。
	SetStateHandler(fn StateHandler)
	// Prefixes 返回监听器的地址前缀集合，可在 Start 之前修改。
	Prefixes() *PrefixSet
}

// RequestContext 是传输层为单个请求提供的不透明令牌。
// 泵不检查其载荷，只使用响应状态与完成能力；具体实现向应用层暴露
// 各自传输的请求/响应对象。
type RequestContext interface {
	// Context 返回请求范围的 context。
	Context() context.Context
	// SetStatus 设置响应状态码。响应已经开始写出时调用无效。
	SetStatus(code int)
	// ResponseStarted 报告响应头是否已写出到传输层。
	ResponseStarted() bool
	// Reset 清除尚未写出的响应头，尽力而为。
	Reset()
	// Finalize 完成响应写出并释放请求资源，恰好调用一次。
	Finalize() error
}

// PrefixSet 是有序去重的地址前缀集合。
// 泵在启动时按优先级规则改写它，监听器据此决定绑定地址。
type PrefixSet struct {
	mu    sync.Mutex
	items []string
}

// NewPrefixSet 创建前缀集合。
func NewPrefixSet(prefixes ...string) *PrefixSet {
	s := &PrefixSet{}
	s.Set(prefixes)
	return s
}

// Add 追加一个前缀，已存在时忽略。
func (s *PrefixSet) Add(prefix string) {
	if prefix == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it == prefix {
			return
		}
	}
	s.items = append(s.items, prefix)
}

// Set 以给定切片替换全部前缀，保持顺序并去重。
func (s *PrefixSet) Set(prefixes []string) {
	s.mu.Lock()
	s.items = s.items[:0]
	s.mu.Unlock()
	for _, p := range prefixes {
		s.Add(p)
	}
}

// Clear 清空集合。
func (s *PrefixSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = s.items[:0]
}

// All 返回前缀快照。
func (s *PrefixSet) All() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

// Len 返回前缀数量。
func (s *PrefixSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// First 返回首个前缀，集合为空时返回空串。
func (s *PrefixSet) First() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return ""
	}
	return s.items[0]
}
