// Package limiter 提供了接入路径上的并发与速率控制原语。
// 生成摘要:
// 1) 并发信号量限流器，支持阻塞获取与快速失败。
// 2) 基于令牌桶的接入速率限流器。
// 假设:
// 1) Release 与 Acquire 成对使用，超额释放仅记录告警。
package limiter

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/time/rate"
)

// ErrConcurrencyLimit 表示并发上限已触发。
var ErrConcurrencyLimit = errors.New("concurrency limit exceeded")

// ConcurrencyLimiter 定义并发控制的通用接口。
type ConcurrencyLimiter interface {
	Acquire(ctx context.Context) error
	TryAcquire() bool
	Release()
}

// SemaphoreLimiter 使用带缓冲的信号量实现并发控制。
type SemaphoreLimiter struct {
	sem      chan struct{}
	disabled bool
}

// NewSemaphoreLimiter 创建一个并发信号量限流器。
// max <= 0 表示禁用并发限制。
func NewSemaphoreLimiter(max int) *SemaphoreLimiter {
	if max <= 0 {
		return &SemaphoreLimiter{disabled: true}
	}

	return &SemaphoreLimiter{sem: make(chan struct{}, max)}
}

// Acquire 获取一个并发令牌，支持 Context 取消。
func (l *SemaphoreLimiter) Acquire(ctx context.Context) error {
	if l == nil || l.disabled {
		return nil
	}

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire 尝试获取一个并发令牌，快速失败。
func (l *SemaphoreLimiter) TryAcquire() bool {
	if l == nil || l.disabled {
		return true
	}

	select {
	case l.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release 释放一个并发令牌。
func (l *SemaphoreLimiter) Release() {
	if l == nil || l.disabled {
		return
	}

	select {
	case <-l.sem:
		return
	default:
		slog.Warn("concurrency limiter release without acquire")
	}
}

// AcceptLimiter 是一个基于令牌桶算法的接入速率限流器。
// 用于监听器的请求接收路径，防止瞬时洪峰压垮泵后方的执行器。
type AcceptLimiter struct {
	limiter  *rate.Limiter
	disabled bool
}

// NewAcceptLimiter 创建并返回一个新的 AcceptLimiter 实例。
// r: 每秒生成的令牌数，代表允许的平均接收速率；r <= 0 表示禁用。
// b: 令牌桶的容量，代表允许的瞬时突发请求数。
func NewAcceptLimiter(r float64, b int) *AcceptLimiter {
	if r <= 0 {
		return &AcceptLimiter{disabled: true}
	}
	if b <= 0 {
		b = 1
	}
	return &AcceptLimiter{
		limiter: rate.NewLimiter(rate.Limit(r), b),
	}
}

// Allow 检查一个请求是否被允许接收。
// 令牌可用则立即返回 true；桶已空则返回 false，由调用方决定拒绝策略。
func (l *AcceptLimiter) Allow() bool {
	if l == nil || l.disabled {
		return true
	}
	return l.limiter.Allow()
}
