package pump

import (
	"context"

	"github.com/wyfcoding/msgpump/listener"
)

// Application 定义应用请求处理的行为契约，三个能力方法覆盖
// 创建上下文、以不透明上下文处理、以不透明上下文释放。
// 泵不关心应用上下文的具体类型，契约完全是行为性的。
type Application interface {
	// CreateContext 基于传输层请求构建应用上下文。
	CreateContext(rc listener.RequestContext) (appCtx any, err error)
	// Process 执行应用处理逻辑。处理应尽快完成；
	// Process 返回后继续访问 appCtx 是无效的。
	Process(ctx context.Context, appCtx any) error
	// DisposeContext 释放应用上下文。err 为处理过程中捕获的错误，
	// 成功路径上为 nil。对每个请求恰好调用一次。
	DisposeContext(appCtx any, err error)
}

// AppFunc 将普通函数适配为 Application。
// 函数直接收到传输层请求上下文，无需独立的应用上下文。
type AppFunc func(ctx context.Context, rc listener.RequestContext) error

// CreateContext 直接以传输层请求作为应用上下文。
func (f AppFunc) CreateContext(rc listener.RequestContext) (any, error) {
	return rc, nil
}

// Process 调用 f(ctx, rc)。
func (f AppFunc) Process(ctx context.Context, appCtx any) error {
	rc, ok := appCtx.(listener.RequestContext)
	if !ok {
		return ErrBadAppContext
	}
	return f(ctx, rc)
}

// DisposeContext 无资源需要释放。
func (f AppFunc) DisposeContext(appCtx any, err error) {}
