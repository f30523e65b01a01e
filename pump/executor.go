package pump

import (
	"context"

	"github.com/wyfcoding/msgpump/async"
	"github.com/wyfcoding/msgpump/worker"
)

// Executor 承接单元任务的调度器。TrySubmit 是尽力而为的一次性提交：
// 失败即由泵丢弃该请求，不提供重试。*worker.Pool 实现了本接口。
type Executor interface {
	TrySubmit(task worker.Task) error
}

// goExecutor 为每个单元任务直接派生一个 panic 隔离的 goroutine，永不拒绝。
// 未注入调度池时的默认执行器。
type goExecutor struct{}

func (goExecutor) TrySubmit(task worker.Task) error {
	async.SafeGo(func() {
		task(context.Background())
	})
	return nil
}
