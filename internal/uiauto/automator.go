package uiauto

import (
	"context"
	"fmt"

	"github.com/TheMystery123/TraceDroid/internal/domain"
)

// Automator 设备上的 UI 自动化能力
// 探索驱动只依赖这组操作，ADB 实现之外还可换成 instrumentation 后端
type Automator interface {
	// Snapshot 抓取当前界面快照
	Snapshot(ctx context.Context) (*domain.Snapshot, error)
	// Act 对目标控件执行一步动作；back 等无目标动作 target 可为 nil
	Act(ctx context.Context, step domain.ContextStep, target *domain.RuntimeWidget) error
	// Launch 启动应用的指定 Activity，activity 为空则走 launcher intent
	Launch(ctx context.Context, pkg, activity string) error
	// Kill 强停应用
	Kill(ctx context.Context, pkg string) error
	// IsAppAlive 应用是否仍在前台
	IsAppAlive(ctx context.Context, pkg string) (bool, error)
}

// Executor 单类动作的执行函数
type Executor func(ctx context.Context, a *ADBAutomator, step domain.ContextStep, target *domain.RuntimeWidget) error

// executorRegistry 动作执行器注册表，新动作类型在此接入
var executorRegistry = map[domain.ActionKind]Executor{}

// RegisterExecutor 注册动作执行器，重复注册视为编程错误
func RegisterExecutor(kind domain.ActionKind, exec Executor) {
	if _, ok := executorRegistry[kind]; ok {
		panic(fmt.Sprintf("executor for action %q already registered", kind))
	}
	executorRegistry[kind] = exec
}

func init() {
	RegisterExecutor(domain.ActionTap, execTap)
	RegisterExecutor(domain.ActionInput, execInput)
	RegisterExecutor(domain.ActionScroll, execScroll)
	RegisterExecutor(domain.ActionSwipe, execSwipe)
	RegisterExecutor(domain.ActionBack, execBack)
}
