package explore

import (
	"context"
	"fmt"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/crashmon"
	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/TheMystery123/TraceDroid/internal/match"
	"github.com/TheMystery123/TraceDroid/internal/uiauto"
	"github.com/sirupsen/logrus"
)

// State 驱动器状态
type State string

const (
	StatePending    State = "pending"
	StateNavigating State = "navigating" // 解析并定位当前步骤的目标控件
	StateActing     State = "acting"     // 对设备施加动作
	StateObserving  State = "observing"  // 等待界面稳定并检查崩溃
	StateResolved   State = "resolved"   // 终态，携带结局
)

// Event 探索过程事件，经通知钩子广播
type Event struct {
	Location  string         `json:"location"`
	State     State          `json:"state"`
	StepIndex int            `json:"step_index"`
	Outcome   domain.Outcome `json:"outcome,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}

// Notifier 事件通知钩子，可为 nil
type Notifier func(Event)

// Completer 未解析步骤的补全能力（LLM 服务实现；nil 表示禁用）
type Completer interface {
	Complete(ctx context.Context, ictx *domain.InteractionContext, stepIdx int, snap *domain.Snapshot) (*domain.ContextStep, error)
}

// ActionRecord 一步动作的执行记录
type ActionRecord struct {
	Step     domain.ContextStep `json:"step"`
	WidgetID string             `json:"widget_id,omitempty"` // 实际落点控件
	Verdict  string             `json:"verdict,omitempty"`   // 匹配裁决
	Screen   string             `json:"screen,omitempty"`    // 执行时的前台界面
}

// Result 单个可疑位置的探索结局
type Result struct {
	Outcome        domain.Outcome        `json:"outcome"`
	StepsPlanned   int                   `json:"steps_planned"`
	StepsExecuted  int                   `json:"steps_executed"`
	UsedCompletion bool                  `json:"used_completion"`
	Actions        []ActionRecord        `json:"actions,omitempty"`
	Crash          *crashmon.CrashRecord `json:"crash,omitempty"`
	Detail         string                `json:"detail,omitempty"`
}

// Config 驱动器参数
type Config struct {
	StepTimeout time.Duration // 单步超时
	SettleDelay time.Duration // 动作后的界面稳定等待
	FaultBudget int           // 容忍的设备故障次数，超出即放弃
}

// Driver 探索驱动器
// 把一条交互上下文变成设备上的动作序列：每步先解析控件、
// 设检查点、执行动作、等界面稳定、查崩溃，直到得出终局
type Driver struct {
	automator uiauto.Automator
	monitor   crashmon.Monitor
	matcher   *match.Matcher
	completer Completer
	cfg       Config
	notify    Notifier
	logger    *logrus.Logger
}

// NewDriver 创建驱动器；completer 与 notify 可为 nil
func NewDriver(automator uiauto.Automator, monitor crashmon.Monitor, matcher *match.Matcher,
	completer Completer, cfg Config, notify Notifier, logger *logrus.Logger) *Driver {
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = 20 * time.Second
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 3 * time.Second
	}
	return &Driver{
		automator: automator,
		monitor:   monitor,
		matcher:   matcher,
		completer: completer,
		cfg:       cfg,
		notify:    notify,
		logger:    logger,
	}
}

// Explore 驱动一条上下文直到终局
// 设备故障（adb 失败、应用离开前台）走故障预算，预算耗尽判 Inconclusive；
// 步骤无法解析（控件找不到或歧义、补全失败）判 PathExhausted；
// 全部步骤走完没观测到命中崩溃判 Inconclusive
func (d *Driver) Explore(ctx context.Context, ictx *domain.InteractionContext, pkg string) (*Result, error) {
	loc := ictx.Location
	result := &Result{StepsPlanned: len(ictx.Steps)}

	if ictx.Unreachable() {
		// 静态就不可达的上下文不碰设备
		result.Outcome = domain.OutcomeTargetUnreachable
		result.Detail = "no resolvable step in reconstructed context"
		d.finish(loc, result)
		return result, nil
	}

	d.emit(Event{Location: loc.Key(), State: StatePending})

	// 干净起点：杀掉残留进程，清空崩溃观察窗口
	if err := d.automator.Kill(ctx, pkg); err != nil {
		d.logger.WithError(err).Debug("Pre-run force-stop failed, continuing")
	}
	if err := d.monitor.Checkpoint(ctx); err != nil {
		return nil, fmt.Errorf("failed to set crash checkpoint: %w", err)
	}

	faults := 0
	for i := 0; i < len(ictx.Steps); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		stepCtx, cancel := context.WithTimeout(ctx, d.cfg.StepTimeout)
		outcome, fault, err := d.executeStep(stepCtx, ictx, i, pkg, result)
		cancel()
		if err != nil {
			return nil, err
		}

		if fault {
			faults++
			d.logger.WithFields(logrus.Fields{
				"location": loc.Key(),
				"step":     i,
				"faults":   faults,
				"budget":   d.cfg.FaultBudget,
			}).Warn("Device fault during exploration")
			if faults > d.cfg.FaultBudget {
				result.Outcome = domain.OutcomeInconclusive
				result.Detail = "device fault budget exceeded"
				d.finish(loc, result)
				return result, nil
			}
			// 同一步重试
			i--
			continue
		}

		if outcome != "" {
			result.Outcome = outcome
			d.finish(loc, result)
			return result, nil
		}
	}

	// 全部步骤执行完毕仍未观察到崩溃：路径本身走通了，结论存疑
	result.Outcome = domain.OutcomeInconclusive
	result.Detail = "all steps executed without target crash"
	d.finish(loc, result)
	return result, nil
}

// executeStep 执行第 i 步
// 返回 (终局, 是否设备故障, 致命错误)；终局为空字符串表示继续下一步
func (d *Driver) executeStep(ctx context.Context, ictx *domain.InteractionContext, i int, pkg string, result *Result) (domain.Outcome, bool, error) {
	loc := ictx.Location
	step := ictx.Steps[i]
	d.emit(Event{Location: loc.Key(), State: StateNavigating, StepIndex: i})

	record := ActionRecord{Step: step}
	var target *domain.RuntimeWidget

	if step.Action == domain.ActionLaunch {
		d.emit(Event{Location: loc.Key(), State: StateActing, StepIndex: i})
		if err := d.automator.Launch(ctx, pkg, step.Screen); err != nil {
			return "", true, nil
		}
	} else {
		snap, err := d.automator.Snapshot(ctx)
		if err != nil {
			return "", true, nil
		}
		record.Screen = snap.Activity

		// 未解析步骤先走补全
		if !step.Resolved {
			completed, err := d.complete(ctx, ictx, i, snap)
			if err != nil {
				result.Detail = fmt.Sprintf("completion failed at step %d: %v", i, err)
				return domain.OutcomePathExhausted, false, nil
			}
			step = *completed
			ictx.Steps[i] = step
			record.Step = step
			result.UsedCompletion = true
		}

		if step.Action != domain.ActionBack {
			res := d.matcher.Resolve(step.Widget, snap)
			record.Verdict = string(res.Verdict)
			if res.Verdict != match.VerdictMatched {
				// 找不到与歧义一视同仁：描述符没有唯一落点就视为未解析，
				// 补全是最后的机会
				completed, err := d.complete(ctx, ictx, i, snap)
				if err != nil {
					result.Detail = fmt.Sprintf("widget not resolvable at step %d (verdict %s)", i, res.Verdict)
					return domain.OutcomePathExhausted, false, nil
				}
				step = *completed
				ictx.Steps[i] = step
				record.Step = step
				result.UsedCompletion = true
				res = d.matcher.Resolve(step.Widget, snap)
				if res.Verdict != match.VerdictMatched {
					result.Detail = fmt.Sprintf("completed widget not resolvable at step %d (verdict %s)", i, res.Verdict)
					return domain.OutcomePathExhausted, false, nil
				}
			}
			target = res.Widget
			record.WidgetID = target.ResourceID
		}

		d.emit(Event{Location: loc.Key(), State: StateActing, StepIndex: i})
		if err := d.monitor.Checkpoint(ctx); err != nil {
			return "", false, fmt.Errorf("failed to reset crash checkpoint: %w", err)
		}
		if err := d.automator.Act(ctx, step, target); err != nil {
			return "", true, nil
		}
	}

	result.Actions = append(result.Actions, record)
	result.StepsExecuted++

	// Observing：等界面稳定，再查崩溃与前台状态
	d.emit(Event{Location: loc.Key(), State: StateObserving, StepIndex: i})
	select {
	case <-ctx.Done():
	case <-time.After(d.cfg.SettleDelay):
	}

	crash, err := d.monitor.LatestCrash(ctx, pkg)
	if err != nil {
		return "", true, nil
	}
	if crash != nil {
		result.Crash = crash
		if crash.Matches(loc.QualifiedMethod(), loc.Callers) {
			return domain.OutcomeCrashConfirmed, false, nil
		}
		// 崩了但不是预测的位置
		result.Detail = fmt.Sprintf("unrelated crash: %s", crash.Exception)
		return domain.OutcomeInconclusive, false, nil
	}

	alive, err := d.automator.IsAppAlive(ctx, pkg)
	if err != nil || !alive {
		// 应用无崩溃地离开前台视作设备故障，走预算重试
		return "", true, nil
	}

	return "", false, nil
}

// complete 调补全服务补一个步骤
func (d *Driver) complete(ctx context.Context, ictx *domain.InteractionContext, i int, snap *domain.Snapshot) (*domain.ContextStep, error) {
	if d.completer == nil {
		return nil, fmt.Errorf("completion disabled")
	}
	return d.completer.Complete(ctx, ictx, i, snap)
}

// finish 记录终局并广播
func (d *Driver) finish(loc domain.SuspiciousLocation, result *Result) {
	d.logger.WithFields(logrus.Fields{
		"location":        loc.Key(),
		"outcome":         result.Outcome,
		"steps_planned":   result.StepsPlanned,
		"steps_executed":  result.StepsExecuted,
		"used_completion": result.UsedCompletion,
	}).Info("Exploration resolved")
	d.emit(Event{Location: loc.Key(), State: StateResolved, Outcome: result.Outcome, Detail: result.Detail})
}

func (d *Driver) emit(e Event) {
	if d.notify != nil {
		d.notify(e)
	}
}
