package reconstruct

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/TheMystery123/TraceDroid/internal/sourcemodel"
	"github.com/sirupsen/logrus"
)

// Reconstructor 从可疑位置反向重建交互上下文
// 流程：沿调用图反向 BFS 找最近的 UI 入口点，再在界面跳转图上
// 规划从 launcher 界面到入口所在界面的最短路线，正序输出步骤。
// 树构建完成后只读，重建器可被多个 worker 并发调用
type Reconstructor struct {
	tree   *sourcemodel.Tree
	logger *logrus.Logger

	mu      sync.Mutex
	memo    map[sourcemodel.MethodID][]domain.ContextStep
	screens map[string][]screenHop
}

// screenHop 界面跳转图中的一条边
type screenHop struct {
	to      string
	trigger *sourcemodel.Trigger
}

// NewReconstructor 创建重建器
func NewReconstructor(tree *sourcemodel.Tree, logger *logrus.Logger) *Reconstructor {
	return &Reconstructor{
		tree:   tree,
		logger: logger,
		memo:   make(map[sourcemodel.MethodID][]domain.ContextStep),
	}
}

// Reconstruct 为一个可疑位置重建交互上下文
// 找不到任何 UI 入口可达该位置时返回零步骤上下文（由调用方判定不可达）
func (r *Reconstructor) Reconstruct(ctx context.Context, loc domain.SuspiciousLocation) (*domain.InteractionContext, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	id := sourcemodel.MethodID(loc.MethodRef)
	if r.tree.Method(id) == nil {
		return nil, fmt.Errorf("suspicious location %s references unknown method %d", loc.Key(), loc.MethodRef)
	}

	r.mu.Lock()
	if steps, ok := r.memo[id]; ok {
		r.mu.Unlock()
		return &domain.InteractionContext{Location: loc, Steps: copySteps(steps)}, nil
	}
	r.mu.Unlock()

	steps := r.buildSteps(id)

	r.mu.Lock()
	r.memo[id] = steps
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"location":   loc.Key(),
		"steps":      len(steps),
		"resolvable": countResolved(steps),
	}).Debug("Interaction context reconstructed")

	return &domain.InteractionContext{Location: loc, Steps: copySteps(steps)}, nil
}

// buildSteps 计算某方法的完整步骤序列
func (r *Reconstructor) buildSteps(id sourcemodel.MethodID) []domain.ContextStep {
	entry := r.nearestEntry(id)
	if entry == nil {
		return nil
	}
	ep := entry.Entry

	launcher := r.tree.LauncherScreen
	if launcher == "" {
		// manifest 未给出 launcher 时退化为直接从入口界面起步
		launcher = ep.Screen
	}

	steps := []domain.ContextStep{{
		Screen:   launcher,
		Action:   domain.ActionLaunch,
		Resolved: true,
	}}

	// launcher -> 入口界面的跳转路线
	if ep.Screen != "" && ep.Screen != launcher {
		hops, ok := r.screenRoute(launcher, ep.Screen)
		if !ok {
			steps = append(steps, domain.ContextStep{
				Screen:   launcher,
				Action:   domain.ActionTap,
				Resolved: false,
				Evidence: fmt.Sprintf("no static route from %s to %s", launcher, ep.Screen),
			})
		} else {
			cur := launcher
			for _, hop := range hops {
				step := domain.ContextStep{
					Screen: cur,
					Action: domain.ActionTap,
				}
				if hop.trigger != nil {
					step.Widget = hop.trigger.Widget
					step.Resolved = hop.trigger.Resolved && !hop.trigger.Widget.Empty()
					step.Evidence = hop.trigger.Evidence
				}
				if step.Evidence == "" && !step.Resolved {
					step.Evidence = fmt.Sprintf("transition to %s with unknown trigger widget", hop.to)
				}
				steps = append(steps, step)
				cur = hop.to
			}
		}
	}

	// 入口激活步骤：生命周期入口随界面到达自动触发，处理器/监听器要对控件施加动作
	if ep.Kind != sourcemodel.EntryLifecycle {
		action := domain.ActionTap
		if strings.Contains(ep.Widget.Class, "EditText") {
			action = domain.ActionInput
		}
		steps = append(steps, domain.ContextStep{
			Screen:   ep.Screen,
			Widget:   ep.Widget,
			Action:   action,
			Resolved: ep.Resolved && !ep.Widget.Empty(),
			Evidence: ep.Evidence,
		})
	}

	return steps
}

// nearestEntry 反向 BFS 找距离最近的 UI 入口方法
// 同层并列时优先 launcher 界面的入口，再按全限定名取字典序最小，保证确定性
func (r *Reconstructor) nearestEntry(target sourcemodel.MethodID) *sourcemodel.Method {
	visited := map[sourcemodel.MethodID]bool{target: true}
	frontier := []sourcemodel.MethodID{target}

	for len(frontier) > 0 {
		var found []*sourcemodel.Method
		for _, id := range frontier {
			m := r.tree.Method(id)
			if m.Entry != nil {
				found = append(found, m)
			}
		}
		if len(found) > 0 {
			sort.Slice(found, func(i, j int) bool {
				li := found[i].Entry.Screen == r.tree.LauncherScreen
				lj := found[j].Entry.Screen == r.tree.LauncherScreen
				if li != lj {
					return li
				}
				return found[i].Qualified() < found[j].Qualified()
			})
			return found[0]
		}

		var next []sourcemodel.MethodID
		for _, id := range frontier {
			for _, e := range r.tree.Callers(id) {
				if !visited[e.From] {
					visited[e.From] = true
					next = append(next, e.From)
				}
			}
		}
		frontier = next
	}

	return nil
}

// screenRoute 界面跳转图上 from -> to 的最短路线
func (r *Reconstructor) screenRoute(from, to string) ([]screenHop, bool) {
	graph := r.screenGraph()

	type node struct {
		screen string
		path   []screenHop
	}
	visited := map[string]bool{from: true}
	queue := []node{{screen: from}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.screen == to {
			return cur.path, true
		}
		for _, hop := range graph[cur.screen] {
			if visited[hop.to] {
				continue
			}
			visited[hop.to] = true
			path := append(append([]screenHop(nil), cur.path...), hop)
			queue = append(queue, node{screen: hop.to, path: path})
		}
	}

	return nil, false
}

// screenGraph 从调用边上的跳转证据搭建界面跳转图，懒构建一次
func (r *Reconstructor) screenGraph() map[string][]screenHop {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.screens != nil {
		return r.screens
	}

	graph := make(map[string][]screenHop)
	for _, m := range r.tree.Methods() {
		from := screenOf(m.Class)
		for _, e := range r.tree.Callees(m.ID) {
			if e.Trigger == nil || e.Trigger.NewScreen == "" {
				continue
			}
			trigger := e.Trigger
			if trigger.Widget.Empty() {
				// 跳转边本身没带控件时借用发起方法的入口控件
				if src := r.triggerWidgetFor(m); src != nil {
					enriched := *trigger
					enriched.Widget = src.Widget
					enriched.Resolved = src.Resolved
					trigger = &enriched
				}
			}
			graph[from] = append(graph[from], screenHop{to: trigger.NewScreen, trigger: trigger})
		}
	}

	r.screens = graph
	return graph
}

// triggerWidgetFor 发起跳转的方法自身或其直接调用者的入口控件
func (r *Reconstructor) triggerWidgetFor(m *sourcemodel.Method) *sourcemodel.EntryPoint {
	if m.Entry != nil && m.Entry.Kind != sourcemodel.EntryLifecycle {
		return m.Entry
	}
	for _, e := range r.tree.Callers(m.ID) {
		caller := r.tree.Method(e.From)
		if caller.Entry != nil && caller.Entry.Kind != sourcemodel.EntryLifecycle {
			return caller.Entry
		}
	}
	return nil
}

// screenOf 方法所属界面类（内部类归到外层类）
func screenOf(class string) string {
	if idx := strings.Index(class, "$"); idx >= 0 {
		return class[:idx]
	}
	return class
}

func copySteps(steps []domain.ContextStep) []domain.ContextStep {
	out := make([]domain.ContextStep, len(steps))
	copy(out, steps)
	return out
}

func countResolved(steps []domain.ContextStep) int {
	n := 0
	for _, s := range steps {
		if s.Resolved {
			n++
		}
	}
	return n
}
