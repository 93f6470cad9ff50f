package sourcemodel

import (
	"strings"

	"github.com/TheMystery123/TraceDroid/internal/domain"
)

// MethodID 方法节点在 arena 中的稳定下标
// 图结构全部用整型下标表示，避免指针图带来的环处理和记忆化困难
type MethodID int

// EntryKind UI 入口点类型
type EntryKind string

const (
	EntryLifecycle EntryKind = "lifecycle" // Activity/Fragment 生命周期回调
	EntryHandler   EntryKind = "handler"   // 布局 XML 中声明的 onClick 处理器
	EntryListener  EntryKind = "listener"  // 代码中注册的事件监听器
)

// EntryPoint 标记某方法是 UI 入口点，并携带触发它的控件证据
type EntryPoint struct {
	Kind     EntryKind
	Screen   string // 所属界面（Activity/Fragment 类名）
	Callback string // 回调名，如 onCreate / onClick
	Widget   domain.WidgetDescriptor
	Resolved bool   // 触发控件是否已静态确定
	Evidence string // 未确定时的局部证据（周边文本、推断界面）
}

// Trigger 调用边上的触发证据（如监听器归属控件、intent 跳转目标）
type Trigger struct {
	Widget    domain.WidgetDescriptor
	Screen    string // 触发动作发生的界面
	NewScreen string // 该边导致界面跳转时的目标界面，空表示界面内调用
	Resolved  bool
	Evidence  string
}

// Edge 调用图中的一条有向边
type Edge struct {
	From    MethodID
	To      MethodID
	Trigger *Trigger // 多数边没有触发证据
}

// Method arena 中的一个方法节点
type Method struct {
	ID        MethodID
	Class     string // 全限定类名
	Name      string
	File      string
	StartLine int
	EndLine   int
	Body      string // 方法体文本，供规则的文本谓词使用
	Entry     *EntryPoint
}

// Qualified 全限定方法名
func (m *Method) Qualified() string {
	if m.Class == "" {
		return m.Name
	}
	return m.Class + "." + m.Name
}

// SimpleClass 类名（去掉包前缀）
func (m *Method) SimpleClass() string {
	if idx := strings.LastIndex(m.Class, "."); idx >= 0 {
		return m.Class[idx+1:]
	}
	return m.Class
}

// Tree 反编译源码的可查询表示：方法、调用边、字面量
// 一次运行构建一次，之后只读，可安全并发查询
type Tree struct {
	Package        string
	LauncherScreen string // 默认可见界面（launcher Activity 类名）

	methods     []*Method
	byQualified map[string]MethodID
	bySimple    map[string][]MethodID // 简单方法名 -> 候选节点（反编译代码只能做启发式解析）

	out map[MethodID][]Edge
	in  map[MethodID][]Edge

	entryDist []int // 记忆化：每个方法到最近 UI 入口的跳数，-1 表示不可达
}

// NewTree 创建空的源码模型
func NewTree() *Tree {
	return &Tree{
		byQualified: make(map[string]MethodID),
		bySimple:    make(map[string][]MethodID),
		out:         make(map[MethodID][]Edge),
		in:          make(map[MethodID][]Edge),
	}
}

// AddMethod 向 arena 追加一个方法节点，返回其稳定下标
func (t *Tree) AddMethod(m *Method) MethodID {
	id := MethodID(len(t.methods))
	m.ID = id
	t.methods = append(t.methods, m)
	t.byQualified[m.Qualified()] = id
	t.bySimple[m.Name] = append(t.bySimple[m.Name], id)
	t.entryDist = nil // 图变更后失效
	return id
}

// AddEdge 添加调用边
func (t *Tree) AddEdge(from, to MethodID, trigger *Trigger) {
	e := Edge{From: from, To: to, Trigger: trigger}
	t.out[from] = append(t.out[from], e)
	t.in[to] = append(t.in[to], e)
	t.entryDist = nil
}

// MethodCount 方法节点总数
func (t *Tree) MethodCount() int {
	return len(t.methods)
}

// Method 按下标取方法节点
func (t *Tree) Method(id MethodID) *Method {
	if int(id) < 0 || int(id) >= len(t.methods) {
		return nil
	}
	return t.methods[id]
}

// Methods 全部方法节点（只读遍历用）
func (t *Tree) Methods() []*Method {
	return t.methods
}

// Lookup 按全限定名查找
func (t *Tree) Lookup(qualified string) (MethodID, bool) {
	id, ok := t.byQualified[qualified]
	return id, ok
}

// LookupSimple 按简单方法名查找全部候选
func (t *Tree) LookupSimple(name string) []MethodID {
	return t.bySimple[name]
}

// Callers 指向该方法的入边
func (t *Tree) Callers(id MethodID) []Edge {
	return t.in[id]
}

// Callees 该方法发出的出边
func (t *Tree) Callees(id MethodID) []Edge {
	return t.out[id]
}

// CallerNames 直接调用者的全限定名（用于崩溃栈比对）
func (t *Tree) CallerNames(id MethodID) []string {
	edges := t.in[id]
	names := make([]string, 0, len(edges))
	seen := make(map[string]bool)
	for _, e := range edges {
		q := t.methods[e.From].Qualified()
		if !seen[q] {
			seen[q] = true
			names = append(names, q)
		}
	}
	return names
}

// EntryPoints 全部 UI 入口点方法
func (t *Tree) EntryPoints() []MethodID {
	var out []MethodID
	for _, m := range t.methods {
		if m.Entry != nil {
			out = append(out, m.ID)
		}
	}
	return out
}

// EntryDistance 方法到最近 UI 入口点的调用跳数；-1 表示没有入口可达该方法
// 从全部入口点沿正向调用边做一次多源 BFS，结果缓存
func (t *Tree) EntryDistance(id MethodID) int {
	if t.entryDist == nil {
		t.computeEntryDistances()
	}
	if int(id) < 0 || int(id) >= len(t.entryDist) {
		return -1
	}
	return t.entryDist[id]
}

func (t *Tree) computeEntryDistances() {
	dist := make([]int, len(t.methods))
	for i := range dist {
		dist[i] = -1
	}

	queue := make([]MethodID, 0)
	for _, id := range t.EntryPoints() {
		dist[id] = 0
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range t.out[cur] {
			if dist[e.To] == -1 {
				dist[e.To] = dist[cur] + 1
				queue = append(queue, e.To)
			}
		}
	}

	t.entryDist = dist
}

// SetLauncherScreen 设置默认可见界面（来自 manifest 的 launcher Activity）
func (t *Tree) SetLauncherScreen(screen string) {
	t.LauncherScreen = screen
}
