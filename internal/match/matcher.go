package match

import (
	"strings"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/sirupsen/logrus"
)

// Verdict 匹配裁决
type Verdict string

const (
	VerdictMatched   Verdict = "matched"   // 唯一胜出候选
	VerdictAmbiguous Verdict = "ambiguous" // 最优与次优差距小于 epsilon
	VerdictNone      Verdict = "none"      // 无候选过阈值
)

// Result 一次控件解析的结果
type Result struct {
	Verdict  Verdict
	Widget   *domain.RuntimeWidget // Matched / Ambiguous 时为最优候选
	Score    float64
	RunnerUp float64 // 次优候选得分，无次优时为 0
}

// 各属性通道的相对权重。描述符缺失的通道不参与加权，
// 分数是命中通道的加权均值，缺失不算惩罚
const (
	weightResourceID = 0.35
	weightText       = 0.25
	weightClass      = 0.15
	weightStructure  = 0.15
	weightBinding    = 0.10
)

// Matcher 多属性加权控件匹配器
// 静态描述符与运行时控件树之间不存在稳定键，身份只能靠
// 多通道相似度建立；阈值与并列差都可按配置调优
type Matcher struct {
	threshold float64
	epsilon   float64
	logger    *logrus.Logger
}

// NewMatcher 创建匹配器（接受阈值 0.60，并列差 0.05）
func NewMatcher(logger *logrus.Logger) *Matcher {
	return &Matcher{threshold: 0.60, epsilon: 0.05, logger: logger}
}

// NewMatcherWithBounds 自定义阈值与并列差
func NewMatcherWithBounds(threshold, epsilon float64, logger *logrus.Logger) *Matcher {
	return &Matcher{threshold: threshold, epsilon: epsilon, logger: logger}
}

// Resolve 在界面快照中解析描述符指向的运行时控件
// 同一输入必得同一裁决：候选按快照顺序遍历，只有严格更高分才替换最优
func (m *Matcher) Resolve(desc domain.WidgetDescriptor, snap *domain.Snapshot) *Result {
	if desc.Empty() || snap == nil || len(snap.Widgets) == 0 {
		return &Result{Verdict: VerdictNone}
	}

	var best *domain.RuntimeWidget
	bestScore, runnerUp := 0.0, 0.0

	for i := range snap.Widgets {
		w := &snap.Widgets[i]
		if !w.Visible {
			continue
		}
		score := m.Score(desc, w)
		if score > bestScore {
			runnerUp = bestScore
			bestScore = score
			best = w
		} else if score > runnerUp {
			runnerUp = score
		}
	}

	result := &Result{Widget: best, Score: bestScore, RunnerUp: runnerUp}
	switch {
	case best == nil || bestScore < m.threshold:
		result.Verdict = VerdictNone
		result.Widget = nil
	case bestScore-runnerUp < m.epsilon:
		result.Verdict = VerdictAmbiguous
	default:
		result.Verdict = VerdictMatched
	}

	m.logger.WithFields(logrus.Fields{
		"resource_id": desc.ResourceID,
		"verdict":     result.Verdict,
		"score":       result.Score,
		"runner_up":   result.RunnerUp,
	}).Debug("Widget resolution")

	return result
}

// Score 单个候选的加权相似度，区间 [0, 1]
func (m *Matcher) Score(desc domain.WidgetDescriptor, w *domain.RuntimeWidget) float64 {
	totalWeight, sum := 0.0, 0.0

	if desc.ResourceID != "" {
		totalWeight += weightResourceID
		sum += weightResourceID * resourceIDScore(desc.ResourceID, w.ResourceID)
	}
	if desc.Text != "" {
		totalWeight += weightText
		sum += weightText * textScore(desc.Text, w.Text)
	}
	if desc.Class != "" {
		totalWeight += weightClass
		sum += weightClass * classScore(desc.Class, w.Class)
	}
	if desc.SiblingIndex != nil || len(desc.AncestorChain) > 0 {
		totalWeight += weightStructure
		sum += weightStructure * structureScore(desc, w)
	}
	if desc.Binding != "" {
		totalWeight += weightBinding
		sum += weightBinding * bindingScore(desc.Binding, w)
	}

	if totalWeight == 0 {
		return 0
	}
	return sum / totalWeight
}

// resourceIDScore 资源 id 比对，两侧都归一化掉 "pkg:id/" 前缀
func resourceIDScore(want, got string) float64 {
	if got == "" {
		return 0
	}
	if shortID(want) == shortID(got) {
		return 1.0
	}
	return 0
}

// textScore 文本比对：完全相等 > 忽略大小写 > 包含关系
func textScore(want, got string) float64 {
	if got == "" {
		return 0
	}
	if want == got {
		return 1.0
	}
	lw, lg := strings.ToLower(want), strings.ToLower(got)
	if lw == lg {
		return 0.9
	}
	if strings.Contains(lg, lw) || strings.Contains(lw, lg) {
		return 0.6
	}
	return 0
}

// classScore 控件类比对：布局里是短类名，运行时是全限定名
func classScore(want, got string) float64 {
	if got == "" {
		return 0
	}
	if want == got {
		return 1.0
	}
	if simpleClass(got) == simpleClass(want) {
		return 0.9
	}
	// AppCompatButton 对 Button 这类包装类
	if strings.Contains(simpleClass(got), simpleClass(want)) {
		return 0.5
	}
	return 0
}

// structureScore 结构比对：兄弟序号 + 祖先链的尾部重合率
func structureScore(desc domain.WidgetDescriptor, w *domain.RuntimeWidget) float64 {
	parts, sum := 0, 0.0

	if desc.SiblingIndex != nil {
		parts++
		if *desc.SiblingIndex == w.SiblingIndex {
			sum += 1.0
		}
	}
	if len(desc.AncestorChain) > 0 {
		parts++
		sum += ancestorOverlap(desc.AncestorChain, w.AncestorChain)
	}

	if parts == 0 {
		return 0
	}
	return sum / float64(parts)
}

// ancestorOverlap 自父向根对齐比较两条祖先链的重合率
func ancestorOverlap(want, got []string) float64 {
	if len(want) == 0 || len(got) == 0 {
		return 0
	}
	matched := 0
	for i := 1; i <= len(want) && i <= len(got); i++ {
		if simpleClass(want[len(want)-i]) == simpleClass(got[len(got)-i]) {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}

// bindingScore data-binding 表达式的末段标识符出现在运行时属性里即认为相关
func bindingScore(binding string, w *domain.RuntimeWidget) float64 {
	token := binding
	if idx := strings.LastIndex(binding, "."); idx >= 0 {
		token = binding[idx+1:]
	}
	token = strings.ToLower(strings.TrimFunc(token, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	}))
	if token == "" {
		return 0
	}
	if strings.Contains(strings.ToLower(w.ResourceID), token) ||
		strings.Contains(strings.ToLower(w.Text), token) ||
		strings.Contains(strings.ToLower(w.Binding), token) {
		return 1.0
	}
	return 0
}

// shortID 去掉 "com.app:id/" 前缀后的短资源 id
func shortID(id string) string {
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		return id[idx+1:]
	}
	return id
}

// simpleClass 去包前缀的类名
func simpleClass(class string) string {
	if idx := strings.LastIndex(class, "."); idx >= 0 {
		return class[idx+1:]
	}
	return class
}
