package match

import (
	"testing"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func intPtr(v int) *int { return &v }

func snapshotWith(widgets ...domain.RuntimeWidget) *domain.Snapshot {
	return &domain.Snapshot{
		Activity: "com.example.MainActivity",
		Package:  "com.example",
		Widgets:  widgets,
	}
}

// TestResolve_ExactResourceID 测试资源 id 精确命中唯一候选
func TestResolve_ExactResourceID(t *testing.T) {
	m := NewMatcher(testLogger())
	snap := snapshotWith(
		domain.RuntimeWidget{ResourceID: "com.example:id/login_btn", Text: "Sign In", Class: "android.widget.Button", Visible: true, Clickable: true},
		domain.RuntimeWidget{ResourceID: "com.example:id/cancel_btn", Text: "Cancel", Class: "android.widget.Button", Visible: true, Clickable: true},
	)

	res := m.Resolve(domain.WidgetDescriptor{ResourceID: "login_btn", Text: "Sign In", Class: "Button"}, snap)
	require.Equal(t, VerdictMatched, res.Verdict)
	assert.Equal(t, "com.example:id/login_btn", res.Widget.ResourceID)
	assert.Greater(t, res.Score, 0.9)
}

// TestResolve_AbsentChannelsNotPenalized 测试描述符缺失的通道不拉低得分
func TestResolve_AbsentChannelsNotPenalized(t *testing.T) {
	m := NewMatcher(testLogger())
	snap := snapshotWith(
		domain.RuntimeWidget{ResourceID: "com.example:id/login_btn", Class: "android.widget.Button", Visible: true},
	)

	// 只有资源 id 一个通道，命中即满分
	res := m.Resolve(domain.WidgetDescriptor{ResourceID: "login_btn"}, snap)
	require.Equal(t, VerdictMatched, res.Verdict)
	assert.InDelta(t, 1.0, res.Score, 0.001)
}

// TestResolve_TextFallback 测试无资源 id 时靠文本和类匹配
func TestResolve_TextFallback(t *testing.T) {
	m := NewMatcher(testLogger())
	snap := snapshotWith(
		domain.RuntimeWidget{Text: "Sign In", Class: "android.widget.Button", Visible: true},
		domain.RuntimeWidget{Text: "Register", Class: "android.widget.Button", Visible: true},
	)

	res := m.Resolve(domain.WidgetDescriptor{Text: "Sign In", Class: "Button"}, snap)
	require.Equal(t, VerdictMatched, res.Verdict)
	assert.Equal(t, "Sign In", res.Widget.Text)
}

// TestResolve_Ambiguous 测试最优与次优差距过小时判并列
func TestResolve_Ambiguous(t *testing.T) {
	m := NewMatcher(testLogger())
	snap := snapshotWith(
		domain.RuntimeWidget{Text: "Delete", Class: "android.widget.Button", Visible: true},
		domain.RuntimeWidget{Text: "Delete", Class: "android.widget.Button", Visible: true},
	)

	res := m.Resolve(domain.WidgetDescriptor{Text: "Delete", Class: "Button"}, snap)
	assert.Equal(t, VerdictAmbiguous, res.Verdict)
	assert.NotNil(t, res.Widget)
}

// TestResolve_None 测试无候选过阈值
func TestResolve_None(t *testing.T) {
	m := NewMatcher(testLogger())
	snap := snapshotWith(
		domain.RuntimeWidget{ResourceID: "com.example:id/avatar", Text: "", Class: "android.widget.ImageView", Visible: true},
	)

	res := m.Resolve(domain.WidgetDescriptor{ResourceID: "login_btn", Text: "Sign In"}, snap)
	assert.Equal(t, VerdictNone, res.Verdict)
	assert.Nil(t, res.Widget)
}

// TestResolve_InvisibleExcluded 测试不可见控件不参与匹配
func TestResolve_InvisibleExcluded(t *testing.T) {
	m := NewMatcher(testLogger())
	snap := snapshotWith(
		domain.RuntimeWidget{ResourceID: "com.example:id/login_btn", Visible: false},
	)

	res := m.Resolve(domain.WidgetDescriptor{ResourceID: "login_btn"}, snap)
	assert.Equal(t, VerdictNone, res.Verdict)
}

// TestResolve_StructureBreaksTie 测试结构通道区分同文本控件
func TestResolve_StructureBreaksTie(t *testing.T) {
	m := NewMatcher(testLogger())
	snap := snapshotWith(
		domain.RuntimeWidget{Text: "Delete", Class: "android.widget.Button", SiblingIndex: 0, AncestorChain: []string{"FrameLayout", "LinearLayout"}, Visible: true},
		domain.RuntimeWidget{Text: "Delete", Class: "android.widget.Button", SiblingIndex: 2, AncestorChain: []string{"FrameLayout", "RecyclerView"}, Visible: true},
	)

	desc := domain.WidgetDescriptor{
		Text:          "Delete",
		Class:         "Button",
		SiblingIndex:  intPtr(2),
		AncestorChain: []string{"FrameLayout", "RecyclerView"},
	}
	res := m.Resolve(desc, snap)
	require.Equal(t, VerdictMatched, res.Verdict)
	assert.Equal(t, 2, res.Widget.SiblingIndex)
}

// TestResolve_Deterministic 测试同一输入得到同一裁决与候选
func TestResolve_Deterministic(t *testing.T) {
	m := NewMatcher(testLogger())
	snap := snapshotWith(
		domain.RuntimeWidget{ResourceID: "com.example:id/a", Text: "Next", Visible: true},
		domain.RuntimeWidget{ResourceID: "com.example:id/b", Text: "Next", Visible: true},
	)
	desc := domain.WidgetDescriptor{ResourceID: "b", Text: "Next"}

	first := m.Resolve(desc, snap)
	for i := 0; i < 5; i++ {
		again := m.Resolve(desc, snap)
		assert.Equal(t, first.Verdict, again.Verdict)
		assert.Equal(t, first.Widget, again.Widget)
		assert.Equal(t, first.Score, again.Score)
	}
}

// TestScore_ClassWrapper 测试 AppCompat 包装类得部分分
func TestScore_ClassWrapper(t *testing.T) {
	m := NewMatcher(testLogger())
	w := &domain.RuntimeWidget{Class: "androidx.appcompat.widget.AppCompatButton"}

	score := m.Score(domain.WidgetDescriptor{Class: "Button"}, w)
	assert.Greater(t, score, 0.0)
	assert.Less(t, score, 0.9)
}

// TestScore_Binding 测试 data-binding 表达式末段与资源 id 关联
func TestScore_Binding(t *testing.T) {
	m := NewMatcher(testLogger())
	w := &domain.RuntimeWidget{ResourceID: "com.example:id/submit_order", Visible: true}

	score := m.Score(domain.WidgetDescriptor{Binding: "viewModel.submitOrder()"}, w)
	assert.Equal(t, 0.0, score)

	w2 := &domain.RuntimeWidget{ResourceID: "com.example:id/submitorder", Visible: true}
	score2 := m.Score(domain.WidgetDescriptor{Binding: "viewModel.submitOrder()"}, w2)
	assert.InDelta(t, 1.0, score2, 0.001)
}
