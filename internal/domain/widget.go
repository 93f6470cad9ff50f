package domain

import "time"

// RuntimeWidget 设备实时界面快照中的一个节点
// 属性形状与 WidgetDescriptor 对齐，额外携带边界与可用/可见标记
type RuntimeWidget struct {
	ResourceID    string   `json:"resource_id,omitempty"`
	Text          string   `json:"text,omitempty"`
	Class         string   `json:"class,omitempty"`
	Package       string   `json:"package,omitempty"`
	Binding       string   `json:"binding,omitempty"`
	SiblingIndex  int      `json:"sibling_index"`
	AncestorChain []string `json:"ancestor_chain,omitempty"`
	Bounds        [4]int   `json:"bounds"` // [left, top, right, bottom]
	Center        [2]int   `json:"center"` // [x, y]
	Clickable     bool     `json:"clickable"`
	Enabled       bool     `json:"enabled"`
	Visible       bool     `json:"visible"`
}

// Snapshot 某一时刻的界面层级快照
// 快照是一次性的：每次匹配前重新捕获，匹配后即丢弃，绝不跨步骤持久化
type Snapshot struct {
	Activity   string          `json:"activity"` // 当前前台 Activity
	Package    string          `json:"package"`
	Widgets    []RuntimeWidget `json:"widgets"` // 扁平化节点列表
	CapturedAt time.Time       `json:"captured_at"`
}

// Interactable 过滤出可交互（可见且可用）的节点
func (s *Snapshot) Interactable() []RuntimeWidget {
	out := make([]RuntimeWidget, 0, len(s.Widgets))
	for _, w := range s.Widgets {
		if w.Visible && w.Enabled {
			out = append(out, w)
		}
	}
	return out
}
