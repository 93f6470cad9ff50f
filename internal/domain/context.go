package domain

// ActionKind 控件动作类型（封闭枚举，新动作通过 uiauto 的执行器注册表接入）
type ActionKind string

const (
	ActionTap    ActionKind = "tap"
	ActionInput  ActionKind = "input"
	ActionScroll ActionKind = "scroll"
	ActionSwipe  ActionKind = "swipe"
	ActionBack   ActionKind = "back"
	ActionLaunch ActionKind = "launch" // 启动目标界面（入口步骤）
)

// Valid 检查动作是否为已知动作
func (a ActionKind) Valid() bool {
	switch a {
	case ActionTap, ActionInput, ActionScroll, ActionSwipe, ActionBack, ActionLaunch:
		return true
	}
	return false
}

// WidgetDescriptor 控件的抽象身份，各属性相互独立且可缺省
// 身份只能通过多属性匹配建立，绝不通过属性相等判定
type WidgetDescriptor struct {
	ResourceID    string   `json:"resource_id,omitempty"`
	Text          string   `json:"text,omitempty"`
	Class         string   `json:"class,omitempty"`
	Binding       string   `json:"binding,omitempty"`        // data-binding 表达式
	SiblingIndex  *int     `json:"sibling_index,omitempty"`  // 兄弟序号，nil 表示未知
	AncestorChain []string `json:"ancestor_chain,omitempty"` // 祖先类名链（自根到父）
}

// Empty 描述符是否不含任何可匹配属性
func (d *WidgetDescriptor) Empty() bool {
	return d.ResourceID == "" && d.Text == "" && d.Class == "" &&
		d.Binding == "" && d.SiblingIndex == nil && len(d.AncestorChain) == 0
}

// ContextStep 交互上下文中的单个步骤：一个目标控件 + 一个动作
type ContextStep struct {
	Screen    string           `json:"screen"` // 目标所在界面（Activity 类名）
	Widget    WidgetDescriptor `json:"widget"`
	Action    ActionKind       `json:"action"`
	InputText string           `json:"input_text,omitempty"` // Action == input 时的输入内容
	Resolved  bool             `json:"resolved"`             // 静态分析是否确定了触发控件
	Evidence  string           `json:"evidence,omitempty"`   // 未解析步骤携带的局部证据
	Completed bool             `json:"completed,omitempty"`  // 该步骤是否由补全服务产生
}

// InteractionContext 从一个可疑位置反向重建出的有序交互序列
// 入口步骤在前，触发可疑调用的步骤在后；归当前流水线独占，不跨位置共享
type InteractionContext struct {
	Location SuspiciousLocation `json:"location"`
	Steps    []ContextStep      `json:"steps"`
}

// ResolvableSteps 已静态解析的步骤数
func (c *InteractionContext) ResolvableSteps() int {
	n := 0
	for _, s := range c.Steps {
		if s.Resolved {
			n++
		}
	}
	return n
}

// Unreachable 零可解析步骤的上下文直接判定为不可达
func (c *InteractionContext) Unreachable() bool {
	return c.ResolvableSteps() == 0
}
