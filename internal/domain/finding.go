package domain

import (
	"fmt"
)

// RuleCategory 可疑代码根因类别（五类）
type RuleCategory string

const (
	CategoryNullPointer RuleCategory = "null_pointer" // 空指针解引用
	CategoryUIThread    RuleCategory = "ui_thread"    // 非主线程更新 UI
	CategoryDatabase    RuleCategory = "database"     // 数据库游标误用
	CategoryLifecycle   RuleCategory = "lifecycle"    // 生命周期状态失效
	CategoryIndexBounds RuleCategory = "index_bounds" // 下标越界
)

// Weight 类别权重（按真实世界崩溃频率排序，权重高的类别优先探索）
func (c RuleCategory) Weight() int {
	switch c {
	case CategoryNullPointer:
		return 100
	case CategoryIndexBounds:
		return 80
	case CategoryLifecycle:
		return 60
	case CategoryUIThread:
		return 40
	case CategoryDatabase:
		return 20
	default:
		return 0
	}
}

// Valid 检查类别是否为已知类别
func (c RuleCategory) Valid() bool {
	switch c {
	case CategoryNullPointer, CategoryUIThread, CategoryDatabase, CategoryLifecycle, CategoryIndexBounds:
		return true
	}
	return false
}

// SuspiciousLocation 被启发式规则标记的可疑代码位置
// 由规则引擎创建后不可变；唯一性由 (File, StartLine-EndLine, RuleID) 决定
type SuspiciousLocation struct {
	File       string       `json:"file"`
	Class      string       `json:"class"`
	Method     string       `json:"method"`
	StartLine  int          `json:"start_line"`
	EndLine    int          `json:"end_line"`
	RuleID     string       `json:"rule_id"`
	Category   RuleCategory `json:"category"`
	Confidence float64      `json:"confidence"` // 规则自身置信度 [0,1]
	RiskScore  float64      `json:"risk_score"` // 静态风险分（离 UI 入口越近越高）
	Evidence   string       `json:"evidence"`   // 命中的代码片段
	MethodRef  int          `json:"method_ref"` // 源码模型中方法节点的稳定下标
	Callers    []string     `json:"callers"`    // 直接调用者的全限定名（用于崩溃栈比对）
}

// Key 唯一键 (file, line range, rule id)
func (l *SuspiciousLocation) Key() string {
	return fmt.Sprintf("%s:%d-%d:%s", l.File, l.StartLine, l.EndLine, l.RuleID)
}

// QualifiedMethod 全限定方法名，如 com.example.MainActivity.onCreate
func (l *SuspiciousLocation) QualifiedMethod() string {
	if l.Class == "" {
		return l.Method
	}
	return l.Class + "." + l.Method
}

// Outcome 单个可疑位置的终态结果
type Outcome string

const (
	OutcomeCrashConfirmed    Outcome = "crash_confirmed"    // 崩溃已复现且栈命中可疑位置
	OutcomeTargetUnreachable Outcome = "target_unreachable" // 无法静态推导出任何交互上下文
	OutcomePathExhausted     Outcome = "path_exhausted"     // 补全后仍无法解析出可执行步骤
	OutcomeInconclusive      Outcome = "inconclusive"       // 路径执行完毕但未观测到命中崩溃
)

// Terminal 所有 Outcome 都是终态；空值表示尚未定论
func (o Outcome) Terminal() bool {
	return o != ""
}
