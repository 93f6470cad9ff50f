package domain

import (
	"time"
)

// RunStatus 分析运行状态
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusAnalyzing RunStatus = "analyzing" // 静态阶段：规则检测 + 上下文重建
	RunStatusExploring RunStatus = "exploring" // 动态阶段：设备上逐位置探索
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed" // 设备故障超出预算等运行级失败
	RunStatusCancelled RunStatus = "cancelled"
)

// Run 一次完整的分析运行：一个 APK + 其反编译源码目录
type Run struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	APKPath     string    `gorm:"type:varchar(500);not null" json:"apk_path"`
	SourceDir   string    `gorm:"type:varchar(500);not null" json:"source_dir"`
	PackageName string    `gorm:"type:varchar(255)" json:"package_name,omitempty"`
	AppName     string    `gorm:"type:varchar(255)" json:"app_name,omitempty"`
	Status      RunStatus `gorm:"type:varchar(20);not null;default:'queued'" json:"status"`

	// 进度与统计
	LocationCount    int    `gorm:"default:0" json:"location_count"`    // 检出的可疑位置数
	ProcessedCount   int    `gorm:"default:0" json:"processed_count"`   // 已定论的位置数
	ConfirmedCount   int    `gorm:"default:0" json:"confirmed_count"`   // CrashConfirmed 数
	UnreachableCount int    `gorm:"default:0" json:"unreachable_count"` // TargetUnreachable 数
	ExhaustedCount   int    `gorm:"default:0" json:"exhausted_count"`   // PathExhausted 数
	CurrentStep      string `gorm:"type:varchar(255)" json:"current_step,omitempty"`
	ErrorMessage     string `gorm:"type:text" json:"error_message,omitempty"`

	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// 关联
	Attempts []ExplorationAttempt `gorm:"foreignKey:RunID;references:ID" json:"attempts,omitempty"`
}

func (Run) TableName() string {
	return "trace_runs"
}

// ExplorationAttempt 一个可疑位置的探索记录
// 每个被处理的 SuspiciousLocation 恰好产生一条记录，Outcome 只定论一次
type ExplorationAttempt struct {
	ID    uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID string `gorm:"type:varchar(36);index:idx_run_id;not null" json:"run_id"`

	// 可疑位置（冗余展开，方便查询）
	File      string       `gorm:"type:varchar(500);not null" json:"file"`
	Class     string       `gorm:"type:varchar(255)" json:"class,omitempty"`
	Method    string       `gorm:"type:varchar(255)" json:"method,omitempty"`
	StartLine int          `json:"start_line"`
	EndLine   int          `json:"end_line"`
	RuleID    string       `gorm:"type:varchar(64);index:idx_rule_id;not null" json:"rule_id"`
	Category  RuleCategory `gorm:"type:varchar(20)" json:"category"`

	Outcome        Outcome `gorm:"type:varchar(30);index:idx_outcome" json:"outcome"`
	StepsPlanned   int     `gorm:"default:0" json:"steps_planned"`
	StepsExecuted  int     `gorm:"default:0" json:"steps_executed"`
	UsedCompletion bool    `gorm:"default:false" json:"used_completion"` // 是否用到了补全步骤

	// 完整证据（JSON 序列化：使用的交互上下文、已执行动作、崩溃栈）
	ContextJSON string `gorm:"type:mediumtext" json:"context_json,omitempty"`
	ActionsJSON string `gorm:"type:mediumtext" json:"actions_json,omitempty"`
	CrashJSON   string `gorm:"type:mediumtext" json:"crash_json,omitempty"`

	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinalizedAt  *time.Time `json:"finalized_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (ExplorationAttempt) TableName() string {
	return "trace_exploration_attempts"
}

// Finalized 记录是否已定论
func (a *ExplorationAttempt) Finalized() bool {
	return a.FinalizedAt != nil && a.Outcome.Terminal()
}
