package crashmon

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Frame 崩溃栈中的一帧
type Frame struct {
	Class  string `json:"class"`
	Method string `json:"method"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// CrashRecord 一次未捕获异常的结构化记录
type CrashRecord struct {
	Process   string  `json:"process"`
	Exception string  `json:"exception"`
	Message   string  `json:"message,omitempty"`
	Frames    []Frame `json:"frames"`
	Raw       string  `json:"raw,omitempty"`
}

// Matches 崩溃栈是否落在可疑位置：包含目标方法本身，或其任一直接调用者
func (r *CrashRecord) Matches(qualifiedMethod string, callers []string) bool {
	wanted := map[string]bool{normalizeQualified(qualifiedMethod): true}
	for _, c := range callers {
		wanted[normalizeQualified(c)] = true
	}
	for _, f := range r.Frames {
		if wanted[normalizeQualified(f.Class+"."+f.Method)] {
			return true
		}
	}
	return false
}

// ShellRunner 执行设备 shell 命令的最小依赖
type ShellRunner interface {
	Shell(ctx context.Context, command string) (string, error)
}

// Monitor 崩溃监视器
// Checkpoint 在每步动作前设置观察起点，LatestCrash 只报告起点之后的崩溃
type Monitor interface {
	Checkpoint(ctx context.Context) error
	LatestCrash(ctx context.Context, pkg string) (*CrashRecord, error)
}

// LogcatMonitor 基于 adb logcat 的崩溃监视器
type LogcatMonitor struct {
	runner ShellRunner
	logger *logrus.Logger
}

// NewLogcatMonitor 创建 logcat 监视器
func NewLogcatMonitor(runner ShellRunner, logger *logrus.Logger) *LogcatMonitor {
	return &LogcatMonitor{runner: runner, logger: logger}
}

// Checkpoint 清空日志缓冲，后续读取即为本步骤产生的日志
func (m *LogcatMonitor) Checkpoint(ctx context.Context) error {
	if _, err := m.runner.Shell(ctx, "logcat -c"); err != nil {
		return fmt.Errorf("failed to clear logcat: %w", err)
	}
	return nil
}

// LatestCrash 检查点以来目标应用的最新崩溃，没有崩溃返回 nil
func (m *LogcatMonitor) LatestCrash(ctx context.Context, pkg string) (*CrashRecord, error) {
	output, err := m.runner.Shell(ctx, "logcat -d -b crash -b main")
	if err != nil {
		return nil, fmt.Errorf("failed to dump logcat: %w", err)
	}

	crashes := ParseCrashes(output)
	for i := len(crashes) - 1; i >= 0; i-- {
		if pkg == "" || crashes[i].Process == pkg {
			crash := crashes[i]
			m.logger.WithFields(logrus.Fields{
				"process":   crash.Process,
				"exception": crash.Exception,
				"frames":    len(crash.Frames),
			}).Info("Crash detected in logcat")
			return &crash, nil
		}
	}
	return nil, nil
}

var (
	reFatal   = regexp.MustCompile(`FATAL EXCEPTION: (\S+)`)
	reProcess = regexp.MustCompile(`Process: ([\w.]+), PID: \d+`)
	reFrame   = regexp.MustCompile(`\bat ([\w.$]+)\.([\w$<>]+)\(([^:)]*?)(?::(\d+))?\)`)
	// 首行异常："java.lang.NullPointerException: message"
	reException = regexp.MustCompile(`([\w.]+(?:Exception|Error))(?:: (.*))?$`)
)

// ParseCrashes 从 logcat 文本中解析全部 FATAL EXCEPTION 块（按出现顺序）
func ParseCrashes(log string) []CrashRecord {
	var crashes []CrashRecord
	var cur *CrashRecord
	var raw []string

	flush := func() {
		if cur != nil && cur.Exception != "" {
			cur.Raw = strings.Join(raw, "\n")
			crashes = append(crashes, *cur)
		}
		cur = nil
		raw = nil
	}

	for _, line := range strings.Split(log, "\n") {
		if m := reFatal.FindStringSubmatch(line); m != nil {
			flush()
			cur = &CrashRecord{}
			raw = append(raw, line)
			continue
		}
		if cur == nil {
			continue
		}
		raw = append(raw, line)

		if m := reProcess.FindStringSubmatch(line); m != nil {
			cur.Process = m[1]
			continue
		}
		if m := reFrame.FindStringSubmatch(line); m != nil {
			frame := Frame{Class: m[1], Method: m[2], File: m[3]}
			if m[4] != "" {
				frame.Line, _ = strconv.Atoi(m[4])
			}
			cur.Frames = append(cur.Frames, frame)
			continue
		}
		if cur.Exception == "" {
			if m := reException.FindStringSubmatch(line); m != nil {
				cur.Exception = m[1]
				cur.Message = strings.TrimSpace(m[2])
			}
		}
	}
	flush()

	return crashes
}

// normalizeQualified 内部类归并到外层类后再比较
// 栈帧里匿名监听器是 MainActivity$1.onClick，静态模型登记在 MainActivity 名下
func normalizeQualified(qualified string) string {
	idx := strings.LastIndex(qualified, ".")
	if idx < 0 {
		return qualified
	}
	class, method := qualified[:idx], qualified[idx+1:]
	if d := strings.Index(class, "$"); d >= 0 {
		class = class[:d]
	}
	return class + "." + method
}
