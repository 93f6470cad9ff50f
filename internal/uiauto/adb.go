package uiauto

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/sirupsen/logrus"
)

// ADBAutomator 通过 adb shell 驱动设备的自动化实现
type ADBAutomator struct {
	target  string // ADB 目标地址（如 emulator-5554 或 android-emulator:5555）
	timeout time.Duration
	logger  *logrus.Logger
}

// NewADBAutomator 创建 ADB 自动化器
func NewADBAutomator(target string, timeout time.Duration, logger *logrus.Logger) *ADBAutomator {
	return &ADBAutomator{target: target, timeout: timeout, logger: logger}
}

// Target 设备地址
func (a *ADBAutomator) Target() string {
	return a.target
}

// Shell 执行 adb shell 命令
func (a *ADBAutomator) Shell(ctx context.Context, command string) (string, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "adb", "-s", a.target, "shell", command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("shell command failed: %w, output: %s", err, string(output))
	}
	return string(output), nil
}

// Snapshot 抓取当前界面快照：dump 控件树 + 前台 Activity
func (a *ADBAutomator) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	remotePath := "/sdcard/window_dump.xml"
	if _, err := a.Shell(ctx, fmt.Sprintf("uiautomator dump %s", remotePath)); err != nil {
		return nil, fmt.Errorf("uiautomator dump failed: %w", err)
	}

	xmlContent, err := a.Shell(ctx, fmt.Sprintf("cat %s", remotePath))
	if err != nil {
		return nil, fmt.Errorf("failed to read UI dump: %w", err)
	}
	a.Shell(ctx, fmt.Sprintf("rm %s", remotePath))

	pkg, activity := a.foreground(ctx)
	snap, err := ParseHierarchy(xmlContent, activity, pkg)
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"device":   a.target,
		"activity": activity,
		"widgets":  len(snap.Widgets),
	}).Debug("Screen snapshot captured")

	return snap, nil
}

// Act 执行一步动作，按动作类型分发到注册的执行器
func (a *ADBAutomator) Act(ctx context.Context, step domain.ContextStep, target *domain.RuntimeWidget) error {
	exec, ok := executorRegistry[step.Action]
	if !ok {
		return fmt.Errorf("no executor registered for action %q", step.Action)
	}
	return exec(ctx, a, step, target)
}

// Launch 启动应用
func (a *ADBAutomator) Launch(ctx context.Context, pkg, activity string) error {
	var cmd string
	if activity != "" {
		cmd = fmt.Sprintf("am start -n %s/%s", pkg, activity)
	} else {
		cmd = fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", pkg)
	}

	output, err := a.Shell(ctx, cmd)
	if err != nil {
		return err
	}
	if strings.Contains(output, "Error") {
		return fmt.Errorf("launch failed: %s", output)
	}

	a.logger.WithFields(logrus.Fields{
		"device":   a.target,
		"package":  pkg,
		"activity": activity,
	}).Debug("App launched")
	return nil
}

// Kill 强停应用
func (a *ADBAutomator) Kill(ctx context.Context, pkg string) error {
	_, err := a.Shell(ctx, fmt.Sprintf("am force-stop %s", pkg))
	return err
}

// IsAppAlive 应用是否在前台
func (a *ADBAutomator) IsAppAlive(ctx context.Context, pkg string) (bool, error) {
	fgPkg, _ := a.foreground(ctx)
	if fgPkg == "" {
		return false, fmt.Errorf("failed to determine foreground package")
	}
	return fgPkg == pkg, nil
}

// foreground 前台包名与 Activity 类名
// 解析 dumpsys 的 mCurrentFocus / mResumedActivity 行
func (a *ADBAutomator) foreground(ctx context.Context) (pkg, activity string) {
	output, err := a.Shell(ctx, "dumpsys activity activities | grep mResumedActivity")
	if err != nil || output == "" {
		output, err = a.Shell(ctx, "dumpsys window | grep mCurrentFocus")
		if err != nil {
			return "", ""
		}
	}

	// 形如 ... u0 com.example.app/.MainActivity t123}
	idx := strings.Index(output, " u0 ")
	if idx == -1 {
		return "", ""
	}
	rest := output[idx+4:]
	if end := strings.IndexAny(rest, " }\n"); end != -1 {
		rest = rest[:end]
	}

	slash := strings.Index(rest, "/")
	if slash == -1 {
		return strings.TrimSpace(rest), ""
	}
	pkg = strings.TrimSpace(rest[:slash])
	activity = strings.TrimSpace(rest[slash+1:])
	if strings.HasPrefix(activity, ".") {
		activity = pkg + activity
	}
	return pkg, activity
}

// execTap 点击目标控件中心
func execTap(ctx context.Context, a *ADBAutomator, _ domain.ContextStep, target *domain.RuntimeWidget) error {
	if target == nil {
		return fmt.Errorf("tap requires a target widget")
	}
	_, err := a.Shell(ctx, fmt.Sprintf("input tap %d %d", target.Center[0], target.Center[1]))
	return err
}

// execInput 点击获得焦点后输入文本
func execInput(ctx context.Context, a *ADBAutomator, step domain.ContextStep, target *domain.RuntimeWidget) error {
	if target == nil {
		return fmt.Errorf("input requires a target widget")
	}
	if err := execTap(ctx, a, step, target); err != nil {
		return err
	}
	text := step.InputText
	if text == "" {
		text = "test"
	}
	// input text 不接受空格，按 adb 约定替换
	text = strings.ReplaceAll(text, " ", "%s")
	_, err := a.Shell(ctx, fmt.Sprintf("input text %s", text))
	return err
}

// execScroll 在目标控件（缺省为屏幕中部）上向上滚动
func execScroll(ctx context.Context, a *ADBAutomator, _ domain.ContextStep, target *domain.RuntimeWidget) error {
	x, top, bottom := 540, 1500, 500
	if target != nil {
		x = target.Center[0]
		top = target.Bounds[3] - (target.Bounds[3]-target.Bounds[1])/4
		bottom = target.Bounds[1] + (target.Bounds[3]-target.Bounds[1])/4
	}
	_, err := a.Shell(ctx, fmt.Sprintf("input swipe %d %d %d %d 300", x, top, x, bottom))
	return err
}

// execSwipe 在目标控件上横向滑动
func execSwipe(ctx context.Context, a *ADBAutomator, _ domain.ContextStep, target *domain.RuntimeWidget) error {
	left, right, y := 200, 900, 1000
	if target != nil {
		y = target.Center[1]
		left = target.Bounds[0] + (target.Bounds[2]-target.Bounds[0])/4
		right = target.Bounds[2] - (target.Bounds[2]-target.Bounds[0])/4
	}
	_, err := a.Shell(ctx, fmt.Sprintf("input swipe %d %d %d %d 300", right, y, left, y))
	return err
}

// execBack 按返回键
func execBack(ctx context.Context, a *ADBAutomator, _ domain.ContextStep, _ *domain.RuntimeWidget) error {
	_, err := a.Shell(ctx, "input keyevent 4")
	return err
}
