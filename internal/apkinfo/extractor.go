package apkinfo

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Info APK 的安装与启动信息
type Info struct {
	PackageName      string   `json:"package_name"`
	AppName          string   `json:"app_name,omitempty"`
	LauncherActivity string   `json:"launcher_activity,omitempty"` // 完整类名
	Activities       []string `json:"activities,omitempty"`
}

// LauncherScreen 启动界面的简单类名，用作导航图的根
func (i *Info) LauncherScreen() string {
	name := i.LauncherActivity
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}

// Extractor 从反编译源码目录或 APK 本体提取包信息
type Extractor struct {
	logger   *logrus.Logger
	aaptPath string
	useAapt  bool
}

// NewExtractor 创建提取器；aapt2 不可用时只剩源码目录一条路
func NewExtractor(logger *logrus.Logger) *Extractor {
	e := &Extractor{
		logger:   logger,
		aaptPath: "aapt2",
		useAapt:  true,
	}
	if err := exec.Command(e.aaptPath, "version").Run(); err != nil {
		logger.Warn("aapt2 not available, manifest extraction relies on decompiled sources only")
		e.useAapt = false
	}
	return e
}

// Extract 提取包信息：优先读反编译目录里的明文 AndroidManifest.xml，
// 失败或信息不全时回退到 aapt2 dump badging
func (e *Extractor) Extract(ctx context.Context, apkPath, sourceDir string) (*Info, error) {
	info, err := e.fromSourceDir(sourceDir)
	if err != nil {
		e.logger.WithError(err).WithField("source_dir", sourceDir).Warn("Failed to parse manifest from sources")
		info = &Info{}
	}

	if (info.PackageName == "" || info.LauncherActivity == "") && e.useAapt && apkPath != "" {
		badging, berr := e.fromBadging(ctx, apkPath)
		if berr != nil {
			e.logger.WithError(berr).Warn("aapt2 badging fallback failed")
		} else {
			if info.PackageName == "" {
				info.PackageName = badging.PackageName
			}
			if info.LauncherActivity == "" {
				info.LauncherActivity = badging.LauncherActivity
			}
			if info.AppName == "" {
				info.AppName = badging.AppName
			}
		}
	}

	if info.PackageName == "" {
		return nil, fmt.Errorf("could not determine package name from %s", sourceDir)
	}
	return info, nil
}

// manifestXML 明文 AndroidManifest.xml 的结构（jadx 等反编译器的输出格式）
type manifestXML struct {
	Package     string `xml:"package,attr"`
	Application struct {
		Label      string             `xml:"label,attr"`
		Activities []manifestActivity `xml:"activity"`
		Aliases    []manifestActivity `xml:"activity-alias"`
	} `xml:"application"`
}

type manifestActivity struct {
	Name           string `xml:"name,attr"`
	TargetActivity string `xml:"targetActivity,attr"`
	IntentFilters  []struct {
		Actions []struct {
			Name string `xml:"name,attr"`
		} `xml:"action"`
		Categories []struct {
			Name string `xml:"name,attr"`
		} `xml:"category"`
	} `xml:"intent-filter"`
}

func (a *manifestActivity) isLauncher() bool {
	for _, f := range a.IntentFilters {
		hasMain, hasLauncher := false, false
		for _, act := range f.Actions {
			if act.Name == "android.intent.action.MAIN" {
				hasMain = true
			}
		}
		for _, cat := range f.Categories {
			if cat.Name == "android.intent.category.LAUNCHER" {
				hasLauncher = true
			}
		}
		if hasMain && hasLauncher {
			return true
		}
	}
	return false
}

// fromSourceDir 在源码目录中定位并解析明文 manifest
func (e *Extractor) fromSourceDir(sourceDir string) (*Info, error) {
	path, err := findManifest(sourceDir)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest manifestXML
	if err := xml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest XML: %w", err)
	}

	info := &Info{
		PackageName: manifest.Package,
		AppName:     manifest.Application.Label,
	}
	for _, act := range manifest.Application.Activities {
		name := expandName(act.Name, manifest.Package)
		info.Activities = append(info.Activities, name)
		if info.LauncherActivity == "" && act.isLauncher() {
			info.LauncherActivity = name
		}
	}
	// activity-alias 也可以声明启动入口，指向真实 Activity
	for _, alias := range manifest.Application.Aliases {
		if info.LauncherActivity == "" && alias.isLauncher() && alias.TargetActivity != "" {
			info.LauncherActivity = expandName(alias.TargetActivity, manifest.Package)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"package":  info.PackageName,
		"launcher": info.LauncherActivity,
	}).Debug("Parsed manifest from decompiled sources")

	return info, nil
}

// findManifest 在常见反编译布局里找 AndroidManifest.xml
func findManifest(sourceDir string) (string, error) {
	candidates := []string{
		filepath.Join(sourceDir, "AndroidManifest.xml"),
		filepath.Join(sourceDir, "resources", "AndroidManifest.xml"),
		filepath.Join(sourceDir, "app", "src", "main", "AndroidManifest.xml"),
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c, nil
		}
	}

	var found string
	_ = filepath.Walk(sourceDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		if filepath.Base(path) == "AndroidManifest.xml" {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if found == "" {
		return "", fmt.Errorf("AndroidManifest.xml not found under %s", sourceDir)
	}
	return found, nil
}

// expandName 展开 manifest 中以点开头的相对类名
func expandName(name, pkg string) string {
	if strings.HasPrefix(name, ".") {
		return pkg + name
	}
	if !strings.Contains(name, ".") && pkg != "" {
		return pkg + "." + name
	}
	return name
}

var (
	reBadgingPackage  = regexp.MustCompile(`package: name='([^']+)'`)
	reBadgingLaunch   = regexp.MustCompile(`launchable-activity: name='([^']+)'`)
	reBadgingAppLabel = regexp.MustCompile(`application-label:'([^']+)'`)
)

// fromBadging 用 aapt2 dump badging 读取二进制 manifest
func (e *Extractor) fromBadging(ctx context.Context, apkPath string) (*Info, error) {
	cmd := exec.CommandContext(ctx, e.aaptPath, "dump", "badging", apkPath)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("aapt2 command failed: %w", err)
	}

	text := string(output)
	info := &Info{}
	if m := reBadgingPackage.FindStringSubmatch(text); m != nil {
		info.PackageName = m[1]
	}
	if m := reBadgingLaunch.FindStringSubmatch(text); m != nil {
		info.LauncherActivity = m[1]
	}
	if m := reBadgingAppLabel.FindStringSubmatch(text); m != nil {
		info.AppName = m[1]
	}
	return info, nil
}
