package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type bundleCall struct {
	apkPath   string
	sourceDir string
}

// TestBundleWatcher_CompleteBundle 测试 APK 与源码目录齐备时触发处理
func TestBundleWatcher_CompleteBundle(t *testing.T) {
	dir := t.TempDir()
	calls := make(chan bundleCall, 1)

	bw, err := NewBundleWatcher(dir, func(ctx context.Context, apkPath, sourceDir string) error {
		calls <- bundleCall{apkPath: apkPath, sourceDir: sourceDir}
		return nil
	}, testLogger())
	require.NoError(t, err)
	bw.SetTimings(50*time.Millisecond, 2*time.Second)
	defer bw.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bw.Start(ctx))

	// 源码目录先就位，再投放 APK
	apkPath := filepath.Join(dir, "demo.apk")
	require.NoError(t, os.MkdirAll(SourceDirFor(apkPath), 0o755))
	require.NoError(t, os.WriteFile(apkPath, []byte("apk-bytes"), 0o644))

	select {
	case call := <-calls:
		assert.Equal(t, apkPath, call.apkPath)
		assert.Equal(t, filepath.Join(dir, "demo_src"), call.sourceDir)
	case <-time.After(10 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

// TestBundleWatcher_MissingSourceDir 测试缺少源码目录时跳过
func TestBundleWatcher_MissingSourceDir(t *testing.T) {
	dir := t.TempDir()
	calls := make(chan bundleCall, 1)

	bw, err := NewBundleWatcher(dir, func(ctx context.Context, apkPath, sourceDir string) error {
		calls <- bundleCall{apkPath: apkPath, sourceDir: sourceDir}
		return nil
	}, testLogger())
	require.NoError(t, err)
	bw.SetTimings(50*time.Millisecond, 300*time.Millisecond)
	defer bw.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bw.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "orphan.apk"), []byte("apk-bytes"), 0o644))

	select {
	case call := <-calls:
		t.Fatalf("handler should not run without source dir, got %+v", call)
	case <-time.After(3 * time.Second):
	}
}

// TestBundleWatcher_IgnoresOtherFiles 测试非 APK 文件被忽略
func TestBundleWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	calls := make(chan bundleCall, 1)

	bw, err := NewBundleWatcher(dir, func(ctx context.Context, apkPath, sourceDir string) error {
		calls <- bundleCall{apkPath: apkPath, sourceDir: sourceDir}
		return nil
	}, testLogger())
	require.NoError(t, err)
	bw.SetTimings(50*time.Millisecond, 200*time.Millisecond)
	defer bw.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, bw.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o644))

	select {
	case call := <-calls:
		t.Fatalf("handler should ignore non-APK files, got %+v", call)
	case <-time.After(1 * time.Second):
	}
}

func TestSourceDirFor(t *testing.T) {
	assert.Equal(t, "/data/inbound/demo_src", SourceDirFor("/data/inbound/demo.apk"))
	assert.Equal(t, "/data/inbound/a.b_src", SourceDirFor("/data/inbound/a.b.apk"))
}
