package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheMystery123/TraceDroid/internal/config"
	"github.com/TheMystery123/TraceDroid/internal/device"
	"github.com/TheMystery123/TraceDroid/internal/domain"
	"github.com/TheMystery123/TraceDroid/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testManifest = `<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android"
    package="com.example.demo">
    <application android:label="Demo">
        <activity android:name=".MainActivity">
            <intent-filter>
                <action android:name="android.intent.action.MAIN"/>
                <category android:name="android.intent.category.LAUNCHER"/>
            </intent-filter>
        </activity>
    </application>
</manifest>`

const benignSource = `package com.example.demo;

public class MainActivity {
    public void onCreate() {
        int total = 1 + 2;
    }
}`

const suspiciousSource = `package com.example.demo;

public class MainActivity extends Activity {
    @Override
    public void onCreate(Bundle savedInstanceState) {
        super.onCreate(savedInstanceState);
        String token = getIntent().getStringExtra("token").trim();
    }
}`

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// writeSourceDir 构造最小的反编译源码目录
func writeSourceDir(t *testing.T, javaSource string) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AndroidManifest.xml"), []byte(testManifest), 0o644))

	srcDir := filepath.Join(dir, "com", "example", "demo")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "MainActivity.java"), []byte(javaSource), 0o644))
	return dir
}

func newTestEnv(t *testing.T) (*Orchestrator, repository.RunRepository, *device.Manager) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, repository.AutoMigrate(db, testLogger()))

	runRepo := repository.NewRunRepository(db, testLogger())
	attemptRepo := repository.NewAttemptRepository(db, testLogger())

	mgr := device.NewManager(200*time.Millisecond, testLogger())

	cfg := &config.Config{}
	cfg.Worker.ReconstructWorkers = 2
	cfg.Explore.StepTimeout = 1
	cfg.Explore.SettleDelay = 1
	cfg.Explore.DeviceFaultBudget = 1

	return NewOrchestrator(mgr, runRepo, attemptRepo, cfg, testLogger()), runRepo, mgr
}

func createRun(t *testing.T, runRepo repository.RunRepository, sourceDir string) *domain.Run {
	run := &domain.Run{
		ID:        uuid.New().String(),
		APKPath:   "/data/inbound/demo.apk",
		SourceDir: sourceDir,
		Status:    domain.RunStatusQueued,
	}
	require.NoError(t, runRepo.Create(context.Background(), run))
	return run
}

// TestExecuteRun_NoLocations 测试零检出的运行直接完成，不占设备
func TestExecuteRun_NoLocations(t *testing.T) {
	sourceDir := writeSourceDir(t, benignSource)
	orch, runRepo, _ := newTestEnv(t)
	run := createRun(t, runRepo, sourceDir)

	err := orch.ExecuteRun(context.Background(), run.ID, run.APKPath, sourceDir)
	require.NoError(t, err)

	found, err := runRepo.FindByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, found.Status)
	assert.Equal(t, "com.example.demo", found.PackageName)
	assert.Equal(t, "Demo", found.AppName)
	assert.Equal(t, 0, found.LocationCount)
	assert.NotNil(t, found.CompletedAt)
}

// TestExecuteRun_NoDeviceAvailable 测试检出位置但无设备时运行失败
func TestExecuteRun_NoDeviceAvailable(t *testing.T) {
	sourceDir := writeSourceDir(t, suspiciousSource)
	orch, runRepo, _ := newTestEnv(t)
	run := createRun(t, runRepo, sourceDir)

	err := orch.ExecuteRun(context.Background(), run.ID, run.APKPath, sourceDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire device")

	found, ferr := runRepo.FindByID(context.Background(), run.ID)
	require.NoError(t, ferr)
	assert.Equal(t, domain.RunStatusFailed, found.Status)
	assert.GreaterOrEqual(t, found.LocationCount, 1)
}

// TestExecuteRun_MissingSourceDir 测试源码目录缺失时运行失败
func TestExecuteRun_MissingSourceDir(t *testing.T) {
	orch, runRepo, _ := newTestEnv(t)
	run := createRun(t, runRepo, "/nonexistent/path")

	err := orch.ExecuteRun(context.Background(), run.ID, run.APKPath, run.SourceDir)
	require.Error(t, err)

	found, ferr := runRepo.FindByID(context.Background(), run.ID)
	require.NoError(t, ferr)
	assert.Equal(t, domain.RunStatusFailed, found.Status)
}

// TestPool_SubmitAndWait 测试池化执行与同步等待
func TestPool_SubmitAndWait(t *testing.T) {
	sourceDir := writeSourceDir(t, benignSource)
	orch, runRepo, _ := newTestEnv(t)
	run := createRun(t, runRepo, sourceDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(1, 10, orch, testLogger())
	pool.Start(ctx)
	defer pool.Stop()

	err := pool.SubmitAndWait(ctx, &RunJob{
		RunID:     run.ID,
		APKPath:   run.APKPath,
		SourceDir: sourceDir,
	})
	require.NoError(t, err)

	found, err := runRepo.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, found.Status)
}

// TestPool_QueueFull 测试队列满时拒绝提交
func TestPool_QueueFull(t *testing.T) {
	orch, _, _ := newTestEnv(t)
	pool := NewPool(1, 1, orch, testLogger())
	// 不启动 worker，队列容量 1

	require.NoError(t, pool.Submit(&RunJob{RunID: "a"}))
	err := pool.Submit(&RunJob{RunID: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is full")
	assert.Equal(t, 1, pool.QueueSize())
}
