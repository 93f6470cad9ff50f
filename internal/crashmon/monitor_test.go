package crashmon

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

const sampleCrashLog = `08-27 10:02:11.480 12345 12345 E AndroidRuntime: FATAL EXCEPTION: main
08-27 10:02:11.480 12345 12345 E AndroidRuntime: Process: com.example.demo, PID: 12345
08-27 10:02:11.480 12345 12345 E AndroidRuntime: java.lang.NullPointerException: Attempt to invoke virtual method 'java.lang.String java.lang.String.trim()' on a null object reference
08-27 10:02:11.480 12345 12345 E AndroidRuntime: 	at com.example.demo.MainActivity.doLogin(MainActivity.java:33)
08-27 10:02:11.480 12345 12345 E AndroidRuntime: 	at com.example.demo.MainActivity$1.onClick(MainActivity.java:27)
08-27 10:02:11.480 12345 12345 E AndroidRuntime: 	at android.view.View.performClick(View.java:7448)
`

const otherProcessLog = `08-27 09:50:00.100 999 999 E AndroidRuntime: FATAL EXCEPTION: main
08-27 09:50:00.100 999 999 E AndroidRuntime: Process: com.other.app, PID: 999
08-27 09:50:00.100 999 999 E AndroidRuntime: java.lang.IllegalStateException: boom
08-27 09:50:00.100 999 999 E AndroidRuntime: 	at com.other.app.Thing.explode(Thing.java:1)
`

// MockShell 模拟设备 shell
type MockShell struct {
	mock.Mock
}

func (m *MockShell) Shell(ctx context.Context, command string) (string, error) {
	args := m.Called(ctx, command)
	return args.String(0), args.Error(1)
}

// TestParseCrashes 测试 FATAL EXCEPTION 块解析
func TestParseCrashes(t *testing.T) {
	crashes := ParseCrashes(sampleCrashLog)
	require.Len(t, crashes, 1)

	c := crashes[0]
	assert.Equal(t, "com.example.demo", c.Process)
	assert.Equal(t, "java.lang.NullPointerException", c.Exception)
	assert.Contains(t, c.Message, "null object reference")
	require.Len(t, c.Frames, 3)
	assert.Equal(t, "com.example.demo.MainActivity", c.Frames[0].Class)
	assert.Equal(t, "doLogin", c.Frames[0].Method)
	assert.Equal(t, 33, c.Frames[0].Line)
}

// TestParseCrashes_MultipleBlocks 测试多个崩溃块按顺序解析
func TestParseCrashes_MultipleBlocks(t *testing.T) {
	crashes := ParseCrashes(otherProcessLog + sampleCrashLog)
	require.Len(t, crashes, 2)
	assert.Equal(t, "com.other.app", crashes[0].Process)
	assert.Equal(t, "com.example.demo", crashes[1].Process)
}

// TestCrashRecord_Matches 测试崩溃栈与可疑位置的比对
func TestCrashRecord_Matches(t *testing.T) {
	crashes := ParseCrashes(sampleCrashLog)
	require.Len(t, crashes, 1)
	c := crashes[0]

	// 目标方法本身在栈里
	assert.True(t, c.Matches("com.example.demo.MainActivity.doLogin", nil))

	// 匿名内部类帧归并到外层类后与调用者比对
	assert.True(t, c.Matches("com.example.demo.Missing.method",
		[]string{"com.example.demo.MainActivity.onClick"}))

	// 无关方法不算命中
	assert.False(t, c.Matches("com.example.demo.Other.run",
		[]string{"com.example.demo.Other.helper"}))
}

// TestLatestCrash_FiltersByPackage 测试按目标包名过滤崩溃
func TestLatestCrash_FiltersByPackage(t *testing.T) {
	shell := new(MockShell)
	shell.On("Shell", mock.Anything, "logcat -d -b crash -b main").Return(otherProcessLog+sampleCrashLog, nil)

	m := NewLogcatMonitor(shell, testLogger())

	crash, err := m.LatestCrash(context.Background(), "com.example.demo")
	require.NoError(t, err)
	require.NotNil(t, crash)
	assert.Equal(t, "java.lang.NullPointerException", crash.Exception)

	crash, err = m.LatestCrash(context.Background(), "com.nobody.app")
	require.NoError(t, err)
	assert.Nil(t, crash)
}

// TestCheckpoint 测试检查点清空日志缓冲
func TestCheckpoint(t *testing.T) {
	shell := new(MockShell)
	shell.On("Shell", mock.Anything, "logcat -c").Return("", nil)

	m := NewLogcatMonitor(shell, testLogger())
	assert.NoError(t, m.Checkpoint(context.Background()))
	shell.AssertExpectations(t)
}
