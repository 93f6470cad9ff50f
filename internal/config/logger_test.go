package config

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// TestInitLogger_Levels 测试级别解析与调用位置开关
func TestInitLogger_Levels(t *testing.T) {
	info := InitLogger(&LogConfig{Level: "info", Format: "text"})
	assert.Equal(t, logrus.InfoLevel, info.GetLevel())
	assert.False(t, info.ReportCaller)

	debug := InitLogger(&LogConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, debug.GetLevel())
	assert.True(t, debug.ReportCaller)
	assert.IsType(t, &logrus.JSONFormatter{}, debug.Formatter)

	// 未知级别回落到 info
	fallback := InitLogger(&LogConfig{Level: "noisy"})
	assert.Equal(t, logrus.InfoLevel, fallback.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, fallback.Formatter)
}
