package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"baton-attendance/backend/config"
)

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := NewLogger(&config.LogConfig{Level: "debug", Format: format})
		if err != nil {
			t.Fatalf("format=%s 初始化失败: %v", format, err)
		}
		if l == nil {
			t.Fatalf("format=%s 返回 nil logger", format)
		}
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	if _, err := NewLogger(&config.LogConfig{Level: "loud", Format: "json"}); err == nil {
		t.Error("无效日志级别应返回错误")
	}
}

func TestNewLogger_OutputCarriesServiceFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := NewLogger(&config.LogConfig{Level: "info", Format: "json", Output: []string{path}})
	if err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	l.Debug("低于级别，不应输出")
	l.Info("会话已结束")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "低于级别") {
		t.Error("debug 日志不应输出")
	}
	for _, want := range []string{`"service":"baton-attendance"`, `"instance":`, `"ts":`, "会话已结束"} {
		if !strings.Contains(out, want) {
			t.Errorf("日志缺少 %s: %s", want, out)
		}
	}
}
