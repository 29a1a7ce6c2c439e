package log

import (
	"testing"

	"ordergate/internal/config"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{
		Level:    "debug",
		Encoding: "json",
	})
	if err != nil {
		t.Fatalf("NewLogger() error: %v", err)
	}
	if logger == nil {
		t.Fatal("NewLogger() returned nil logger")
	}
	// 子系统派生记录器不影响根记录器
	if sub := logger.Named("oms"); sub == logger {
		t.Error("Named() should derive a child logger")
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(config.LoggingConfig{Level: "loud", Encoding: "console"}); err == nil {
		t.Fatal("NewLogger() should reject an unknown level")
	}
}
