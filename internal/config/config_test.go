package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// 轮询场所使用自己的连接超时,不借用会话场所的
	if cfg.Polling.ConnectTimeout != 10*time.Second {
		t.Errorf("polling connect_timeout = %v, want 10s", cfg.Polling.ConnectTimeout)
	}
	if cfg.Session.ConnectTimeout != 5*time.Second {
		t.Errorf("session connect_timeout = %v, want 5s", cfg.Session.ConnectTimeout)
	}
	if cfg.Risk.ApprovalMode != "SEMI" {
		t.Errorf("approval_mode = %q, want SEMI", cfg.Risk.ApprovalMode)
	}
	if cfg.OMS.DedupWindow != 30*time.Second {
		t.Errorf("dedup_window = %v, want 30s", cfg.OMS.DedupWindow)
	}
}

func TestLoadRejectsZeroPollingConnectTimeout(t *testing.T) {
	_, err := Load(writeConfig(t, "polling_venue:\n  connect_timeout: 0s\n"))
	if err == nil {
		t.Fatal("Load() should reject polling_venue.connect_timeout = 0")
	}
	if !strings.Contains(err.Error(), "polling_venue.connect_timeout") {
		t.Errorf("error %q should name polling_venue.connect_timeout", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() should fail for a missing config file")
	}
}
