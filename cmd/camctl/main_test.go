package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/camlink/internal/config"
	"github.com/danmuck/camlink/internal/testutil/testlog"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DeviceID != config.DefaultConfig().DeviceID {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "camctl.toml")
	if err := os.WriteFile(path, []byte(`device_id = "porch"`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := loadConfig(path)
	if err != nil || cfg.DeviceID != "porch" {
		t.Fatalf("cfg=%+v err=%v", cfg, err)
	}
}
