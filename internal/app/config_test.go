package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TEMPORAL_ADDRESS", "")
	cfg, err := LoadConfig(viper.New(), "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Async.Scheduler != SchedulerInline {
		t.Fatalf("scheduler: want=%s got=%s", SchedulerInline, cfg.Async.Scheduler)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("addr: want=:8080 got=%s", cfg.HTTP.Addr)
	}
	p := cfg.RetryPolicy()
	if p.Window != time.Hour || p.Base != 10*time.Second {
		t.Fatalf("retry policy: got=%+v", p)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	t.Setenv("TEMPORAL_ADDRESS", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("db:\n  driver: sqlite\n  dsn: \"file::memory:\"\nasync:\n  sync_timeout: 2s\n  retry_window: 30m\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ASYNC_SYNC_TIMEOUT", "750ms")

	cfg, err := LoadConfig(viper.New(), path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DB.Driver != "sqlite" {
		t.Fatalf("driver: want=sqlite got=%s", cfg.DB.Driver)
	}
	if cfg.Async.SyncTimeout != 750*time.Millisecond {
		t.Fatalf("sync timeout: want=750ms got=%v", cfg.Async.SyncTimeout)
	}
	if cfg.Async.Window != 30*time.Minute {
		t.Fatalf("window: want=30m got=%v", cfg.Async.Window)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("TEMPORAL_ADDRESS", "")
	cases := map[string]string{
		"ASYNC_SCHEDULER": "cron",
		"DB_DRIVER":       "mysql",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := LoadConfig(viper.New(), ""); err == nil {
				t.Fatalf("%s=%s: want error", key, val)
			}
		})
	}
	t.Run("temporal without address", func(t *testing.T) {
		t.Setenv("ASYNC_SCHEDULER", SchedulerTemporal)
		if _, err := LoadConfig(viper.New(), ""); err == nil {
			t.Fatalf("temporal scheduler without address: want error")
		}
	})
}
