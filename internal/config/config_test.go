package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SPAM_MIN_INTERVAL_MS", "")
	t.Setenv("WORKER_CONCURRENCY", "")
	t.Setenv("WORKER_MAX_ATTEMPTS", "")
	t.Setenv("WORKER_RETRY_DELAY_SECONDS", "")

	cfg := Load()
	if cfg.Spam.MinInterval != 500*time.Millisecond {
		t.Fatalf("unexpected min interval: %s", cfg.Spam.MinInterval)
	}
	if cfg.Spam.MaxPerMinute != 15 || cfg.Spam.MaxDuplicates != 3 {
		t.Fatalf("unexpected spam defaults: %+v", cfg.Spam)
	}
	if cfg.Presence.TypingIdle != 2*time.Second {
		t.Fatalf("unexpected typing idle: %s", cfg.Presence.TypingIdle)
	}
	if cfg.Narrator.HistoryLimit != 10 {
		t.Fatalf("unexpected history limit: %d", cfg.Narrator.HistoryLimit)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("unexpected worker concurrency: %d", cfg.WorkerConcurrency)
	}
	if cfg.WorkerMaxAttempts != 5 || cfg.WorkerRetryDelay != 15*time.Second {
		t.Fatalf("unexpected retry defaults: %d %s", cfg.WorkerMaxAttempts, cfg.WorkerRetryDelay)
	}
}

func TestLoadOverridesAndClamp(t *testing.T) {
	t.Setenv("SPAM_MAX_PER_MINUTE", "30")
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("WORKER_MAX_ATTEMPTS", "0")

	cfg := Load()
	if cfg.Spam.MaxPerMinute != 30 {
		t.Fatalf("override ignored: %d", cfg.Spam.MaxPerMinute)
	}
	if cfg.WorkerConcurrency != 50 {
		t.Fatalf("expected clamp to 50, got %d", cfg.WorkerConcurrency)
	}
	if cfg.WorkerMaxAttempts != 1 {
		t.Fatalf("expected clamp to 1, got %d", cfg.WorkerMaxAttempts)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("driver not normalised: %q", cfg.DBDriver)
	}
}
