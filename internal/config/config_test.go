package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir()) // keep a developer .env out of the test
	t.Setenv("DATABASE_URL", "postgres://localhost/mail")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Throttle.MinDelayBetweenSends != 2*time.Second {
		t.Errorf("expected 2s min delay, got %s", cfg.Throttle.MinDelayBetweenSends)
	}
	if cfg.Throttle.MaxPerHourPerSender != 200 || cfg.Throttle.WorkerConcurrency != 5 {
		t.Errorf("unexpected throttle %+v", cfg.Throttle)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BackoffInitial != 2*time.Second || cfg.Retry.MaxPostponements != 72 {
		t.Errorf("unexpected retry %+v", cfg.Retry)
	}
	if cfg.QueueDriver != "redis" || cfg.Transport != "smtp" {
		t.Errorf("unexpected drivers %s/%s", cfg.QueueDriver, cfg.Transport)
	}
}

func TestLoadOverridesAndErrors(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DATABASE_URL", "file:mail.db")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("MIN_DELAY_BETWEEN_EMAILS_MS", "500")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("LEASE_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Throttle.MinDelayBetweenSends != 500*time.Millisecond || cfg.Throttle.WorkerConcurrency != 12 {
		t.Errorf("unexpected throttle %+v", cfg.Throttle)
	}
	if cfg.Retry.LeaseTimeout != 90*time.Second {
		t.Errorf("unexpected lease %s", cfg.Retry.LeaseTimeout)
	}

	t.Setenv("WORKER_CONCURRENCY", "many")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "WORKER_CONCURRENCY") {
		t.Errorf("expected WORKER_CONCURRENCY error, got %v", err)
	}

	t.Setenv("WORKER_CONCURRENCY", "0")
	if _, err := Load(); err == nil {
		t.Error("expected concurrency validation error")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected missing DATABASE_URL error")
	}
}

func TestParseThrottle(t *testing.T) {
	base := Throttle{MinDelayBetweenSends: 2 * time.Second, MaxPerHourPerSender: 200, WorkerConcurrency: 5}

	got, err := ParseThrottle([]byte("min_delay_between_sends: 750ms\nmax_per_hour_per_sender: 40\n"), base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Throttle{MinDelayBetweenSends: 750 * time.Millisecond, MaxPerHourPerSender: 40, WorkerConcurrency: 5}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if _, err := ParseThrottle([]byte("min_delay_between_sends: soon"), base); err == nil {
		t.Error("expected duration error")
	}
	if got, err := ParseThrottle([]byte("max_per_hour_per_sender: 0"), base); err == nil || got != base {
		t.Errorf("expected validation error and base kept, got %+v, %v", got, err)
	}
}

func TestWatchThrottleAppliesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "throttle.yaml")
	if err := os.WriteFile(path, []byte("max_per_hour_per_sender: 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	base, err := LoadThrottleFile(path, Throttle{MinDelayBetweenSends: time.Second, MaxPerHourPerSender: 200, WorkerConcurrency: 1})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applied := make(chan Throttle, 1)
	go WatchThrottle(ctx, path, base, zerolog.Nop(), func(t Throttle) { applied <- t })

	// give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("max_per_hour_per_sender: 25\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-applied:
		if got.MaxPerHourPerSender != 25 || got.MinDelayBetweenSends != time.Second {
			t.Errorf("unexpected reload %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("throttle change was not applied")
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
