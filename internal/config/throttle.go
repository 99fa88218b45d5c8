package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"
)

// throttleFile is the on-disk shape of THROTTLE_FILE.
// Missing keys keep the value the process booted with.
type throttleFile struct {
	MinDelayBetweenSends string `yaml:"min_delay_between_sends"`
	MaxPerHourPerSender  *int   `yaml:"max_per_hour_per_sender"`
	WorkerConcurrency    *int   `yaml:"worker_concurrency"`
}

// ParseThrottle overlays YAML throttle settings on base.
func ParseThrottle(data []byte, base Throttle) (Throttle, error) {
	var raw throttleFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return base, fmt.Errorf("throttle yaml: %w", err)
	}

	t := base
	if s := strings.TrimSpace(raw.MinDelayBetweenSends); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return base, fmt.Errorf("min_delay_between_sends: invalid duration %q: %w", s, err)
		}
		t.MinDelayBetweenSends = d
	}
	if raw.MaxPerHourPerSender != nil {
		t.MaxPerHourPerSender = *raw.MaxPerHourPerSender
	}
	if raw.WorkerConcurrency != nil {
		t.WorkerConcurrency = *raw.WorkerConcurrency
	}
	if err := t.Validate(); err != nil {
		return base, err
	}
	return t, nil
}

func LoadThrottleFile(path string, base Throttle) (Throttle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read throttle file: %w", err)
	}
	return ParseThrottle(data, base)
}

// WatchThrottle reloads path on change and calls apply with the new settings.
// It blocks until ctx is done.
func WatchThrottle(ctx context.Context, path string, base Throttle, log zerolog.Logger, apply func(Throttle)) error {
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("throttle watcher: %w", err)
	}
	defer w.Close()

	// watch the directory: editors often replace the file instead of writing it
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("throttle watcher add %s: %w", dir, err)
	}

	var (
		mu      sync.Mutex
		current = base
		timer   *time.Timer
	)
	reload := func() {
		mu.Lock()
		defer mu.Unlock()
		t, err := LoadThrottleFile(path, current)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("throttle reload rejected")
			return
		}
		if t == current {
			return
		}
		current = t
		log.Info().
			Dur("min_delay", t.MinDelayBetweenSends).
			Int("max_per_hour", t.MaxPerHourPerSender).
			Int("concurrency", t.WorkerConcurrency).
			Msg("throttle settings reloaded")
		apply(t)
	}
	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, reload)
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("dir", dir).Msg("throttle watch error")
		}
	}
}
