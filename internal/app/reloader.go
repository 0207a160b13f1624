package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AEtherlight-ai/lumina-sub000/internal/config"
	"github.com/AEtherlight-ai/lumina-sub000/internal/errorhandler"
	"github.com/AEtherlight-ai/lumina-sub000/internal/log"
	"github.com/AEtherlight-ai/lumina-sub000/internal/watcher"
)

// configReloader re-reads the user layer whenever the settings file changes.
type configReloader struct {
	cfg      *config.Manager
	errors   *errorhandler.Handler
	logger   log.Logger
	path     string
	debounce time.Duration

	mu      sync.Mutex
	watcher *watcher.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

func (r *configReloader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil || r.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	cfg := watcher.DefaultConfig(r.path)
	cfg.Logger = r.logger
	if r.debounce > 0 {
		cfg.DebounceDur = r.debounce
	}
	w, err := watcher.New(cfg)
	if err != nil {
		return err
	}
	changes, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.watcher, r.cancel, r.done = w, cancel, done

	log.SafeGo("config-reloader", func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				r.reload(ctx)
			}
		}
	})
	return nil
}

func (r *configReloader) reload(ctx context.Context) {
	err := r.errors.Do(ctx, "config.reload", func(ctx context.Context) error {
		return r.cfg.Reload(ctx, config.LayerUser)
	}, errorhandler.DefaultPolicy[struct{}](r.errors))
	if err != nil {
		r.logger.Log(log.LevelWarn, log.CatWatcher, "settings file not applied",
			"path", r.path, "reason", errorhandler.UserMessage(err))
		return
	}
	r.logger.Log(log.LevelInfo, log.CatWatcher, "settings file reloaded", "path", r.path)
}

// Dispose stops watching and waits for an in-flight reload.
func (r *configReloader) Dispose(ctx context.Context) error {
	r.mu.Lock()
	w, cancel, done := r.watcher, r.cancel, r.done
	r.watcher = nil
	r.mu.Unlock()
	if w == nil {
		return nil
	}

	cancel()
	err := w.Stop()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
