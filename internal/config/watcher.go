package config

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher holds the live configuration and reloads it when the file
// changes. Readers take a snapshot via Current; tunables that must react
// without restart (merge window, sweep TTL) are exposed as accessors that
// re-read the snapshot on every call.
type Watcher struct {
	path string

	mu  sync.RWMutex
	cfg *Config
}

func NewWatcher(path string, initial *Config) *Watcher {
	return &Watcher{path: path, cfg: initial}
}

// Current returns the active config snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// MergeWindow reads the live visit merge window.
func (w *Watcher) MergeWindow() time.Duration {
	return w.Current().Visits.MergeWindow
}

// SweepTTL reads the live offline sweep TTL.
func (w *Watcher) SweepTTL() time.Duration {
	return w.Current().Registry.SweepTTL
}

// Start watches the config file for writes. Falls back to a 60s polling
// loop if fsnotify cannot be set up.
func (w *Watcher) Start(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[WARN] Config Watcher: fsnotify failed (%v), falling back to polling", err)
		go w.pollLoop(ctx)
		return
	}
	if err := watcher.Add(w.path); err != nil {
		log.Printf("[WARN] Config Watcher: cannot watch %s (%v), falling back to polling", w.path, err)
		watcher.Close()
		go w.pollLoop(ctx)
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
					// Editors often truncate then write; let the write settle.
					time.Sleep(100 * time.Millisecond)
					w.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[ERROR] Config Watcher: %v", err)
			}
		}
	}()
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Printf("[ERROR] Config Watcher: reload rejected, keeping previous config: %v", err)
		return
	}
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	log.Printf("Config Watcher: reloaded %s (merge_window=%s sweep_ttl=%s)",
		w.path, cfg.Visits.MergeWindow, cfg.Registry.SweepTTL)
}
