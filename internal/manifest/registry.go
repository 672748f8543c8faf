package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentos-dev/agentos/internal/observability"
)

// Registry loads channel manifests from a directory and serves them to
// the rest of the process. Invalid manifests are skipped with a log
// line; they never take down the load of the others.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	manifests map[string]*ChannelManifest

	watcher       *fsnotify.Watcher
	watchWg       sync.WaitGroup
	watchCancel   context.CancelFunc
	watchDebounce time.Duration
}

// NewRegistry creates a registry over the given manifest directory.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:           dir,
		logger:        observability.Component("manifest"),
		manifests:     make(map[string]*ChannelManifest),
		watchDebounce: 250 * time.Millisecond,
	}
}

// Load scans the directory for *.json manifests. Partial failure is
// tolerated: each invalid file is logged and skipped.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read manifest dir: %w", err)
	}

	loaded := make(map[string]*ChannelManifest)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("manifest unreadable, skipping", "path", path, "error", err)
			continue
		}
		m, err := Parse(data)
		if err != nil {
			r.logger.Warn("manifest invalid, skipping", "path", path, "error", err)
			continue
		}
		if prev, ok := loaded[m.ID]; ok {
			r.logger.Warn("duplicate manifest id, keeping first",
				"id", m.ID, "kept_version", prev.Version, "skipped_version", m.Version)
			continue
		}
		loaded[m.ID] = m
	}

	r.mu.Lock()
	r.manifests = loaded
	r.mu.Unlock()

	r.logger.Info("loaded channel manifests", "count", len(loaded))
	return nil
}

// Reload re-scans the manifest directory.
func (r *Registry) Reload(ctx context.Context) error {
	return r.Load(ctx)
}

// Get returns the manifest for a channel type.
func (r *Registry) Get(typeID string) (*ChannelManifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[typeID]
	return m, ok
}

// List returns all loaded manifests sorted by id.
func (r *Registry) List() []*ChannelManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ChannelManifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateConfig validates a candidate config against the named
// manifest.
func (r *Registry) ValidateConfig(typeID string, config map[string]any) error {
	m, ok := r.Get(typeID)
	if !ok {
		return fmt.Errorf("unknown channel type %q", typeID)
	}
	return m.ValidateConfig(config)
}

// WebhookPaths returns every webhook path declared by any loaded
// manifest, mapped to its channel type.
func (r *Registry) WebhookPaths() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for id, m := range r.manifests {
		for _, p := range m.WebhookPaths {
			out[p] = id
		}
	}
	return out
}

// StartWatching reloads the registry when manifest files change.
func (r *Registry) StartWatching(ctx context.Context) error {
	r.mu.Lock()
	if r.watcher != nil {
		r.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		r.mu.Unlock()
		return fmt.Errorf("watch manifest dir: %w", err)
	}
	r.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel
	debounce := r.watchDebounce
	r.mu.Unlock()

	r.watchWg.Add(1)
	go r.watchLoop(watchCtx, watcher, debounce)
	return nil
}

// Close stops the file watcher.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
	}
	watcher := r.watcher
	r.watcher = nil
	r.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	r.watchWg.Wait()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration) {
	defer r.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := r.Load(context.Background()); err != nil {
				r.logger.Warn("manifest reload failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("manifest watch error", "error", err)
		}
	}
}
