package stencil

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ----------------------------- Template watcher -----------------------------

// ReloadCallback is called after a changed template has been recompiled.
// err is non-nil when compilation failed.
type ReloadCallback func(name string, err error)

// Watcher recompiles templates into the cache as their sources change on
// disk. Templates that inlined a changed file are recompiled with it.
type Watcher struct {
	engine   *Engine
	fsw      *fsnotify.Watcher
	debounce time.Duration

	mu         sync.Mutex
	callbacks  []ReloadCallback
	dependents map[string]map[string]struct{} // source path -> template names
	pending    map[string]*time.Timer
	stopChan   chan struct{}
	stopped    bool
}

// NewWatcher creates a watcher over every directory of the engine's
// template path, recursively.
func (e *Engine) NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	w := &Watcher{
		engine:     e,
		fsw:        fsw,
		debounce:   50 * time.Millisecond,
		dependents: make(map[string]map[string]struct{}),
		pending:    make(map[string]*time.Timer),
		stopChan:   make(chan struct{}),
	}
	for _, base := range e.bases {
		if err := w.addRecursive(base); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return w.fsw.Add(path)
		}
		return nil
	})
}

// AddCallback registers a reload callback.
func (w *Watcher) AddCallback(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start compiles names into the cache, then watches for changes until ctx
// is done or Stop is called.
func (w *Watcher) Start(ctx context.Context, names ...string) {
	for _, name := range names {
		w.reload(ctx, name)
	}
	go w.watchLoop(ctx)
}

// Stop ends watching and releases the underlying watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopChan)
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.engine.logger.Warn("template watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.engine.logger.Warn("watching new directory", zap.String("dir", ev.Name), zap.Error(err))
			}
			return
		}
	}
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.changed(ctx, path)
	})
}

// changed recompiles the template stored at path and every template that
// inlined it.
func (w *Watcher) changed(ctx context.Context, path string) {
	names := make(map[string]struct{})
	if name, ok := w.engine.templateName(path); ok {
		names[name] = struct{}{}
	}
	w.mu.Lock()
	for name := range w.dependents[path] {
		names[name] = struct{}{}
	}
	w.mu.Unlock()

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	slices.Sort(sorted)
	for _, name := range sorted {
		w.reload(ctx, name)
	}
}

func (w *Watcher) reload(ctx context.Context, name string) {
	b, err := w.engine.recompile(ctx, name)
	if err != nil {
		w.engine.logger.Warn("template reload failed", zap.String("template", name), zap.Error(err))
	} else {
		w.engine.logger.Info("template reloaded", zap.String("template", name))
		w.mu.Lock()
		for dep := range b.Dependencies {
			set, ok := w.dependents[dep]
			if !ok {
				set = make(map[string]struct{})
				w.dependents[dep] = set
			}
			set[name] = struct{}{}
		}
		w.mu.Unlock()
	}

	w.mu.Lock()
	callbacks := append([]ReloadCallback(nil), w.callbacks...)
	w.mu.Unlock()
	for _, cb := range callbacks {
		cb(name, err)
	}
}

// templateName maps a file under the search path back to the name that
// resolves to it: the path relative to its base, minus a known suffix.
func (e *Engine) templateName(path string) (string, bool) {
	for _, base := range e.bases {
		rel, err := filepath.Rel(base, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		rel = filepath.ToSlash(rel)
		for _, s := range e.opts.Suffix {
			if s != "" && strings.HasSuffix(rel, s) {
				return strings.TrimSuffix(rel, s), true
			}
		}
	}
	return "", false
}

// recompile compiles name and stores it in the cache when caching is on.
func (e *Engine) recompile(ctx context.Context, name string) (*Bundle, error) {
	path, _, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	b, err := e.compile(name, path, nil)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.Save(ctx, e.cache.Key(path), b); err != nil {
			return b, err
		}
	}
	return b, nil
}
