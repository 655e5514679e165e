// Package watcher re-runs synchronization periodically and, for local
// sources, when files change.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/nickcecere/facesync/internal/syncer"
)

// Runner performs a converging sync.
type Runner interface {
	RunUntilConverged(ctx context.Context, req syncer.Request, maxRuns int) (*syncer.Response, error)
}

// Watcher triggers sync runs.
type Watcher struct {
	runner  Runner
	req     syncer.Request
	maxRuns int

	interval    time.Duration
	dir         string
	recursive   bool
	ignore      *gitignore.GitIgnore
	skipInitial bool

	// debounce holds pending file events to batch process
	debounce     map[string]fsnotify.Op
	debounceMu   sync.Mutex
	debounceTime time.Duration

	trigger chan struct{}

	// callback for run results
	onRun func(*syncer.Response, error)
}

// Option configures the watcher.
type Option func(*Watcher)

// WithInterval sets the period between scheduled runs. Zero disables them.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithDirectory also triggers a run when files under dir change.
func WithDirectory(dir string, recursive bool) Option {
	return func(w *Watcher) {
		w.dir = dir
		w.recursive = recursive
	}
}

// WithIgnorePatterns drops file events matching gitignore-style patterns.
func WithIgnorePatterns(patterns []string) Option {
	return func(w *Watcher) {
		if len(patterns) > 0 {
			w.ignore = gitignore.CompileIgnoreLines(patterns...)
		}
	}
}

// WithDebounceTime sets the debounce duration for batching events.
func WithDebounceTime(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounceTime = d
	}
}

// WithMaxRuns caps the passes of one converging run.
func WithMaxRuns(n int) Option {
	return func(w *Watcher) {
		w.maxRuns = n
	}
}

// WithoutInitialRun skips the run at startup.
func WithoutInitialRun() Option {
	return func(w *Watcher) {
		w.skipInitial = true
	}
}

// WithRunCallback sets a callback invoked after each run.
func WithRunCallback(fn func(*syncer.Response, error)) Option {
	return func(w *Watcher) {
		w.onRun = fn
	}
}

// New creates a watcher for req.
func New(runner Runner, req syncer.Request, opts ...Option) *Watcher {
	w := &Watcher{
		runner:       runner,
		req:          req,
		interval:     5 * time.Minute,
		debounce:     make(map[string]fsnotify.Op),
		debounceTime: 2 * time.Second,
		trigger:      make(chan struct{}, 1),
		onRun:        func(*syncer.Response, error) {}, // noop default
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start runs until the context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	var fw *fsnotify.Watcher
	var events <-chan fsnotify.Event
	var errs <-chan error

	if w.dir != "" {
		var err error
		fw, err = fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		defer fw.Close()

		if err := w.addDirectories(fw); err != nil {
			return err
		}
		events, errs = fw.Events, fw.Errors

		go w.processDebounced(ctx)
		log.Info("Watching for new images", "dir", w.dir)
	}

	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if !w.skipInitial {
		w.runOnce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-tick:
			w.runOnce(ctx)

		case <-w.trigger:
			w.runOnce(ctx)

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.handleEvent(event, fw)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Error("Watcher error", "error", err)
		}
	}
}

// Trigger requests a run as soon as the current one finishes.
func (w *Watcher) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Watcher) runOnce(ctx context.Context) {
	resp, err := w.runner.RunUntilConverged(ctx, w.req, w.maxRuns)
	if err != nil && ctx.Err() == nil {
		log.Error("Sync failed", "error", err)
	}
	w.onRun(resp, err)
}

// addDirectories adds the watched directory, and its subdirectories when
// recursive.
func (w *Watcher) addDirectories(fw *fsnotify.Watcher) error {
	if !w.recursive {
		return fw.Add(w.dir)
	}
	return filepath.WalkDir(w.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !d.IsDir() {
			return nil
		}

		// Skip hidden directories
		name := d.Name()
		if path != w.dir && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}

		if err := fw.Add(path); err != nil {
			log.Debug("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// handleEvent queues a file event for the debounced trigger.
func (w *Watcher) handleEvent(event fsnotify.Event, fw *fsnotify.Watcher) {
	path := event.Name

	relPath, err := filepath.Rel(w.dir, path)
	if err != nil {
		relPath = path
	}

	// Skip hidden files
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}

	// Removals never add images.
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		if w.recursive && event.Has(fsnotify.Create) {
			if err := fw.Add(path); err == nil {
				log.Debug("Added directory to watch", "path", relPath)
			}
		}
		return
	}

	if w.ignore != nil && w.ignore.MatchesPath(filepath.ToSlash(relPath)) {
		return
	}

	w.debounceMu.Lock()
	w.debounce[path] = event.Op
	w.debounceMu.Unlock()
}

// processDebounced flushes pending file events periodically.
func (w *Watcher) processDebounced(ctx context.Context) {
	ticker := time.NewTicker(w.debounceTime)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flushDebounced()
		}
	}
}

// flushDebounced triggers one run for all pending events.
func (w *Watcher) flushDebounced() {
	w.debounceMu.Lock()
	n := len(w.debounce)
	clear(w.debounce)
	w.debounceMu.Unlock()

	if n == 0 {
		return
	}
	log.Debug("Files changed, triggering sync", "files", n)
	w.Trigger()
}
