package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"reel/internal/config"
	"reel/internal/logging"
)

// inboxWatcher submits media files that appear in the inbox directory once
// their size has stopped changing for the settle interval.
type inboxWatcher struct {
	dir        string
	extensions map[string]struct{}
	settle     time.Duration
	submit     func(ctx context.Context, path string)
	logger     *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]pendingFile
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type pendingFile struct {
	size int64
	seen time.Time
}

func newInboxWatcher(cfg *config.Config, submit func(context.Context, string), logger *slog.Logger) *inboxWatcher {
	exts := make(map[string]struct{}, len(cfg.Watch.Extensions))
	for _, ext := range cfg.Watch.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = struct{}{}
	}
	settle := time.Duration(cfg.Watch.SettleMS) * time.Millisecond
	if settle <= 0 {
		settle = time.Second
	}
	return &inboxWatcher{
		dir:        cfg.Paths.InboxDir,
		extensions: exts,
		settle:     settle,
		submit:     submit,
		logger:     logging.NewComponentLogger(logger, "inbox"),
		pending:    make(map[string]pendingFile),
	}
}

// Start begins watching. Files already present are picked up too.
func (w *inboxWatcher) Start(ctx context.Context) error {
	if strings.TrimSpace(w.dir) == "" {
		return errors.New("inbox directory is not configured")
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = watcher
	w.cancel = cancel
	w.mu.Unlock()

	w.scanExisting()
	w.wg.Add(2)
	go w.watchEvents(runCtx)
	go w.processPending(runCtx)
	w.logger.Info("watching inbox",
		logging.String(logging.FieldEventType, "inbox_watch_start"),
		logging.String("inbox", w.dir),
		logging.Duration("settle", w.settle))
	return nil
}

// Stop ends watching and waits for the loops to exit.
func (w *inboxWatcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	watcher := w.watcher
	w.cancel = nil
	w.watcher = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = watcher.Close()
	w.wg.Wait()
}

func (w *inboxWatcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("inbox scan failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "inbox_scan_failed"))
		return
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			w.track(filepath.Join(w.dir, entry.Name()))
		}
	}
}

func (w *inboxWatcher) watchEvents(ctx context.Context) {
	defer w.wg.Done()
	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.track(event.Name)
			}
			if event.Op&fsnotify.Remove != 0 {
				w.forget(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watch error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "inbox_watch_error"))
		}
	}
}

func (w *inboxWatcher) track(path string) {
	if !w.wanted(path) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, ok := w.pending[path]
	if ok && prev.size == info.Size() {
		return
	}
	w.pending[path] = pendingFile{size: info.Size(), seen: time.Now()}
}

func (w *inboxWatcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, path)
}

func (w *inboxWatcher) wanted(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if len(w.extensions) == 0 {
		return true
	}
	_, ok := w.extensions[strings.ToLower(filepath.Ext(base))]
	return ok
}

func (w *inboxWatcher) processPending(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(max(w.settle/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, path := range w.settled() {
				w.submit(ctx, path)
			}
		}
	}
}

// settled returns files whose size held steady for the settle interval and
// stops tracking them.
func (w *inboxWatcher) settled() []string {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	var ready []string
	for path, p := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != p.size {
			w.pending[path] = pendingFile{size: info.Size(), seen: now}
			continue
		}
		if now.Sub(p.seen) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	return ready
}
