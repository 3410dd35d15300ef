// Package signals lets other processes cancel a running job by dropping a
// "<job-id>.cancel" file into a watched directory.
package signals

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CancelSuffix is the file suffix that marks a cancel request.
const CancelSuffix = ".cancel"

// CancelFunc is called once per job when its cancel file appears.
type CancelFunc func(jobID string)

// Watcher watches a directory for cancel files.
type Watcher struct {
	dir      string
	onCancel CancelFunc
	logger   *slog.Logger

	mu        sync.Mutex
	requested map[string]bool

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// NewWatcher creates the directory if needed and starts watching it. Cancel
// files already present are delivered immediately. If fsnotify is unavailable
// the watcher still works through Requested, which checks the file directly.
func NewWatcher(dir string, onCancel CancelFunc, opts ...Option) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}

	w := &Watcher{
		dir:       dir,
		onCancel:  onCancel,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		requested: make(map[string]bool),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file watcher unavailable, cancel files are polled", "error", err)
	} else if err := watcher.Add(dir); err != nil {
		watcher.Close()
		w.logger.Warn("cannot watch signals directory", "dir", dir, "error", err)
	} else {
		w.watcher = watcher
		w.wg.Add(1)
		go w.watch()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return w, nil
	}
	for _, e := range entries {
		if id, ok := jobIDFromFile(e.Name()); ok {
			w.deliver(id)
		}
	}
	return w, nil
}

// watch handles fsnotify events until Close.
func (w *Watcher) watch() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			id, ok := jobIDFromFile(filepath.Base(event.Name))
			if !ok {
				continue
			}
			// Events can trail a Clear; only a file still on disk counts.
			if _, err := os.Stat(event.Name); err == nil {
				w.deliver(id)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("signals watcher error", "error", err)
		}
	}
}

// deliver calls the cancel callback once per job.
func (w *Watcher) deliver(jobID string) {
	w.mu.Lock()
	if w.requested[jobID] {
		w.mu.Unlock()
		return
	}
	w.requested[jobID] = true
	w.mu.Unlock()

	w.logger.Info("cancel requested", "job", jobID)
	if w.onCancel != nil {
		w.onCancel(jobID)
	}
}

// Requested reports whether a cancel was requested for the job. The file is
// checked directly in case the watcher missed it.
func (w *Watcher) Requested(jobID string) bool {
	if _, err := os.Stat(CancelPath(w.dir, jobID)); err == nil {
		w.deliver(jobID)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requested[jobID]
}

// Clear removes the job's cancel file and forgets the request.
func (w *Watcher) Clear(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.requested, jobID)
	os.Remove(CancelPath(w.dir, jobID))
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.wg.Wait()
	return err
}

// CancelPath returns the cancel file path for a job.
func CancelPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+CancelSuffix)
}

// RequestCancel writes the cancel file for a job.
func RequestCancel(dir, jobID string) error {
	if strings.ContainsAny(jobID, `/\`) || jobID == "" {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals directory: %w", err)
	}
	return os.WriteFile(CancelPath(dir, jobID), []byte(time.Now().Format(time.RFC3339)), 0644)
}

func jobIDFromFile(name string) (string, bool) {
	id, ok := strings.CutSuffix(name, CancelSuffix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
