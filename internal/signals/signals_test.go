package signals

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type cancelRecorder struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newCancelRecorder() *cancelRecorder {
	return &cancelRecorder{ch: make(chan string, 8)}
}

func (r *cancelRecorder) cancel(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	r.ch <- id
}

func (r *cancelRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func TestWatcher_DeliversNewCancelFile(t *testing.T) {
	dir := t.TempDir()
	rec := newCancelRecorder()
	w, err := NewWatcher(dir, rec.cancel)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	if err := RequestCancel(dir, "job-1"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}

	// Requested falls back to a direct check, so this holds even without fsnotify.
	if !w.Requested("job-1") {
		t.Fatal("Requested(job-1) = false after cancel file was written")
	}
	select {
	case id := <-rec.ch:
		if id != "job-1" {
			t.Errorf("cancelled %q, want job-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel callback not called")
	}

	// A rewrite of the same file does not cancel twice.
	if err := RequestCancel(dir, "job-1"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	w.Requested("job-1")
	time.Sleep(50 * time.Millisecond)
	if n := rec.count(); n != 1 {
		t.Errorf("cancel delivered %d times, want 1", n)
	}
}

func TestWatcher_ExistingFilesDeliveredOnStart(t *testing.T) {
	dir := t.TempDir()
	if err := RequestCancel(dir, "job-early"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := newCancelRecorder()
	w, err := NewWatcher(dir, rec.cancel)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	if n := rec.count(); n != 1 {
		t.Fatalf("delivered %d cancels on start, want 1", n)
	}
	if got := <-rec.ch; got != "job-early" {
		t.Errorf("cancelled %q, want job-early", got)
	}
}

func TestWatcher_Clear(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	if err := RequestCancel(dir, "job-2"); err != nil {
		t.Fatalf("RequestCancel failed: %v", err)
	}
	if !w.Requested("job-2") {
		t.Fatal("Requested(job-2) = false")
	}
	w.Clear("job-2")
	if w.Requested("job-2") {
		t.Error("Requested(job-2) = true after Clear")
	}
	if _, err := os.Stat(CancelPath(dir, "job-2")); !os.IsNotExist(err) {
		t.Errorf("cancel file still present: %v", err)
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRequestCancel_InvalidID(t *testing.T) {
	for _, id := range []string{"", "../escape", `a\b`} {
		if err := RequestCancel(t.TempDir(), id); err == nil {
			t.Errorf("RequestCancel(%q) succeeded, want error", id)
		}
	}
}

func TestJobIDFromFile(t *testing.T) {
	tests := []struct {
		name   string
		wantID string
		wantOK bool
	}{
		{"job-1.cancel", "job-1", true},
		{".cancel", "", false},
		{"job-1.txt", "", false},
		{"job-1.cancel.swp", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := jobIDFromFile(tt.name)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("jobIDFromFile(%q) = %q, %v; want %q, %v", tt.name, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
