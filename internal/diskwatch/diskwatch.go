// Package diskwatch watches a storage root for scratch files disappearing
// outside the Writer Process's own control (manual deletion, an external
// cleanup script, disk tooling). It is purely diagnostic: the Reader's
// scratch-then-embedded fallback already covers a scratch file being gone by
// the time it's read, so the watcher only logs what it saw, adapted from the
// teacher's internal/watcher.Watcher (fsnotify-based, debounced), repointed
// from "DCP library rescans" to this.
package diskwatch

import (
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var scratchName = regexp.MustCompile(`^piece-(\d+)\.bin$`)

// Watcher monitors a root directory for scratch files removed out from
// under the Writer Process.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	root      string

	debounce      time.Duration
	pendingMu     sync.Mutex
	pendingEvents map[string]time.Time

	stopChan chan struct{}
}

// New creates a Watcher rooted at root. Call Start to begin watching.
func New(root string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsWatcher:     fsWatcher,
		root:          root,
		debounce:      2 * time.Second,
		pendingEvents: make(map[string]time.Time),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start begins watching root. The watch is non-recursive: it sees the
// "piece-N.bin" scratch files directly under root, which is where the Layout
// Planner puts them for a single-file torrent. Scratch files that
// internal/layout places in a multi-file torrent's subdirectories are not
// watched, and ".start"/".end" scratch files are ignored.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	log.Printf("[diskwatch] watching %s for externally removed scratch files", w.root)

	go w.processEvents()
	go w.processPending()
	return nil
}

// Stop stops the watcher and releases its fsnotify handle.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.fsWatcher.Close()
	log.Printf("[diskwatch] stopped")
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("[diskwatch] watch error: %v", err)

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Remove == 0 && event.Op&fsnotify.Rename == 0 {
		return
	}
	name := filepath.Base(event.Name)
	if !scratchName.MatchString(name) {
		return
	}

	w.pendingMu.Lock()
	w.pendingEvents[event.Name] = time.Now()
	w.pendingMu.Unlock()
}

func (w *Watcher) processPending() {
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flushPending()
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) flushPending() {
	now := time.Now()
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	for path, seen := range w.pendingEvents {
		if now.Sub(seen) < w.debounce {
			continue
		}
		delete(w.pendingEvents, path)
		m := scratchName.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			continue
		}
		log.Printf("[diskwatch] scratch file removed outside the writer process: %s (piece %s)", path, m[1])
	}
}
