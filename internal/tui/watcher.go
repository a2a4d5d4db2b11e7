package tui

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/concord/internal/logging"
)

// DefaultDebounce coalesces bursts of record writes into one refresh.
const DefaultDebounce = 100 * time.Millisecond

// ignoredNames are entries under the coordination root that never affect
// a snapshot.
var ignoredNames = []string{logging.LogDirName, ".DS_Store"}

// Watcher reports changes to the coordination store's record directories.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	debounce time.Duration
	changes  chan struct{}
	logger   *logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher watches root and every record directory beneath it.
// Directories created later are picked up as they appear.
func NewWatcher(root string, debounce time.Duration, logger *logging.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		watcher:  fw,
		root:     root,
		debounce: debounce,
		changes:  make(chan struct{}, 1),
		logger:   logger.WithComponent("watch"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// Changes delivers at most one pending notification at a time. A receive
// means something changed since the previous receive.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start begins delivering notifications.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends the watch and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
}

// Done is closed once the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Watcher) addTree(root string) error {
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && !ignored(e.Name()) {
			// Nested record directories are one level deep.
			_ = w.watcher.Add(filepath.Join(root, e.Name()))
		}
	}
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain initial timer
	pending := false

	for {
		select {
		case <-w.stopCh:
			debounceTimer.Stop()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if event.Op&fsnotify.Create != 0 && filepath.Dir(event.Name) == w.root {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.watcher.Add(event.Name)
				}
			}
			if !pending {
				pending = true
				debounceTimer.Reset(w.debounce)
			}

		case <-debounceTimer.C:
			pending = false
			select {
			case w.changes <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// relevant filters out in-flight temp files and ignored directories.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if ignored(part) {
			return false
		}
	}
	return !strings.HasPrefix(filepath.Base(event.Name), ".tmp-")
}

func ignored(name string) bool {
	for _, ig := range ignoredNames {
		if name == ig {
			return true
		}
	}
	return false
}
