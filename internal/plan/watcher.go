package plan

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce coalesces editor save bursts (write + rename +
// chmod) into a single re-parse.
const defaultDebounce = 300 * time.Millisecond

// Watcher re-parses a plan document whenever it changes on disk and
// hands the fresh result to a callback.
type Watcher struct {
	path     string
	debounce time.Duration
	onParse  func(*Result)
	onError  func(error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
	timer   *time.Timer
}

// NewWatcher creates a watcher for the plan at path. onParse receives
// each successful re-parse; onError (optional) receives read or parse
// failures, which leave the previous result in effect.
func NewWatcher(path string, onParse func(*Result), onError func(error)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the parent directory: editors replace files by rename,
	// which drops a watch on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		debounce: defaultDebounce,
		onParse:  onParse,
		onError:  onError,
		watcher:  fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReparse()
		case <-w.watcher.Errors:
			// Keep watching; a missed event only delays the next
			// re-parse until the file changes again.
		}
	}
}

func (w *Watcher) scheduleReparse() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reparse)
}

func (w *Watcher) reparse() {
	content, err := os.ReadFile(w.path)
	if err != nil {
		w.reportError(err)
		return
	}
	res, err := Parse(string(content))
	if err != nil {
		w.reportError(err)
		return
	}
	w.onParse(res)
}

func (w *Watcher) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	close(w.done)
	return w.watcher.Close()
}
