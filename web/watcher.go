package web

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	logx "github.com/ije/gox/log"
)

// FileEvent is the kind of a file change.
type FileEvent int

const (
	FileChanged FileEvent = iota
	FileAdded
	FileRemoved
)

func (e FileEvent) String() string {
	switch e {
	case FileAdded:
		return "add"
	case FileRemoved:
		return "unlink"
	default:
		return "change"
	}
}

// FileWatcher watches the project dirs recursively and reports file changes after
// a quiet period, one event per file.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	root     string
	ignored  func(path string) bool
	debounce time.Duration
	handler  func(file string, event FileEvent)
	log      *logx.Logger

	lock    sync.Mutex
	pending map[string]FileEvent
	timer   *time.Timer
}

// NewFileWatcher creates a watcher of the root dir.
func NewFileWatcher(root string, ignored func(path string) bool, debounce time.Duration, handler func(file string, event FileEvent), logger *logx.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if ignored == nil {
		ignored = func(string) bool { return false }
	}
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &FileWatcher{
		watcher:  watcher,
		root:     root,
		ignored:  ignored,
		debounce: debounce,
		handler:  handler,
		log:      logger,
		pending:  map[string]FileEvent{},
	}, nil
}

// Start adds the dirs of the root to the watcher and processes events until ctx is done.
func (fw *FileWatcher) Start(ctx context.Context) error {
	if err := fw.addDir(fw.root); err != nil {
		return err
	}
	go fw.processEvents(ctx)
	return nil
}

func (fw *FileWatcher) addDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// skip dirs we can't access
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != fw.root && fw.ignored(path) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			fw.log.Warnf("failed to watch %s: %v", path, err)
		}
		return nil
	})
}

func (fw *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fw.watcher.Close()
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Errorf("watcher: %v", err)
		}
	}
}

func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	file := filepath.Clean(event.Name)
	if fw.ignored(file) {
		return
	}
	switch {
	case event.Has(fsnotify.Create):
		fi, err := os.Stat(file)
		if err != nil {
			return
		}
		if fi.IsDir() {
			fw.addDir(file)
			return
		}
		fw.queue(file, FileAdded)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		fw.queue(file, FileRemoved)
	case event.Has(fsnotify.Write):
		fw.queue(file, FileChanged)
	}
}

// queue folds the events of a file: add+change is an add, remove+add (an atomic
// save) is a change.
func (fw *FileWatcher) queue(file string, event FileEvent) {
	fw.lock.Lock()
	defer fw.lock.Unlock()
	if prev, ok := fw.pending[file]; ok {
		switch {
		case prev == FileAdded && event == FileChanged:
			event = FileAdded
		case prev == FileRemoved && event == FileAdded:
			event = FileChanged
		case prev == FileAdded && event == FileRemoved:
			delete(fw.pending, file)
			return
		}
	}
	fw.pending[file] = event
	if fw.timer == nil {
		fw.timer = time.AfterFunc(fw.debounce, fw.flush)
	} else {
		fw.timer.Reset(fw.debounce)
	}
}

func (fw *FileWatcher) flush() {
	fw.lock.Lock()
	pending := fw.pending
	fw.pending = map[string]FileEvent{}
	fw.lock.Unlock()
	for file, event := range pending {
		fw.log.Debugf("[watcher] %s %s", event, file)
		fw.handler(file, event)
	}
}

// Close stops watching.
func (fw *FileWatcher) Close() error {
	fw.lock.Lock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.lock.Unlock()
	return fw.watcher.Close()
}
