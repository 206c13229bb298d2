// Package watch monitors a scenes root and reports scene directories whose
// image set has settled, so the caller can kick off a pipeline run.
package watch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"

	"parallax/internal/fsutil"
)

// Watcher turns raw filesystem events under a scenes root into debounced
// per-scene notifications. A scene is the directory holding new or changed
// image files; repeated writes within the debounce window collapse into one
// notification.
type Watcher struct {
	watcher  *fsnotify.Watcher
	log      *slog.Logger
	root     string
	debounce time.Duration

	// Scenes receives the path of each settled scene directory.
	Scenes chan string

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	once    sync.Once
}

// New creates a watcher over root. Scene directories that already exist are
// watched immediately; directories created later are picked up from create
// events.
func New(root string, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		watcher:  fw,
		log:      log,
		root:     root,
		debounce: debounce,
		Scenes:   make(chan string, 16),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start registers the root, its existing scene directories and their images
// subdirectories, and begins processing events.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addScene(filepath.Join(w.root, e.Name()))
		}
	}
	w.log.Info("watching scenes root", "root", w.root, "debounce", w.debounce)
	go w.processEvents()
	return nil
}

// addScene watches a scene directory and, when present, its images
// subdirectory. fsnotify does not recurse, so the images directory needs its
// own watch to see the files the pipeline actually reads.
func (w *Watcher) addScene(scene string) {
	if err := w.watcher.Add(scene); err != nil {
		w.log.Warn("cannot watch scene directory", "dir", scene, "error", err)
		return
	}
	images := filepath.Join(scene, "images")
	if info, err := os.Stat(images); err == nil && info.IsDir() {
		if err := w.watcher.Add(images); err != nil {
			w.log.Warn("cannot watch images directory", "dir", images, "error", err)
		}
	}
}

// Stop cancels pending notifications and closes the watcher. The Scenes
// channel is closed after the event loop drains.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		for scene, timer := range w.pending {
			timer.Stop()
			delete(w.pending, scene)
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) processEvents() {
	defer close(w.Scenes)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	// A new directory directly under the root is a new scene; a new images
	// directory inside a scene holds the files the pipeline reads.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			switch {
			case filepath.Dir(event.Name) == w.root:
				w.addScene(event.Name)
			case filepath.Base(event.Name) == "images" &&
				filepath.Dir(filepath.Dir(event.Name)) == w.root:
				if err := w.watcher.Add(event.Name); err != nil {
					w.log.Warn("cannot watch images directory", "dir", event.Name, "error", err)
				}
			}
			return
		}
	}

	if !fsutil.IsImage(event.Name) {
		return
	}
	dir := filepath.Dir(event.Name)
	if filepath.Base(dir) != "images" {
		// Only images under a scene's images directory feed a run.
		return
	}
	scene := filepath.Dir(dir)
	if filepath.Dir(scene) != w.root {
		return
	}
	w.schedule(scene)
}

// schedule (re)arms the debounce timer for a scene.
func (w *Watcher) schedule(scene string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[scene]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[scene] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, scene)
		w.mu.Unlock()
		select {
		case <-w.done:
		case w.Scenes <- scene:
		default:
			w.log.Warn("scene queue full, dropping notification", "scene", scene)
		}
	})
}
