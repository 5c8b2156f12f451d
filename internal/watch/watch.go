// Package watch reports transform and resliced artifacts as they appear in
// the output tree of a run.
package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"histostack/internal/fsutil"
	"histostack/internal/registry"
)

// Artifact kinds.
const (
	KindPartial  = "partial"
	KindComposed = "composed"
	KindResliced = "resliced"
)

// Event is one artifact change.
type Event struct {
	Path      string         `json:"path"`
	Operation string         `json:"operation"` // created, modified, deleted, renamed
	Kind      string         `json:"kind"`
	Pair      *registry.Pair `json:"pair,omitempty"`
	Moving    *int           `json:"moving,omitempty"`
	Time      time.Time      `json:"time"`
	Size      int64          `json:"size"`
}

// Watcher monitors the artifact directories of a run.
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan Event
	dirs    []string
	log     *slog.Logger
	done    chan struct{}
}

// New creates a watcher for dirs. Directories are created when missing.
func New(logger *slog.Logger, dirs ...string) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: w,
		Events:  make(chan Event, 100),
		dirs:    dirs,
		log:     logger,
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	if err := fsutil.EnsureDirs(w.dirs...); err != nil {
		return err
	}
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}
	go w.processEvents()
	return nil
}

// Stop stops the watcher. Events is closed once processing has ended.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	defer close(w.Events)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			ev, ok := Classify(event.Name, operation(event.Op))
			if !ok {
				continue
			}
			if ev.Operation != "deleted" {
				if info, err := os.Stat(event.Name); err == nil {
					ev.Size = info.Size()
				}
			}
			select {
			case w.Events <- ev:
			default:
				w.log.Warn("event buffer full, dropping event", "path", event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

func operation(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed"
	}
	return ""
}

// Classify maps a path to an artifact event. It reports false for files that
// are not run artifacts and for operations that are ignored.
func Classify(path, op string) (Event, bool) {
	if op == "" {
		return Event{}, false
	}
	ev := Event{Path: path, Operation: op, Time: time.Now()}
	base := filepath.Base(path)

	switch {
	case strings.HasSuffix(base, "_"+registry.AffineSuffix):
		parts := strings.Split(strings.TrimSuffix(base, "_"+registry.AffineSuffix), "_to_")
		if len(parts) != 2 {
			return Event{}, false
		}
		moving, err1 := strconv.Atoi(parts[0])
		fixed, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return Event{}, false
		}
		ev.Kind = KindPartial
		ev.Pair = &registry.Pair{Moving: moving, Fixed: fixed}
	case strings.HasSuffix(base, "_composed.txt"):
		moving, err := strconv.Atoi(strings.TrimSuffix(base, "_composed.txt"))
		if err != nil {
			return Event{}, false
		}
		ev.Kind = KindComposed
		ev.Moving = &moving
	case fsutil.IsImageFile(base) && filepath.Base(filepath.Dir(path)) == "resliced":
		ev.Kind = KindResliced
		stem := base
		for ext := filepath.Ext(stem); ext != ""; ext = filepath.Ext(stem) {
			stem = strings.TrimSuffix(stem, ext)
		}
		if moving, err := strconv.Atoi(stem); err == nil {
			ev.Moving = &moving
		}
	default:
		return Event{}, false
	}
	return ev, true
}
