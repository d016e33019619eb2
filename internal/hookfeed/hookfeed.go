// Package hookfeed delivers lifecycle events spooled as JSON files into
// the event handler. Hook processes are short-lived shells that can't
// hold a connection open, so they drop one file per event and this
// watcher picks them up.
package hookfeed

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/termdeck/internal/logging"
	"github.com/asheshgoplani/termdeck/internal/session"
)

var feedLog = logging.ForComponent(logging.CompHooks)

// settleDelay coalesces the create/write burst a spool file arrives as;
// processing before the writer finishes would read a partial JSON body.
const settleDelay = 100 * time.Millisecond

// Sink consumes decoded events. *session.Handler satisfies it.
type Sink interface {
	Handle(ev session.Event)
}

// Watcher tails a spool directory.
type Watcher struct {
	dir  string
	sink Sink

	fsw  *fsnotify.Watcher
	done chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates the spool directory if needed and starts watching it.
func New(dir string, sink Sink) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:     dir,
		sink:    sink,
		fsw:     fsw,
		done:    make(chan struct{}),
		pending: make(map[string]*time.Timer),
	}
	go w.loop()
	w.drainExisting()
	return w, nil
}

// Close stops the watcher. Pending settle timers are left to fire; they
// no-op once their file is gone.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

// drainExisting processes events spooled while no daemon was running.
func (w *Watcher) drainExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			w.process(filepath.Join(w.dir, e.Name()))
		}
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.schedule(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			feedLog.Warn("spool_watch_error", slog.String("error", err.Error()))
		}
	}
}

// schedule arms (or re-arms) the settle timer for one spool file.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.process(path)
	})
}

// process decodes one spool file, feeds it to the sink, and removes it.
// A malformed file is removed too; leaving it would re-trigger forever.
func (w *Watcher) process(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			feedLog.Warn("spool_read_failed",
				slog.String("path", path), slog.String("error", err.Error()))
		}
		return
	}
	defer os.Remove(path)

	var ev session.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		feedLog.Warn("spool_decode_failed",
			slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	w.sink.Handle(ev)
}

// Spool writes one event into a spool directory. Used by the hook
// subcommand, which runs in a separate short-lived process from the
// daemon. The write-then-rename keeps the watcher from reading a
// half-written file even if it fires before the settle delay.
func Spool(dir string, ev session.Event) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	name := time.Now().Format("20060102T150405.000000000") + "-" + ev.Kind + ".json"
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}
