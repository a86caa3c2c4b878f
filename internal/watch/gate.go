// Package watch turns native filesystem notifications for one directory
// into a typed stream of photo file events. Emission can be suppressed with
// a counted guard so that the engine's own renames do not re-trigger it.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/phototriage/phototriage/internal/fileid"
)

// Defaults used when Options leaves a field zero.
const (
	defaultRenameWindow = 100 * time.Millisecond
	defaultEventBuffer  = 1024
	overflowRetry       = 250 * time.Millisecond
)

// FsWatcher abstracts fsnotify.Watcher so tests can inject events.
type FsWatcher interface {
	Add(name string) error
	Remove(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

// fsnotifyWatcher adapts *fsnotify.Watcher to FsWatcher.
type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Remove(name string) error      { return f.w.Remove(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// EventKind classifies a gate event.
type EventKind int

// Event kinds. Overflow means events may have been lost and the consumer
// should reconcile against a fresh directory scan.
const (
	EventAdded EventKind = iota + 1
	EventDeleted
	EventRenamed
	EventOverflow
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventDeleted:
		return "deleted"
	case EventRenamed:
		return "renamed"
	case EventOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one filtered change. OldPath is set only for EventRenamed.
type Event struct {
	Kind    EventKind
	Path    string
	OldPath string
}

// Options configures a Gate.
type Options struct {
	Extensions   []string      // allow-listed extensions, shared with directory scans
	RenameWindow time.Duration // max gap between the two halves of a rename (0 → 100ms)
	EventBuffer  int           // output channel capacity (0 → 1024)
	Logger       *slog.Logger
}

// Gate is a suppressible wrapper over a native watcher for one directory.
type Gate struct {
	watcher      FsWatcher
	allowed      map[string]bool
	renameWindow time.Duration
	logger       *slog.Logger
	out          chan Event

	suppressed atomic.Int32
	dropped    atomic.Int64
	overflowed atomic.Bool

	mu  sync.Mutex
	dir string
}

// Open creates a Gate backed by a real fsnotify watcher.
func Open(opts Options) (*Gate, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating watcher: %w", err)
	}

	return New(&fsnotifyWatcher{w: w}, opts), nil
}

// New creates a Gate over an existing watcher.
func New(watcher FsWatcher, opts Options) *Gate {
	if watcher == nil {
		panic("watch: nil watcher")
	}

	if opts.RenameWindow <= 0 {
		opts.RenameWindow = defaultRenameWindow
	}

	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Gate{
		watcher:      watcher,
		allowed:      fileid.ExtensionSet(opts.Extensions),
		renameWindow: opts.RenameWindow,
		logger:       opts.Logger,
		out:          make(chan Event, opts.EventBuffer),
	}
}

// Events returns the filtered event stream. It is never closed; consumers
// stop on their own context.
func (g *Gate) Events() <-chan Event { return g.out }

// Dir returns the currently watched directory.
func (g *Gate) Dir() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.dir
}

// SetWatchedDirectory retargets the watch. Notifications are suppressed
// while the switch is in progress. An empty path just stops watching.
func (g *Gate) SetWatchedDirectory(path string) error {
	release := g.Suppress()
	defer release()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dir != "" {
		if err := g.watcher.Remove(g.dir); err != nil {
			g.logger.Debug("watch: removing previous directory",
				slog.String("dir", g.dir), slog.String("error", err.Error()))
		}
	}

	g.dir = ""

	if path == "" {
		return nil
	}

	clean := filepath.Clean(path)
	if err := g.watcher.Add(clean); err != nil {
		return fmt.Errorf("watch: watching %s: %w", clean, err)
	}

	g.dir = clean
	g.logger.Info("watching directory", slog.String("dir", clean))

	return nil
}

// Suppress disables emission until the returned release func is called.
// Guards nest; emission resumes when every guard is released. Calling
// release more than once is harmless.
func (g *Gate) Suppress() (release func()) {
	g.suppressed.Add(1)

	var once sync.Once

	return func() {
		once.Do(func() { g.suppressed.Add(-1) })
	}
}

// WithSuppressed runs fn with notifications suppressed, releasing the
// guard on every exit path including panics.
func (g *Gate) WithSuppressed(fn func() error) error {
	release := g.Suppress()
	defer release()

	return fn()
}

// IsSuppressed reports whether any suppression guard is held.
func (g *Gate) IsSuppressed() bool {
	return g.suppressed.Load() > 0
}

// ResetDroppedEvents returns and zeroes the count of events lost because
// the output buffer was full.
func (g *Gate) ResetDroppedEvents() int64 {
	return g.dropped.Swap(0)
}

// Close releases the native watcher.
func (g *Gate) Close() error {
	return g.watcher.Close()
}

// pendingRename is the first half of a rename awaiting its Create.
type pendingRename struct {
	path     string
	deadline *time.Timer
}

// Run consumes native events until ctx is canceled or the watcher closes.
func (g *Gate) Run(ctx context.Context) error {
	retry := time.NewTicker(overflowRetry)
	defer retry.Stop()

	var pending *pendingRename

	flushPending := func() {
		if pending == nil {
			return
		}

		pending.deadline.Stop()

		if g.allowedPath(pending.path) {
			g.emit(Event{Kind: EventDeleted, Path: pending.path})
		}

		pending = nil
	}

	for {
		var expired <-chan time.Time
		if pending != nil {
			expired = pending.deadline.C
		}

		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-g.watcher.Events():
			if !ok {
				return nil
			}

			pending = g.handle(ev, pending, flushPending)

		case err, ok := <-g.watcher.Errors():
			if !ok {
				return nil
			}

			if errors.Is(err, fsnotify.ErrEventOverflow) {
				g.logger.Warn("watch: native event queue overflowed, requesting reconcile")
				g.overflowed.Store(true)
				g.signalOverflow()

				continue
			}

			g.logger.Warn("watch: watcher error", slog.String("error", err.Error()))

		case <-expired:
			flushPending()

		case <-retry.C:
			g.signalOverflow()
		}
	}
}

// handle routes one native event and returns the updated pending rename.
func (g *Gate) handle(ev fsnotify.Event, pending *pendingRename, flushPending func()) *pendingRename {
	if g.IsSuppressed() {
		if pending != nil {
			pending.deadline.Stop()
		}

		g.logger.Debug("watch: suppressed event", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))

		return nil
	}

	if !g.inWatchedDir(ev.Name) {
		return pending
	}

	switch {
	case ev.Has(fsnotify.Create):
		if isDir(ev.Name) {
			return pending
		}

		if pending != nil {
			old := pending.path
			pending.deadline.Stop()

			g.emitRename(old, ev.Name)

			return nil
		}

		if g.allowedPath(ev.Name) {
			g.emit(Event{Kind: EventAdded, Path: ev.Name})
		}

		return nil

	case ev.Has(fsnotify.Rename):
		flushPending()

		return &pendingRename{path: ev.Name, deadline: time.NewTimer(g.renameWindow)}

	case ev.Has(fsnotify.Remove):
		flushPending()

		if g.allowedPath(ev.Name) {
			g.emit(Event{Kind: EventDeleted, Path: ev.Name})
		}

		return nil
	}

	// Write and Chmod do not change the collection.
	return pending
}

// emitRename maps a paired rename onto the allow-list: a rename out of the
// list is a delete, into the list is an add.
func (g *Gate) emitRename(oldPath, newPath string) {
	oldOK, newOK := g.allowedPath(oldPath), g.allowedPath(newPath)

	switch {
	case oldOK && newOK:
		g.emit(Event{Kind: EventRenamed, Path: newPath, OldPath: oldPath})
	case oldOK:
		g.emit(Event{Kind: EventDeleted, Path: oldPath})
	case newOK:
		g.emit(Event{Kind: EventAdded, Path: newPath})
	}
}

// emit performs a non-blocking send. A full buffer counts as overflow so
// the consumer reconciles instead of trusting a lossy stream.
func (g *Gate) emit(ev Event) {
	if g.IsSuppressed() {
		return
	}

	select {
	case g.out <- ev:
		g.logger.Debug("watch: event", slog.String("kind", ev.Kind.String()), slog.String("path", ev.Path))
	default:
		g.dropped.Add(1)
		g.overflowed.Store(true)
		g.logger.Warn("watch: event buffer full, dropping event",
			slog.String("kind", ev.Kind.String()), slog.String("path", ev.Path))
	}
}

// signalOverflow delivers a pending overflow marker once there is room.
func (g *Gate) signalOverflow() {
	if !g.overflowed.Load() {
		return
	}

	select {
	case g.out <- Event{Kind: EventOverflow, Path: g.Dir()}:
		g.overflowed.Store(false)
	default:
	}
}

func (g *Gate) allowedPath(path string) bool {
	return fileid.HasExtension(path, g.allowed)
}

// inWatchedDir filters out late events from a previously watched directory.
func (g *Gate) inWatchedDir(path string) bool {
	dir := g.Dir()
	if dir == "" {
		return false
	}

	return fileid.Fold(filepath.Dir(path)) == fileid.Fold(dir)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
