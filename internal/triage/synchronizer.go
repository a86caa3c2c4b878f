// Package triage keeps an in-memory photo collection, the persisted
// annotation store and the directory on disk consistent while bulk
// commands, filesystem notifications and directory reloads act on them
// concurrently.
//
// Two coordinators serialize the long-running work: one for directory
// loads (a new load supersedes the previous one) and one for bulk
// commands (a second command is refused while one runs). A load waits for
// a running bulk command instead of cancelling it. Collection mutations
// all happen on the injected Writer.
package triage

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

	"golang.org/x/sync/errgroup"

	"github.com/phototriage/phototriage/internal/annotation"
	"github.com/phototriage/phototriage/internal/coordinator"
	"github.com/phototriage/phototriage/internal/exiftool"
	"github.com/phototriage/phototriage/internal/fileid"
	"github.com/phototriage/phototriage/internal/metadata"
	"github.com/phototriage/phototriage/internal/throttle"
	"github.com/phototriage/phototriage/internal/trash"
	"github.com/phototriage/phototriage/internal/watch"
)

// Sentinel errors.
var (
	ErrInvalidDirectory  = errors.New("triage: invalid directory")
	ErrEmptySelection    = errors.New("triage: empty selection")
	ErrTargetExists      = errors.New("triage: rename target exists")
	ErrInsufficientSpace = errors.New("triage: insufficient disk space")
)

// Defaults applied by New for zero Config fields.
const (
	defaultBlockSize       = 20
	defaultParallelism     = 8
	defaultMaxOpenDirs     = 3
	defaultShiftSuffix     = "__dateshift"
	defaultFavoritesDir    = "Favorites"
	defaultDateNameLayout  = "20060102_150405"
	defaultRefreshDebounce = 300 * time.Millisecond
)

// AnnotationStore is the persistence the engine needs. Satisfied by
// *annotation.Store.
type AnnotationStore interface {
	Check(ctx context.Context, id fileid.Identity) (annotation.Annotation, error)
	GetAllForDirectory(ctx context.Context, dir string) (*annotation.DirectoryAnnotations, error)
	Favorite(ctx context.Context, ids ...fileid.Identity) error
	MarkForDeletion(ctx context.Context, ids ...fileid.Identity) error
	UnFavorite(ctx context.Context, ids ...fileid.Identity) error
	UnMarkForDeletion(ctx context.Context, ids ...fileid.Identity) error
	Rename(ctx context.Context, oldID, newID fileid.Identity) error
	Delete(ctx context.Context, ids ...fileid.Identity) error
}

// ChangeGate is the suppressible watcher. Satisfied by *watch.Gate.
type ChangeGate interface {
	SetWatchedDirectory(path string) error
	Suppress() (release func())
	WithSuppressed(fn func() error) error
	Events() <-chan watch.Event
	ResetDroppedEvents() int64
}

// Config holds the collaborators and tuning for New. Store, Gate, Writer
// and Tool are required. A nil Extractor means goexif, a nil Trash the
// platform trash, and a nil Opener leaves copy destinations unopened.
type Config struct {
	Store     AnnotationStore
	Gate      ChangeGate
	Writer    *Writer
	Extractor metadata.Extractor
	Tool      exiftool.Tool
	Trash     trash.Func
	Opener    func(ctx context.Context, dir string) error

	Extensions      []string
	FavoritesDir    string
	DateNameLayout  string
	ShiftSuffix     string
	BlockSize       int
	Parallelism     int
	MaxOpenDirs     int
	RefreshDebounce time.Duration

	Compare  CompareFunc
	Listener Listener
	Logger   *slog.Logger
}

// Synchronizer is the triage engine for one directory at a time.
type Synchronizer struct {
	store     AnnotationStore
	gate      ChangeGate
	writer    *Writer
	extractor metadata.Extractor
	tool      exiftool.Tool
	trash     trash.Func
	opener    func(ctx context.Context, dir string) error
	listener  Listener
	logger    *slog.Logger

	allowed        map[string]bool
	favoritesDir   string
	dateNameLayout string
	shiftSuffix    string
	blockSize      int
	parallelism    int
	maxOpenDirs    int

	load    *coordinator.Coordinator
	op      *coordinator.Coordinator
	refresh *throttle.Notifier

	collection *Collection // Writer only

	mu  sync.Mutex
	dir string

	state     atomic.Int32
	operating atomic.Bool

	statfsFunc func(path string) (uint64, error) // injectable for testing disk space
}

// New builds a Synchronizer. It panics when a required collaborator is
// missing.
func New(cfg Config) *Synchronizer {
	switch {
	case cfg.Store == nil:
		panic("triage: nil Store")
	case cfg.Gate == nil:
		panic("triage: nil Gate")
	case cfg.Writer == nil:
		panic("triage: nil Writer")
	case cfg.Tool == nil:
		panic("triage: nil Tool")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Synchronizer{
		store:          cfg.Store,
		gate:           cfg.Gate,
		writer:         cfg.Writer,
		extractor:      cfg.Extractor,
		tool:           cfg.Tool,
		trash:          cfg.Trash,
		opener:         cfg.Opener,
		listener:       cfg.Listener,
		logger:         logger,
		allowed:        fileid.ExtensionSet(cfg.Extensions),
		favoritesDir:   orDefault(cfg.FavoritesDir, defaultFavoritesDir),
		dateNameLayout: orDefault(cfg.DateNameLayout, defaultDateNameLayout),
		shiftSuffix:    orDefault(cfg.ShiftSuffix, defaultShiftSuffix),
		blockSize:      positiveOr(cfg.BlockSize, defaultBlockSize),
		parallelism:    positiveOr(cfg.Parallelism, defaultParallelism),
		maxOpenDirs:    positiveOr(cfg.MaxOpenDirs, defaultMaxOpenDirs),
		load:           coordinator.New("load", logger),
		op:             coordinator.New("operation", logger),
		collection:     newCollection(cfg.Compare),
		statfsFunc:     getDiskSpace,
	}

	if s.extractor == nil {
		s.extractor = metadata.NewExifExtractor(logger)
	}

	if s.trash == nil {
		s.trash = trash.Default()
	}

	debounce := cfg.RefreshDebounce
	if debounce <= 0 {
		debounce = defaultRefreshDebounce
	}

	s.refresh = throttle.New(context.Background(), debounce, func() {
		s.emit(Notice{Kind: NoticeRefresh})
	})

	return s
}

// Close cancels running work and stops the refresh notifier. The Writer,
// Store and Gate belong to the caller.
func (s *Synchronizer) Close() {
	s.load.Cancel()
	s.op.Cancel()
	s.refresh.Stop()
}

// Directory returns the directory being shown.
func (s *Synchronizer) Directory() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dir
}

// State returns the load state.
func (s *Synchronizer) State() State { return State(s.state.Load()) }

// Operating reports whether a bulk command is running.
func (s *Synchronizer) Operating() bool { return s.operating.Load() }

// Photos returns the collection in presentation order.
func (s *Synchronizer) Photos() []*Photo {
	var out []*Photo

	s.writer.Do(func() { out = s.collection.Sorted() })

	return out
}

// Find returns the photo for id, or nil.
func (s *Synchronizer) Find(id fileid.Identity) *Photo {
	var p *Photo

	s.writer.Do(func() { p = s.collection.Find(id) })

	return p
}

// Position returns p's presentation index, or -1.
func (s *Synchronizer) Position(p *Photo) int {
	pos := -1

	s.writer.Do(func() { pos = s.collection.Position(p) })

	return pos
}

// Counts returns how many photos are favorited and marked.
func (s *Synchronizer) Counts() (favorites, marked int) {
	s.writer.Do(func() { favorites, marked = s.collection.Counts() })

	return favorites, marked
}

// LoadTask returns the current directory load task.
func (s *Synchronizer) LoadTask() *coordinator.Task { return s.load.Current() }

// OperationTask returns the current bulk command task.
func (s *Synchronizer) OperationTask() *coordinator.Task { return s.op.Current() }

// Load switches to dir. Invalid paths are rejected with a warning and
// leave the current state untouched. The returned task completes when the
// enumeration does; metadata keeps loading in the background.
func (s *Synchronizer) Load(ctx context.Context, dir string) (*coordinator.Task, error) {
	abs, err := validateDirectory(dir)
	if err != nil {
		s.warn("load", "", err.Error())
		return nil, err
	}

	if err := s.gate.SetWatchedDirectory(abs); err != nil {
		s.warn("load", "", err.Error())
		return nil, fmt.Errorf("triage: watching %s: %w", abs, err)
	}

	s.load.Cancel()
	s.writer.Do(s.collection.Clear)
	s.setDirectory(abs)
	s.setState(StateLoading)

	// A command still running on the previous directory must finish
	// before the new one is populated.
	if err := s.op.WaitIdle(ctx); err != nil {
		return nil, err
	}

	return s.load.StartNew(ctx, func(ctx context.Context) error {
		return s.runLoad(ctx, abs)
	}, true)
}

func (s *Synchronizer) runLoad(ctx context.Context, dir string) error {
	// Clearing again on the Writer drops appends a superseded load made
	// between Load's clear and its cancellation.
	s.writer.Do(func() {
		if ctx.Err() == nil {
			s.collection.Clear()
		}
	})

	annotations, err := s.store.GetAllForDirectory(ctx, dir)
	if err != nil {
		return fmt.Errorf("triage: loading annotations for %s: %w", dir, err)
	}

	files, err := s.listFiles(dir)
	if err != nil {
		return err
	}

	total := len(files)
	loaded := make([]*Photo, 0, total)

	s.logger.Info("loading directory",
		slog.String("dir", dir),
		slog.Int("files", total),
		slog.Int("annotated", annotations.Len()),
	)

	for i, id := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		p := newPhoto(id, annotations.Get(id))
		added := false

		s.writer.Do(func() {
			if ctx.Err() != nil {
				return
			}

			added = s.collection.Append(p)
		})

		if added {
			loaded = append(loaded, p)
		}

		s.emit(Notice{Kind: NoticeProgress, Operation: "load", Current: i + 1, Total: total})
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	s.setState(StateReady)
	s.refresh.Notify()

	go s.warmMetadata(ctx, loaded)

	return nil
}

// warmMetadata loads metadata for photos in the background. It stops when
// the load scope is cancelled by the next load.
func (s *Synchronizer) warmMetadata(ctx context.Context, photos []*Photo) {
	var g errgroup.Group

	g.SetLimit(s.parallelism)

	for _, p := range photos {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			s.loadMetadata(ctx, p)
			return nil
		})
	}

	_ = g.Wait()

	if ctx.Err() == nil {
		s.refresh.Notify()
	}
}

// Metadata returns p's metadata, extracting it if needed. It returns nil
// when the file is gone or ctx ends first; a file without readable
// metadata yields an empty Metadata.
func (s *Synchronizer) Metadata(ctx context.Context, p *Photo) *metadata.Metadata {
	return s.loadMetadata(ctx, p)
}

// loadMetadata wraps Photo.loadMetadata with the warning policy: a photo
// without readable metadata is not an error for the engine.
func (s *Synchronizer) loadMetadata(ctx context.Context, p *Photo) *metadata.Metadata {
	m, err := p.loadMetadata(ctx, s.extractor)
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("metadata unavailable", slog.String("path", p.Path()), slog.String("error", err.Error()))
	}

	return m
}

// Run consumes gate events until ctx is done. Each event waits for the
// running load and bulk command to finish before it is applied.
func (s *Synchronizer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.gate.Events():
			if err := s.handleEvent(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				s.logger.Warn("handling file event",
					slog.String("kind", ev.Kind.String()),
					slog.String("path", ev.Path),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// handleEvent applies one gate event. The quiescence wait is advisory: a
// command started after it returns can still interleave with the event.
func (s *Synchronizer) handleEvent(ctx context.Context, ev watch.Event) error {
	if err := s.load.WaitIdle(ctx); err != nil {
		return err
	}

	if err := s.op.WaitIdle(ctx); err != nil {
		return err
	}

	switch ev.Kind {
	case watch.EventAdded:
		return s.onAdded(ctx, fileid.Parse(ev.Path))
	case watch.EventDeleted:
		return s.onDeleted(ctx, fileid.Parse(ev.Path))
	case watch.EventRenamed:
		return s.onRenamed(ctx, fileid.Parse(ev.OldPath), fileid.Parse(ev.Path))
	case watch.EventOverflow:
		return s.reconcile(ctx)
	default:
		return nil
	}
}

func (s *Synchronizer) onAdded(ctx context.Context, id fileid.Identity) error {
	if !s.inDirectory(id) {
		return nil
	}

	if !exists(id.Path()) {
		s.logger.Debug("add of vanished file ignored", slog.String("path", id.Path()))
		return nil
	}

	a, err := s.store.Check(ctx, id)
	if err != nil {
		s.logger.Warn("checking annotation for new file", slog.String("path", id.Path()), slog.String("error", err.Error()))
	}

	p := newPhoto(id, a)
	added := false

	s.writer.Do(func() { added = s.collection.Append(p) })

	if !added {
		s.logger.Debug("file already in collection", slog.String("path", id.Path()))
		return nil
	}

	s.emit(Notice{Kind: NoticeAdded, Path: id.Path()})
	s.refresh.Notify()

	go s.loadMetadata(s.load.Token(), p)

	return nil
}

func (s *Synchronizer) onDeleted(ctx context.Context, id fileid.Identity) error {
	if exists(id.Path()) {
		s.logger.Debug("delete of existing file ignored", slog.String("path", id.Path()))
		return nil
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	var removed *Photo

	s.writer.Do(func() { removed = s.collection.Remove(id) })

	if removed == nil {
		return nil
	}

	s.emit(Notice{Kind: NoticeRemoved, Path: id.Path()})
	s.refresh.Notify()

	return nil
}

// onRenamed applies a rename only while the disk still agrees with it. An
// event that arrives after the old name was reused (the engine renamed
// another file onto it) must not move that file's photo or annotations;
// the new name is then treated as an add.
func (s *Synchronizer) onRenamed(ctx context.Context, oldID, newID fileid.Identity) error {
	if !oldID.Equal(newID) && exists(oldID.Path()) {
		s.logger.Debug("stale rename, old name still exists",
			slog.String("old", oldID.Path()), slog.String("new", newID.Path()))

		return s.onAdded(ctx, newID)
	}

	p := s.Find(oldID)
	if p == nil {
		s.logger.Debug("rename of unknown file ignored",
			slog.String("old", oldID.Path()), slog.String("new", newID.Path()))

		return nil
	}

	if err := s.moveAnnotations(ctx, oldID, newID); err != nil {
		return err
	}

	s.writer.Do(func() { s.collection.Rekey(p, newID) })

	s.emit(Notice{Kind: NoticeRenamed, Path: newID.Path(), OldPath: oldID.Path()})
	s.refresh.Notify()

	return nil
}

// reconcile re-scans the directory after the event stream lost events:
// files missing from the collection are added, vanished ones removed.
func (s *Synchronizer) reconcile(ctx context.Context) error {
	dir := s.Directory()
	if dir == "" {
		return nil
	}

	files, err := s.listFiles(dir)
	if err != nil {
		return err
	}

	onDisk := make(map[fileid.Key]bool, len(files))
	for _, id := range files {
		onDisk[id.Key()] = true
	}

	var current []*Photo

	s.writer.Do(func() { current = s.collection.Photos() })

	inMemory := make(map[fileid.Key]bool, len(current))
	added, removed := 0, 0

	for _, p := range current {
		id := p.ID()
		inMemory[id.Key()] = true

		if !onDisk[id.Key()] {
			if err := s.onDeleted(ctx, id); err != nil {
				return err
			}

			removed++
		}
	}

	for _, id := range files {
		if inMemory[id.Key()] {
			continue
		}

		if err := s.onAdded(ctx, id); err != nil {
			return err
		}

		added++
	}

	s.logger.Info("reconciled directory",
		slog.String("dir", dir),
		slog.Int("added", added),
		slog.Int("removed", removed),
		slog.Int64("dropped_events", s.gate.ResetDroppedEvents()),
	)

	s.refresh.Notify()

	return nil
}

// listFiles enumerates the allow-listed regular files in dir.
func (s *Synchronizer) listFiles(dir string) ([]fileid.Identity, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("triage: reading %s: %w", dir, err)
	}

	var files []fileid.Identity

	for _, e := range entries {
		if !fileid.HasExtension(e.Name(), s.allowed) {
			continue
		}

		path := filepath.Join(dir, e.Name())

		if e.Type()&os.ModeSymlink != 0 {
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			continue
		}

		files = append(files, fileid.Parse(path))
	}

	return files, nil
}

func (s *Synchronizer) inDirectory(id fileid.Identity) bool {
	dir := s.Directory()
	return dir != "" && fileid.Fold(id.Dir()) == fileid.Fold(dir)
}

func (s *Synchronizer) setDirectory(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dir = dir
}

func (s *Synchronizer) setState(st State) {
	if State(s.state.Swap(int32(st))) != st {
		s.emit(Notice{Kind: NoticeState, State: st.String()})
	}
}

func (s *Synchronizer) emit(n Notice) {
	if s.listener == nil {
		return
	}

	if n.Time.IsZero() {
		n.Time = time.Now()
	}

	s.listener(n)
}

func (s *Synchronizer) warn(operation, path, message string) {
	s.logger.Warn(message, slog.String("operation", operation), slog.String("path", path))
	s.emit(Notice{Kind: NoticeWarning, Operation: operation, Path: path, Message: message})
}

func validateDirectory(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidDirectory)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidDirectory, dir, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrInvalidDirectory, abs, err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidDirectory, abs)
	}

	return abs, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}

	return v
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}

	return v
}
