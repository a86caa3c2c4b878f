package triage

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phototriage/phototriage/internal/annotation"
	"github.com/phototriage/phototriage/internal/coordinator"
	"github.com/phototriage/phototriage/internal/exiftool"
	"github.com/phototriage/phototriage/internal/fileid"
	"github.com/phototriage/phototriage/internal/metadata"
	"github.com/phototriage/phototriage/internal/watch"
)

var captured = time.Date(2021, 6, 15, 10, 30, 0, 0, time.Local)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// fakeGate stands in for the watcher: tests push events directly.
type fakeGate struct {
	events chan watch.Event

	mu      sync.Mutex
	watched []string

	suppressCalls atomic.Int32
	active        atomic.Int32
	dropped       atomic.Int64
}

func newFakeGate() *fakeGate {
	return &fakeGate{events: make(chan watch.Event, 16)}
}

func (g *fakeGate) SetWatchedDirectory(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.watched = append(g.watched, path)

	return nil
}

func (g *fakeGate) Suppress() func() {
	g.suppressCalls.Add(1)
	g.active.Add(1)

	var once sync.Once

	return func() { once.Do(func() { g.active.Add(-1) }) }
}

func (g *fakeGate) WithSuppressed(fn func() error) error {
	release := g.Suppress()
	defer release()

	return fn()
}

func (g *fakeGate) Events() <-chan watch.Event { return g.events }

func (g *fakeGate) ResetDroppedEvents() int64 { return g.dropped.Swap(0) }

// fakeTool expands the request patterns like the real tool and then runs
// run, or reports success for every file when run is nil.
type fakeTool struct {
	gate *fakeGate
	run  func(ctx context.Context, files []string, events exiftool.ToolEvents) error

	mu              sync.Mutex
	requests        []exiftool.ShiftRequest
	files           []string
	suppressedWhile bool
}

func (f *fakeTool) ShiftDate(ctx context.Context, req exiftool.ShiftRequest, events exiftool.ToolEvents) error {
	var files []string

	for _, p := range req.Patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return err
		}

		files = append(files, matches...)
	}

	sort.Strings(files)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.files = append(f.files, files...)
	f.suppressedWhile = f.gate != nil && f.gate.active.Load() > 0
	f.mu.Unlock()

	if f.run != nil {
		return f.run(ctx, files, events)
	}

	for i, file := range files {
		events.Progress(i+1, len(files), file)
	}

	return nil
}

// fakeExtractor returns a capture time for the names in dates and an
// error for everything else.
type fakeExtractor struct {
	mu    sync.Mutex
	dates map[string]time.Time
	calls atomic.Int32
}

var errNoExif = errors.New("no exif data")

func (f *fakeExtractor) set(name string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dates[fileid.Fold(name)] = t
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) (*metadata.Metadata, error) {
	f.calls.Add(1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.dates[fileid.Fold(filepath.Base(path))]
	if !ok {
		return nil, errNoExif
	}

	return &metadata.Metadata{CaptureTime: &t}, nil
}

// countingStore counts renames on top of a real store.
type countingStore struct {
	*annotation.Store

	renames atomic.Int32
}

func (c *countingStore) Rename(ctx context.Context, oldID, newID fileid.Identity) error {
	c.renames.Add(1)
	return c.Store.Rename(ctx, oldID, newID)
}

type recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recorder) listen(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.notices = append(r.notices, n)
}

func (r *recorder) ofKind(kind NoticeKind) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Notice

	for _, n := range r.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}

	return out
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	dir   string
	s     *Synchronizer
	store *countingStore
	gate  *fakeGate
	tool  *fakeTool
	ex    *fakeExtractor
	rec   *recorder

	mu      sync.Mutex
	trashed []string
	opened  []string
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	store, err := annotation.Open(ctx, filepath.Join(t.TempDir(), "annotations.db"), testLogger(t))
	require.NoError(t, err)

	writer := NewWriter()

	t.Cleanup(writer.Close)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		t:     t,
		ctx:   ctx,
		dir:   t.TempDir(),
		store: &countingStore{Store: store},
		gate:  newFakeGate(),
		ex:    &fakeExtractor{dates: make(map[string]time.Time)},
		rec:   &recorder{},
	}
	h.tool = &fakeTool{gate: h.gate}

	trashDir := t.TempDir()

	cfg := Config{
		Store:           h.store,
		Gate:            h.gate,
		Writer:          writer,
		Extractor:       h.ex,
		Tool:            h.tool,
		Extensions:      []string{".jpg", ".png"},
		RefreshDebounce: 10 * time.Millisecond,
		Listener:        h.rec.listen,
		Logger:          testLogger(t),
		Trash: func(path string) error {
			h.mu.Lock()
			h.trashed = append(h.trashed, path)
			h.mu.Unlock()

			return os.Rename(path, filepath.Join(trashDir, filepath.Base(path)))
		},
		Opener: func(_ context.Context, dir string) error {
			h.mu.Lock()
			defer h.mu.Unlock()

			h.opened = append(h.opened, dir)

			return nil
		},
	}

	for _, fn := range configure {
		fn(&cfg)
	}

	h.s = New(cfg)
	h.s.statfsFunc = func(string) (uint64, error) { return math.MaxUint64, nil }

	t.Cleanup(h.s.Close)

	return h
}

// write creates a file in the harness directory and returns its identity.
func (h *harness) write(name, content string) fileid.Identity {
	h.t.Helper()

	path := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))

	return fileid.Parse(path)
}

func (h *harness) id(name string) fileid.Identity {
	return fileid.Parse(filepath.Join(h.dir, name))
}

func (h *harness) load() {
	h.t.Helper()

	task, err := h.s.Load(h.ctx, h.dir)
	require.NoError(h.t, err)

	res := wait(h.t, h.ctx, task)
	require.Equal(h.t, coordinator.OutcomeCompleted, res.Outcome, "load: %v", res.Err)
}

func (h *harness) photo(name string) *Photo {
	h.t.Helper()

	p := h.s.Find(h.id(name))
	require.NotNil(h.t, p, "photo %s not in collection", name)

	return p
}

// names lists the files in the harness directory.
func (h *harness) names() []string {
	h.t.Helper()

	entries, err := os.ReadDir(h.dir)
	require.NoError(h.t, err)

	var out []string

	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}

	return out
}

func photoNames(photos []*Photo) []string {
	out := make([]string, len(photos))
	for i, p := range photos {
		out[i] = p.Name()
	}

	return out
}

func wait(t *testing.T, ctx context.Context, task *coordinator.Task) coordinator.Result {
	t.Helper()

	require.NotNil(t, task)

	res, err := task.Wait(ctx)
	require.NoError(t, err)

	return res
}

func containsMessage(notices []Notice, substr string) bool {
	for _, n := range notices {
		if strings.Contains(n.Message, substr) {
			return true
		}
	}

	return false
}
