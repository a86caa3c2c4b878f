package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

// mockFsWatcher implements FsWatcher with injectable channels for testing.
type mockFsWatcher struct {
	events chan fsnotify.Event
	errs   chan error

	mu      sync.Mutex
	added   []string
	removed []string
}

func newMockFsWatcher() *mockFsWatcher {
	return &mockFsWatcher{
		events: make(chan fsnotify.Event, 10),
		errs:   make(chan error, 10),
	}
}

func (m *mockFsWatcher) Add(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.added = append(m.added, name)

	return nil
}

func (m *mockFsWatcher) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removed = append(m.removed, name)

	return nil
}

func (m *mockFsWatcher) Close() error                  { close(m.events); close(m.errs); return nil }
func (m *mockFsWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockFsWatcher) Errors() <-chan error          { return m.errs }

// startGate builds a gate over a mock watcher, points it at dir and runs
// its loop until the test ends.
func startGate(t *testing.T, dir string, opts Options) (*Gate, *mockFsWatcher) {
	t.Helper()

	mw := newMockFsWatcher()

	if opts.Extensions == nil {
		opts.Extensions = []string{".jpg", ".png"}
	}

	opts.Logger = testLogger(t)

	g := New(mw, opts)
	require.NoError(t, g.SetWatchedDirectory(dir))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return g, mw
}

func nextEvent(t *testing.T, g *Gate) Event {
	t.Helper()

	select {
	case ev := <-g.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gate event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, g *Gate, wait time.Duration) {
	t.Helper()

	select {
	case ev := <-g.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(wait):
	}
}

func TestGate_AddedForAllowedExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, mw := startGate(t, dir, Options{})

	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "notes.txt"), Op: fsnotify.Create}
	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "a.JPG"), Op: fsnotify.Create}

	ev := nextEvent(t, g)
	assert.Equal(t, EventAdded, ev.Kind)
	assert.Equal(t, filepath.Join(dir, "a.JPG"), ev.Path)
}

func TestGate_DeletedOnRemove(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, mw := startGate(t, dir, Options{})

	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "a.jpg"), Op: fsnotify.Remove}

	ev := nextEvent(t, g)
	assert.Equal(t, EventDeleted, ev.Kind)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), ev.Path)
}

func TestGate_IgnoresWriteAndChmod(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, mw := startGate(t, dir, Options{})

	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "a.jpg"), Op: fsnotify.Write}
	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "a.jpg"), Op: fsnotify.Chmod}

	assertNoEvent(t, g, 100*time.Millisecond)
}

func TestGate_IgnoresCreatedDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sub := filepath.Join(dir, "album.jpg")
	require.NoError(t, os.Mkdir(sub, 0o755))

	g, mw := startGate(t, dir, Options{})

	mw.events <- fsnotify.Event{Name: sub, Op: fsnotify.Create}

	assertNoEvent(t, g, 100*time.Millisecond)
}

func TestGate_PairsRenameHalves(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, mw := startGate(t, dir, Options{RenameWindow: time.Second})

	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "a.jpg"), Op: fsnotify.Rename}
	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "a2.jpg"), Op: fsnotify.Create}

	ev := nextEvent(t, g)
	assert.Equal(t, EventRenamed, ev.Kind)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), ev.OldPath)
	assert.Equal(t, filepath.Join(dir, "a2.jpg"), ev.Path)
}

func TestGate_UnpairedRenameBecomesDelete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, mw := startGate(t, dir, Options{RenameWindow: 20 * time.Millisecond})

	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "a.jpg"), Op: fsnotify.Rename}

	ev := nextEvent(t, g)
	assert.Equal(t, EventDeleted, ev.Kind)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), ev.Path)
}

func TestGate_RenameAcrossAllowList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, mw := startGate(t, dir, Options{RenameWindow: time.Second})

	// Allowed → not allowed reads as a delete.
	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "a.jpg"), Op: fsnotify.Rename}
	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "a.jpg.bak"), Op: fsnotify.Create}

	ev := nextEvent(t, g)
	assert.Equal(t, EventDeleted, ev.Kind)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), ev.Path)

	// Not allowed → allowed reads as an add.
	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "b.tmp"), Op: fsnotify.Rename}
	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "b.png"), Op: fsnotify.Create}

	ev = nextEvent(t, g)
	assert.Equal(t, EventAdded, ev.Kind)
	assert.Equal(t, filepath.Join(dir, "b.png"), ev.Path)
}

func TestGate_SuppressionDropsEventsAndNests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, mw := startGate(t, dir, Options{})

	outer := g.Suppress()
	inner := g.Suppress()

	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "a.jpg"), Op: fsnotify.Create}
	assertNoEvent(t, g, 50*time.Millisecond)

	inner()
	inner() // double release must not unbalance the counter
	assert.True(t, g.IsSuppressed())

	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "b.jpg"), Op: fsnotify.Create}
	assertNoEvent(t, g, 50*time.Millisecond)

	outer()
	assert.False(t, g.IsSuppressed())

	mw.events <- fsnotify.Event{Name: filepath.Join(dir, "c.jpg"), Op: fsnotify.Create}

	ev := nextEvent(t, g)
	assert.Equal(t, filepath.Join(dir, "c.jpg"), ev.Path)
}

func TestGate_WithSuppressedReleasesOnError(t *testing.T) {
	t.Parallel()

	g := New(newMockFsWatcher(), Options{Logger: testLogger(t)})
	boom := errors.New("boom")

	err := g.WithSuppressed(func() error {
		assert.True(t, g.IsSuppressed())
		return boom
	})

	require.ErrorIs(t, err, boom)
	assert.False(t, g.IsSuppressed())
}

func TestGate_WithSuppressedReleasesOnPanic(t *testing.T) {
	t.Parallel()

	g := New(newMockFsWatcher(), Options{Logger: testLogger(t)})

	assert.Panics(t, func() {
		_ = g.WithSuppressed(func() error { panic("boom") })
	})
	assert.False(t, g.IsSuppressed())
}

func TestGate_SetWatchedDirectoryRetargets(t *testing.T) {
	t.Parallel()

	first, second := t.TempDir(), t.TempDir()
	g, mw := startGate(t, first, Options{})

	require.NoError(t, g.SetWatchedDirectory(second))
	assert.Equal(t, second, g.Dir())
	assert.False(t, g.IsSuppressed(), "retarget must release its guard")

	mw.mu.Lock()
	assert.Equal(t, []string{first, second}, mw.added)
	assert.Equal(t, []string{first}, mw.removed)
	mw.mu.Unlock()

	// Late events from the previous directory are filtered.
	mw.events <- fsnotify.Event{Name: filepath.Join(first, "old.jpg"), Op: fsnotify.Create}
	mw.events <- fsnotify.Event{Name: filepath.Join(second, "new.jpg"), Op: fsnotify.Create}

	ev := nextEvent(t, g)
	assert.Equal(t, filepath.Join(second, "new.jpg"), ev.Path)
}

func TestGate_NativeOverflowRequestsReconcile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, mw := startGate(t, dir, Options{})

	mw.errs <- fsnotify.ErrEventOverflow

	ev := nextEvent(t, g)
	assert.Equal(t, EventOverflow, ev.Kind)
	assert.Equal(t, dir, ev.Path)
}

func TestGate_FullBufferRequestsReconcile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	g, mw := startGate(t, dir, Options{EventBuffer: 2})

	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg"} {
		mw.events <- fsnotify.Event{Name: filepath.Join(dir, name), Op: fsnotify.Create}
	}

	// c and d find the buffer full.
	require.Eventually(t, func() bool {
		return g.dropped.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, EventAdded, nextEvent(t, g).Kind)
	assert.Equal(t, EventAdded, nextEvent(t, g).Kind)

	// Once there is room the loop delivers the overflow marker.
	ev := nextEvent(t, g)
	assert.Equal(t, EventOverflow, ev.Kind)
	assert.Equal(t, int64(2), g.ResetDroppedEvents())
	assert.Zero(t, g.ResetDroppedEvents())
}

func TestEventKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "added", EventAdded.String())
	assert.Equal(t, "deleted", EventDeleted.String())
	assert.Equal(t, "renamed", EventRenamed.String())
	assert.Equal(t, "overflow", EventOverflow.String())
	assert.Equal(t, "EventKind(42)", EventKind(42).String())
}
