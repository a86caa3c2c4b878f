package annotation

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phototriage/phototriage/internal/fileid"
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

// newTestStore opens a store in a temp directory and closes it on cleanup.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "annotations.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func id(dir, name string) fileid.Identity {
	return fileid.Parse(filepath.Join(dir, name))
}

func TestFavoriteThenMark_Exclusive(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	a := id("/photos", "a.jpg")

	require.NoError(t, s.Favorite(ctx, a))

	got, err := s.Check(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, Annotation{Favorited: true}, got)

	require.NoError(t, s.MarkForDeletion(ctx, a))

	got, err = s.Check(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, Annotation{MarkedForDeletion: true}, got)

	require.NoError(t, s.Favorite(ctx, a))

	got, err = s.Check(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, Annotation{Favorited: true}, got)
}

func TestCheck_CaseInsensitive(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Favorite(ctx, id("/Photos/Trip", "IMG_1.JPG")))

	got, err := s.Check(ctx, id("/photos/trip", "img_1.jpg"))
	require.NoError(t, err)
	assert.True(t, got.Favorited)
}

func TestCheck_AbsentIsUnflagged(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	got, err := s.Check(context.Background(), id("/photos", "nothing.jpg"))
	require.NoError(t, err)
	assert.Equal(t, Annotation{}, got)
}

func TestUnFavoriteAndUnMark(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	a, b := id("/p", "a.jpg"), id("/p", "b.jpg")

	require.NoError(t, s.Favorite(ctx, a))
	require.NoError(t, s.MarkForDeletion(ctx, b))

	require.NoError(t, s.UnFavorite(ctx, a, b))
	require.NoError(t, s.UnMarkForDeletion(ctx, b))

	for _, x := range []fileid.Identity{a, b} {
		got, err := s.Check(ctx, x)
		require.NoError(t, err)
		assert.Equal(t, Annotation{}, got, x.Path())
	}
}

func TestGetAllForDirectory_Partitions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	fav, mark, both := id("/p", "fav.jpg"), id("/p", "mark.jpg"), id("/p", "both.jpg")
	other := id("/elsewhere", "fav.jpg")

	require.NoError(t, s.Favorite(ctx, fav, other))
	require.NoError(t, s.MarkForDeletion(ctx, mark))

	// Both sets at once can only come from an older or damaged database;
	// write it directly.
	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, upsert(ctx, tx, favorites, both, 1))
	require.NoError(t, upsert(ctx, tx, marked, both, 1))
	require.NoError(t, tx.Commit())

	d, err := s.GetAllForDirectory(ctx, "/P/")
	require.NoError(t, err)

	assert.Equal(t, 3, d.Len())
	assert.Contains(t, d.FavoriteOnly, fav.Key())
	assert.Contains(t, d.MarkedOnly, mark.Key())
	assert.Contains(t, d.Both, both.Key())

	seen := map[fileid.Key]int{}
	for _, m := range []map[fileid.Key]fileid.Identity{d.FavoriteOnly, d.MarkedOnly, d.Both} {
		for k := range m {
			seen[k]++
		}
	}

	for k, n := range seen {
		assert.Equal(t, 1, n, "identity %v in more than one partition", k)
	}

	assert.Equal(t, Annotation{Favorited: true}, d.Get(fav))
	assert.Equal(t, Annotation{MarkedForDeletion: true}, d.Get(mark))
	assert.Equal(t, Annotation{Favorited: true, MarkedForDeletion: true}, d.Get(both))
	assert.Equal(t, Annotation{}, d.Get(id("/p", "none.jpg")))
	assert.Equal(t, Annotation{}, d.Get(other))
}

func TestRename_MovesBothSets(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	a, a2 := id("/p", "a.jpg"), id("/p", "a2.jpg")

	require.NoError(t, s.MarkForDeletion(ctx, a))
	require.NoError(t, s.Rename(ctx, a, a2))

	got, err := s.Check(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, Annotation{}, got, "old identity must miss after rename")

	got, err = s.Check(ctx, a2)
	require.NoError(t, err)
	assert.Equal(t, Annotation{MarkedForDeletion: true}, got)
}

func TestRename_ReplacesStaleTargetFlags(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	a, b := id("/p", "a.jpg"), id("/p", "b.jpg")

	require.NoError(t, s.Favorite(ctx, a))
	require.NoError(t, s.MarkForDeletion(ctx, b))
	require.NoError(t, s.Rename(ctx, a, b))

	got, err := s.Check(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, Annotation{Favorited: true}, got)
}

func TestRename_CaseOnlyKeepsFlagsAndSpelling(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	lower, upper := id("/p", "a.jpg"), id("/p", "A.JPG")

	require.NoError(t, s.Favorite(ctx, lower))
	require.NoError(t, s.Rename(ctx, lower, upper))

	d, err := s.GetAllForDirectory(ctx, "/p")
	require.NoError(t, err)
	require.Len(t, d.FavoriteOnly, 1)
	assert.Equal(t, "A.JPG", d.FavoriteOnly[upper.Key()].Name())
}

func TestRename_AbsentIsNoop(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	b := id("/p", "b.jpg")

	require.NoError(t, s.Favorite(ctx, b))
	require.NoError(t, s.Rename(ctx, id("/p", "missing.jpg"), b))

	got, err := s.Check(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, Annotation{Favorited: true}, got, "absent source must leave target alone")
}

func TestDelete_RemovesFromBothSets(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	a, b := id("/p", "a.jpg"), id("/p", "b.jpg")

	require.NoError(t, s.Favorite(ctx, a))
	require.NoError(t, s.MarkForDeletion(ctx, b))
	require.NoError(t, s.Delete(ctx, a, b))

	d, err := s.GetAllForDirectory(ctx, "/p")
	require.NoError(t, err)
	assert.Zero(t, d.Len())
}

func TestEmptyInputsAreNoops(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Favorite(ctx))
	require.NoError(t, s.MarkForDeletion(ctx))
	require.NoError(t, s.Delete(ctx))
}

func TestSweep_DropsVanishedFiles(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "kept.jpg"), []byte("x"), 0o644))

	kept, gone := id(dir, "kept.jpg"), id(dir, "gone.jpg")
	require.NoError(t, s.Favorite(ctx, kept))
	require.NoError(t, s.MarkForDeletion(ctx, gone))

	<-s.StartMaintenance(ctx)

	d, err := s.GetAllForDirectory(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())
	assert.Contains(t, d.FavoriteOnly, kept.Key())

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "annotations.db")
	a := id("/p", "a.jpg")

	s, err := Open(ctx, path, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Favorite(ctx, a))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, testLogger(t))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Check(ctx, a)
	require.NoError(t, err)
	assert.True(t, got.Favorited)
}
