package trash

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestXDG(t *testing.T) (*XDG, string) {
	t.Helper()

	root := t.TempDir()
	x := NewXDG(filepath.Join(root, "Trash"))
	x.nowFunc = func() time.Time { return time.Date(2024, 3, 9, 8, 7, 6, 0, time.UTC) }

	return x, root
}

func TestXDG_MoveWritesInfo(t *testing.T) {
	t.Parallel()

	x, root := newTestXDG(t)
	path := filepath.Join(root, "my photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("img"), 0o600))

	require.NoError(t, x.Move(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "original must be gone")

	data, err := os.ReadFile(filepath.Join(x.dir, "files", "my photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "img", string(data))

	info, err := os.ReadFile(filepath.Join(x.dir, "info", "my photo.jpg.trashinfo"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "[Trash Info]\n")
	assert.Contains(t, string(info), "Path="+filepath.Join(root, "my%20photo.jpg")+"\n")
	assert.Contains(t, string(info), "DeletionDate=2024-03-09T08:07:06\n")
}

func TestXDG_CollisionGetsNumber(t *testing.T) {
	t.Parallel()

	x, root := newTestXDG(t)

	for i := range 3 {
		dir := filepath.Join(root, "src", string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(dir, 0o755))

		path := filepath.Join(dir, "a.jpg")
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o600))
		require.NoError(t, x.Move(path))
	}

	for _, name := range []string{"a.jpg", "a 2.jpg", "a 3.jpg"} {
		assert.FileExists(t, filepath.Join(x.dir, "files", name))
		assert.FileExists(t, filepath.Join(x.dir, "info", name+".trashinfo"))
	}
}

func TestXDG_MissingSourceLeavesNoInfo(t *testing.T) {
	t.Parallel()

	x, root := newTestXDG(t)

	require.Error(t, x.Move(filepath.Join(root, "missing.jpg")))

	entries, err := os.ReadDir(filepath.Join(x.dir, "info"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNumbered(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a 2.jpg", numbered("a.jpg", 2))
	assert.Equal(t, "README 3", numbered("README", 3))
}

func TestMoveToMacOSTrash(t *testing.T) {
	if runtime.GOOS != platformDarwin {
		t.Skip("macOS-only test")
	}

	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "phototriage-trash-test.jpg")
	require.NoError(t, os.WriteFile(path, []byte("trash me"), 0o600))

	require.NoError(t, MoveToMacOSTrash(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	home, _ := os.UserHomeDir()
	os.Remove(filepath.Join(home, ".Trash", "phototriage-trash-test.jpg"))
}
