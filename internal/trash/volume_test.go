package trash

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestVolumes returns a Freedesktop trash where everything under
// root/usb sits on its own device and the rest shares the home device.
func newTestVolumes(t *testing.T) (*Freedesktop, string, string) {
	t.Helper()

	root := t.TempDir()
	usb := filepath.Join(root, "usb")
	require.NoError(t, os.MkdirAll(filepath.Join(usb, "DCIM"), 0o755))

	f := NewFreedesktop(filepath.Join(root, "home", ".local", "share", "Trash"))
	f.uid = 1000
	f.nowFunc = func() time.Time { return time.Date(2024, 3, 9, 8, 7, 6, 0, time.UTC) }
	f.deviceOf = func(path string) (uint64, error) {
		if path == usb || strings.HasPrefix(path, usb+string(filepath.Separator)) {
			return 2, nil
		}

		return 1, nil
	}

	return f, root, usb
}

func writeFile(t *testing.T, path string) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte("img"), 0o600))
}

func TestFreedesktop_SameDeviceUsesHomeTrash(t *testing.T) {
	t.Parallel()

	f, root, _ := newTestVolumes(t)
	path := filepath.Join(root, "a.jpg")
	writeFile(t, path)

	require.NoError(t, f.Move(path))

	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(f.home, "files", "a.jpg"))

	info, err := os.ReadFile(filepath.Join(f.home, "info", "a.jpg.trashinfo"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "Path="+path+"\n", "home trash records absolute paths")
}

func TestFreedesktop_OtherDeviceUsesVolumeTrash(t *testing.T) {
	t.Parallel()

	f, _, usb := newTestVolumes(t)
	path := filepath.Join(usb, "DCIM", "a.jpg")
	writeFile(t, path)

	require.NoError(t, f.Move(path))

	trashDir := filepath.Join(usb, ".Trash-1000")
	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(trashDir, "files", "a.jpg"))
	assert.NoDirExists(t, f.home, "nothing crosses to the home device")

	info, err := os.ReadFile(filepath.Join(trashDir, "info", "a.jpg.trashinfo"))
	require.NoError(t, err)
	assert.Contains(t, string(info), "Path="+filepath.ToSlash(filepath.Join("DCIM", "a.jpg"))+"\n",
		"volume trash records paths relative to the mount")

	st, err := os.Stat(trashDir)
	require.NoError(t, err)

	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o700), st.Mode().Perm())
	}
}

func TestFreedesktop_StickySharedTrash(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no sticky bit")
	}

	t.Parallel()

	f, _, usb := newTestVolumes(t)
	shared := filepath.Join(usb, ".Trash")
	require.NoError(t, os.Mkdir(shared, 0o777))
	require.NoError(t, os.Chmod(shared, 0o777|os.ModeSticky))

	path := filepath.Join(usb, "DCIM", "a.jpg")
	writeFile(t, path)

	require.NoError(t, f.Move(path))

	assert.FileExists(t, filepath.Join(shared, strconv.Itoa(1000), "files", "a.jpg"))
	assert.NoDirExists(t, filepath.Join(usb, ".Trash-1000"))
}

func TestFreedesktop_NonStickySharedTrashIgnored(t *testing.T) {
	t.Parallel()

	f, _, usb := newTestVolumes(t)
	require.NoError(t, os.Mkdir(filepath.Join(usb, ".Trash"), 0o777))

	path := filepath.Join(usb, "DCIM", "a.jpg")
	writeFile(t, path)

	require.NoError(t, f.Move(path))

	assert.FileExists(t, filepath.Join(usb, ".Trash-1000", "files", "a.jpg"))
}

func TestFreedesktop_RealDevicesSameTempDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	f := NewFreedesktop(filepath.Join(root, "Trash"))

	path := filepath.Join(root, "a.jpg")
	writeFile(t, path)

	require.NoError(t, f.Move(path))
	assert.FileExists(t, filepath.Join(root, "Trash", "files", "a.jpg"))
}

func TestNearestExisting(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	assert.Equal(t, root, nearestExisting(filepath.Join(root, "a", "b", "c")))
	assert.Equal(t, root, nearestExisting(root))
}
