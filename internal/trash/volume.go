package trash

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Freedesktop trashes each file on its own filesystem: the home trash
// when the file lives on the same device, otherwise a trash at the top of
// the file's mount ($topdir/.Trash/$uid when an administrator provided a
// sticky $topdir/.Trash, $topdir/.Trash-$uid otherwise).
type Freedesktop struct {
	home     string
	uid      int
	deviceOf func(path string) (uint64, error)
	nowFunc  func() time.Time
}

// NewFreedesktop returns a trash whose home trash is rooted at home.
func NewFreedesktop(home string) *Freedesktop {
	return &Freedesktop{
		home:     home,
		uid:      os.Getuid(),
		deviceOf: deviceOf,
		nowFunc:  time.Now,
	}
}

// Move trashes absPath in the trash chosen for its filesystem.
func (f *Freedesktop) Move(absPath string) error {
	dir, topdir := f.trashFor(absPath)

	x := &XDG{dir: dir, topdir: topdir, nowFunc: f.nowFunc}

	return x.Move(absPath)
}

// trashFor picks the trash directory for absPath. Without device
// information everything goes to the home trash.
func (f *Freedesktop) trashFor(absPath string) (dir, topdir string) {
	fileDev, err := f.deviceOf(filepath.Dir(absPath))
	if err != nil {
		return f.home, ""
	}

	homeDev, err := f.deviceOf(nearestExisting(f.home))
	if err != nil || homeDev == fileDev {
		return f.home, ""
	}

	top := f.mountTop(filepath.Dir(absPath), fileDev)

	if shared := filepath.Join(top, ".Trash"); usableSharedTrash(shared) {
		return filepath.Join(shared, strconv.Itoa(f.uid)), top
	}

	return filepath.Join(top, ".Trash-"+strconv.Itoa(f.uid)), top
}

// mountTop walks up from dir while the parent is still on dev.
func (f *Freedesktop) mountTop(dir string, dev uint64) string {
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}

		pdev, err := f.deviceOf(parent)
		if err != nil || pdev != dev {
			return dir
		}

		dir = parent
	}
}

// usableSharedTrash reports whether path is a real sticky directory, the
// only form of $topdir/.Trash that may be used.
func usableSharedTrash(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}

	mode := info.Mode()

	return mode.IsDir() && mode&os.ModeSymlink == 0 && mode&os.ModeSticky != 0
}

// nearestExisting returns path or its closest existing ancestor.
func nearestExisting(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(path)
		if parent == path {
			return path
		}

		path = parent
	}
}
