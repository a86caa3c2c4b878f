// Package trash moves files to the desktop trash instead of deleting them.
package trash

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const platformDarwin = "darwin"

// Func moves one file to the trash.
type Func func(absPath string) error

// Default returns the trash for the running platform: ~/.Trash on macOS,
// the freedesktop.org trash elsewhere.
func Default() Func {
	if runtime.GOOS == platformDarwin {
		return MoveToMacOSTrash
	}

	return func(absPath string) error {
		home, err := xdgTrashDir()
		if err != nil {
			return err
		}

		return NewFreedesktop(home).Move(absPath)
	}
}

// MoveToMacOSTrash moves a file to the current user's ~/.Trash/, adding
// " 2", " 3", ... to the name on collision the way Finder does.
func MoveToMacOSTrash(absPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("trash: resolving home directory: %w", err)
	}

	trashDir := filepath.Join(home, ".Trash")

	if _, statErr := os.Stat(trashDir); statErr != nil {
		return fmt.Errorf("trash: trash directory not found: %w", statErr)
	}

	dest := filepath.Join(trashDir, filepath.Base(absPath))

	for i := 2; exists(dest); i++ {
		dest = filepath.Join(trashDir, numbered(filepath.Base(absPath), i))
	}

	if err := os.Rename(absPath, dest); err != nil {
		return fmt.Errorf("trash: moving %s: %w", absPath, err)
	}

	return nil
}

// XDG is a freedesktop.org trash directory with files/ and info/
// subdirectories.
type XDG struct {
	dir     string
	topdir  string // set for a volume trash; info paths are relative to it
	nowFunc func() time.Time
}

// NewXDG returns the trash rooted at dir. Subdirectories are created on
// first use.
func NewXDG(dir string) *XDG {
	return &XDG{dir: dir, nowFunc: time.Now}
}

// Move trashes absPath: it reserves a unique .trashinfo entry, then
// renames the file into files/. The rename fails across filesystems; the
// file is then left in place and the error returned. Freedesktop picks a
// trash on the file's own filesystem.
func (x *XDG) Move(absPath string) error {
	filesDir := filepath.Join(x.dir, "files")
	infoDir := filepath.Join(x.dir, "info")

	for _, d := range []string{filesDir, infoDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("trash: creating %s: %w", d, err)
		}
	}

	infoPath := absPath
	if x.topdir != "" {
		rel, err := filepath.Rel(x.topdir, absPath)
		if err != nil {
			return fmt.Errorf("trash: %s is outside %s: %w", absPath, x.topdir, err)
		}

		infoPath = rel
	}

	base := filepath.Base(absPath)
	info := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		(&url.URL{Path: infoPath}).EscapedPath(),
		x.nowFunc().Format("2006-01-02T15:04:05"),
	)

	for i := 1; ; i++ {
		name := base
		if i > 1 {
			name = numbered(base, i)
		}

		infoPath := filepath.Join(infoDir, name+".trashinfo")

		f, err := os.OpenFile(infoPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) || (err == nil && exists(filepath.Join(filesDir, name))) {
			if f != nil {
				f.Close()
				os.Remove(infoPath)
			}

			continue
		}

		if err != nil {
			return fmt.Errorf("trash: reserving %s: %w", infoPath, err)
		}

		_, werr := f.WriteString(info)
		cerr := f.Close()

		if err := errors.Join(werr, cerr); err != nil {
			os.Remove(infoPath)
			return fmt.Errorf("trash: writing %s: %w", infoPath, err)
		}

		if err := os.Rename(absPath, filepath.Join(filesDir, name)); err != nil {
			os.Remove(infoPath)
			return fmt.Errorf("trash: moving %s: %w", absPath, err)
		}

		return nil
	}
}

func xdgTrashDir() (string, error) {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "Trash"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("trash: resolving home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "Trash"), nil
}

func numbered(name string, i int) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)] + " " + strconv.Itoa(i) + ext
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
