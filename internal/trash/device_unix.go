//go:build unix

package trash

import "golang.org/x/sys/unix"

// deviceOf returns the device number of the filesystem holding path.
func deviceOf(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}

	return uint64(st.Dev), nil //nolint:unconvert // Dev is not uint64 on every platform.
}
