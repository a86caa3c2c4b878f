//go:build !unix

package trash

import "errors"

func deviceOf(string) (uint64, error) {
	return 0, errors.New("trash: device numbers unavailable")
}
