//go:build !unix

package memmod

import (
	"fmt"
	"io/fs"
	"os"
)

func readImage(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file: %w", path, fs.ErrNotExist)
	}
	return os.ReadFile(path)
}
