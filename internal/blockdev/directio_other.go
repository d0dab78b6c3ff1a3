//go:build !linux

package blockdev

import "os"

func directIOOpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}
