//go:build linux

package blockdev

import (
	"os"
	"syscall"
)

func directIOOpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag|syscall.O_DIRECT, perm)
}
