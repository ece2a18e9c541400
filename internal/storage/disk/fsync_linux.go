package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile flushes file data; metadata is covered by the directory sync
// that follows every rename.
func syncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
