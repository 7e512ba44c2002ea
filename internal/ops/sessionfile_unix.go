//go:build !windows

package ops

import (
	stderrors "errors"
	"fmt"
	"os"
	"syscall"

	"github.com/hpungsan/ankipanel/internal/errors"
)

// Session files are opened with O_NOFOLLOW: a symlink planted at the final
// component after the path check ran is refused by the kernel. Directory
// components are covered by the no-subdirectory rule of exportPolicy.

// createExportTemp creates the temp file an export is written to before it
// is renamed into place. The name must not exist yet.
func createExportTemp(path string) (*os.File, error) {
	fd, err := syscall.Open(path,
		syscall.O_CREAT|syscall.O_EXCL|syscall.O_WRONLY|syscall.O_NOFOLLOW|syscall.O_CLOEXEC, 0o600)
	if err != nil {
		if stderrors.Is(err, syscall.ELOOP) {
			return nil, errors.NewInvalidRequest("export path must not be a symlink")
		}
		return nil, errors.NewInternal(fmt.Errorf("create export file: %w", err))
	}
	return os.NewFile(uintptr(fd), path), nil
}

// openSessionFile opens an export for import. O_NONBLOCK keeps a FIFO at the
// path from stalling the open; requireRegular then turns it away.
func openSessionFile(path string) (*os.File, error) {
	fd, err := syscall.Open(path, syscall.O_RDONLY|syscall.O_NOFOLLOW|syscall.O_CLOEXEC|syscall.O_NONBLOCK, 0)
	if err != nil {
		switch {
		case stderrors.Is(err, syscall.ELOOP):
			return nil, errors.NewInvalidRequest("import path must not be a symlink")
		case stderrors.Is(err, syscall.ENOENT):
			return nil, errors.NewFileNotFound(path)
		}
		return nil, errors.NewInternal(fmt.Errorf("open import file: %w", err))
	}
	f := os.NewFile(uintptr(fd), path)
	if err := requireRegular(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
