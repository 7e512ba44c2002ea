//go:build windows

package ops

import (
	"fmt"
	"os"

	"github.com/hpungsan/ankipanel/internal/errors"
)

// Windows has no O_NOFOLLOW; exportPolicy has already refused symlinks and
// creating one there needs elevated rights.

func createExportTemp(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("create export file: %w", err))
	}
	return f, nil
}

func openSessionFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewFileNotFound(path)
		}
		return nil, errors.NewInternal(fmt.Errorf("open import file: %w", err))
	}
	if err := requireRegular(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
