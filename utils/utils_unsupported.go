//go:build !linux

package utils

import (
	"errors"
	"io/fs"
	"os"

	errw "github.com/pkg/errors"
)

func checkPathOwner(_ int, _ fs.FileInfo) error {
	return nil
}

// SyncFS flushes the file at syncPath; only Linux has syncfs.
func SyncFS(syncPath string) (errRet error) {
	//nolint:gosec
	file, errRet := os.Open(syncPath)
	if errRet != nil {
		return errw.Wrapf(errRet, "syncing fs %s", syncPath)
	}
	if err := file.Sync(); err != nil {
		errRet = errw.Wrapf(err, "syncing fs %s", syncPath)
	}
	return errors.Join(errRet, file.Close())
}
