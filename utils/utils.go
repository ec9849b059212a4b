// Package utils contains helper functions shared between the provisioner packages and commands.
package utils

import (
	"bytes"
	"errors"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"

	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// DirsData holds the directories the provisioner owns.
type DirsData struct {
	Root  string
	Cache string
	Tmp   string
}

// Values returns an iterator over the non-empty directories, copied at call time.
func (d DirsData) Values() iter.Seq[string] {
	dirs := []string{d.Root, d.Cache, d.Tmp}
	return func(yield func(string) bool) {
		for _, dir := range dirs {
			if dir == "" {
				continue
			}
			if !yield(dir) {
				return
			}
		}
	}
}

var (
	// versions embedded at build time.
	Version     = ""
	GitRevision = ""

	Dirs = newDirs("/opt/viam/wifi-provisioner")
)

func newDirs(root string) DirsData {
	return DirsData{
		Root:  root,
		Cache: filepath.Join(root, "cache"),
		Tmp:   filepath.Join(root, "tmp"),
	}
}

// GetVersion returns the version embedded at build time.
func GetVersion() string {
	if Version == "" {
		return "custom"
	}
	return Version
}

// GetRevision returns the git revision embedded at build time.
func GetRevision() string {
	if GitRevision == "" {
		return "unknown"
	}
	return GitRevision
}

// InitPaths creates the provisioner directories, or verifies ownership and permissions if they already exist.
func InitPaths() error {
	uid := os.Getuid()
	expectedPerms := os.FileMode(0o755)
	for p := range Dirs.Values() {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				//nolint:gosec
				if err := os.MkdirAll(p, 0o755); err != nil {
					return errw.Wrapf(err, "creating directory %s", p)
				}
				continue
			}
			return errw.Wrapf(err, "checking directory %s", p)
		}
		if err := checkPathOwner(uid, info); err != nil {
			return err
		}
		if !info.IsDir() {
			return errw.Errorf("%s should be a directory, but is not", p)
		}
		if info.Mode().Perm() != expectedPerms {
			return errw.Errorf("%s should have permission set to %#o, but has permissions %#o", p, expectedPerms, info.Mode().Perm())
		}
	}
	return nil
}

// WriteFileIfNew returns true if contents changed and a write happened.
func WriteFileIfNew(outPath string, data []byte) (bool, error) {
	//nolint:gosec
	curFileBytes, err := os.ReadFile(outPath)
	if err != nil {
		if !errw.Is(err, fs.ErrNotExist) {
			return false, errw.Wrapf(err, "opening %s for reading", outPath)
		}
	} else if bytes.Equal(curFileBytes, data) {
		return false, nil
	}

	//nolint:gosec
	if err := os.MkdirAll(path.Dir(outPath), 0o755); err != nil {
		return true, errw.Wrapf(err, "creating directory for %s", outPath)
	}

	//nolint:gosec
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return true, errw.Wrapf(err, "writing %s", outPath)
	}

	return true, SyncFS(outPath)
}

// Recover is meant to be deferred in background goroutines.
func Recover(logger logging.Logger, inner func(r any)) {
	// if something panicked, log it and allow things to continue
	r := recover()
	if r != nil {
		logger.Error("encountered a panic, attempting to recover")
		logger.Errorf("panic: %s\n%s", r, debug.Stack())
		if inner != nil {
			inner(r)
		}
	}
}
