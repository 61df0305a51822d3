package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths is the canonical runtime folder layout under the DB path.
type Paths struct {
	State     string
	Retention string
	Crash     string
	Tmp       string
}

// PathsVar is set by Init and read by retention and shutdown.
var PathsVar Paths

// Init ensures the runtime folder layout exists under dbPath and records the
// resolved paths in PathsVar.
func Init(dbPath string) error {
	statePath := filepath.Join(dbPath, "state")
	p := Paths{
		State:     statePath,
		Retention: filepath.Join(statePath, "retention"),
		Crash:     filepath.Join(statePath, "crash"),
		Tmp:       filepath.Join(statePath, "tmp"),
	}
	if err := ensureDirs(p.Retention, p.Crash, p.Tmp); err != nil {
		return err
	}
	PathsVar = p
	return nil
}

// ensureDirs creates each directory with restrictive permissions, rejecting
// symlinks and group/other-writable modes.
func ensureDirs(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", p, err)
		}
		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", p)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", p)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode (group/other write): %s", p)
			}
		}
		if err := os.MkdirAll(p, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", p, err)
		}

		// writability check: create and remove a temp file
		tmp, err := os.CreateTemp(p, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", p, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	return nil
}
