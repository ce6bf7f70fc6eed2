package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirSuffix is appended to a database name to form its directory.
const DirSuffix = ".humus"

// DefaultDirectory is the parent directory used when none is configured:
// $HUMUS_DIR when set, otherwise the working directory.
func DefaultDirectory() string {
	if dir := os.Getenv("HUMUS_DIR"); dir != "" {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// ValidateName rejects names that cannot be a single directory entry.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.New("database name is required")
	case strings.ContainsAny(name, `/\`), name == ".", name == "..":
		return fmt.Errorf("invalid database name %q", name)
	}
	return nil
}

// DatabaseDir returns the directory of database name under dir.
func DatabaseDir(dir, name string) string {
	return filepath.Join(dir, name+DirSuffix)
}

// FindRoot looks upwards from startDir for a directory containing the
// database name and returns that parent directory.
func FindRoot(startDir, name string) (string, error) {
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	dir := abs
	for {
		if isDir(DatabaseDir(dir, name)) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("database %q not found above %s", name, abs)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
