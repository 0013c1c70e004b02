package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// FindProjectRoot walks upward from start until it finds a directory
// containing a Library subdirectory. Returns an error when the
// filesystem root is reached without a match.
func FindProjectRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for {
		info, err := os.Stat(filepath.Join(dir, LibraryDir))
		if err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no project root above %s", start)
		}
		dir = parent
	}
}

// Locate finds the project root above start, reads the discovery record,
// and verifies the host process is alive. A record whose pid is dead is
// reported as ErrStale.
func Locate(start string) (*Record, error) {
	root, err := FindProjectRoot(start)
	if err != nil {
		return nil, err
	}

	rec, err := Read(root)
	if err != nil {
		return nil, err
	}

	if !VerifyPID(rec.Pid) {
		return nil, fmt.Errorf("%w: host pid %d not running", ErrStale, rec.Pid)
	}
	return rec, nil
}

// VerifyPID checks whether a process with the given pid is running.
func VerifyPID(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without killing
	return process.Signal(syscall.Signal(0)) == nil
}
