// Package pidfile keeps a second daemon instance from starting.
package pidfile

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrRunning is returned when a live process owns the pid file.
var ErrRunning = errors.New("already run")

// Create records the current process in path unless a live process already
// owns it. A stale or malformed file is replaced. The returned function
// removes the file again.
func Create(path string) (func(), error) {
	if pid, ok := Owner(path); ok {
		return nil, errors.Wrapf(ErrRunning, "pid %d in %s", pid, path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, errors.Wrapf(err, "Can not write pid file %s", path)
	}
	return func() { os.Remove(path) }, nil
}

// Owner returns the pid stored in path if that process is still alive.
func Owner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Can not read pid file", "path", path, "error", err)
		}
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		slog.Warn("Invalid existing pid file", "path", path, "content", string(data))
		return 0, false
	}

	// EPERM means the process exists but belongs to someone else.
	if err := unix.Kill(pid, 0); err != nil && err != unix.EPERM {
		return 0, false
	}
	return pid, true
}
