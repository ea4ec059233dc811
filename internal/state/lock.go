package state

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// AcquireLock writes the pid lockfile, refusing when another live process
// owns it. A lockfile pointing at a dead pid is treated as stale and taken
// over.
func (h *Home) AcquireLock() error {
	path := h.LockFile()
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 && pid != os.Getpid() {
			if processAlive(pid) {
				return fmt.Errorf("another orcbot process (pid %d) owns %s", pid, path)
			}
			slog.Warn("stale lockfile taken over", "pid", pid)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReleaseLock removes the lockfile when owned by this process.
func (h *Home) ReleaseLock() {
	data, err := os.ReadFile(h.LockFile())
	if err != nil {
		return
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid == os.Getpid() {
		os.Remove(h.LockFile())
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
