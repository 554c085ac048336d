// Package pidfile guards a directory against a second running instance.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Name is the file created inside the guarded directory.
const Name = ".nexcore.pid"

var ErrAlreadyRunning = errors.New("another instance is running")

// File is a held PID file.
type File struct {
	path string
	pid  int
}

// Acquire writes the current PID into dir/Name. It fails with
// ErrAlreadyRunning while the PID recorded there belongs to a live process;
// a stale file is replaced.
func Acquire(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, Name)
	pid := os.Getpid()

	if other, err := Read(path); err == nil && other != pid && IsRunning(other) {
		return nil, fmt.Errorf("%w: pid %d holds %s", ErrAlreadyRunning, other, path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	return &File{path: path, pid: pid}, nil
}

// Path returns the location of the PID file.
func (f *File) Path() string {
	return f.path
}

// Release removes the file unless another process has taken it over.
func (f *File) Release() error {
	if pid, err := Read(f.path); err == nil && pid != f.pid {
		return nil
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read returns the PID stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed PID file %s: %w", path, err)
	}
	return pid, nil
}

// IsRunning проверяет что процесс запущен
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks that the process exists.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
