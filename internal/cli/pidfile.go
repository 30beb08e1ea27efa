package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	errAlreadyRunning = errors.New("already running")
	errLocked         = errors.New("locked by another bubbles process")
)

// pidFile is a PID file held under an exclusive flock for as long as the
// owning run process supervises the VM.
type pidFile struct {
	path string
	f    *os.File
}

// claimPIDFile takes ownership of path for this process. It fails with
// errAlreadyRunning while another process holds it. A file left behind
// by a crashed run holds no lock and is simply reused.
func claimPIDFile(path string) (*pidFile, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("open pid file: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) {
				_, pid := isVMRunning(path)
				return nil, fmt.Errorf("%w (pid %d)", errAlreadyRunning, pid)
			}
			return nil, fmt.Errorf("lock pid file: %w", err)
		}

		// The previous owner may have unlinked the file between our open
		// and flock; then the lock is on an orphan and we start over.
		var held, current unix.Stat_t
		if unix.Fstat(int(f.Fd()), &held) != nil || unix.Stat(path, &current) != nil ||
			held.Dev != current.Dev || held.Ino != current.Ino {
			f.Close()
			continue
		}

		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
			f.Close()
			return nil, err
		}
		return &pidFile{path: path, f: f}, nil
	}
}

// Release removes the file and drops the lock.
func (p *pidFile) Release() {
	os.Remove(p.path)
	p.f.Close()
}

// isVMRunning reports whether a run process holds the PID file at path,
// and its pid.
func isVMRunning(path string) (bool, int) {
	f, err := os.Open(path)
	if err != nil {
		return false, 0
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err == nil {
		return false, 0
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return true, 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return true, pid
}

// liveVMs returns the names whose PID file is held.
func liveVMs(names []string, pidFileOf func(string) string) []string {
	var live []string
	for _, name := range names {
		if running, _ := isVMRunning(pidFileOf(name)); running {
			live = append(live, name)
		}
	}
	return live
}

// lockFile flocks path with how (unix.LOCK_SH or unix.LOCK_EX) without
// blocking. errLocked means a conflicting lock is held.
func lockFile(path string, how int) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errLocked
		}
		return nil, err
	}
	return func() { f.Close() }, nil
}
