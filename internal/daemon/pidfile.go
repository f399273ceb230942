package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/stenoproject/stenod/internal/log"
)

// ErrAlreadyRunning reports a live daemon holding the pid file.
type ErrAlreadyRunning struct {
	Pid int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("daemon already running with pid %d", e.Pid)
}

// PidFile is the single-instance guard. Acquiring it while another live
// process holds it fails; a pid file left by a dead process is taken over.
type PidFile struct {
	path string
	once sync.Once
}

// AcquirePidFile claims the pid file for the current process.
func AcquirePidFile(path string) (*PidFile, error) {
	logger := log.WithComponent("daemon")
	if raw, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(raw))); perr == nil && pid > 0 {
			if processAlive(pid) {
				return nil, &ErrAlreadyRunning{Pid: pid}
			}
			logger.Warn().Int("pid", pid).Str(log.FieldPath, path).Msg("removing pid file of dead process")
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale pid file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read pid file %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create pid file %s: %w", path, err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write pid file %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close pid file %s: %w", path, err)
	}
	logger.Debug().Str(log.FieldPath, path).Msg("pid file acquired")
	return &PidFile{path: path}, nil
}

// Release removes the pid file. Idempotent.
func (p *PidFile) Release() {
	p.once.Do(func() {
		_ = os.Remove(p.path)
	})
}

// processAlive probes a pid with signal 0. EPERM still means the process
// exists.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
