package supervisor

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"ghost/internal/config/logger"
	"ghost/internal/ghosterr"
)

// Lifecycle configures process-group isolation at spawn time and drives
// graceful-then-forced termination: SIGTERM the group, wait out the
// caller's grace period, then SIGKILL whatever is left.
type Lifecycle struct {
	log logger.Logger
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(log logger.Logger) *Lifecycle {
	return &Lifecycle{log: log}
}

// Configure puts cmd in its own process group so Terminate can signal
// the whole group, not just the direct child.
func (l *Lifecycle) Configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Terminate sends a graceful signal to proc's process group, waiting up
// to gracePeriod for it to exit before force-killing.
func (l *Lifecycle) Terminate(proc Process, gracePeriod time.Duration) error {
	cmd := proc.Cmd()
	if cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	l.log.Info().Str("name", proc.Name()).Int("pid", pid).Msg("stopping process")

	if err := l.signalGroup(pid, syscall.SIGTERM); err != nil {
		l.log.Warn().Err(err).Msg("failed to signal process group, trying direct signal")

		if directErr := cmd.Process.Signal(syscall.SIGTERM); directErr != nil {
			l.log.Error().Err(directErr).Str("name", proc.Name()).Msg("failed to signal process")
			return l.forceKill(proc, pid)
		}
	}

	select {
	case <-proc.Done():
		return nil
	case <-time.After(gracePeriod):
		l.log.Warn().Str("name", proc.Name()).Msg("process did not stop gracefully, forcing kill")
		return l.forceKill(proc, pid)
	}
}

func (l *Lifecycle) signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

func (l *Lifecycle) forceKill(proc Process, pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		l.log.Warn().Err(err).Msg("failed to SIGKILL process group, trying direct kill")

		if killErr := proc.Cmd().Process.Kill(); killErr != nil {
			return fmt.Errorf("%w: %w", ghosterr.ErrTerminateFailed, killErr)
		}
	}

	<-proc.Done()

	return nil
}
