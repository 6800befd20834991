package sim

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrNotRunning is returned when the PID file names no live process.
var ErrNotRunning = errors.New("sim: daemon not running")

// Daemon handles background mode and PID file management.
type Daemon struct {
	pidFile string
	logFile string
}

// NewDaemon creates a daemon controller.
func NewDaemon(pidFile, logFile string) *Daemon {
	return &Daemon{
		pidFile: pidFile,
		logFile: logFile,
	}
}

// PIDFile returns the PID file path.
func (d *Daemon) PIDFile() string { return d.pidFile }

// Daemonize re-executes args in the background and records its PID.
func (d *Daemon) Daemonize(args []string) error {
	if len(args) == 0 {
		return errors.New("no command to daemonize")
	}
	if d.IsRunning() {
		return errors.Errorf("daemon already running (PID file: %s)", d.pidFile)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if d.logFile != "" {
		if err := os.MkdirAll(filepath.Dir(d.logFile), 0755); err != nil {
			return errors.Wrap(err, "failed to create log directory")
		}
		f, err := os.OpenFile(d.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, "failed to open log file")
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start daemon")
	}

	if err := d.WritePID(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		return errors.Wrap(err, "failed to write PID file")
	}

	log.WithField("pid", cmd.Process.Pid).Info("daemon started")
	return nil
}

// Stop sends SIGTERM to the recorded process and removes the PID file.
func (d *Daemon) Stop() error {
	pid, err := d.readPIDFile()
	if err != nil {
		return errors.Wrap(err, "failed to read PID file")
	}
	if !alive(pid) {
		d.Cleanup()
		return errors.Wrapf(ErrNotRunning, "stale PID %d", pid)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return errors.Wrapf(err, "failed to find process %d", pid)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return errors.Wrapf(err, "failed to send SIGTERM to process %d", pid)
	}

	d.Cleanup()
	log.WithField("pid", pid).Info("daemon stopped")
	return nil
}

// IsRunning checks whether the recorded process is alive.
func (d *Daemon) IsRunning() bool {
	pid, err := d.readPIDFile()
	if err != nil {
		return false
	}
	return alive(pid)
}

// PID returns the recorded PID, or -1 if there is none.
func (d *Daemon) PID() int {
	pid, err := d.readPIDFile()
	if err != nil {
		return -1
	}
	return pid
}

// WritePID records pid, creating the PID file's directory if needed.
func (d *Daemon) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(d.pidFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), 0644)
}

// Cleanup removes the PID file.
func (d *Daemon) Cleanup() {
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to remove PID file")
	}
}

func (d *Daemon) readPIDFile() (int, error) {
	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks that the process exists.
	return process.Signal(syscall.Signal(0)) == nil
}
