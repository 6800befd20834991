package cmd

import (
	"fmt"
	"io"

	"github.com/pkg/errors"

	"epona/sim"
)

// daemonControl is the part of sim.Daemon used by status and stop.
type daemonControl interface {
	IsRunning() bool
	PID() int
	Stop() error
}

func newDaemon() *sim.Daemon {
	return sim.NewDaemon(cfg.Daemon.PIDFile, cfg.Daemon.LogFile)
}

func runStatus(d daemonControl, w io.Writer) error {
	if d.IsRunning() {
		fmt.Fprintf(w, "epona switch is running (PID: %d)\n", d.PID())
		return nil
	}
	fmt.Fprintln(w, "epona switch is not running")
	return nil
}

func runStop(d daemonControl, w io.Writer) error {
	pid := d.PID()
	if pid < 0 {
		fmt.Fprintln(w, "epona switch is not running")
		return nil
	}
	if err := d.Stop(); err != nil {
		if errors.Is(err, sim.ErrNotRunning) {
			fmt.Fprintln(w, "epona switch is not running")
			return nil
		}
		return errors.Wrap(err, "failed to stop daemon")
	}
	fmt.Fprintf(w, "epona switch stopped (PID: %d)\n", pid)
	return nil
}
