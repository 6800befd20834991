package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"epona/bridge"
	"epona/capture"
	"epona/config"
	"epona/metrics"
	"epona/sim"
)

var (
	switchDaemon bool
	switchListen []string
)

// switchCmd represents the switch command
var switchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Run learning bridges whose ports are TCP listeners",
	Long: `Run one or more isolated learning bridges.

Every entry of switch.bridges is a bridge; each of its listen addresses is
one bridge port accepting a single host. --listen replaces the ports of
the first bridge.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(switchListen) > 0 {
			cfg.Switch.Bridges[0].Listen = switchListen
		}

		d := newDaemon()
		if switchDaemon {
			if err := d.Daemonize(daemonArgs(os.Args)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "epona switch started (PID file: %s)\n", d.PIDFile())
			return nil
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runSwitch(ctx, cfg, d)
	},
}

func init() {
	switchCmd.Flags().BoolVarP(&switchDaemon, "daemon", "d", false, "run in the background")
	switchCmd.Flags().StringSliceVar(&switchListen, "listen", nil, "listen addresses of the first bridge (comma separated)")
}

// daemonArgs drops the daemon flag so the child runs in the foreground.
func daemonArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "--daemon", "-d", "--daemon=true":
			continue
		}
		out = append(out, arg)
	}
	return out
}

// switchRuntime is a running switch: its bridges plus the optional tap and
// metrics endpoint.
type switchRuntime struct {
	manager *sim.Manager
	tap     *capture.Tap
	metrics *metrics.Server
	daemon  *sim.Daemon
}

// startSwitch starts every configured bridge. On error nothing is left running.
func startSwitch(cfg *config.Config, d *sim.Daemon) (_ *switchRuntime, err error) {
	rt := &switchRuntime{manager: sim.NewManager(), daemon: d}
	defer func() {
		if err != nil {
			rt.stop()
		}
	}()

	if cfg.Capture.File != "" {
		if rt.tap, err = capture.Create(cfg.Capture.File, cfg.Capture.SnapLen); err != nil {
			return nil, err
		}
	}

	for _, b := range cfg.Switch.Bridges {
		opts := sim.ServerOptions{
			Name:   b.Name,
			Listen: b.Listen,
			Bridge: bridge.Options{MaxAge: cfg.Bridge.MaxAge},
			Logger: log.StandardLogger(),
		}
		if rt.tap != nil {
			opts.Tap = rt.tap
		}
		if err = rt.manager.AddBridge(opts); err != nil {
			return nil, errors.Wrapf(err, "failed to create bridge %s", b.Name)
		}
	}

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err = ms.Start(); err != nil {
			return nil, err
		}
		rt.metrics = ms
	}

	if err = rt.manager.StartAll(); err != nil {
		return nil, errors.Wrap(err, "failed to start bridges")
	}

	// A daemonized switch already has its PID recorded by the parent.
	switch {
	case d.PID() == os.Getpid():
	case d.IsRunning():
		log.WithField("pid", d.PID()).Warn("another switch owns the PID file")
	default:
		if err := d.WritePID(os.Getpid()); err != nil {
			log.WithError(err).Warn("failed to write PID file")
		}
	}

	for _, name := range rt.manager.Bridges() {
		s, _ := rt.manager.Server(name)
		log.WithFields(log.Fields{"bridge": name, "ports": s.Addrs()}).Info("bridge listening")
	}
	return rt, nil
}

func (rt *switchRuntime) stop() {
	rt.manager.StopAll()

	if rt.metrics != nil {
		if err := rt.metrics.Stop(context.Background()); err != nil {
			log.WithError(err).Warn("failed to stop metrics server")
		}
	}
	if rt.tap != nil {
		if err := rt.tap.Close(); err != nil {
			log.WithError(err).Warn("failed to close capture file")
		}
	}
	if rt.daemon.PID() == os.Getpid() {
		rt.daemon.Cleanup()
	}
}

// runSwitch serves the configured bridges until ctx is done.
func runSwitch(ctx context.Context, cfg *config.Config, d *sim.Daemon) error {
	rt, err := startSwitch(cfg, d)
	if err != nil {
		return err
	}
	log.WithField("bridges", len(cfg.Switch.Bridges)).Info("epona switch started")

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		logStatsPeriodically(ctx, rt.manager, cfg.Switch.StatsInterval)
	}()

	<-ctx.Done()
	log.Info("shutting down")

	rt.stop()
	<-statsDone
	log.Info("epona switch stopped")
	return nil
}

// logStatsPeriodically logs switch statistics every interval until ctx is done.
func logStatsPeriodically(ctx context.Context, sm *sim.Manager, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := sm.Stats()
			log.WithFields(log.Fields{
				"bridges":   len(st.Bridges),
				"ports":     st.ConnectedPorts,
				"entries":   st.TableEntries,
				"received":  st.Received,
				"forwarded": st.Forwarded,
				"flooded":   st.Flooded,
				"dropped":   st.Dropped,
			}).Info("stats")
		}
	}
}
