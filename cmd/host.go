package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"epona/capture"
	"epona/config"
	"epona/link"
	"epona/resolver"
	"epona/sim"
)

var (
	hostName    string
	hostHWAddr  string
	hostAddress string
	hostGateway string
	hostSwitch  string
	hostSend    string
	hostMessage string
)

// hostCmd represents the host command
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Attach a host adapter to a switch port",
	Long: `Attach a host adapter to a switch port.

The host answers resolution requests for its address and prints every
datagram delivered to it. With --send it resolves the destination,
sends --message once and exits.`,
	Example: `  epona host --hwaddr 52:54:00:00:00:02 --address 10.0.0.2/24 --switch 127.0.0.1:9998
  epona host --hwaddr 52:54:00:00:00:01 --address 10.0.0.1/24 --send 10.0.0.2 --message hi`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyHostFlags(cmd.Flags(), &cfg.Host)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runHost(ctx, cfg, hostSend, hostMessage, cmd.OutOrStdout())
	},
}

func init() {
	f := hostCmd.Flags()
	f.StringVar(&hostName, "name", "", "node name used in logs and metrics")
	f.StringVar(&hostHWAddr, "hwaddr", "", "hardware address, e.g. 52:54:00:00:00:01")
	f.StringVar(&hostAddress, "address", "", "network address with prefix, e.g. 10.0.0.1/24")
	f.StringVar(&hostGateway, "gateway", "", "gateway for off-link destinations")
	f.StringVar(&hostSwitch, "switch", "", "switch port to connect to")
	f.StringVar(&hostSend, "send", "", "send one datagram to this address and exit")
	f.StringVar(&hostMessage, "message", "hello", "payload sent with --send")
}

// applyHostFlags overrides host settings with the flags that were set.
func applyHostFlags(flags *pflag.FlagSet, h *config.HostConfig) {
	for name, dst := range map[string]*string{
		"name":    &h.Name,
		"hwaddr":  &h.HWAddr,
		"address": &h.Address,
		"gateway": &h.Gateway,
		"switch":  &h.Switch,
	} {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
}

// printer writes delivered datagrams to w.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) Deliver(proto link.Protocol, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "received proto=%s len=%d: %q\n", proto, len(payload), payload)
}

// runHost connects a host to its switch. With a send address it sends
// message once and returns, otherwise it runs until ctx is done or the
// switch goes away.
func runHost(ctx context.Context, cfg *config.Config, send, message string, w io.Writer) error {
	params, err := cfg.Host.Parse()
	if err != nil {
		return err
	}

	var dst link.NetAddr
	if send != "" {
		if dst, err = link.ParseNetAddr(send); err != nil {
			return errors.Wrap(err, "invalid --send address")
		}
	}

	opts := sim.HostOptions{
		Name:        cfg.Host.Name,
		HWAddr:      params.HWAddr,
		Prefix:      params.Prefix,
		Gateway:     params.Gateway,
		Switch:      cfg.Host.Switch,
		DialTimeout: cfg.Host.DialTimeout,
		Resolver: resolver.Options{
			Timeout: cfg.Resolver.Timeout,
			Retries: cfg.Resolver.Retries,
		},
		Deliverer: &printer{w: w},
		Logger:    log.StandardLogger(),
	}
	if cfg.Capture.File != "" {
		tap, err := capture.Create(cfg.Capture.File, cfg.Capture.SnapLen)
		if err != nil {
			return err
		}
		defer tap.Close()
		opts.Tap = tap
	}

	h := sim.NewHost(opts)
	if err := h.Start(ctx); err != nil {
		return err
	}
	defer h.Stop()

	if send != "" {
		if err := h.Send(ctx, dst, []byte(message)); err != nil {
			return errors.Wrapf(err, "failed to send to %s", dst)
		}
		fmt.Fprintf(w, "sent %d bytes to %s\n", len(message), dst)
		return nil
	}

	select {
	case <-ctx.Done():
	case <-h.Done():
		return errors.New("switch closed the connection")
	}
	return nil
}
