package cmd

import (
	"context"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/babelcloud/gbox/packages/screen-bridge/config"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/peer"
	"github.com/spf13/cobra"
)

// NewPeerCommand creates the 'peer' command, a synthetic screen stream for
// trying the bridge without a desktop.
func NewPeerCommand() *cobra.Command {
	var (
		host string
		port int
		opts peer.Options
	)

	cmd := &cobra.Command{
		Use:          "peer",
		Short:        "Run a synthetic screen stream",
		Long:         `Serve generated frames on the stream port and log the input events viewers send back.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Addr = net.JoinHostPort(host, strconv.Itoa(port))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPeer(ctx, peer.New(opts))
		},
		Example: `  # Serve 1280x720 frames ten times a second on 127.0.0.1:8888
  screen-bridge peer

  # Then, in another terminal
  screen-bridge serve`,
	}

	flags := cmd.Flags()
	flags.StringVar(&host, "host", config.DefaultStreamHost, "Interface to listen on")
	flags.IntVarP(&port, "port", "p", config.DefaultStreamPort, "Stream port")
	flags.Uint32Var(&opts.Width, "width", peer.DefaultWidth, "Frame width")
	flags.Uint32Var(&opts.Height, "height", peer.DefaultHeight, "Frame height")
	flags.DurationVar(&opts.Interval, "interval", peer.DefaultInterval, "Time between frames")
	flags.IntVar(&opts.PayloadSize, "payload-size", peer.DefaultPayload, "Payload bytes per frame")

	return cmd
}

func runPeer(ctx context.Context, p *peer.Peer) error {
	if err := p.Listen(); err != nil {
		return err
	}
	return p.Serve(ctx)
}
