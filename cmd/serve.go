package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/babelcloud/gbox/packages/screen-bridge/config"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/server"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/session"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// NewServeCommand creates the 'serve' command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Start the bridge in the foreground",
		Long:          `Accept WebSocket viewers and bridge each one to its own screen stream connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServe(cmd.OutOrStdout(), cfg)
		},
		Example: `  # Bridge the default stream 127.0.0.1:8888 to ws://localhost:8889/
  screen-bridge serve

  # Bridge a remote stream on a different port
  screen-bridge serve --stream-host 10.0.0.7 --stream-port 5900 -p 9000

  # Drop peers that stall mid-frame
  screen-bridge serve --idle-frame-timeout 10s --max-frame-size 33554432`,
	}

	flags := cmd.Flags()
	flags.String("host", "", "Interface to listen on (default: all)")
	flags.IntP("port", "p", config.DefaultListenPort, "WebSocket listen port")
	flags.String("path", config.DefaultPath, "WebSocket endpoint path")
	flags.String("stream-host", config.DefaultStreamHost, "Screen stream host")
	flags.Int("stream-port", config.DefaultStreamPort, "Screen stream port")
	flags.Duration("connect-timeout", 0, "Stream connect timeout (0 waits for the OS)")
	flags.Duration("idle-frame-timeout", 0, "Close a session when a started frame stalls this long (0 disables)")
	flags.Uint32("max-frame-size", 0, "Largest frame payload accepted from the stream in bytes (0 disables)")
	flags.Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	flags.Bool("proxy-protocol", false, "Expect a PROXY protocol header on every connection")

	v := config.Viper()
	v.BindPFlag("listen.host", flags.Lookup("host"))
	v.BindPFlag("listen.port", flags.Lookup("port"))
	v.BindPFlag("listen.path", flags.Lookup("path"))
	v.BindPFlag("stream.host", flags.Lookup("stream-host"))
	v.BindPFlag("stream.port", flags.Lookup("stream-port"))
	v.BindPFlag("stream.connect_timeout", flags.Lookup("connect-timeout"))
	v.BindPFlag("stream.idle_frame_timeout", flags.Lookup("idle-frame-timeout"))
	v.BindPFlag("frame.max_size", flags.Lookup("max-frame-size"))
	v.BindPFlag("metrics.enabled", flags.Lookup("metrics"))
	v.BindPFlag("listen.proxy_protocol", flags.Lookup("proxy-protocol"))

	return cmd
}

func serverOptions(cfg *config.Config) server.Options {
	return server.Options{
		Addr:          cfg.ListenAddr(),
		Path:          cfg.Path,
		EnableMetrics: cfg.MetricsEnabled,
		ProxyProtocol: cfg.ProxyProtocol,
		Session: session.Options{
			StreamAddr:       cfg.StreamAddr(),
			ConnectTimeout:   cfg.ConnectTimeout,
			IdleFrameTimeout: cfg.IdleFrameTimeout,
			MaxFrameSize:     cfg.MaxFrameSize,
		},
	}
}

func runServe(out io.Writer, cfg *config.Config) error {
	if cfg.ListenPort != 0 {
		if err := checkServerStatus(listenURL(cfg.ListenHost, cfg.ListenPort)); err == nil {
			fmt.Fprintf(out, "screen-bridge is already running on port %d\n", cfg.ListenPort)
			return nil
		} else if err == ServerMismatchedError {
			return errors.Wrapf(err, "port %d is already used by another process", cfg.ListenPort)
		}
	}

	srv := server.New(serverOptions(cfg))
	if err := srv.Listen(); err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve()
	}()

	printBanner(out, cfg, srv)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		srv.Stop()
		return err
	case sig := <-sigChan:
		util.GetLogger().Info("Received signal, shutting down", "signal", sig.String())
	case <-srv.ShutdownRequested():
		util.GetLogger().Info("Shutdown requested through API")
	}

	if err := srv.Stop(); err != nil {
		util.GetLogger().Error("Error stopping server", "error", err)
	}
	return <-errChan
}

func printBanner(out io.Writer, cfg *config.Config, srv *server.Server) {
	port := cfg.ListenPort
	if addr := srv.Addr(); addr != nil {
		port = addrPort(addr)
	}

	fmt.Fprintf(out, "%s %s %s\n",
		color.GreenString("Screen Bridge"),
		color.CyanString("->"),
		color.BlueString("ws://localhost:%d%s", port, cfg.Path))
	fmt.Fprintf(out, "   Stream: %s\n", color.CyanString(cfg.StreamAddr()))
	if cfg.MetricsEnabled {
		fmt.Fprintf(out, "   Metrics: http://localhost:%d/metrics\n", port)
	}
	if used := config.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "   Config: %s\n", used)
	}
	fmt.Fprintf(out, "Press %s to stop...\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))
}
