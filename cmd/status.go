package cmd

import (
	"fmt"
	"io"

	"github.com/babelcloud/gbox/packages/screen-bridge/config"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewStatusCommand creates the 'status' command
func NewStatusCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show bridge status",
		Long:  `Check whether a bridge is running on this machine and list its sessions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd.OutOrStdout(), localURL(port))
		},
		Example: `  screen-bridge status
  screen-bridge status -p 9000`,
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultListenPort, "Bridge port")
	return cmd
}

func printStatus(out io.Writer, baseURL string) error {
	if err := checkServerStatus(baseURL); err != nil {
		fmt.Fprintln(out, color.RedString("Bridge is not running"))
		fmt.Fprintln(out, "   Use 'screen-bridge serve' to start it")
		return nil
	}

	status, sessions, err := fetchStatus(baseURL)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, color.GreenString("Bridge is running"))
	fmt.Fprintf(out, "   Listen:   %s%s\n", status.Listen, status.Path)
	fmt.Fprintf(out, "   Stream:   %s\n", status.StreamAddr)
	fmt.Fprintf(out, "   Uptime:   %s\n", status.Uptime)
	fmt.Fprintf(out, "   Version:  %s\n", status.Version["Version"])
	fmt.Fprintf(out, "   Sessions: %d\n", len(sessions.Sessions))
	for _, s := range sessions.Sessions {
		fmt.Fprintf(out, "     - %s %s from %s, %d frames, %d events\n",
			color.CyanString(s.ID), s.State, s.RemoteAddr, s.FramesForwarded, s.EventsForwarded)
	}
	return nil
}
