package cmd

import (
	"fmt"

	"github.com/babelcloud/gbox/packages/screen-bridge/config"
	"github.com/spf13/cobra"
)

// NewStopCommand creates the 'stop' command
func NewStopCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop a running bridge",
		Long:          `Ask the bridge running on this machine to close its sessions and exit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopServer(localURL(port)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "screen-bridge on port %d is stopping\n", port)
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultListenPort, "Bridge port")
	return cmd
}
