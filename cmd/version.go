package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/babelcloud/gbox/packages/screen-bridge/internal/version"
	"github.com/spf13/cobra"
)

// NewVersionCommand creates the 'version' command
func NewVersionCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			out := cmd.OutOrStdout()

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			case "text", "":
				fmt.Fprintf(out, "Version:    %s\n", info.Version)
				fmt.Fprintf(out, "Go version: %s\n", info.GoVersion)
				fmt.Fprintf(out, "Git commit: %s\n", info.GitCommit)
				fmt.Fprintf(out, "Built:      %s\n", info.FormattedBuildTime())
				fmt.Fprintf(out, "OS/Arch:    %s/%s\n", info.OS, info.Arch)
				return nil
			default:
				return fmt.Errorf("unsupported output format %q", outputFormat)
			}
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (text or json)")
	return cmd
}
