package cmd

import (
	"fmt"

	"github.com/babelcloud/gbox/packages/screen-bridge/config"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/util"
	"github.com/babelcloud/gbox/packages/screen-bridge/internal/version"
	"github.com/spf13/cobra"
)

var rootCmd = NewRootCommand()

// NewRootCommand builds the command tree. Tests build their own tree so
// flags do not leak between runs.
func NewRootCommand() *cobra.Command {
	var (
		verbose    bool
		configFile string
	)

	cmd := &cobra.Command{
		Use:   "screen-bridge",
		Short: "Bridge a remote screen stream to WebSocket viewers",
		Long: `screen-bridge relays a remote desktop to browser viewers. Every WebSocket
client gets its own connection to the screen stream: frames read from the
stream are forwarded as binary messages and input events from the client
are written back to the stream.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.SetConfigFile(configFile); err != nil {
					return err
				}
			}
			format, err := util.ParseLogFormat(config.GetLogFormat())
			if err != nil {
				return err
			}
			util.Setup(util.LoggerOptions{
				Writer:  cmd.ErrOrStderr(),
				Verbose: verbose || util.IsVerbose(),
				Format:  format,
			})
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Get()
				fmt.Fprintf(cmd.OutOrStdout(), "screen-bridge version %s, build %s\n", info.Version, info.GitCommit)
				return nil
			}
			return cmd.Help()
		},
	}

	cmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: screen-bridge.yaml in ., ~/.gbox or /etc/gbox)")
	cmd.PersistentFlags().String("log-format", "text", "Log format (text or json)")
	config.Viper().BindPFlag("log.format", cmd.PersistentFlags().Lookup("log-format"))

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewStopCommand())
	cmd.AddCommand(NewPeerCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

func Execute() error {
	return rootCmd.Execute()
}
