package cmd

import (
	"fmt"

	"github.com/babelcloud/dscreen/internal/util"
	"github.com/babelcloud/dscreen/internal/version"
	"github.com/spf13/cobra"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "dscreen",
		Short: "Distributed screen mirroring tool",
		Long:  `dscreen mirrors an encoded screen stream from a source device to a sink device over a softbus session.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
			util.SetupGlobalLogger()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				fmt.Println(version.Get().Short())
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewSourceCommand())
	rootCmd.AddCommand(NewSinkCommand())
	rootCmd.AddCommand(NewParamCommand())
	rootCmd.AddCommand(NewPeersCommand())
	rootCmd.AddCommand(NewUARTCommand())
	rootCmd.AddCommand(NewVersionCommand())

	setupHelpCommand(rootCmd)
}
