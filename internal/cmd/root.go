// Package cmd wires up the nanoos command-line interface.
package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/james-card/nanoos/internal/config"
)

var (
	flagConfigDir string
	flagVerbose   bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nanoos",
		Short: "NanoOs cooperative micro-kernel",
		Long: "NanoOs is a cooperatively multitasked micro-kernel that runs\n" +
			"RV32IM binaries as scheduled processes over a disk-backed paged\n" +
			"virtual memory.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagConfigDir != "" {
				config.SetConfigDir(flagConfigDir)
			}
			if flagVerbose {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.WarnLevel)
			}
			log.SetOutput(os.Stderr)
		},
	}

	root.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "",
		"override the NanoOs home directory (default ~/.nanoos)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"enable debug logging")

	root.AddCommand(newBootCmd())
	root.AddCommand(newExeMetaCmd())
	root.AddCommand(newConfigCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}
