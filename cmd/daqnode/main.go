// Command daqnode runs one node of a daqbone cluster.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootArgs struct {
	configPath string
	logLevel   string
}

var rootCmd = &cobra.Command{
	Use:           "daqnode",
	Short:         "Data acquisition node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", "daqnode.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&rootArgs.logLevel, "log-level", "", "overrides the log level of the config file")
	rootCmd.AddCommand(newRunCmd(), newDumpCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
