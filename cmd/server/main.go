package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "execbox",
	Short: "execbox - sandboxed code execution service",
	Long: `execbox runs user-submitted programs inside isolated, disposable
containers and streams their output back to the caller.

Configuration is read from config.yaml (or --config) and EXECBOX_* environment
variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to the configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if code, ok := exitCode(err); ok {
			os.Exit(code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
