package main

import (
	"github.com/spf13/cobra"
)

var portFlag int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution server",
	Long: `Start the HTTP server with the execute, terminal, languages, health
and metrics endpoints. The MCP transport starts as well when mcp.enabled is set.

Examples:
  execbox serve
  execbox serve --port 9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app := newApp(cfg, portFlag)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
