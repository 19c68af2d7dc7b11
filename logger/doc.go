// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. All output goes to stderr so that stdout stays free for
// the MCP stdio transport and for program output of the run command.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("sandbox removed", zap.String(logger.FieldSandboxID, id))
package logger
