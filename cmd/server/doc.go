// Package main is the entry point for the execbox service.
//
// execbox runs untrusted programs in disposable, resource-limited containers
// and streams their output back over HTTP. It also serves interactive
// terminal sessions over websockets and, optionally, an MCP execute_code
// tool over stdio or HTTP.
//
// Commands:
//
//	execbox serve                 start the HTTP (and MCP) server
//	execbox run -l python app.py  run one program locally and exit with its code
//	execbox pull                  pull every configured language image
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
