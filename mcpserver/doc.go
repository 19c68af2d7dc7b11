// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the execute_code tool, which runs a program
// in a sandbox and returns its combined output, exit code and outcome as a
// JSON document. It uses the mark3labs/mcp-go library for the protocol.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, orchestrator, profiles)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
