// Package httpserver exposes the orchestrator over HTTP.
//
// POST /execute streams program output as it is produced and reports the
// exit code in trailers; ?mode=buffered returns the whole output at once with
// the outcome mapped to a status code. GET /terminal upgrades to a websocket
// carrying an interactive shell session.
package httpserver
