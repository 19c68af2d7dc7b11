// Package metrics exposes execution and sandbox counters in the Prometheus
// format. The Recorder plugs into the sandbox and imagecache observer hooks.
package metrics
