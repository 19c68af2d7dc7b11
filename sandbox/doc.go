// Package sandbox runs untrusted code in disposable containers.
//
// A ProfileTable maps language identifiers to images and run commands. The
// Orchestrator validates a request, makes sure the image is present, creates
// a locked-down sandbox, feeds the source through stdin and streams the
// demultiplexed output to the caller. Every sandbox it creates is stopped and
// removed before Execute returns, whatever the outcome.
//
// The SessionManager keeps interactive TTY sandboxes alive for terminal
// clients until the shell exits or the client goes away. Each session is
// bounded by a maximum lifetime.
//
// Container engines are reached through the Runtime interface. DockerRuntime
// talks to the Docker Engine API and, through its compatible socket, to
// Podman.
//
// Usage:
//
//	rt, err := sandbox.NewRuntime(logger, cfg)
//	profiles, err := sandbox.NewProfileTable(cfg.Languages)
//	orch := sandbox.NewOrchestrator(logger, sandbox.ConfigFromApp(cfg), profiles, images, rt)
//	res, err := orch.Execute(ctx, sandbox.ExecuteRequest{
//	    Language: "python",
//	    Code:     "print('Hello, World!')",
//	}, emit)
package sandbox
