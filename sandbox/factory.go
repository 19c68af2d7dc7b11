package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
)

// NewRuntime creates the container runtime selected by sandbox.backend.
func NewRuntime(log *zap.Logger, cfg *config.Config) (*DockerRuntime, error) {
	switch cfg.Sandbox.Backend {
	case "docker", "":
		return NewDockerRuntime(log, normalizeHost(cfg.Sandbox.DockerHost))
	case "podman":
		return NewPodmanRuntime(log, cfg.Sandbox.PodmanSocket)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Sandbox.Backend)
	}
}
