package sandbox

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// defaultPodmanSocket is the rootful Podman API socket.
const defaultPodmanSocket = "unix:///run/podman/podman.sock"

// NewPodmanRuntime connects to Podman's Docker-compatible API. Podman
// accepts the same container, attach and exec calls, so the Docker runtime
// is reused as is.
func NewPodmanRuntime(log *zap.Logger, socket string) (*DockerRuntime, error) {
	host := podmanHost(socket)
	rt, err := NewDockerRuntime(log.With(zap.String("engine", "podman")), host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to podman at %s: %w", host, err)
	}
	return rt, nil
}

// podmanHost resolves the socket address. Rootless Podman listens under
// XDG_RUNTIME_DIR, which wins over the rootful default.
func podmanHost(socket string) string {
	if socket != "" && socket != defaultPodmanSocket {
		return normalizeHost(socket)
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		rootless := strings.TrimSuffix(dir, "/") + "/podman/podman.sock"
		if _, err := os.Stat(rootless); err == nil {
			return "unix://" + rootless
		}
	}
	return defaultPodmanSocket
}

// normalizeHost accepts bare socket paths as well as URLs.
func normalizeHost(addr string) string {
	if strings.HasPrefix(addr, "/") {
		return "unix://" + addr
	}
	return addr
}
