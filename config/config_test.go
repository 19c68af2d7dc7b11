package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:           8000,
			ShutdownTimeoutSec: 10,
		},
		MCP: MCPConfig{
			Enabled:   false,
			Transport: "stdio",
		},
		Sandbox: SandboxConfig{
			Backend:        "docker",
			TimeoutSec:     15,
			StopTimeoutSec: 15,
			PullTimeoutSec: 300,
			MemoryMB:       512,
			MaxOutputBytes: 1024,
			Workdir:        "/workspace",
		},
		Dependencies: DependencyConfig{
			Enabled:    true,
			TimeoutSec: 60,
			Installers: DefaultInstallers(),
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Languages: map[string]Language{
			"python": {
				Image:      "python:3.10-alpine",
				SourceFile: "script.py",
				Command:    "python {file}",
			},
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	t.Run("InvalidHTTPPort", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.HTTPPort = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server.http_port")
	})

	t.Run("InvalidMCPTransport", func(t *testing.T) {
		cfg := validConfig()
		cfg.MCP.Enabled = true
		cfg.MCP.Transport = "invalid"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid mcp.transport")
	})

	t.Run("DisabledMCPTransportIgnored", func(t *testing.T) {
		cfg := validConfig()
		cfg.MCP.Transport = "invalid"

		require.NoError(t, cfg.validate())
	})

	t.Run("InvalidSandboxTimeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.TimeoutSec = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.timeout_sec must be positive")
	})

	t.Run("InvalidSandboxMemory", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.MemoryMB = 0

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.memory_mb must be positive")
	})

	t.Run("RelativeWorkdir", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Workdir = "workspace"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.workdir must be an absolute path")
	})

	t.Run("UnsupportedBackend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "local"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported sandbox.backend")
	})

	t.Run("PodmanBackend", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "podman"

		require.NoError(t, cfg.validate())
	})

	t.Run("InvalidLoggingMode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Mode = "invalid_mode"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.mode")
	})

	t.Run("InvalidLogLevel", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Level = "invalid_level"

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.level")
	})

	t.Run("LanguageWithoutImage", func(t *testing.T) {
		cfg := validConfig()
		cfg.Languages["ruby"] = Language{SourceFile: "main.rb", Command: "ruby {file}"}

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "languages.ruby.image is required")
	})

	t.Run("IncompleteInstaller", func(t *testing.T) {
		cfg := validConfig()
		cfg.Dependencies.Installers = append(cfg.Dependencies.Installers, Installer{Manifest: "Gemfile"})

		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dependencies.installers[3]")
	})
}

func TestLoad(t *testing.T) {
	t.Run("DefaultsWithoutFile", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)

		cfg, err := New()
		require.NoError(t, err)

		assert.Equal(t, 8000, cfg.Server.HTTPPort)
		assert.Equal(t, "docker", cfg.Sandbox.Backend)
		assert.Equal(t, 15*time.Second, cfg.GetTimeout())
		assert.Equal(t, "/workspace", cfg.Sandbox.Workdir)
		assert.Len(t, cfg.Dependencies.Installers, 3)
		assert.False(t, cfg.Sandbox.NetworkEnabled)
		assert.True(t, cfg.Dependencies.Enabled)
		assert.True(t, cfg.Dependencies.Network)
		for _, id := range []string{"javascript", "python", "java", "cpp", "c"} {
			assert.Contains(t, cfg.Languages, id)
		}
	})

	t.Run("FileOverrides", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "execbox.yaml")
		content := `
server:
  http_port: 9090
sandbox:
  backend: podman
  timeout_sec: 5
logging:
  mode: development
  level: debug
languages:
  python:
    image: python:3.12-slim
    source_file: main.py
    command: python3 {file}
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.HTTPPort)
		assert.Equal(t, "podman", cfg.Sandbox.Backend)
		assert.Equal(t, 5*time.Second, cfg.GetTimeout())
		require.Len(t, cfg.Languages, 1)
		assert.Equal(t, "python:3.12-slim", cfg.Languages["python"].Image)
	})

	t.Run("InvalidFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "execbox.yaml")
		require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  timeout_sec: -1\n"), 0o600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config validation error")
	})
}
