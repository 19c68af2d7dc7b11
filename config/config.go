package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	MCP          MCPConfig           `mapstructure:"mcp"`
	Sandbox      SandboxConfig       `mapstructure:"sandbox"`
	Dependencies DependencyConfig    `mapstructure:"dependencies"`
	Terminal     TerminalConfig      `mapstructure:"terminal"`
	Logging      LoggingConfig       `mapstructure:"logging"`
	Languages    map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	HTTPPort           int `mapstructure:"http_port"`
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`
}

// MCPConfig holds configuration of the optional MCP transport
type MCPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend        string  `mapstructure:"backend"`
	DockerHost     string  `mapstructure:"docker_host"`
	PodmanSocket   string  `mapstructure:"podman_socket"`
	TimeoutSec     int     `mapstructure:"timeout_sec"`
	StopTimeoutSec int     `mapstructure:"stop_timeout_sec"`
	PullTimeoutSec int     `mapstructure:"pull_timeout_sec"`
	MemoryMB       int     `mapstructure:"memory_mb"`
	CPUs           float64 `mapstructure:"cpus"`
	PidsLimit      int64   `mapstructure:"pids_limit"`
	NetworkEnabled bool    `mapstructure:"network_enabled"`
	MaxOutputBytes int     `mapstructure:"max_output_bytes"`
	Workdir        string  `mapstructure:"workdir"`
	ImageCacheFile string  `mapstructure:"image_cache_file"`
}

// DependencyConfig controls manifest-driven dependency installation
type DependencyConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	Network    bool        `mapstructure:"network"`
	TimeoutSec int         `mapstructure:"timeout_sec"`
	Installers []Installer `mapstructure:"installers"`
}

// Installer maps a manifest file to the command that installs it
type Installer struct {
	Manifest string `mapstructure:"manifest"`
	Command  string `mapstructure:"command"`
}

// TerminalConfig holds interactive session configuration
type TerminalConfig struct {
	Shell         string   `mapstructure:"shell"`
	DefaultImage  string   `mapstructure:"default_image"`
	AllowedImages []string `mapstructure:"allowed_images"`
	MaxSessionSec int      `mapstructure:"max_session_sec"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language describes how a single language is run inside a sandbox
type Language struct {
	Image       string            `mapstructure:"image"`
	SourceFile  string            `mapstructure:"source_file"`
	Command     string            `mapstructure:"command"`
	Aliases     []string          `mapstructure:"aliases"`
	Environment map[string]string `mapstructure:"environment"`
}

// DefaultLanguages is the built-in language table used when the config file
// does not override it.
func DefaultLanguages() map[string]Language {
	return map[string]Language{
		"javascript": {
			Image:      "node:18-alpine",
			SourceFile: "script.js",
			Command:    "node {file}",
			Aliases:    []string{"js", "nodejs", "node"},
		},
		"python": {
			Image:       "python:3.10-alpine",
			SourceFile:  "script.py",
			Command:     "python {file}",
			Aliases:     []string{"py", "python3"},
			Environment: map[string]string{"PYTHONUNBUFFERED": "1", "PYTHONDONTWRITEBYTECODE": "1"},
		},
		"java": {
			Image:      "eclipse-temurin:17-jdk",
			SourceFile: "Main.java",
			Command:    "javac -d /tmp/build {file} && java -cp /tmp/build Main",
		},
		"cpp": {
			Image:      "gcc:13",
			SourceFile: "main.cpp",
			Command:    "g++ -std=c++17 -O2 -o /tmp/app {file} && /tmp/app",
			Aliases:    []string{"c++"},
		},
		"c": {
			Image:      "gcc:13",
			SourceFile: "main.c",
			Command:    "gcc -std=c11 -O2 -o /tmp/app {file} -lm && /tmp/app",
		},
		"go": {
			Image:       "golang:1.23-alpine",
			SourceFile:  "main.go",
			Command:     "go build -o /tmp/app {file} && /tmp/app",
			Aliases:     []string{"golang"},
			Environment: map[string]string{"GOCACHE": "/tmp/gocache", "CGO_ENABLED": "0"},
		},
	}
}

// DefaultInstallers lists the manifest files inspected in a mounted workspace
func DefaultInstallers() []Installer {
	return []Installer{
		{Manifest: "package.json", Command: "npm install"},
		{Manifest: "requirements.txt", Command: "pip install -r requirements.txt"},
		{Manifest: "pom.xml", Command: "mvn -q install"},
	}
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path, or from config.yaml in the default
// search paths when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("EXECBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(config.Languages) == 0 {
		config.Languages = DefaultLanguages()
	}
	if len(config.Dependencies.Installers) == 0 {
		config.Dependencies.Installers = DefaultInstallers()
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8000)
	v.SetDefault("server.shutdown_timeout_sec", 10)

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.transport", "stdio")
	v.SetDefault("mcp.http_port", 8081)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.podman_socket", "unix:///run/podman/podman.sock")
	v.SetDefault("sandbox.timeout_sec", 15)
	v.SetDefault("sandbox.stop_timeout_sec", 15)
	v.SetDefault("sandbox.pull_timeout_sec", 300)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.pids_limit", 256)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.max_output_bytes", 1<<20)
	v.SetDefault("sandbox.workdir", "/workspace")
	v.SetDefault("sandbox.image_cache_file", ".execbox-image-cache.yaml")

	v.SetDefault("dependencies.enabled", true)
	v.SetDefault("dependencies.network", true)
	v.SetDefault("dependencies.timeout_sec", 120)

	v.SetDefault("terminal.shell", "/bin/sh")
	v.SetDefault("terminal.default_image", "alpine:3.20")
	v.SetDefault("terminal.max_session_sec", 3600)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // flat list of independent checks
func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.MCP.Enabled && c.MCP.Transport != "stdio" && c.MCP.Transport != "http" {
		return fmt.Errorf("invalid mcp.transport: %s, must be 'stdio' or 'http'", c.MCP.Transport)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.StopTimeoutSec < 0 {
		return fmt.Errorf("sandbox.stop_timeout_sec must not be negative, got: %d", c.Sandbox.StopTimeoutSec)
	}

	if c.Sandbox.PullTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.pull_timeout_sec must be positive, got: %d", c.Sandbox.PullTimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive, got: %d", c.Sandbox.MaxOutputBytes)
	}

	if !strings.HasPrefix(c.Sandbox.Workdir, "/") {
		return fmt.Errorf("sandbox.workdir must be an absolute path, got: %q", c.Sandbox.Workdir)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if len(c.Languages) == 0 {
		return fmt.Errorf("at least one language must be configured")
	}

	for id, lang := range c.Languages {
		if lang.Image == "" {
			return fmt.Errorf("languages.%s.image is required", id)
		}
		if lang.SourceFile == "" {
			return fmt.Errorf("languages.%s.source_file is required", id)
		}
		if lang.Command == "" {
			return fmt.Errorf("languages.%s.command is required", id)
		}
	}

	for i, inst := range c.Dependencies.Installers {
		if inst.Manifest == "" || inst.Command == "" {
			return fmt.Errorf("dependencies.installers[%d] requires manifest and command", i)
		}
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetPullTimeout returns the image pull timeout as a duration
func (c *Config) GetPullTimeout() time.Duration {
	return time.Duration(c.Sandbox.PullTimeoutSec) * time.Second
}

// GetShutdownTimeout returns the graceful shutdown budget
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}
