package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/logger"
)

// maxExecOutput bounds the output kept from helper commands run via Exec.
const maxExecOutput = 64 * 1024

// DockerRuntime implements Runtime on top of the Docker Engine API. The same
// client also serves Podman through its Docker-compatible socket.
type DockerRuntime struct {
	logger *zap.Logger
	cli    *client.Client
}

// NewDockerRuntime connects to the engine at host, or to the environment's
// default (DOCKER_HOST, then the local socket) when host is empty.
func NewDockerRuntime(log *zap.Logger, host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client: %w", err)
	}

	return &DockerRuntime{logger: log.Named("runtime"), cli: cli}, nil
}

// Create creates a stopped sandbox from spec.
func (d *DockerRuntime) Create(ctx context.Context, spec Spec) (*Handle, error) {
	cfg, hostCfg := containerConfig(spec)

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container from %s: %w", spec.Image, err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("engine warning on create", zap.String(logger.FieldSandboxID, resp.ID), zap.String("warning", w))
	}

	h := NewHandle(resp.ID, spec.Image)
	h.AutoRemove = spec.AutoRemove
	return h, nil
}

// Attach connects to the sandbox's stdio. It should be called before Start
// so no early output is lost.
func (d *DockerRuntime) Attach(ctx context.Context, h *Handle, _ bool) (*Streams, error) {
	resp, err := d.cli.ContainerAttach(ctx, h.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container %s: %w", shortID(h.ID), err)
	}

	return NewStreams(resp.Conn, resp.Reader, resp.CloseWrite, func() error {
		resp.Close()
		return nil
	}), nil
}

// Start starts the sandbox's main process.
func (d *DockerRuntime) Start(ctx context.Context, h *Handle) error {
	if err := d.cli.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", shortID(h.ID), err)
	}
	return nil
}

// Resize changes the pseudo-terminal dimensions.
func (d *DockerRuntime) Resize(ctx context.Context, h *Handle, cols, rows uint) error {
	if err := d.cli.ContainerResize(ctx, h.ID, container.ResizeOptions{Width: cols, Height: rows}); err != nil {
		return fmt.Errorf("failed to resize container %s: %w", shortID(h.ID), err)
	}
	return nil
}

// Wait blocks until the sandbox exits and returns its exit code. For
// auto-removed sandboxes it waits for removal, so it must be called before
// Start to avoid racing the engine.
func (d *DockerRuntime) Wait(ctx context.Context, h *Handle) (int64, error) {
	condition := container.WaitConditionNextExit
	if h.AutoRemove {
		condition = container.WaitConditionRemoved
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, h.ID, condition)
	select {
	case res := <-statusCh:
		if res.Error != nil && res.Error.Message != "" {
			return -1, fmt.Errorf("container %s wait error: %s", shortID(h.ID), res.Error.Message)
		}
		return res.StatusCode, nil
	case err := <-errCh:
		return -1, fmt.Errorf("failed to wait for container %s: %w", shortID(h.ID), err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop stops the sandbox, killing it after grace.
func (d *DockerRuntime) Stop(ctx context.Context, h *Handle, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := d.cli.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", shortID(h.ID), err)
	}
	return nil
}

// Remove force-removes the sandbox. A sandbox already reaped by auto-remove
// counts as removed.
func (d *DockerRuntime) Remove(ctx context.Context, h *Handle) error {
	err := d.cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		return fmt.Errorf("failed to remove container %s: %w", shortID(h.ID), err)
	}
	return nil
}

// Exec runs cmd inside the running sandbox and waits for it to finish.
func (d *DockerRuntime) Exec(ctx context.Context, h *Handle, cmd []string, workDir string) (ExecResult, error) {
	created, err := d.cli.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec in %s: %w", shortID(h.ID), err)
	}

	att, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to start exec in %s: %w", shortID(h.ID), err)
	}
	defer att.Close()
	stop := context.AfterFunc(ctx, att.Close)
	defer stop()

	out := newBoundedBuffer(maxExecOutput)
	if _, err := stdcopy.StdCopy(out, out, att.Reader); err != nil {
		return ExecResult{Output: out.Bytes()}, fmt.Errorf("failed to read exec output: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return ExecResult{Output: out.Bytes()}, err
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{Output: out.Bytes()}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return ExecResult{ExitCode: inspect.ExitCode, Output: out.Bytes()}, nil
}

// PathExists reports whether path exists inside the sandbox.
func (d *DockerRuntime) PathExists(ctx context.Context, h *Handle, path string) (bool, error) {
	_, err := d.cli.ContainerStatPath(ctx, h.ID, path)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s in %s: %w", path, shortID(h.ID), err)
}

// HasImage asks the engine whether ref is present in its local image store.
func (d *DockerRuntime) HasImage(ctx context.Context, ref string) (bool, error) {
	images, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(images) > 0, nil
}

// PullImage pulls ref and blocks until the progress stream ends. An error
// reported inside the stream fails the pull.
func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read pull progress for %s: %w", ref, err)
		}
		if msg.Error != nil {
			return fmt.Errorf("failed to pull %s: %w", ref, msg.Error)
		}
		if msg.Status != "" {
			d.logger.Debug("pull progress",
				zap.String(logger.FieldImage, ref),
				zap.String("layer", msg.ID),
				zap.String("status", msg.Status))
		}
	}
}

// Ping checks that the engine answers.
func (d *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	return nil
}

// Close releases the engine client.
func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}

// containerConfig translates a Spec into engine create options.
func containerConfig(spec Spec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Cmd,
		WorkingDir:      spec.WorkingDir,
		Env:             spec.Env,
		Tty:             spec.TTY,
		OpenStdin:       spec.OpenStdin,
		StdinOnce:       spec.OpenStdin && !spec.TTY,
		AttachStdin:     spec.OpenStdin,
		AttachStdout:    true,
		AttachStderr:    true,
		Labels:          spec.Labels,
		NetworkDisabled: !spec.NetworkEnabled,
	}
	if spec.StopTimeout > 0 {
		secs := int(spec.StopTimeout.Seconds())
		cfg.StopTimeout = &secs
	}

	hostCfg := &container.HostConfig{
		AutoRemove:  spec.AutoRemove,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
	}
	if !spec.NetworkEnabled {
		hostCfg.NetworkMode = "none"
	}
	if spec.MemoryMB > 0 {
		bytes := int64(spec.MemoryMB) * 1024 * 1024
		hostCfg.Resources.Memory = bytes
		hostCfg.Resources.MemorySwap = bytes
	}
	if spec.CPUs > 0 {
		hostCfg.Resources.NanoCPUs = int64(spec.CPUs * 1e9)
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		hostCfg.Resources.PidsLimit = &pids
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	return cfg, hostCfg
}
