package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/logger"
)

const (
	// cleanupTimeout bounds stop+remove; it is detached from the caller.
	cleanupTimeout = 30 * time.Second
	// drainGrace is how long output may keep flowing after the exit code
	// is known or the sandbox was killed.
	drainGrace = 2 * time.Second
)

// Outcome is how an execution ended from the program's point of view.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeProgramFailure Outcome = "program_failure"
	OutcomeTimeout        Outcome = "timeout"
)

// ExecuteRequest is one request to run source code.
type ExecuteRequest struct {
	Language      string
	Code          string
	WorkspacePath string
}

// ExecuteResult describes a finished execution. A non-zero exit code or a
// timeout is reported here, not as an error.
type ExecuteResult struct {
	SandboxID string
	Language  string
	ExitCode  int64
	Outcome   Outcome
	Duration  time.Duration
	Warnings  []string
	Truncated bool
}

// Config holds the execution limits applied to every sandbox.
type Config struct {
	Timeout        time.Duration
	StopTimeout    time.Duration
	MemoryMB       int
	CPUs           float64
	PidsLimit      int64
	NetworkEnabled bool
	// InstallNetwork grants network access to workspace-backed runs that
	// install dependencies, since package managers need a registry.
	InstallNetwork bool
	MaxOutputBytes int
	Workdir        string
}

// ConfigFromApp extracts the sandbox limits from the application config.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		Timeout:        cfg.GetTimeout(),
		StopTimeout:    time.Duration(cfg.Sandbox.StopTimeoutSec) * time.Second,
		MemoryMB:       cfg.Sandbox.MemoryMB,
		CPUs:           cfg.Sandbox.CPUs,
		PidsLimit:      cfg.Sandbox.PidsLimit,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		InstallNetwork: cfg.Dependencies.Network,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		Workdir:        cfg.Sandbox.Workdir,
	}
}

// Orchestrator runs one-shot executions, each in its own sandbox.
type Orchestrator struct {
	logger    *zap.Logger
	cfg       Config
	profiles  *ProfileTable
	images    ImageEnsurer
	rt        Runtime
	installer *Installer
	observer  Observer
}

// OrchestratorOption defines a functional option for Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithInstaller enables dependency installation for workspace-backed runs.
func WithInstaller(installer *Installer) OrchestratorOption {
	return func(o *Orchestrator) {
		o.installer = installer
	}
}

// WithObserver sets the metrics observer.
func WithObserver(observer Observer) OrchestratorOption {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(log *zap.Logger, cfg Config, profiles *ProfileTable, images ImageEnsurer, rt Runtime, opts ...OrchestratorOption) *Orchestrator {
	if cfg.Workdir == "" {
		cfg.Workdir = "/workspace"
	}
	o := &Orchestrator{
		logger:   log.Named("orchestrator"),
		cfg:      cfg,
		profiles: profiles,
		images:   images,
		rt:       rt,
		observer: NoopObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.installer != nil && !cfg.NetworkEnabled && !cfg.InstallNetwork {
		o.logger.Warn("dependency installation disabled: sandboxes have no network access")
		o.installer = nil
	}
	return o
}

// Profiles returns the language table used for validation.
func (o *Orchestrator) Profiles() *ProfileTable { return o.profiles }

type waitResult struct {
	code int64
	err  error
}

var errSinkClosed = errors.New("execution already finished")

// sinkError marks failures of the caller's sink as opposed to read errors
// on the sandbox stream.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// Execute runs req in a fresh sandbox and forwards output to emit as it is
// produced. The sandbox is stopped and removed before Execute returns, on
// every path.
//
//nolint:gocyclo,funlen // Sequential lifecycle steps share one teardown
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest, emit EmitFunc) (res ExecuteResult, err error) {
	started := time.Now()
	defer func() {
		res.Duration = time.Since(started)
		o.observer.ObserveExecution(res.Language, outcomeLabel(res, err), res.Duration)
	}()

	// Pending
	profile, err := o.validate(req)
	if err != nil {
		return res, err
	}
	res.Language = profile.ID

	log := o.logger.With(zap.String(logger.FieldLanguage, profile.ID), zap.String(logger.FieldImage, profile.Image))

	// ImageReady
	if err := o.images.Ensure(ctx, profile.Image); err != nil {
		if ctx.Err() != nil {
			return res, transportError("ensure image", "", ctx.Err())
		}
		log.Error("image unavailable", zap.Error(err))
		return res, setupError("ensure image", profile.Image, "", err)
	}

	// Created
	h, err := o.rt.Create(ctx, o.executionSpec(profile, req.WorkspacePath))
	if err != nil {
		log.Error("sandbox creation failed", zap.Error(err))
		return res, setupError("create sandbox", profile.Image, "", err)
	}
	res.SandboxID = h.ID
	o.observer.ObserveSandbox(KindExecution, "created")
	log = log.With(zap.String(logger.FieldSandboxID, shortID(h.ID)))

	var streams *Streams
	defer func() {
		o.teardown(log, h, streams)
	}()

	streams, err = o.rt.Attach(ctx, h, false)
	if err != nil {
		return res, setupError("attach sandbox", profile.Image, h.ID, err)
	}

	// the wait must be registered before start, auto-removed sandboxes
	// may disappear right after exit
	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()
	waitCh := make(chan waitResult, 1)
	go func() {
		code, werr := o.rt.Wait(waitCtx, h)
		waitCh <- waitResult{code: code, err: werr}
	}()

	// Running
	if err := o.rt.Start(ctx, h); err != nil {
		if ctx.Err() != nil {
			return res, transportError("start sandbox", h.ID, ctx.Err())
		}
		return res, setupError("start sandbox", profile.Image, h.ID, err)
	}
	h.advance(StateRunning)

	if req.WorkspacePath != "" && o.installer != nil {
		for _, w := range o.installer.Install(ctx, h, o.cfg.Workdir) {
			res.Warnings = append(res.Warnings, w.String())
		}
	}
	if ctx.Err() != nil {
		log.Info("caller went away before the program started")
		return res, transportError("execute", h.ID, ctx.Err())
	}

	go func() {
		if _, werr := io.WriteString(streams.Input, req.Code); werr != nil {
			log.Debug("source write interrupted", zap.Error(werr))
		}
		if cerr := streams.CloseInput(); cerr != nil {
			log.Debug("failed to close sandbox input", zap.Error(cerr))
		}
	}()

	// Streaming
	// once Execute returns, a reader left blocked in emit may not start
	// another write
	var sinkClosed atomic.Bool
	defer sinkClosed.Store(true)
	forward := func(chunk OutputChunk) error {
		if sinkClosed.Load() {
			return &sinkError{err: errSinkClosed}
		}
		if ctx.Err() != nil {
			return &sinkError{err: ctx.Err()}
		}
		if err := emit(chunk); err != nil {
			return &sinkError{err: err}
		}
		return nil
	}
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- Demux(streams.Output, forward)
	}()

	timeout := time.NewTimer(o.cfg.Timeout)
	defer timeout.Stop()

	var (
		exit           waitResult
		exited         bool
		streamFinished bool
		drain          <-chan time.Time
	)

	for !exited || !streamFinished {
		select {
		case serr := <-streamDone:
			streamFinished = true
			var se *sinkError
			if errors.As(serr, &se) {
				log.Warn("caller stopped receiving output", zap.Error(se.err))
				return res, transportError("stream output", h.ID, se.err)
			}
			if serr != nil {
				log.Warn("sandbox output stream failed", zap.Error(serr))
			}

		case exit = <-waitCh:
			exited = true
			if exit.err != nil {
				if ctx.Err() != nil {
					o.abandonStream(streams, streamDone, streamFinished)
					log.Info("execution canceled by caller")
					return res, transportError("execute", h.ID, ctx.Err())
				}
				o.abandonStream(streams, streamDone, streamFinished)
				return res, &Error{Kind: KindInternal, Op: "wait for sandbox", Image: profile.Image, SandboxID: h.ID, Err: exit.err}
			}
			h.advance(StateExited)
			if !streamFinished {
				drain = time.After(drainGrace)
			}

		case <-drain:
			log.Warn("output did not close after exit, dropping the rest")
			o.abandonStream(streams, streamDone, streamFinished)
			streamFinished = true

		case <-timeout.C:
			log.Warn("execution timed out, killing sandbox", zap.Duration("timeout", o.cfg.Timeout))
			o.kill(log, h)
			o.drainStream(streams, streamDone, streamFinished)
			res.ExitCode = -1
			res.Outcome = OutcomeTimeout
			return res, nil

		case <-ctx.Done():
			o.abandonStream(streams, streamDone, streamFinished)
			log.Info("execution canceled by caller")
			return res, transportError("execute", h.ID, ctx.Err())
		}
	}

	// Exited
	res.ExitCode = exit.code
	if exit.code == 0 {
		res.Outcome = OutcomeSuccess
	} else {
		res.Outcome = OutcomeProgramFailure
	}
	log.Info("execution finished",
		zap.Int64(logger.FieldExitCode, exit.code),
		zap.String(logger.FieldOutcome, string(res.Outcome)))
	return res, nil
}

// ExecuteBuffered runs req and returns the combined output once the program
// has finished. Output beyond the configured limit is dropped.
func (o *Orchestrator) ExecuteBuffered(ctx context.Context, req ExecuteRequest) (ExecuteResult, []byte, error) {
	limit := o.cfg.MaxOutputBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	collector := NewCollector(limit)

	res, err := o.Execute(ctx, req, collector.Emit)
	if collector.Truncated() {
		res.Truncated = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("output truncated to %d bytes", limit))
	}
	return res, collector.Output(), err
}

func (o *Orchestrator) validate(req ExecuteRequest) (Profile, error) {
	if strings.TrimSpace(req.Language) == "" {
		return Profile{}, ValidationError("language is required")
	}
	if req.Code == "" {
		return Profile{}, ValidationError("code is required")
	}
	if req.WorkspacePath != "" {
		if !filepath.IsAbs(req.WorkspacePath) {
			return Profile{}, ValidationError("workspacePath must be absolute, got %q", req.WorkspacePath)
		}
		if filepath.Clean(req.WorkspacePath) == "/" {
			return Profile{}, ValidationError("workspacePath must not be the filesystem root")
		}
	}
	return o.profiles.Resolve(req.Language)
}

func (o *Orchestrator) executionSpec(p Profile, workspace string) Spec {
	spec := Spec{
		Name:           "execbox-run-" + uuid.NewString(),
		Image:          p.Image,
		Cmd:            p.Argv(),
		WorkingDir:     o.cfg.Workdir,
		Env:            p.EnvList(),
		TTY:            false,
		OpenStdin:      true,
		MemoryMB:       o.cfg.MemoryMB,
		CPUs:           o.cfg.CPUs,
		PidsLimit:      o.cfg.PidsLimit,
		NetworkEnabled: o.cfg.NetworkEnabled,
		StopTimeout:    o.cfg.StopTimeout,
		AutoRemove:     true,
		Labels: map[string]string{
			LabelManaged:       "true",
			LabelKind:          KindExecution,
			"execbox.language": p.ID,
		},
	}
	if workspace != "" {
		spec.Mounts = []Mount{{Source: filepath.Clean(workspace), Target: o.cfg.Workdir}}
		if o.installer != nil && o.cfg.InstallNetwork {
			spec.NetworkEnabled = true
		}
	}
	return spec
}

// kill stops the sandbox without grace after a timeout.
func (o *Orchestrator) kill(log *zap.Logger, h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := o.rt.Stop(ctx, h, 0); err != nil {
		log.Error("failed to kill timed out sandbox", zap.Error(err))
		return
	}
	h.advance(StateExited)
}

// drainStream lets output written before the kill reach the caller, then
// makes sure the reader goroutine is gone.
func (o *Orchestrator) drainStream(streams *Streams, done <-chan error, finished bool) {
	if finished {
		return
	}
	select {
	case <-done:
	case <-time.After(drainGrace):
		o.abandonStream(streams, done, false)
	}
}

// abandonStream closes the attachment and waits for the reader goroutine.
// A reader stuck inside emit is left behind after drainGrace so teardown
// still runs; the sink gate keeps it from emitting again.
func (o *Orchestrator) abandonStream(streams *Streams, done <-chan error, finished bool) {
	if finished {
		return
	}
	if err := streams.Close(); err != nil {
		o.logger.Debug("failed to close sandbox streams", zap.Error(err))
	}
	select {
	case <-done:
	case <-time.After(drainGrace):
		o.logger.Warn("output reader blocked on the caller, abandoning it")
	}
}

// teardown stops and removes the sandbox. It runs exactly once per created
// sandbox and never reports errors to the caller.
func (o *Orchestrator) teardown(log *zap.Logger, h *Handle, streams *Streams) {
	if streams != nil {
		if err := streams.Close(); err != nil {
			log.Debug("failed to close sandbox streams", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	var errs error
	if h.State() < StateExited {
		if err := o.rt.Stop(ctx, h, 0); err != nil {
			errs = multierr.Append(errs, err)
		}
		h.advance(StateExited)
	}
	if err := o.rt.Remove(ctx, h); err != nil {
		errs = multierr.Append(errs, err)
	}
	h.advance(StateRemoved)
	o.observer.ObserveSandbox(KindExecution, "removed")

	if errs != nil {
		log.Error("sandbox cleanup failed", zap.Error(errs))
		return
	}
	log.Debug("sandbox removed", zap.Duration("lifetime", time.Since(h.CreatedAt)))
}

func outcomeLabel(res ExecuteResult, err error) string {
	if err != nil {
		return KindOf(err).String() + "_error"
	}
	return string(res.Outcome)
}
