package sandbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/logger"
)

// ErrSessionClosed is returned when writing to a closed session.
var ErrSessionClosed = errors.New("session closed")

// SessionConfig holds the terminal session settings.
type SessionConfig struct {
	Shell          string
	DefaultImage   string
	AllowedImages  []string
	MaxLifetime    time.Duration
	StopTimeout    time.Duration
	MemoryMB       int
	CPUs           float64
	PidsLimit      int64
	NetworkEnabled bool
	Workdir        string
}

// SessionConfigFromApp extracts terminal settings from the application config.
// Without an explicit allow-list every language image may be used.
func SessionConfigFromApp(cfg *config.Config) SessionConfig {
	allowed := cfg.Terminal.AllowedImages
	if len(allowed) == 0 {
		for _, lang := range cfg.Languages {
			if !slices.Contains(allowed, lang.Image) {
				allowed = append(allowed, lang.Image)
			}
		}
		slices.Sort(allowed)
	}
	return SessionConfig{
		Shell:          cfg.Terminal.Shell,
		DefaultImage:   cfg.Terminal.DefaultImage,
		AllowedImages:  allowed,
		MaxLifetime:    time.Duration(cfg.Terminal.MaxSessionSec) * time.Second,
		StopTimeout:    time.Duration(cfg.Sandbox.StopTimeoutSec) * time.Second,
		MemoryMB:       cfg.Sandbox.MemoryMB,
		CPUs:           cfg.Sandbox.CPUs,
		PidsLimit:      cfg.Sandbox.PidsLimit,
		NetworkEnabled: cfg.Sandbox.NetworkEnabled,
		Workdir:        cfg.Sandbox.Workdir,
	}
}

// SessionRequest opens a terminal. An empty Image selects the default.
type SessionRequest struct {
	Image string
	Cols  uint
	Rows  uint
}

// SessionManager owns the live terminal sessions.
type SessionManager struct {
	logger   *zap.Logger
	cfg      SessionConfig
	shell    []string
	images   ImageEnsurer
	rt       Runtime
	observer Observer

	mu       sync.RWMutex
	sessions map[string]*Session
}

// SessionManagerOption defines a functional option for SessionManager
type SessionManagerOption func(*SessionManager)

// WithSessionObserver sets the metrics observer.
func WithSessionObserver(observer Observer) SessionManagerOption {
	return func(m *SessionManager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(log *zap.Logger, cfg SessionConfig, images ImageEnsurer, rt Runtime, opts ...SessionManagerOption) (*SessionManager, error) {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	shell, err := shlex.Split(cfg.Shell)
	if err != nil {
		return nil, fmt.Errorf("failed to parse terminal shell: %w", err)
	}
	if len(shell) == 0 {
		return nil, errors.New("terminal shell is empty")
	}
	if cfg.DefaultImage == "" {
		return nil, errors.New("terminal default image is required")
	}
	if cfg.Workdir == "" {
		cfg.Workdir = "/workspace"
	}

	m := &SessionManager{
		logger:   log.Named("terminal"),
		cfg:      cfg,
		shell:    shell,
		images:   images,
		rt:       rt,
		observer: NoopObserver{},
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *SessionManager) allowed(image string) bool {
	return image == m.cfg.DefaultImage || slices.Contains(m.cfg.AllowedImages, image)
}

// Start opens a terminal sandbox and forwards its output to emit until the
// shell exits or the session is closed. The caller must Close the session.
func (m *SessionManager) Start(ctx context.Context, req SessionRequest, emit EmitFunc) (*Session, error) {
	image := req.Image
	if image == "" {
		image = m.cfg.DefaultImage
	}
	if !m.allowed(image) {
		return nil, ValidationError("image not allowed for terminal sessions: %s", image)
	}

	if err := m.images.Ensure(ctx, image); err != nil {
		if ctx.Err() != nil {
			return nil, transportError("ensure image", "", ctx.Err())
		}
		return nil, setupError("ensure image", image, "", err)
	}

	id := uuid.NewString()
	h, err := m.rt.Create(ctx, Spec{
		Name:           "execbox-term-" + id,
		Image:          image,
		Cmd:            m.shell,
		WorkingDir:     m.cfg.Workdir,
		Env:            []string{"TERM=xterm"},
		TTY:            true,
		OpenStdin:      true,
		MemoryMB:       m.cfg.MemoryMB,
		CPUs:           m.cfg.CPUs,
		PidsLimit:      m.cfg.PidsLimit,
		NetworkEnabled: m.cfg.NetworkEnabled,
		StopTimeout:    m.cfg.StopTimeout,
		AutoRemove:     true,
		Labels: map[string]string{
			LabelManaged: "true",
			LabelKind:    KindTerminal,
		},
	})
	if err != nil {
		return nil, setupError("create terminal", image, "", err)
	}
	m.observer.ObserveSandbox(KindTerminal, "created")

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       id,
		Image:    image,
		manager:  m,
		handle:   h,
		logger:   m.logger.With(zap.String(logger.FieldSessionID, id), zap.String(logger.FieldSandboxID, shortID(h.ID))),
		cancel:   cancel,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	s.streams, err = m.rt.Attach(ctx, h, true)
	if err != nil {
		_ = s.release()
		return nil, setupError("attach terminal", image, h.ID, err)
	}

	waitCh := make(chan waitResult, 1)
	go func() {
		code, werr := m.rt.Wait(sessCtx, h)
		waitCh <- waitResult{code: code, err: werr}
	}()

	if err := m.rt.Start(ctx, h); err != nil {
		_ = s.release()
		return nil, setupError("start terminal", image, h.ID, err)
	}
	h.advance(StateRunning)

	if req.Cols > 0 && req.Rows > 0 {
		if err := m.rt.Resize(ctx, h, req.Cols, req.Rows); err != nil {
			s.logger.Debug("initial resize failed", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.observer.ObserveSessions(1)

	if m.cfg.MaxLifetime > 0 {
		timer := time.AfterFunc(m.cfg.MaxLifetime, func() {
			s.logger.Info("terminal session reached its maximum lifetime")
			_ = s.Close()
		})
		s.mu.Lock()
		s.timer = timer
		s.mu.Unlock()
	}

	go s.run(sessCtx, emit, waitCh)

	s.logger.Info("terminal session started", zap.String(logger.FieldImage, image))
	return s, nil
}

// Get returns a live session by id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Active returns the number of live sessions.
func (m *SessionManager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every live session.
func (m *SessionManager) CloseAll() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs error
	for _, s := range sessions {
		errs = multierr.Append(errs, s.Close())
	}
	return errs
}

func (m *SessionManager) forget(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.observer.ObserveSessions(-1)
	}
}

// Session is one interactive terminal bound to a TTY sandbox.
type Session struct {
	ID    string
	Image string

	manager *SessionManager
	handle  *Handle
	streams *Streams
	logger  *zap.Logger
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	exitCode int64
	timer    *time.Timer

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// SandboxID returns the id of the backing sandbox.
func (s *Session) SandboxID() string { return s.handle.ID }

// Write sends keystrokes to the shell.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrSessionClosed
	}
	return s.streams.Input.Write(p)
}

// Resize changes the terminal dimensions.
func (s *Session) Resize(ctx context.Context, cols, rows uint) error {
	if cols == 0 || rows == 0 {
		return ValidationError("terminal size must be positive, got %dx%d", cols, rows)
	}
	return s.manager.rt.Resize(ctx, s.handle, cols, rows)
}

// Done is closed once the shell has exited or the session was closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCode returns the shell's exit code, or -1 while it is unknown.
func (s *Session) ExitCode() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Close stops and removes the sandbox. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.release()
		s.manager.forget(s.ID)
		s.finish()
		s.logger.Info("terminal session closed", zap.Int64(logger.FieldExitCode, s.ExitCode()))
	})
	return s.closeErr
}

func (s *Session) release() error {
	s.mu.Lock()
	s.closed = true
	timer := s.timer
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if s.streams != nil {
		if err := s.streams.Close(); err != nil {
			s.logger.Debug("failed to close terminal streams", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	rt := s.manager.rt
	var errs error
	if s.handle.State() < StateExited {
		// an interactive shell as pid 1 ignores SIGTERM, so there is no grace
		errs = multierr.Append(errs, rt.Stop(ctx, s.handle, 0))
		s.handle.advance(StateExited)
	}
	errs = multierr.Append(errs, rt.Remove(ctx, s.handle))
	s.handle.advance(StateRemoved)
	s.cancel()
	s.manager.observer.ObserveSandbox(KindTerminal, "removed")

	if errs != nil {
		s.logger.Error("terminal cleanup failed", zap.Error(errs))
	}
	return errs
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// run pumps terminal output until the shell exits, then closes the session.
func (s *Session) run(ctx context.Context, emit EmitFunc, waitCh <-chan waitResult) {
	if err := Pump(s.streams.Output, true, emit); err != nil {
		s.logger.Debug("terminal output stopped", zap.Error(err))
	}

	select {
	case w := <-waitCh:
		if w.err == nil {
			s.mu.Lock()
			s.exitCode = w.code
			s.mu.Unlock()
			s.handle.advance(StateExited)
		}
	case <-ctx.Done():
	}

	_ = s.Close()
}
