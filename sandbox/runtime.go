package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Labels attached to every sandbox created by this service.
const (
	LabelManaged = "execbox.managed"
	LabelKind    = "execbox.kind"

	KindExecution = "execution"
	KindTerminal  = "terminal"
)

// Mount is a host directory bind-mounted into a sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec describes a sandbox to create.
type Spec struct {
	Name           string
	Image          string
	Cmd            []string
	WorkingDir     string
	Env            []string
	TTY            bool
	OpenStdin      bool
	Mounts         []Mount
	MemoryMB       int
	CPUs           float64
	PidsLimit      int64
	NetworkEnabled bool
	StopTimeout    time.Duration
	AutoRemove     bool
	Labels         map[string]string
}

// State is the lifecycle position of a sandbox.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateExited
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateRemoved:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handle identifies one sandbox. It belongs to the call that created it and
// is never reused.
type Handle struct {
	ID        string
	Image     string
	CreatedAt time.Time
	// AutoRemove is set when the engine reaps the sandbox on exit.
	AutoRemove bool

	mu    sync.Mutex
	state State
}

// NewHandle returns a handle in the Created state.
func NewHandle(id, image string) *Handle {
	return &Handle{ID: id, Image: image, CreatedAt: time.Now(), state: StateCreated}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// advance moves the handle forward; transitions backwards are ignored.
func (h *Handle) advance(next State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if next <= h.state {
		return false
	}
	h.state = next
	return true
}

// Streams is an attachment to a sandbox's stdio.
type Streams struct {
	// Input feeds the sandbox's stdin.
	Input io.Writer
	// Output yields the framed stdout/stderr stream, or the raw terminal
	// stream when the sandbox has a TTY.
	Output io.Reader

	closeInput func() error
	closeAll   func() error
	once       sync.Once
	closeErr   error
}

// NewStreams wires an attachment from its parts. closeInput signals
// end-of-input; closeAll tears the attachment down.
func NewStreams(input io.Writer, output io.Reader, closeInput, closeAll func() error) *Streams {
	return &Streams{Input: input, Output: output, closeInput: closeInput, closeAll: closeAll}
}

// CloseInput half-closes the attachment so the sandbox observes EOF on stdin.
func (s *Streams) CloseInput() error {
	if s.closeInput == nil {
		return nil
	}
	return s.closeInput()
}

// Close releases the attachment and unblocks pending reads. Safe to call
// more than once.
func (s *Streams) Close() error {
	s.once.Do(func() {
		if s.closeAll != nil {
			s.closeErr = s.closeAll()
		}
	})
	return s.closeErr
}

// ExecResult is the outcome of a command run inside a running sandbox.
type ExecResult struct {
	ExitCode int
	Output   []byte
}

// Runtime is the capability interface over the container engine.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (*Handle, error)
	Attach(ctx context.Context, h *Handle, tty bool) (*Streams, error)
	Start(ctx context.Context, h *Handle) error
	Resize(ctx context.Context, h *Handle, cols, rows uint) error
	Wait(ctx context.Context, h *Handle) (int64, error)
	Stop(ctx context.Context, h *Handle, grace time.Duration) error
	Remove(ctx context.Context, h *Handle) error
	Exec(ctx context.Context, h *Handle, cmd []string, workDir string) (ExecResult, error)
	PathExists(ctx context.Context, h *Handle, path string) (bool, error)
	Close() error
}

// ImageEnsurer makes an image available locally before a sandbox uses it.
type ImageEnsurer interface {
	Ensure(ctx context.Context, image string) error
}
