package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// lockedBuffer records sandbox stdin across goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fakeSandbox struct {
	pr       *io.PipeReader
	pw       *io.PipeWriter
	input    *lockedBuffer
	exit     chan int64
	killed   chan struct{}
	killOnce sync.Once
}

func (s *fakeSandbox) kill() {
	s.killOnce.Do(func() { close(s.killed) })
}

// fakeRuntime is an in-memory Runtime. A started sandbox writes output,
// then exits with exitCode, or blocks until stopped when hang is set.
type fakeRuntime struct {
	mu sync.Mutex

	output     []byte
	exitCode   int64
	hang       bool
	createErr  error
	attachErr  error
	startErr   error
	existing   map[string]bool
	execResult ExecResult
	execErr    error

	specs     []Spec
	creates   int
	starts    int
	stops     int
	graces    []time.Duration
	removes   int
	closed    bool
	execs     [][]string
	resizes   [][2]uint
	sandboxes map[string]*fakeSandbox
	last      *fakeSandbox
}

var _ Runtime = (*fakeRuntime)(nil)

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{sandboxes: make(map[string]*fakeSandbox)}
}

func (f *fakeRuntime) Create(_ context.Context, spec Spec) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates++
	f.specs = append(f.specs, spec)

	pr, pw := io.Pipe()
	sb := &fakeSandbox{
		pr:     pr,
		pw:     pw,
		input:  &lockedBuffer{},
		exit:   make(chan int64, 1),
		killed: make(chan struct{}),
	}
	id := fmt.Sprintf("fake%060d", f.creates)
	f.sandboxes[id] = sb
	f.last = sb

	h := NewHandle(id, spec.Image)
	h.AutoRemove = spec.AutoRemove
	return h, nil
}

func (f *fakeRuntime) sandbox(h *Handle) (*fakeSandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[h.ID]
	if !ok {
		return nil, errors.New("no such sandbox")
	}
	return sb, nil
}

func (f *fakeRuntime) Attach(_ context.Context, h *Handle, _ bool) (*Streams, error) {
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	sb, err := f.sandbox(h)
	if err != nil {
		return nil, err
	}
	return NewStreams(sb.input, sb.pr, func() error { return nil }, sb.pr.Close), nil
}

func (f *fakeRuntime) Start(_ context.Context, h *Handle) error {
	sb, err := f.sandbox(h)
	if err != nil {
		return err
	}
	f.mu.Lock()
	if f.startErr != nil {
		f.mu.Unlock()
		return f.startErr
	}
	f.starts++
	output, hang, code := f.output, f.hang, f.exitCode
	f.mu.Unlock()

	go func() {
		if len(output) > 0 {
			_, _ = sb.pw.Write(output)
		}
		if hang {
			<-sb.killed
			_ = sb.pw.Close()
			sb.exit <- 137
			return
		}
		_ = sb.pw.Close()
		sb.exit <- code
	}()
	return nil
}

func (f *fakeRuntime) Resize(_ context.Context, _ *Handle, cols, rows uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint{cols, rows})
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, h *Handle) (int64, error) {
	sb, err := f.sandbox(h)
	if err != nil {
		return -1, err
	}
	select {
	case code := <-sb.exit:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *fakeRuntime) Stop(_ context.Context, h *Handle, grace time.Duration) error {
	sb, err := f.sandbox(h)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.stops++
	f.graces = append(f.graces, grace)
	f.mu.Unlock()
	sb.kill()
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, _ *Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes++
	return nil
}

func (f *fakeRuntime) Exec(_ context.Context, _ *Handle, cmd []string, _ string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, cmd)
	return f.execResult, f.execErr
}

func (f *fakeRuntime) PathExists(_ context.Context, _ *Handle, p string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[p], nil
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type counts struct{ creates, starts, stops, removes int }

func (f *fakeRuntime) counts() counts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return counts{f.creates, f.starts, f.stops, f.removes}
}

// fakeImages is an ImageEnsurer that records requests.
type fakeImages struct {
	mu     sync.Mutex
	err    error
	images []string
}

func (f *fakeImages) Ensure(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, image)
	return f.err
}
