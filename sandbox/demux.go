package sandbox

import (
	"errors"
	"io"

	"github.com/docker/docker/pkg/stdcopy"
)

// Stream tags the origin of an output chunk.
type Stream int

const (
	StreamStdout Stream = iota + 1
	StreamStderr
	// StreamCombined is used for TTY output, which is not framed.
	StreamCombined
)

func (s Stream) String() string {
	switch s {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	case StreamCombined:
		return "combined"
	default:
		return "unknown"
	}
}

// OutputChunk is one piece of sandbox output.
type OutputChunk struct {
	Stream Stream
	Data   []byte
}

// EmitFunc receives output chunks in the order the sandbox produced them.
// Returning an error stops the stream.
type EmitFunc func(OutputChunk) error

const rawReadSize = 32 * 1024

// chunkWriter turns each frame payload written by stdcopy into a chunk.
type chunkWriter struct {
	stream Stream
	emit   EmitFunc
	err    error
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	// stdcopy reuses its buffer between frames
	data := make([]byte, len(p))
	copy(data, p)
	if err := w.emit(OutputChunk{Stream: w.stream, Data: data}); err != nil {
		w.err = err
		return 0, err
	}
	return len(p), nil
}

// Demux decodes the engine's multiplexed stdout/stderr framing from r and
// emits one chunk per frame until r is exhausted. An error returned by emit
// is passed through unchanged.
func Demux(r io.Reader, emit EmitFunc) error {
	stdout := &chunkWriter{stream: StreamStdout, emit: emit}
	stderr := &chunkWriter{stream: StreamStderr, emit: emit}

	_, err := stdcopy.StdCopy(stdout, stderr, r)
	if stdout.err != nil {
		return stdout.err
	}
	if stderr.err != nil {
		return stderr.err
	}
	return err
}

// Pump forwards everything read from r. TTY output is raw and is emitted as
// combined chunks; otherwise the stream is demultiplexed.
func Pump(r io.Reader, tty bool, emit EmitFunc) error {
	if !tty {
		return Demux(r, emit)
	}

	buf := make([]byte, rawReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if emitErr := emit(OutputChunk{Stream: StreamCombined, Data: data}); emitErr != nil {
				return emitErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
