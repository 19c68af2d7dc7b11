package sandbox

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// framed builds a multiplexed stream the way the engine emits it.
func framed(t *testing.T, frames ...OutputChunk) []byte {
	t.Helper()
	var buf bytes.Buffer
	stdout := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	stderr := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	for _, f := range frames {
		var err error
		switch f.Stream {
		case StreamStderr:
			_, err = stderr.Write(f.Data)
		default:
			_, err = stdout.Write(f.Data)
		}
		require.NoError(t, err)
	}
	return buf.Bytes()
}

func collect(chunks *[]OutputChunk) EmitFunc {
	return func(c OutputChunk) error {
		*chunks = append(*chunks, c)
		return nil
	}
}

func TestDemux(t *testing.T) {
	t.Run("PreservesOrderAndTags", func(t *testing.T) {
		input := framed(t,
			OutputChunk{Stream: StreamStdout, Data: []byte("one\n")},
			OutputChunk{Stream: StreamStderr, Data: []byte("warn\n")},
			OutputChunk{Stream: StreamStdout, Data: []byte("two\n")},
		)

		var got []OutputChunk
		require.NoError(t, Demux(bytes.NewReader(input), collect(&got)))

		require.Len(t, got, 3)
		assert.Equal(t, OutputChunk{Stream: StreamStdout, Data: []byte("one\n")}, got[0])
		assert.Equal(t, OutputChunk{Stream: StreamStderr, Data: []byte("warn\n")}, got[1])
		assert.Equal(t, OutputChunk{Stream: StreamStdout, Data: []byte("two\n")}, got[2])
	})

	t.Run("ChunksDoNotAliasBuffer", func(t *testing.T) {
		input := framed(t,
			OutputChunk{Stream: StreamStdout, Data: []byte("aaaa")},
			OutputChunk{Stream: StreamStdout, Data: []byte("bbbb")},
		)

		var got []OutputChunk
		require.NoError(t, Demux(bytes.NewReader(input), collect(&got)))

		require.Len(t, got, 2)
		assert.Equal(t, "aaaa", string(got[0].Data))
		assert.Equal(t, "bbbb", string(got[1].Data))
	})

	t.Run("EmptyStream", func(t *testing.T) {
		var got []OutputChunk
		require.NoError(t, Demux(bytes.NewReader(nil), collect(&got)))
		assert.Empty(t, got)
	})

	t.Run("EmitErrorStops", func(t *testing.T) {
		input := framed(t,
			OutputChunk{Stream: StreamStdout, Data: []byte("one")},
			OutputChunk{Stream: StreamStdout, Data: []byte("two")},
		)
		sinkErr := errors.New("client gone")

		calls := 0
		err := Demux(bytes.NewReader(input), func(OutputChunk) error {
			calls++
			return sinkErr
		})

		require.ErrorIs(t, err, sinkErr)
		assert.Equal(t, 1, calls)
	})

	t.Run("TruncatedFrame", func(t *testing.T) {
		input := framed(t, OutputChunk{Stream: StreamStdout, Data: []byte("hello world")})

		// the engine closes mid-frame when a sandbox is killed; the partial
		// frame is dropped rather than reported
		var got []OutputChunk
		require.NoError(t, Demux(bytes.NewReader(input[:len(input)-3]), collect(&got)))
		assert.Empty(t, got)
	})

	t.Run("ReadErrorPropagates", func(t *testing.T) {
		readErr := errors.New("connection reset")
		r := io.MultiReader(bytes.NewReader(nil), &failingReader{err: readErr})

		err := Demux(r, func(OutputChunk) error { return nil })
		require.ErrorIs(t, err, readErr)
	})
}

func TestPump(t *testing.T) {
	t.Run("RawTTY", func(t *testing.T) {
		var got []OutputChunk
		require.NoError(t, Pump(bytes.NewReader([]byte("$ ls\r\n")), true, collect(&got)))

		require.Len(t, got, 1)
		assert.Equal(t, StreamCombined, got[0].Stream)
		assert.Equal(t, "$ ls\r\n", string(got[0].Data))
	})

	t.Run("FramedWithoutTTY", func(t *testing.T) {
		input := framed(t, OutputChunk{Stream: StreamStderr, Data: []byte("oops")})

		var got []OutputChunk
		require.NoError(t, Pump(bytes.NewReader(input), false, collect(&got)))

		require.Len(t, got, 1)
		assert.Equal(t, StreamStderr, got[0].Stream)
	})
}

func TestStreamString(t *testing.T) {
	assert.Equal(t, "stdout", StreamStdout.String())
	assert.Equal(t, "stderr", StreamStderr.String())
	assert.Equal(t, "combined", StreamCombined.String())
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }
