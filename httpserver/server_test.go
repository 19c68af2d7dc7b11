package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/sandbox"
)

// fakeExecutor replays canned chunks and a canned result.
type fakeExecutor struct {
	chunks []sandbox.OutputChunk
	result sandbox.ExecuteResult
	err    error
	// errAfterChunks fails after the chunks were emitted
	errAfterChunks bool
	got            []sandbox.ExecuteRequest
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.ExecuteRequest, emit sandbox.EmitFunc) (sandbox.ExecuteResult, error) {
	f.got = append(f.got, req)
	if f.err != nil && !f.errAfterChunks {
		return sandbox.ExecuteResult{}, f.err
	}
	for _, c := range f.chunks {
		if err := emit(c); err != nil {
			return sandbox.ExecuteResult{}, err
		}
	}
	return f.result, f.err
}

func (f *fakeExecutor) ExecuteBuffered(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, []byte, error) {
	var out bytes.Buffer
	res, err := f.Execute(ctx, req, func(c sandbox.OutputChunk) error {
		out.Write(c.Data)
		return nil
	})
	return res, out.Bytes(), err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, exec Executor, opts ...Option) *Server {
	t.Helper()
	profiles, err := sandbox.NewProfileTable(config.DefaultLanguages())
	require.NoError(t, err)
	return New(zaptest.NewLogger(t), 0, exec, profiles, opts...)
}

func postExecute(t *testing.T, h http.Handler, query, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/execute"+query, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func chunk(s sandbox.Stream, data string) sandbox.OutputChunk {
	return sandbox.OutputChunk{Stream: s, Data: []byte(data)}
}

func TestExecuteStreamed(t *testing.T) {
	exec := &fakeExecutor{
		chunks: []sandbox.OutputChunk{
			chunk(sandbox.StreamStdout, "hello\n"),
			chunk(sandbox.StreamStderr, "oops\n"),
		},
		result: sandbox.ExecuteResult{ExitCode: 1, Outcome: sandbox.OutcomeProgramFailure},
	}
	srv := httptest.NewServer(newTestServer(t, exec).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/execute", "application/json",
		strings.NewReader(`{"language":"python","code":"print(1)","workspacePath":"/srv/p"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "hello\noops\n", string(body))
	assert.Equal(t, "1", resp.Trailer.Get(headerExitCode))
	assert.Equal(t, "program_failure", resp.Trailer.Get(headerOutcome))

	require.Len(t, exec.got, 1)
	assert.Equal(t, sandbox.ExecuteRequest{Language: "python", Code: "print(1)", WorkspacePath: "/srv/p"}, exec.got[0])
}

func TestExecuteStreamedNoOutput(t *testing.T) {
	exec := &fakeExecutor{result: sandbox.ExecuteResult{Outcome: sandbox.OutcomeSuccess}}
	srv := httptest.NewServer(newTestServer(t, exec).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/execute", "application/json", strings.NewReader(`{"language":"go","code":"package main"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Trailer.Get(headerExitCode))
	assert.Equal(t, "success", resp.Trailer.Get(headerOutcome))
}

func TestExecuteStreamedFailures(t *testing.T) {
	t.Run("setup failure before output", func(t *testing.T) {
		exec := &fakeExecutor{err: &sandbox.Error{Kind: sandbox.KindSetup, Op: "ensure image", Image: "gcc:13", Err: errors.New("pull denied")}}
		rec := postExecute(t, newTestServer(t, exec).Handler(), "", `{"language":"c","code":"int main(){}"}`)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "pull denied")
		assert.Contains(t, rec.Body.String(), "gcc:13")
	})

	t.Run("validation failure", func(t *testing.T) {
		exec := &fakeExecutor{err: sandbox.ValidationError("unsupported language: %s", "cobol")}
		rec := postExecute(t, newTestServer(t, exec).Handler(), "", `{"language":"cobol","code":"x"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "unsupported language: cobol", body["error"])
	})

	t.Run("failure after output started", func(t *testing.T) {
		exec := &fakeExecutor{
			chunks:         []sandbox.OutputChunk{chunk(sandbox.StreamStdout, "partial")},
			err:            &sandbox.Error{Kind: sandbox.KindInternal, Op: "wait for sandbox", Err: errors.New("engine restarted")},
			errAfterChunks: true,
		}
		rec := postExecute(t, newTestServer(t, exec).Handler(), "", `{"language":"python","code":"x"}`)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "partial", rec.Body.String())
		assert.Equal(t, outcomeError, rec.Result().Trailer.Get(headerOutcome))
	})
}

func TestExecuteBadRequests(t *testing.T) {
	exec := &fakeExecutor{}
	h := newTestServer(t, exec).Handler()

	rec := postExecute(t, h, "", `{"language":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid JSON")

	rec = postExecute(t, h, "?mode=sideways", `{"language":"python","code":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown mode")

	assert.Empty(t, exec.got)
}

func TestExecuteBuffered(t *testing.T) {
	tests := []struct {
		name       string
		result     sandbox.ExecuteResult
		wantStatus int
	}{
		{"success", sandbox.ExecuteResult{Outcome: sandbox.OutcomeSuccess, SandboxID: "abc"}, http.StatusOK},
		{"program failure", sandbox.ExecuteResult{ExitCode: 2, Outcome: sandbox.OutcomeProgramFailure}, http.StatusBadRequest},
		{"timeout", sandbox.ExecuteResult{ExitCode: -1, Outcome: sandbox.OutcomeTimeout, Truncated: true}, http.StatusRequestTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExecutor{
				chunks: []sandbox.OutputChunk{chunk(sandbox.StreamStdout, "out "), chunk(sandbox.StreamStderr, "err")},
				result: tt.result,
			}
			rec := postExecute(t, newTestServer(t, exec).Handler(), "?mode=buffered", `{"language":"js","code":"x"}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "out err", rec.Body.String())
			assert.Equal(t, string(tt.result.Outcome), rec.Header().Get(headerOutcome))
			assert.Equal(t, tt.result.SandboxID, rec.Header().Get(headerSandbox))
			if tt.result.Truncated {
				assert.Equal(t, "true", rec.Header().Get(headerTruncated))
			}
		})
	}

	t.Run("setup failure", func(t *testing.T) {
		exec := &fakeExecutor{err: &sandbox.Error{Kind: sandbox.KindSetup, Op: "create sandbox", Err: errors.New("no space left")}}
		rec := postExecute(t, newTestServer(t, exec).Handler(), "?mode=buffered", `{"language":"js","code":"x"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "no space left")
	})
}

func TestLanguages(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(t, &fakeExecutor{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/languages", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var langs []languageInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &langs))
	require.Len(t, langs, 6)
	assert.Equal(t, languageInfo{ID: "c", Image: "gcc:13"}, langs[0])
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer(t, &fakeExecutor{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	newTestServer(t, &fakeExecutor{}, WithPinger(fakePinger{err: errors.New("socket missing")})).
		Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "socket missing")
}

func TestOptionalRoutes(t *testing.T) {
	h := newTestServer(t, &fakeExecutor{}).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/terminal", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("execbox_up 1\n"))
	})
	rec = httptest.NewRecorder()
	newTestServer(t, &fakeExecutor{}, WithMetrics(metrics)).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "execbox_up 1\n", rec.Body.String())
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(t, &fakeExecutor{})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}
