package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// streamWriteTimeout bounds one chunk write so a client that stopped reading
// cannot hold the execution open.
const streamWriteTimeout = 10 * time.Second

// streamWriter commits the streamed response lazily and flushes every
// chunk so output reaches the client while the program runs.
type streamWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	return &streamWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *streamWriter) begin() {
	if s.started {
		return
	}
	s.started = true

	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-cache")
	h.Add("Trailer", headerExitCode)
	h.Add("Trailer", headerOutcome)
	s.w.WriteHeader(http.StatusOK)
}

func (s *streamWriter) write(p []byte) error {
	s.begin()
	// not every ResponseWriter supports deadlines; the deadline is cleared
	// afterwards so trailers can follow a long silent run
	_ = s.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	defer func() { _ = s.rc.SetWriteDeadline(time.Time{}) }()
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	return s.rc.Flush()
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
