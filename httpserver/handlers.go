package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/sandbox"
)

const (
	maxRequestBytes = 4 << 20

	headerExitCode  = "X-Exit-Code"
	headerOutcome   = "X-Execution-Outcome"
	headerSandbox   = "X-Sandbox-Id"
	headerTruncated = "X-Output-Truncated"

	outcomeError = "error"
)

type executeRequest struct {
	Language      string `json:"language"`
	Code          string `json:"code"`
	WorkspacePath string `json:"workspacePath,omitempty"`
}

type languageInfo struct {
	ID    string `json:"id"`
	Image string `json:"image"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeText(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer r.Body.Close()

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	req := sandbox.ExecuteRequest{
		Language:      body.Language,
		Code:          body.Code,
		WorkspacePath: body.WorkspacePath,
	}

	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "stream", "streamed":
		s.executeStreamed(w, r, req)
	case "buffered":
		s.executeBuffered(w, r, req)
	default:
		writeError(w, http.StatusBadRequest, "unknown mode: "+mode)
	}
}

// executeStreamed forwards output as it arrives. Headers are committed with
// the first chunk, so failures before any output still get a proper status.
func (s *Server) executeStreamed(w http.ResponseWriter, r *http.Request, req sandbox.ExecuteRequest) {
	sw := newStreamWriter(w)

	res, err := s.exec.Execute(r.Context(), req, func(chunk sandbox.OutputChunk) error {
		return sw.write(chunk.Data)
	})
	if err != nil {
		s.logFailure(r, req, err)
		if !sw.started {
			s.writeFailure(w, err)
			return
		}
		w.Header().Set(headerOutcome, outcomeError)
		return
	}

	sw.begin()
	w.Header().Set(headerExitCode, strconv.FormatInt(res.ExitCode, 10))
	w.Header().Set(headerOutcome, string(res.Outcome))
}

func (s *Server) executeBuffered(w http.ResponseWriter, r *http.Request, req sandbox.ExecuteRequest) {
	res, output, err := s.exec.ExecuteBuffered(r.Context(), req)
	if err != nil {
		s.logFailure(r, req, err)
		s.writeFailure(w, err)
		return
	}

	h := w.Header()
	h.Set(headerExitCode, strconv.FormatInt(res.ExitCode, 10))
	h.Set(headerOutcome, string(res.Outcome))
	h.Set(headerSandbox, res.SandboxID)
	if res.Truncated {
		h.Set(headerTruncated, "true")
	}
	writeText(w, outcomeStatus(res.Outcome), output)
}

// outcomeStatus maps a finished execution to the buffered-mode status code.
func outcomeStatus(o sandbox.Outcome) int {
	switch o {
	case sandbox.OutcomeSuccess:
		return http.StatusOK
	case sandbox.OutcomeTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	if sandbox.IsValidation(err) {
		var se *sandbox.Error
		msg := err.Error()
		if errors.As(err, &se) && se.Err != nil {
			msg = se.Err.Error()
		}
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	w.Header().Set(headerOutcome, outcomeError)
	writeText(w, http.StatusInternalServerError, []byte(err.Error()+"\n"))
}

func (s *Server) logFailure(r *http.Request, req sandbox.ExecuteRequest, err error) {
	fields := []zap.Field{
		zap.String(logger.FieldLanguage, req.Language),
		zap.String("kind", sandbox.KindOf(err).String()),
		zap.String("request_id", requestID(r)),
		zap.Error(err),
	}
	switch sandbox.KindOf(err) {
	case sandbox.KindValidation:
		s.logger.Debug("rejected execution request", fields...)
	case sandbox.KindTransport:
		s.logger.Info("client went away during execution", fields...)
	default:
		s.logger.Error("execution failed", fields...)
	}
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	profiles := s.profiles.Profiles()
	out := make([]languageInfo, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, languageInfo{ID: p.ID, Image: p.Image})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
