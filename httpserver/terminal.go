package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/logger"
	"github.com/isdmx/execbox/sandbox"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// callers are authorized upstream
	CheckOrigin: func(*http.Request) bool { return true },
}

// Terminal is one live interactive session.
type Terminal interface {
	SessionID() string
	Write(p []byte) (int, error)
	Resize(ctx context.Context, cols, rows uint) error
	Done() <-chan struct{}
	ExitCode() int64
	Close() error
}

// Terminals opens interactive sessions.
type Terminals interface {
	Open(ctx context.Context, req sandbox.SessionRequest, emit sandbox.EmitFunc) (Terminal, error)
}

// SessionTerminals serves terminals from a session manager.
func SessionTerminals(m *sandbox.SessionManager) Terminals {
	return managerTerminals{m: m}
}

type managerTerminals struct{ m *sandbox.SessionManager }

func (t managerTerminals) Open(ctx context.Context, req sandbox.SessionRequest, emit sandbox.EmitFunc) (Terminal, error) {
	s, err := t.m.Start(ctx, req, emit)
	if err != nil {
		return nil, err
	}
	return sessionTerminal{s}, nil
}

type sessionTerminal struct{ *sandbox.Session }

func (t sessionTerminal) SessionID() string { return t.ID }

// terminalMessage is sent by the client.
type terminalMessage struct {
	Type  string `json:"type"`
	Image string `json:"image,omitempty"`
	Data  string `json:"data,omitempty"`
	Cols  uint   `json:"cols,omitempty"`
	Rows  uint   `json:"rows,omitempty"`
}

// terminalEvent is sent to the client.
type terminalEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Code      *int64 `json:"code,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	conn   *websocket.Conn
	logger *zap.Logger
	mu     sync.Mutex
}

func (c *wsConn) send(ev terminalEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.logger.Debug("websocket write failed", zap.Error(err))
		return err
	}
	return nil
}

func (c *wsConn) sendError(msg string) {
	_ = c.send(terminalEvent{Type: "error", Message: msg})
}

func (c *wsConn) closeNormal(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ws := &wsConn{conn: conn, logger: s.logger}
	ctx := r.Context()

	// the exit watcher writes to conn, so it must finish before conn closes
	var watchers sync.WaitGroup
	defer watchers.Wait()

	var term Terminal
	defer func() {
		if term != nil {
			_ = term.Close()
		}
	}()

	for {
		var msg terminalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "start":
			if term != nil {
				ws.sendError("session already started")
				continue
			}
			term, err = s.openTerminal(ctx, ws, msg, &watchers)
			if err != nil {
				ws.sendError(err.Error())
				continue
			}

		case "input":
			if term == nil {
				ws.sendError("no session")
				continue
			}
			if _, err := term.Write([]byte(msg.Data)); err != nil {
				ws.sendError(err.Error())
			}

		case "resize":
			if term == nil {
				ws.sendError("no session")
				continue
			}
			if err := term.Resize(ctx, msg.Cols, msg.Rows); err != nil {
				ws.sendError(err.Error())
			}

		default:
			ws.sendError("unknown message type: " + msg.Type)
		}
	}
}

// openTerminal starts a session and announces it before any output is sent.
func (s *Server) openTerminal(ctx context.Context, ws *wsConn, msg terminalMessage, watchers *sync.WaitGroup) (Terminal, error) {
	ready := make(chan struct{})
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(ready) }) }
	defer markReady()

	emit := func(chunk sandbox.OutputChunk) error {
		<-ready
		return ws.send(terminalEvent{Type: "output", Data: string(chunk.Data)})
	}

	term, err := s.terminals.Open(ctx, sandbox.SessionRequest{Image: msg.Image, Cols: msg.Cols, Rows: msg.Rows}, emit)
	if err != nil {
		if !sandbox.IsValidation(err) {
			s.logger.Error("failed to open terminal", zap.String(logger.FieldImage, msg.Image), zap.Error(err))
		}
		return nil, err
	}

	_ = ws.send(terminalEvent{Type: "started", SessionID: term.SessionID()})
	markReady()

	watchers.Add(1)
	go func() {
		defer watchers.Done()
		<-term.Done()
		code := term.ExitCode()
		_ = ws.send(terminalEvent{Type: "exit", Code: &code})
		ws.closeNormal("session ended")
	}()

	return term, nil
}
