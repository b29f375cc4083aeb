package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/loppo-llc/monoterm/internal/session"
)

// WebSocket message types
type WSMessage struct {
	Type string `json:"type"`
}

// WSStartMsg asks for a command to run on this connection.
type WSStartMsg struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Command   string `json:"command"`
	Workspace string `json:"workspace,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Cols      int    `json:"cols,omitempty"`
}

type WSInputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type WSResizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type WSHelloMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

type WSLogMsg struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type WSErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type WSExitMsg struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exitCode"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024) // 64KB max for terminal input

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := uuid.NewString()
	s.logger.Info("websocket connected", "conn", connID)
	s.metrics.WSConnected()
	defer s.metrics.WSDisconnected()

	c := &client{ctx: ctx, out: make(chan []byte, s.sendQueue)}

	// disconnect is a stop
	defer func() {
		if s.sessions.StopByConnection(connID) {
			s.logger.Info("session stopped on disconnect", "conn", connID)
		}
		s.logger.Info("websocket disconnected", "conn", connID)
	}()

	c.send(WSHelloMsg{Type: "hello", ConnectionID: connID})

	// keepalive: ping periodically to detect dead connections on mobile
	go s.wsPingLoop(ctx, cancel, conn)

	// write to client
	go s.wsWriteLoop(ctx, cancel, conn, c)

	// read from client
	s.wsReadLoop(ctx, conn, connID, c)
}

func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, conn *websocket.Conn, connID string, c *client) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid ws message", "err", err)
			continue
		}

		switch msg.Type {
		case "start":
			var start WSStartMsg
			if err := json.Unmarshal(data, &start); err != nil {
				continue
			}
			_, err := s.sessions.Start(connID, session.StartRequest{
				Path:         start.Path,
				Command:      start.Command,
				WorkspaceTag: start.Workspace,
				Rows:         start.Rows,
				Cols:         start.Cols,
			}, c)
			if err != nil {
				// the error event already reached the client
				var se *session.SpawnError
				if !errors.As(err, &se) {
					c.send(WSErrorMsg{Type: "error", Message: "Error handling command: " + err.Error()})
				}
			}

		case "input":
			var input WSInputMsg
			if err := json.Unmarshal(data, &input); err != nil {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(input.Data)
			if err != nil {
				continue
			}
			sess, ok := s.sessions.Get(connID)
			if !ok {
				continue
			}
			n, err := sess.Write(decoded)
			if err != nil {
				s.logger.Debug("terminal write error", "conn", connID, "err", err)
			}
			s.metrics.Input(n)

		case "resize":
			var resize WSResizeMsg
			if err := json.Unmarshal(data, &resize); err != nil {
				continue
			}
			sess, ok := s.sessions.Get(connID)
			if !ok {
				s.metrics.Resize("dropped")
				continue
			}
			applied, err := sess.Resize(resize.Rows, resize.Cols)
			switch {
			case err != nil:
				s.logger.Debug("terminal resize error", "conn", connID, "err", err)
				s.metrics.Resize("failed")
			case applied:
				s.metrics.Resize("applied")
			default:
				s.metrics.Resize("dropped")
			}

		case "stop":
			s.sessions.StopByConnection(connID)

		default:
			s.logger.Debug("unknown ws message type", "type", msg.Type)
		}
	}
}

func (s *Server) wsWriteLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *client) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.out:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// client is the session.Sink for one websocket connection. Frames are queued
// in order; a full queue blocks the session's relay until the writer catches
// up or the connection goes away.
type client struct {
	ctx context.Context
	out chan []byte
}

func (c *client) Emit(ev session.Event) {
	switch ev.Type {
	case session.EventLog:
		c.send(WSLogMsg{Type: "log", Data: base64.StdEncoding.EncodeToString(ev.Data)})
	case session.EventError:
		c.send(WSErrorMsg{Type: "error", Message: ev.Message})
	case session.EventExit:
		c.send(WSExitMsg{Type: "exit", ExitCode: ev.ExitCode})
	}
}

func (c *client) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- data:
	case <-c.ctx.Done():
	}
}
