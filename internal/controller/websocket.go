package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/angariumd/hcmp/internal/auth"
	"github.com/angariumd/hcmp/internal/events"
	"github.com/angariumd/hcmp/internal/history"
	"github.com/angariumd/hcmp/internal/pool"
)

const writeWait = 10 * time.Second

// wsConn adapts a websocket to the event bus and the terminal proxy.
// gorilla allows one concurrent writer, so writes are serialized here.
type wsConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c}
}

func (c *wsConn) Send(ctx context.Context, msg string) error {
	return c.WriteText(ctx, msg)
}

func (c *wsConn) WriteText(_ context.Context, s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

// ReadText returns the next text or binary frame. It is unblocked by Close,
// not by ctx.
func (c *wsConn) ReadText(_ context.Context) (string, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return string(data), nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// serveViewer registers the socket under subject until the client goes away.
func (s *Server) serveViewer(w http.ResponseWriter, r *http.Request, subject events.Subject, greeting string) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newWSConn(ws)
	defer conn.Close()

	if greeting != "" {
		if err := conn.WriteText(r.Context(), greeting); err != nil {
			return
		}
	}

	if err := s.bus.Subscribe(subject, conn); err != nil {
		s.log.Warn("viewer subscribe failed", zap.Stringer("subject", subject), zap.Error(err))
		return
	}
	defer s.bus.Unsubscribe(subject, conn)

	// Inbound frames are ignored; reading only detects the disconnect.
	for {
		if _, err := conn.ReadText(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	job, err := s.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) || (err == nil && !user.IsAdmin() && job.Owner != user.ID) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	s.serveViewer(w, r, events.JobSubject(id), fmt.Sprintf("[System] connected to job #%d log stream", id))
}

func (s *Server) handleAlarmStream(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	target := r.PathValue("user")
	if target != user.ID && !user.IsAdmin() {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	s.serveViewer(w, r, events.UserSubject(target), "")
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	address := r.PathValue("address")

	m, err := s.pool.Get(r.Context(), address)
	if errors.Is(err, pool.ErrNotFound) {
		http.Error(w, "machine not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if !user.IsAdmin() && (m.Occupant == nil || *m.Occupant != user.ID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.log.Info("terminal requested", zap.String("user", user.ID), zap.String("address", address))
	// Serve closes the socket.
	if err := s.terminal.Serve(r.Context(), newWSConn(ws), address); err != nil {
		s.log.Info("terminal session ended", zap.String("address", address), zap.Error(err))
	}
}
