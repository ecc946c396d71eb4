package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 64 << 10
)

// wsConn adapts a gorilla connection to registry.Conn.
type wsConn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(wsMaxMessageSize)
	return &wsConn{ws: ws}
}

// Send writes one text frame. The write deadline is the earlier of ctx's
// deadline and wsWriteWait from now.
func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// Close sends a normal-closure frame and closes the socket. Safe to call more than once.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// checkOrigin applies the CORS allow-list to WebSocket upgrades. Requests
// without an Origin header (non-browser clients) are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.config.CORSOrigins {
		switch {
		case allowed == "*":
			return true
		case strings.EqualFold(allowed, origin):
			return true
		case strings.EqualFold(allowed, u.Scheme+"://"+u.Host):
			return true
		}
	}
	return strings.EqualFold(u.Host, r.Host)
}
