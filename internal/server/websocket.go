package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla connection to broadcast.Conn. Gorilla permits only
// one concurrent writer, and broadcast deliveries race with protocol
// replies, so writes are serialized behind a mutex.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// wsMessage is the client-to-server message envelope.
type wsMessage struct {
	Type        string `json:"type"`
	Environment string `json:"environment,omitempty"`
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range s.allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleWebSocket upgrades the connection and serves the message protocol:
// ping/pong, login, and subscribe. The connection is unsubscribed from the
// hub when the read loop ends, however it ends.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := &wsConn{conn: raw}
	logger := s.logger.With(slog.String("remote_addr", raw.RemoteAddr().String()))
	logger.Info("websocket connected")

	defer func() {
		s.hub.Unsubscribe(conn)
		raw.Close()
		logger.Info("websocket disconnected")
	}()

	for {
		var msg wsMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		switch msg.Type {
		case "ping":
			conn.WriteJSON(map[string]any{
				"type":      "pong",
				"timestamp": time.Now().UTC(),
			})

		case "subscribe":
			var filters []string
			ack := "all"
			if msg.Environment != "" {
				filters = append(filters, msg.Environment)
				ack = msg.Environment
			}
			s.hub.Subscribe(conn, filters...)
			conn.WriteJSON(map[string]any{
				"type":        "subscribed",
				"environment": ack,
			})

		case "login":
			envID := msg.Environment
			if envID == "" {
				envID = defaultEnvironment
			}
			result, failure := s.doLogin(r.Context(), envID)

			reply := map[string]any{"type": "login-result"}
			if failure != nil {
				reply["success"] = false
				reply["error"] = string(failure.Kind)
				reply["message"] = failure.Message
				if len(failure.Missing) > 0 {
					reply["missing"] = fieldNames(failure.Missing)
				}
			} else {
				reply["success"] = true
				reply["environment"] = result.Environment
				reply["token"] = result.Token
				reply["jwt"] = result.JWT
			}
			conn.WriteJSON(reply)

		default:
			conn.WriteJSON(map[string]any{
				"type":    "error",
				"message": "unknown message type: " + msg.Type,
			})
		}
	}
}
