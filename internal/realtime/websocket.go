package realtime

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/event"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// SocketHandler upgrades to a websocket. The identity must already be on the
// request context. Clients join rooms with a ClientMessage; rooms the
// identity may not see are ignored.
func SocketHandler(hub *Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := session.FromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		c := NewClient(uuid.NewString(), sendBuffer)
		hub.Register(c)

		clog := log.With(
			zap.String("client_id", c.ID),
			zap.String("role", string(identity.Role)),
			zap.Int64("user_id", identity.UserID),
		)
		clog.Info("websocket connected")

		go writePump(conn, c, clog)
		go readPump(conn, hub, c, identity, clog)
	}
}

func readPump(conn *websocket.Conn, hub *Hub, c *Client, identity session.Identity, log *zap.Logger) {
	defer func() {
		hub.Unregister(c)
		_ = conn.Close()
		log.Info("websocket disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg event.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug("ignoring malformed client message", zap.Error(err))
			continue
		}

		rooms := make([]string, 0, len(msg.Rooms))
		for _, room := range msg.Rooms {
			if identity.CanSee(room) {
				rooms = append(rooms, room)
			} else {
				log.Warn("room denied", zap.String("room", room))
			}
		}

		switch msg.Action {
		case event.ActionJoin:
			hub.Join(c, rooms)
		case event.ActionLeave:
			hub.Leave(c, rooms)
		}
	}
}

func writePump(conn *websocket.Conn, c *Client, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
