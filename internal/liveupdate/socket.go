package liveupdate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/event"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

const (
	socketPongWait  = 60 * time.Second
	socketWriteWait = 10 * time.Second
)

// SocketTransport listens on the api's websocket, joined to the rooms of
// the session identity.
type SocketTransport struct {
	url      string
	identity session.Identity
	dialer   *websocket.Dialer
	log      *zap.Logger
}

func NewSocketTransport(url string, id session.Identity, log *zap.Logger) *SocketTransport {
	return &SocketTransport{
		url:      url,
		identity: id,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:      log,
	}
}

func (t *SocketTransport) Source() event.Source { return event.SourceSocket }

func (t *SocketTransport) Run(ctx context.Context, emit func(event.Event), healthy func(bool)) error {
	header := http.Header{}
	for k, v := range t.identity.Headers() {
		header.Set(k, v)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial socket: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial socket: %w", err)
	}
	defer conn.Close()

	join, err := json.Marshal(event.ClientMessage{Action: event.ActionJoin, Rooms: t.identity.Rooms()})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		return fmt.Errorf("join rooms: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(socketWriteWait))
	})

	healthy(true)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read socket: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))

		ev, err := event.DecodeFrame(raw)
		if err != nil {
			t.log.Warn("dropping socket message", zap.Error(err))
			continue
		}
		emit(ev)
	}
}
