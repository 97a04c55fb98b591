package event

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Frame is one message pushed over the websocket, addressed to a room.
type Frame struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data"`
}

const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// ClientMessage is what a socket client sends to change its rooms.
type ClientMessage struct {
	Action string   `json:"action"`
	Rooms  []string `json:"rooms"`
}

func NewFrame(room string, ev Event) ([]byte, error) {
	data, err := Encode(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: string(ev.Kind), Room: room, Data: data})
}

// DecodeFrame unwraps a socket message into its event.
func DecodeFrame(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(f.Data) == 0 {
		return Event{}, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	return Decode(f.Event, f.Data, SourceSocket)
}
