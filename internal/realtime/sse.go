package realtime

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

type message struct {
	kind string
	data []byte
}

// Broker fans events out to server-sent-event streams keyed like
// "doctor/7".
type Broker struct {
	heartbeat time.Duration
	buffer    int
	log       *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[chan message]struct{}
}

func NewBroker(heartbeat time.Duration, log *zap.Logger) *Broker {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Broker{heartbeat: heartbeat, buffer: 64, log: log, subs: make(map[string]map[chan message]struct{})}
}

func StreamKey(kind string, id int64) string {
	return fmt.Sprintf("%s/%d", kind, id)
}

func (b *Broker) subscribe(stream string) (chan message, func()) {
	ch := make(chan message, b.buffer)

	b.mu.Lock()
	if b.subs[stream] == nil {
		b.subs[stream] = make(map[chan message]struct{})
	}
	b.subs[stream][ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[stream], ch)
		if len(b.subs[stream]) == 0 {
			delete(b.subs, stream)
		}
	}
}

// Publish sends one event to every subscriber of stream without waiting on
// slow readers.
func (b *Broker) Publish(stream, kind string, data []byte) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for ch := range b.subs[stream] {
		select {
		case ch <- message{kind: kind, data: data}:
			n++
		default:
		}
	}
	return n
}

func (b *Broker) Subscribers(stream string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[stream])
}

// Handler serves GET /events/{role}/{id}. The identity on the request must
// own the stream it asks for.
func (b *Broker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := session.FromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		stream := chi.URLParam(r, "role") + "/" + chi.URLParam(r, "id")
		if identity.StreamPath() != "/events/"+stream {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ch, unsubscribe := b.subscribe(stream)
		defer unsubscribe()

		log := b.log.With(zap.String("stream", stream))
		log.Debug("sse stream opened")

		ticker := time.NewTicker(b.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				log.Debug("sse stream closed")
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case m := <-ch:
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.kind, m.data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
