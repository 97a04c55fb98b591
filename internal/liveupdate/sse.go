package liveupdate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/event"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

// SSETransport reads the role's server-sent-events stream.
type SSETransport struct {
	url      string
	identity session.Identity
	client   *http.Client
	log      *zap.Logger
}

func NewSSETransport(baseURL string, id session.Identity, log *zap.Logger) *SSETransport {
	return &SSETransport{
		url:      strings.TrimRight(baseURL, "/") + id.StreamPath(),
		identity: id,
		// no timeout: the body stays open for the whole stream
		client: &http.Client{},
		log:    log,
	}
}

func (t *SSETransport) Source() event.Source { return event.SourceSSE }

func (t *SSETransport) Run(ctx context.Context, emit func(event.Event), healthy func(bool)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.identity.Headers() {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("open stream: status %d", resp.StatusCode)
	}
	healthy(true)

	err = readSSE(resp.Body, func(name string, data []byte) {
		ev, err := event.Decode(name, data, event.SourceSSE)
		if err != nil {
			t.log.Warn("dropping stream event", zap.String("event", name), zap.Error(err))
			return
		}
		emit(ev)
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errSubscriptionClosed
}

// readSSE splits a text/event-stream into (event name, data) pairs. Comment
// lines are heartbeats and are skipped. Multiple data lines join with "\n".
func readSSE(r io.Reader, dispatch func(name string, data []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var (
		name string
		data []string
	)
	flush := func() {
		if len(data) > 0 {
			dispatch(name, []byte(strings.Join(data, "\n")))
		}
		name, data = "", nil
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				name = value
			case "data":
				data = append(data, value)
			}
		}
	}
	return sc.Err()
}
