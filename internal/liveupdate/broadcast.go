package liveupdate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/event"
)

// Subscriber yields raw broadcast messages until ctx ends.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// BroadcastTransport consumes the cross-instance channel. It is always on,
// independent of socket health.
type BroadcastTransport struct {
	sub Subscriber
	log *zap.Logger
}

func NewBroadcastTransport(sub Subscriber, log *zap.Logger) *BroadcastTransport {
	return &BroadcastTransport{sub: sub, log: log}
}

func (t *BroadcastTransport) Source() event.Source { return event.SourceBroadcast }

func (t *BroadcastTransport) Run(ctx context.Context, emit func(event.Event), healthy func(bool)) error {
	msgs, err := t.sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe broadcast: %w", err)
	}
	healthy(true)

	for raw := range msgs {
		ev, err := event.Decode("", raw, event.SourceBroadcast)
		if err != nil {
			t.log.Warn("dropping broadcast message", zap.Error(err))
			continue
		}
		emit(ev)
	}
	if ctx.Err() != nil {
		return nil
	}
	return errSubscriptionClosed
}
