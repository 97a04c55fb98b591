package realtime

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/event"
	"github.com/hackgods/live-appointment-scheduling/internal/mq"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

// Relay publishes an encoded event to other processes, e.g. the redis
// broadcast channel.
type Relay interface {
	Publish(ctx context.Context, payload []byte) error
}

// Queue publishes an encoded event under a routing key, e.g. RabbitMQ.
type Queue interface {
	Publish(ctx context.Context, key string, body []byte) error
}

// Fanout implements appointment.Notifier. Every committed change goes to the
// websocket rooms and SSE streams of the doctor, the previous doctor, the
// patient and the hospital, then to the relay and the queue when set.
type Fanout struct {
	hub     *Hub
	broker  *Broker
	relay   Relay
	queue   Queue
	timeout time.Duration
	log     *zap.Logger
}

type FanoutOption func(*Fanout)

func WithRelay(r Relay) FanoutOption { return func(f *Fanout) { f.relay = r } }

func WithQueue(q Queue) FanoutOption { return func(f *Fanout) { f.queue = q } }

func NewFanout(hub *Hub, broker *Broker, log *zap.Logger, opts ...FanoutOption) *Fanout {
	f := &Fanout{hub: hub, broker: broker, timeout: 2 * time.Second, log: log}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ appointment.Notifier = (*Fanout)(nil)

func (f *Fanout) Notify(ctx context.Context, change appointment.Change) {
	ev := event.FromChange(change)
	log := f.log.With(zap.String("type", string(ev.Kind)), zap.Int64("appointment_id", ev.AppointmentID))

	payload, err := event.Encode(ev)
	if err != nil {
		log.Error("encode event", zap.Error(err))
		return
	}

	delivered := 0
	for _, t := range targets(change) {
		frame, err := event.NewFrame(t.room, ev)
		if err != nil {
			log.Error("encode frame", zap.Error(err))
			return
		}
		delivered += f.hub.Broadcast(t.room, frame)
		delivered += f.broker.Publish(t.stream, string(ev.Kind), payload)
	}
	log.Debug("event pushed", zap.Int("deliveries", delivered))

	// the request may be finishing; the outbound publishes get their own deadline
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	if f.relay != nil {
		if err := f.relay.Publish(pctx, payload); err != nil {
			log.Warn("relay publish failed", zap.Error(err))
		}
	}
	if f.queue != nil {
		if err := f.queue.Publish(pctx, mq.RoutingKey(string(ev.Kind)), payload); err != nil {
			log.Warn("queue publish failed", zap.Error(err))
		}
	}
}

type target struct {
	room   string
	stream string
}

func targets(change appointment.Change) []target {
	a := change.Appointment
	out := []target{
		{session.DoctorRoom(a.DoctorID), StreamKey("doctor", a.DoctorID)},
	}
	if prev := change.PreviousDoctorID; prev != 0 && prev != a.DoctorID {
		out = append(out, target{session.DoctorRoom(prev), StreamKey("doctor", prev)})
	}
	if a.PatientID != 0 {
		out = append(out, target{session.PatientRoom(a.PatientID), StreamKey("patient", a.PatientID)})
	}
	if a.HospitalID != nil {
		out = append(out, target{session.HospitalRoom(*a.HospitalID), StreamKey("hospital", *a.HospitalID)})
	}
	return out
}
