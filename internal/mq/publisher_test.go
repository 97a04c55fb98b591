package mq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	out    []published
	err    error
	closed bool
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.out = append(c.out, published{exchange, key, msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "appointment.updated", RoutingKey("appointment-updated"))
	assert.Equal(t, "appointment.updated-optimistic", RoutingKey("appointment-updated-optimistic"))
	assert.Equal(t, "appointment.reschedule", RoutingKey("appointment-reschedule"))
}

func TestPublishJSON(t *testing.T) {
	ch := &fakeChannel{}
	p := &Publisher{ch: ch, exchange: "appointments.events", log: zap.NewNop()}

	require.NoError(t, p.PublishJSON(context.Background(), "appointment.cancelled", map[string]int64{"appointmentId": 42}))
	require.Len(t, ch.out, 1)
	assert.Equal(t, "appointments.events", ch.out[0].exchange)
	assert.Equal(t, "appointment.cancelled", ch.out[0].key)
	assert.Equal(t, "application/json", ch.out[0].msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.out[0].msg.DeliveryMode)
	assert.JSONEq(t, `{"appointmentId":42}`, string(ch.out[0].msg.Body))

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestPublishWrapsErrors(t *testing.T) {
	boom := errors.New("channel closed")
	p := &Publisher{ch: &fakeChannel{err: boom}, exchange: "x", log: zap.NewNop()}

	err := p.Publish(context.Background(), "appointment.updated", []byte(`{}`))
	assert.ErrorIs(t, err, boom)
}
