package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/turnloop/conductor/internal/config"
	v1 "github.com/turnloop/conductor/pkg/api/v1"
)

// conductorEventsSubject is the single NATS subject every Conductor
// instance publishes to and subscribes from; per-conversation routing is
// done in-process by Hub.dispatch, not by NATS subject hierarchy, so that
// subscribeConversations (every conversation) needs only one subscription.
const conductorEventsSubject = "conductor.events"

// NATSBus is the optional, multi-process EventBus backend, selected when
// config.NATS.URL is set. It lets several Conductor instances share one
// logical Subscription Hub in front of a shared Postgres Event Store.
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus connects to the configured NATS server.
func NewNATSBus(cfg config.NATSConfig) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("hub: connect nats: %w", err)
	}
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(ctx context.Context, evt v1.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("hub: marshal event for nats: %w", err)
	}
	return b.conn.Publish(conductorEventsSubject, data)
}

func (b *NATSBus) Subscribe(ctx context.Context, onEvent func(v1.Event)) (func(), error) {
	sub, err := b.conn.Subscribe(conductorEventsSubject, func(msg *nats.Msg) {
		var evt v1.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		onEvent(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("hub: nats subscribe: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Close drains and closes the underlying NATS connection.
func (b *NATSBus) Close() {
	b.conn.Close()
}
