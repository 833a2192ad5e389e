// Package obs implements the event observation bus: a lossy, at-most-once
// pipeline that records every lifecycle event (signal, fire, execution,
// confirmation, health) without ever disturbing the trading path.
//
// Producers publish through Client, which validates, envelopes and pushes
// events to the bus broker and swallows every failure. Collector subscribes
// to all event types and persists normalized rows; readers dedupe by
// event_id since exactly-once into the store is not guaranteed.
package obs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"goa.design/clue/log"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/schema"
)

// SubjectPrefix roots every observation subject; one subject per event
// type, e.g. "obs.events.signal_generated".
const SubjectPrefix = "obs.events."

// Subject returns the bus subject for an event type.
func Subject(et signalbus.EventType) string {
	return SubjectPrefix + string(et)
}

// Publisher is the narrow bus interface the client publishes through. It is
// satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Client publishes observation events fire-and-forget. A nil Client is
// usable: every publish is a silent no-op, so components can carry an
// optional observer without nil checks.
type Client struct {
	pub      Publisher
	registry *schema.Registry
	source   string
}

// NewClient builds a publisher for the named source component.
func NewClient(pub Publisher, registry *schema.Registry, source string) *Client {
	return &Client{pub: pub, registry: registry, source: source}
}

// Publish validates, envelopes and publishes an event. Failures are logged
// at debug level and swallowed; the trading path must never block or fail
// on observation.
func (c *Client) Publish(ctx context.Context, et signalbus.EventType, correlationID, userID string, data any) {
	if c == nil || c.pub == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		log.Debugf(ctx, "obs: marshal %s payload: %v", et, err)
		return
	}
	if c.registry != nil {
		if err := c.registry.Validate(et, payload); err != nil {
			log.Debugf(ctx, "obs: refuse %s publish: %v", et, err)
			return
		}
	}
	ev := signalbus.Event{
		EventID:       uuid.New().String(),
		EventType:     et,
		Timestamp:     time.Now().UTC(),
		Source:        c.source,
		CorrelationID: correlationID,
		UserID:        userID,
		Data:          payload,
	}
	envelope, err := json.Marshal(&ev)
	if err != nil {
		log.Debugf(ctx, "obs: marshal %s envelope: %v", et, err)
		return
	}
	if err := c.pub.Publish(Subject(et), envelope); err != nil {
		log.Debugf(ctx, "obs: publish %s: %v", et, err)
	}
}

// ConnectOptions are the standard bus connection options: bounded
// exponential reconnect, capped at 30 s, retrying forever.
func ConnectOptions(name string) []nats.Option {
	return []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			d := 2 * time.Second << uint(min(attempts, 4))
			if d > 30*time.Second {
				d = 30 * time.Second
			}
			return d
		}),
	}
}
