package obs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"goa.design/clue/log"

	"github.com/tradewire/signalbus"
	"github.com/tradewire/signalbus/schema"
	"github.com/tradewire/signalbus/store"
)

// Subscriber is the narrow bus interface the collector consumes through.
// It is satisfied by *nats.Conn.
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Collector subscribes to every observation subject and writes normalized
// rows to the analytics store. Delivery from the bus is at-most-once;
// duplicates that do occur (e.g. collector restart overlap) are dropped by
// the event_id dedupe in the store.
type Collector struct {
	sub      Subscriber
	st       store.Store
	registry *schema.Registry

	subscriptions []*nats.Subscription
}

// NewCollector builds a collector over the given bus connection and store.
func NewCollector(sub Subscriber, st store.Store, registry *schema.Registry) *Collector {
	return &Collector{sub: sub, st: st, registry: registry}
}

// Run subscribes to all event types and blocks until the context ends.
// A malformed or invalid envelope is logged and skipped, never retried.
func (c *Collector) Run(ctx context.Context) error {
	for _, et := range signalbus.EventTypes() {
		sub, err := c.sub.Subscribe(Subject(et), func(msg *nats.Msg) {
			c.handle(ctx, msg.Data)
		})
		if err != nil {
			c.drainAll()
			return fmt.Errorf("subscribe %s: %w", et, err)
		}
		c.subscriptions = append(c.subscriptions, sub)
	}
	log.Printf(ctx, "obs collector subscribed to %d event types", len(c.subscriptions))

	<-ctx.Done()
	c.drainAll()
	return nil
}

func (c *Collector) drainAll() {
	for _, sub := range c.subscriptions {
		_ = sub.Drain()
	}
	c.subscriptions = nil
}

func (c *Collector) handle(ctx context.Context, data []byte) {
	var ev signalbus.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Errorf(ctx, err, "obs collector: drop malformed envelope")
		return
	}
	if ev.EventID == "" || ev.EventType == "" {
		log.Printf(ctx, "obs collector: drop envelope without id or type")
		return
	}
	if c.registry != nil && len(ev.Data) > 0 {
		if err := c.registry.Validate(ev.EventType, ev.Data); err != nil {
			// Consumer-side violations are warnings: skip and move on so a
			// bad producer cannot wedge the collector.
			log.Errorf(ctx, err, "obs collector: drop invalid %s event %s", ev.EventType, ev.EventID)
			return
		}
	}
	inserted, err := c.st.InsertEvent(ctx, &ev)
	if err != nil {
		log.Errorf(ctx, err, "obs collector: persist event %s", ev.EventID)
		return
	}
	if !inserted {
		log.Debugf(ctx, "obs collector: duplicate event %s", ev.EventID)
	}
}
